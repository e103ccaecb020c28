package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"mime"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/frontgate/pkg/httpclient"
)

// formBody はフォームまたはJSONのリクエストボディを上流へ送るマップに変換する。
// 1つだけの値は文字列、複数の値は配列になる。
func formBody(c *gin.Context) (map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if mediaType == "application/json" {
		body := map[string]any{}
		if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return body, nil
	}

	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	return formToJSON(c.Request.PostForm), nil
}

// upstreamMessage は上流のエラーから利用者に見せるメッセージを取り出す。
// 上流がメッセージを返さなかった場合はfallbackを返す。
func upstreamMessage(err error, fallback string) string {
	if se, ok := httpclient.AsStatusError(err); ok && se.Message != "" {
		return se.Message
	}
	return fallback
}
