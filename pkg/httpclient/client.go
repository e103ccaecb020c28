package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultTimeout は上流呼び出し1回あたりのデフォルトタイムアウト。
const DefaultTimeout = 10 * time.Second

// maxErrorBodySize はエラーレスポンスから読み取る最大バイト数。
const maxErrorBodySize = 64 * 1024

var upstreamDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "frontgate_upstream_request_duration_seconds",
		Help:    "Latency of JSON calls issued to the upstream service",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "code"},
)

// StatusError は上流サービスが2xx以外のステータスを返したことを表す。
type StatusError struct {
	// StatusCode は上流のHTTPステータスコード。
	StatusCode int
	// Message は上流のエラーボディに含まれる "error" または "message" フィールド。
	Message string
	// Body はレスポンスボディ（最大64KiB）。
	Body []byte
}

// Error はエラーメッセージを返す。
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTPエラー: status=%d, message=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, string(e.Body))
}

// AsStatusError はerrがStatusErrorを含む場合にそれを返す。
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Client は上流RESTサービス用のHTTPクライアント。
// コンテキストにクレデンシャルがあればベアラートークンとして付与する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は上流サービスのベースURL。
	baseURL string
}

// New は新しい上流サービス用HTTPクライアントを生成する。
// baseURLには上流サービスのベースURL（例: "http://localhost:3000"）を指定する。
// timeoutが0以下の場合はDefaultTimeoutを使う。
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result)
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// PutJSON は指定パスにJSONボディでPUTリクエストを送信する。
func (c *Client) PutJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPut, path, body, result)
}

// Delete は指定パスにDELETEリクエストを送信する。
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// コンテキストからクレデンシャルを伝播する
	if credential, ok := CredentialFrom(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamDuration.WithLabelValues(method, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()
	upstreamDuration.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
			Body:       respBody,
		}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// errorMessage は上流のエラーボディから利用者向けのメッセージを取り出す。
func errorMessage(body []byte) string {
	var payload struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if s, ok := payload.Error.(string); ok && s != "" {
		return s
	}
	return payload.Message
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyCredential はコンテキストにクレデンシャルを格納するためのキー。
const contextKeyCredential contextKey = "credential"

// WithCredential はコンテキストにクレデンシャルを設定する。
// 空文字列の場合はコンテキストをそのまま返す。
func WithCredential(ctx context.Context, credential string) context.Context {
	if credential == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKeyCredential, credential)
}

// CredentialFrom はコンテキストに設定されたクレデンシャルを返す。
func CredentialFrom(ctx context.Context) (string, bool) {
	credential, ok := ctx.Value(contextKeyCredential).(string)
	return credential, ok && credential != ""
}
