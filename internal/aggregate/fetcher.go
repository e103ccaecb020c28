package aggregate

import (
	"context"
	"encoding/json"

	"github.com/nao1215/frontgate/pkg/httpclient"
)

// HTTPFetcher は上流クライアント経由でコレクションを取得するFetcher。
type HTTPFetcher struct {
	client *httpclient.Client
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher は新しいHTTPFetcherを生成する。
func NewHTTPFetcher(client *httpclient.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client}
}

// FetchCollection はクレデンシャルを付与してpathをGETし、応答ボディをそのまま返す。
func (f *HTTPFetcher) FetchCollection(ctx context.Context, credential, path string) ([]byte, error) {
	var raw json.RawMessage
	if err := f.client.GetJSON(httpclient.WithCredential(ctx, credential), path, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
