package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/frontgate/pkg/logger"
)

// maxRewriteBodySize はJSONへ変換するために読み込むボディの上限。
const maxRewriteBodySize = 10 << 20

// hopByHopHeaders は転送してはいけないホップ間ヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy は予約プレフィックス外のリクエストを単一の上流ホストへ転送する。
type Proxy struct {
	// target は上流のベースURL。
	target *url.URL
	// client は転送用HTTPクライアント。リダイレクトは追従しない。
	client *http.Client
	// sessionCookie は上流へ渡さないゲートウェイ自身のCookie名。
	sessionCookie string
	// logger はロガー。
	logger logger.Interface
}

// NewProxy は新しいProxyを生成する。
func NewProxy(target string, timeout time.Duration, sessionCookie string, l logger.Interface) (*Proxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("上流URLの解析に失敗: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("上流URLが不正です: %q", target)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	return &Proxy{
		target: u,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		sessionCookie: sessionCookie,
		logger:        l,
	}, nil
}

// Handle はリクエストを上流へ転送し、ステータス、ヘッダー、ボディをそのまま返す。
func (p *Proxy) Handle(c *gin.Context) {
	req, err := p.outboundRequest(c)
	if err != nil {
		p.logger.Warn("転送リクエストの作成に失敗: path=%s, error=%v", c.Request.URL.Path, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストを転送できませんでした"})
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		proxyResponsesTotal.WithLabelValues(req.Method, "error").Inc()
		p.logger.Error("プロキシエラー: url=%s, error=%v", req.URL.String(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "上流サービスとの通信に失敗しました"})
		return
	}
	defer resp.Body.Close()
	proxyResponsesTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()

	header := c.Writer.Header()
	for k, values := range resp.Header {
		if k == "Set-Cookie" {
			continue
		}
		for _, v := range values {
			header.Add(k, v)
		}
	}
	removeHopByHop(header)
	for _, sc := range resp.Header.Values("Set-Cookie") {
		header.Add("Set-Cookie", stripCookieDomain(sc))
	}

	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		p.logger.Warn("レスポンスの転送が途中で失敗: url=%s, error=%v", req.URL.String(), err)
	}
}

// outboundRequest は上流へ送るリクエストを組み立てる。
func (p *Proxy) outboundRequest(c *gin.Context) (*http.Request, error) {
	in := c.Request

	out := *p.target
	out.Path = p.target.Path + in.URL.Path
	if in.URL.RawPath != "" {
		out.RawPath = p.target.EscapedPath() + in.URL.RawPath
	}
	out.RawQuery = in.URL.RawQuery

	body, contentType, length, err := rewriteBody(in)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(in.Context(), in.Method, out.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = in.Header.Clone()
	removeHopByHop(req.Header)
	stripRequestCookie(req.Header, p.sessionCookie)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.ContentLength = length
	if length >= 0 {
		req.Header.Set("Content-Length", strconv.FormatInt(length, 10))
	} else {
		req.Header.Del("Content-Length")
	}
	req.Host = p.target.Host

	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	req.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	return req, nil
}

// hasBody はボディを書き換える対象のメソッドかどうかを返す。
func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// rewriteBody は更新系メソッドのJSONとフォームのボディをJSONとして再シリアライズする。
// それ以外のボディはそのまま流す。書き換えない場合contentTypeは空になる。
func rewriteBody(in *http.Request) (body io.Reader, contentType string, length int64, err error) {
	if in.Body == nil || in.Body == http.NoBody {
		return nil, "", 0, nil
	}
	if !hasBody(in.Method) {
		return in.Body, "", in.ContentLength, nil
	}

	mediaType, _, _ := mime.ParseMediaType(in.Header.Get("Content-Type"))
	isJSON := mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
	isForm := mediaType == "application/x-www-form-urlencoded"
	if !isJSON && !isForm {
		return in.Body, "", in.ContentLength, nil
	}

	raw, err := io.ReadAll(io.LimitReader(in.Body, maxRewriteBodySize+1))
	if err != nil {
		return nil, "", 0, fmt.Errorf("リクエストボディの読み取りに失敗: %w", err)
	}
	if len(raw) > maxRewriteBodySize {
		return nil, "", 0, errors.New("リクエストボディが大きすぎます")
	}

	var encoded []byte
	switch {
	case isForm:
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, "", 0, fmt.Errorf("フォームの解析に失敗: %w", err)
		}
		encoded, err = json.Marshal(formToJSON(values))
		if err != nil {
			return nil, "", 0, fmt.Errorf("フォームのJSON変換に失敗: %w", err)
		}
	default:
		var buf bytes.Buffer
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, "", 0, nil
		}
		if err := json.Compact(&buf, raw); err != nil {
			// 不正なJSONは上流に判断させる
			return bytes.NewReader(raw), "", int64(len(raw)), nil
		}
		encoded = buf.Bytes()
	}
	return bytes.NewReader(encoded), "application/json", int64(len(encoded)), nil
}

// formToJSON はフォーム値を、1つだけの値は文字列、複数の値は配列としたマップにする。
func formToJSON(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			out[k] = v[0]
			continue
		}
		out[k] = v
	}
	return out
}

// removeHopByHop はホップ間ヘッダーとConnectionで指定されたヘッダーを削除する。
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// stripCookieDomain はSet-CookieヘッダーからDomain属性を取り除く。
// Cookieがゲートウェイ自身のドメインに紐付くようにする。
func stripCookieDomain(setCookie string) string {
	parts := strings.Split(setCookie, ";")
	kept := []string{parts[0]}
	for _, part := range parts[1:] {
		name, _, _ := strings.Cut(strings.TrimSpace(part), "=")
		if strings.EqualFold(name, "domain") {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, ";")
}

// stripRequestCookie はCookieヘッダーから指定名のCookieを取り除く。
func stripRequestCookie(h http.Header, name string) {
	if name == "" {
		return
	}
	lines := h.Values("Cookie")
	if len(lines) == 0 {
		return
	}
	var kept []string
	for _, line := range lines {
		for _, pair := range strings.Split(line, ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			if k, _, _ := strings.Cut(pair, "="); k == name {
				continue
			}
			kept = append(kept, pair)
		}
	}
	h.Del("Cookie")
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}
