package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/frontgate/internal/config"
	"github.com/nao1215/frontgate/internal/session"
	"github.com/nao1215/frontgate/pkg/credential"
	"github.com/nao1215/frontgate/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用の上流が署名に使う鍵。
const testSecret = "test-upstream-secret"

// fakeUpstream はテスト用の上流RESTサービス。
// 受け取ったリクエストを記録し、パスごとのハンドラで応答する。
type fakeUpstream struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]http.HandlerFunc
}

// recordedRequest は上流が受け取ったリクエストの記録。
type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
	Host   string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()

	u := &fakeUpstream{handlers: map[string]http.HandlerFunc{}}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.requests = append(u.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(body),
			Host:   r.Host,
		})
		h, ok := u.handlers[r.Method+" "+r.URL.Path]
		u.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

// handle はメソッドとパスに対するハンドラを登録する。
func (u *fakeUpstream) handle(method, path string, h http.HandlerFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handlers[method+" "+path] = h
}

// last は指定パスへの最後のリクエストを返す。
func (u *fakeUpstream) last(t *testing.T, method, path string) recordedRequest {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.requests) - 1; i >= 0; i-- {
		if u.requests[i].Method == method && u.requests[i].Path == path {
			return u.requests[i]
		}
	}
	t.Fatalf("上流へのリクエストが見つかりません: %s %s", method, path)
	return recordedRequest{}
}

// count は受け取ったリクエスト数を返す。
func (u *fakeUpstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withAuthAPI はログインと登録のエンドポイントを上流に登録する。
// password が "secret" の場合のみログインに成功する。
func (u *fakeUpstream) withAuthAPI(t *testing.T) {
	t.Helper()

	u.handle(http.MethodPost, "/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "JSONではありません"})
			return
		}
		if body["password"] != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Identifiants invalides"})
			return
		}
		email, _ := body["email"].(string)
		token, err := credential.Issue(testSecret, "user-42", email, time.Hour)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token})
	})
	u.handle(http.MethodPost, "/auth/signup", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] == "taken@example.com" {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "Email déjà utilisé"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": 1})
	})
}

// testLogger はテスト出力を捨てるロガーを返す。
func testLogger() logger.Interface {
	return logger.NewWithWriter("error", io.Discard)
}

// newTestServer はメモリストアと指定した上流を使うテスト用サーバーを生成する。
func newTestServer(t *testing.T, upstreamURL string, mutate ...func(*config.Config)) (*Server, *session.MemoryStore) {
	t.Helper()

	cfg := config.Default()
	cfg.Upstream.URL = upstreamURL
	cfg.Upstream.Timeout = config.Duration(2 * time.Second)
	cfg.Overview.Timeout = config.Duration(2 * time.Second)
	cfg.Overview.Collections = []config.Collection{
		{Name: "users", Path: "/users"},
		{Name: "transactions", Path: "/transactions"},
		{Name: "analyses", Path: "/analyses"},
	}
	cfg.Overview.FraudCollection = "analyses"
	cfg.Entities = []config.Collection{
		{Name: "users", Path: "/users"},
	}
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())

	store := session.NewMemoryStore(session.Policy{TTL: cfg.Session.TTL.Std()}, 0, nil)
	t.Cleanup(func() { _ = store.Close() })

	s, err := NewServer(cfg, store, testLogger())
	require.NoError(t, err)
	return s, store
}

// browser はCookieを保持しリダイレクトを追わないテスト用クライアント。
type browser struct {
	t      *testing.T
	base   string
	client *http.Client
}

func newBrowser(t *testing.T, s *Server) *browser {
	t.Helper()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{
		t:    t,
		base: ts.URL,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (b *browser) get(path string) *http.Response {
	b.t.Helper()
	resp, err := b.client.Get(b.base + path)
	require.NoError(b.t, err)
	b.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (b *browser) postForm(path string, values url.Values) *http.Response {
	b.t.Helper()
	resp, err := b.client.PostForm(b.base+path, values)
	require.NoError(b.t, err)
	b.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// renderedView はJSONRendererの出力。
type renderedView struct {
	View string         `json:"view"`
	Data map[string]any `json:"data"`
}

func decodeView(t *testing.T, resp *http.Response) renderedView {
	t.Helper()
	var v renderedView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func decodeRecorderView(t *testing.T, w *httptest.ResponseRecorder) renderedView {
	t.Helper()
	var v renderedView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}
