package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMiddlewareRouter はセッションミドルウェアと検証用ルートを持つルーターを生成する。
func newMiddlewareRouter(store Store, opts CookieOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(store, opts, nil))

	r.GET("/peek", func(c *gin.Context) {
		cred, err := FromContext(c).Credential()
		if err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.String(http.StatusOK, cred)
	})
	r.GET("/ensure", func(c *gin.Context) {
		sess, err := FromContext(c).Session()
		if err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.String(http.StatusOK, sess.ID)
	})
	r.POST("/login", func(c *gin.Context) {
		if err := FromContext(c).SetCredential(c.PostForm("token")); err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.Status(http.StatusNoContent)
	})
	r.POST("/regenerate", func(c *gin.Context) {
		h := FromContext(c)
		sess, err := h.Regenerate()
		if err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		if err := h.SetCredential("fresh"); err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.String(http.StatusOK, sess.ID)
	})
	r.GET("/logout", func(c *gin.Context) {
		if err := FromContext(c).Destroy(); err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.Status(http.StatusNoContent)
	})
	return r
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, ck := range w.Result().Cookies() {
		if ck.Name == DefaultCookieName {
			return ck
		}
	}
	return nil
}

// TestMiddleware はCookieとセッションの受け渡しを検証する。
func TestMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("参照するだけではセッションもCookieも作成しないこと", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore(Policy{}, 0, nil)
		defer store.Close()
		r := newMiddlewareRouter(store, CookieOptions{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/peek", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Body.String())
		assert.Nil(t, sessionCookie(t, w))
		assert.Zero(t, store.Len())
	})

	t.Run("Sessionで作成したセッションがCookieで引き継がれること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore(Policy{}, 0, nil)
		defer store.Close()
		r := newMiddlewareRouter(store, CookieOptions{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ensure", nil))
		require.Equal(t, http.StatusOK, w.Code)

		ck := sessionCookie(t, w)
		require.NotNil(t, ck)
		assert.Equal(t, w.Body.String(), ck.Value)
		assert.True(t, ck.HttpOnly)
		assert.Equal(t, int(time.Hour/time.Second), ck.MaxAge)
		assert.Equal(t, http.SameSiteLaxMode, ck.SameSite)

		req := httptest.NewRequest(http.MethodGet, "/ensure", nil)
		req.AddCookie(ck)
		w2 := httptest.NewRecorder()
		r.ServeHTTP(w2, req)
		assert.Equal(t, ck.Value, w2.Body.String())
		assert.Equal(t, 1, store.Len())
	})

	t.Run("ログインでクレデンシャルが保存されログアウトで消えること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore(Policy{}, 0, nil)
		defer store.Close()
		r := newMiddlewareRouter(store, CookieOptions{})

		login := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("token=abc"))
		login.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, login)
		require.Equal(t, http.StatusNoContent, w.Code)
		ck := sessionCookie(t, w)
		require.NotNil(t, ck)

		peek := httptest.NewRequest(http.MethodGet, "/peek", nil)
		peek.AddCookie(ck)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, peek)
		assert.Equal(t, "abc", w.Body.String())

		logout := httptest.NewRequest(http.MethodGet, "/logout", nil)
		logout.AddCookie(ck)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, logout)
		require.Equal(t, http.StatusNoContent, w.Code)
		cleared := sessionCookie(t, w)
		require.NotNil(t, cleared)
		assert.Less(t, cleared.MaxAge, 0)
		assert.Zero(t, store.Len())

		peek = httptest.NewRequest(http.MethodGet, "/peek", nil)
		peek.AddCookie(ck)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, peek)
		assert.Empty(t, w.Body.String())
	})

	t.Run("不明なセッションIDは匿名として扱われ新しいセッションに置き換わること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore(Policy{}, 0, nil)
		defer store.Close()
		r := newMiddlewareRouter(store, CookieOptions{})

		req := httptest.NewRequest(http.MethodGet, "/ensure", nil)
		req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "forged"})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEqual(t, "forged", w.Body.String())
		ck := sessionCookie(t, w)
		require.NotNil(t, ck)
		assert.Equal(t, w.Body.String(), ck.Value)
	})

	t.Run("Regenerateで古いセッションが破棄され新しいIDになること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore(Policy{}, 0, nil)
		defer store.Close()
		r := newMiddlewareRouter(store, CookieOptions{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ensure", nil))
		old := sessionCookie(t, w)
		require.NotNil(t, old)

		req := httptest.NewRequest(http.MethodPost, "/regenerate", nil)
		req.AddCookie(old)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		fresh := sessionCookie(t, w)
		require.NotNil(t, fresh)
		assert.NotEqual(t, old.Value, fresh.Value)
		assert.Equal(t, w.Body.String(), fresh.Value)
		assert.Equal(t, 1, store.Len())

		_, err := store.Get(t.Context(), old.Value)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		got, err := store.Get(t.Context(), fresh.Value)
		require.NoError(t, err)
		assert.Equal(t, "fresh", got.Credential)
	})

	t.Run("Cookie属性を設定できること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore(Policy{}, 0, nil)
		defer store.Close()
		r := newMiddlewareRouter(store, CookieOptions{
			Name:     "custom",
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   10 * time.Minute,
		})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ensure", nil))

		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, "custom", cookies[0].Name)
		assert.True(t, cookies[0].Secure)
		assert.Equal(t, http.SameSiteStrictMode, cookies[0].SameSite)
		assert.Equal(t, 600, cookies[0].MaxAge)
	})
}

// TestFromContext はミドルウェアを通っていない場合にnilを返すことを検証する。
func TestFromContext(t *testing.T) {
	t.Parallel()

	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, FromContext(c))
}
