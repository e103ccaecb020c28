package session

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/frontgate/pkg/logger"
)

// DefaultCookieName はセッションCookieのデフォルト名。
const DefaultCookieName = "frontgate.sid"

// contextKey はgin.Context上にHandleを保存するキー。
const contextKey = "frontgate.session"

// CookieOptions はセッションCookieの属性。
type CookieOptions struct {
	// Name はCookie名。空の場合はDefaultCookieNameを使う。
	Name string
	// Path はCookieのパス。空の場合は"/"。
	Path string
	// MaxAge はCookieの有効期間。0以下の場合はDefaultTTL。
	MaxAge time.Duration
	// Secure がtrueの場合はHTTPSのみでCookieを送信させる。
	Secure bool
	// SameSite はSameSite属性。0の場合はLax。
	SameSite http.SameSite
	// Sliding がtrueの場合、既存セッションを読み込むたびにTouchしてCookieを延長する。
	Sliding bool
}

func (o CookieOptions) withDefaults() CookieOptions {
	if o.Name == "" {
		o.Name = DefaultCookieName
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultTTL
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteLaxMode
	}
	return o
}

// Middleware は各リクエストに遅延ロードのHandleを割り当てるGinミドルウェアを返す。
// ストアへのアクセスはハンドラがHandleを使った時点まで行わない。
func Middleware(store Store, opts CookieOptions, l logger.Interface) gin.HandlerFunc {
	opts = opts.withDefaults()
	return func(c *gin.Context) {
		c.Set(contextKey, &Handle{
			c:      c,
			store:  store,
			opts:   opts,
			logger: l,
		})
		c.Next()
	}
}

// FromContext はMiddlewareが割り当てたHandleを返す。
// Middlewareを通っていない場合はnilを返す。
func FromContext(c *gin.Context) *Handle {
	v, ok := c.Get(contextKey)
	if !ok {
		return nil
	}
	h, _ := v.(*Handle)
	return h
}

// Handle は1リクエスト分のセッションへのアクセスを提供する。
type Handle struct {
	c      *gin.Context
	store  Store
	opts   CookieOptions
	logger logger.Interface

	mu      sync.Mutex
	loaded  bool
	current *Session
}

// Lookup はCookieが指す既存のセッションを返す。
// Cookieがない場合や失効している場合は新しいセッションを作らずnilを返す。
func (h *Handle) Lookup() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lookupLocked()
}

func (h *Handle) lookupLocked() (*Session, error) {
	if h.loaded {
		return h.current, nil
	}

	id, err := h.c.Cookie(h.opts.Name)
	if err != nil || id == "" {
		h.loaded = true
		return nil, nil
	}

	ctx := h.c.Request.Context()
	sess, err := h.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
		h.loaded = true
		return nil, nil
	case err != nil:
		return nil, err
	}

	if h.opts.Sliding {
		if err := h.store.Touch(ctx, id); err != nil {
			return nil, err
		}
		if refreshed, err := h.store.Get(ctx, id); err == nil {
			sess = refreshed
		}
		h.setCookie(sess.ID)
	}

	h.loaded = true
	h.current = sess
	return sess, nil
}

// Session はCookieが指すセッションを返す。存在しなければ新しく作成してCookieを設定する。
func (h *Handle) Session() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ensureLocked()
}

func (h *Handle) ensureLocked() (*Session, error) {
	sess, err := h.lookupLocked()
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	sess, err = h.store.Create(h.c.Request.Context())
	if err != nil {
		return nil, err
	}
	h.setCookie(sess.ID)
	h.current = sess
	h.loaded = true
	if h.logger != nil {
		h.logger.Debug("セッションを作成しました: id=%s", sess.ID)
	}
	return sess, nil
}

// Credential は現在のクレデンシャルを返す。セッションがなければ空文字列を返す。
func (h *Handle) Credential() (string, error) {
	sess, err := h.Lookup()
	if err != nil || sess == nil {
		return "", err
	}
	return sess.Credential, nil
}

// SetCredential はクレデンシャルを保存する。セッションがなければ作成する。
// 空文字列を渡すと匿名に戻る。
func (h *Handle) SetCredential(credential string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, err := h.ensureLocked()
	if err != nil {
		return err
	}
	if err := h.store.SetCredential(h.c.Request.Context(), sess.ID, credential); err != nil {
		return err
	}
	copied := *sess
	copied.Credential = credential
	h.current = &copied
	return nil
}

// Regenerate は現在のセッションを破棄し、新しいIDのセッションに置き換える。
// ログイン時にセッションIDを固定されないように使う。
func (h *Handle) Regenerate() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := h.c.Request.Context()
	if id, err := h.c.Cookie(h.opts.Name); err == nil && id != "" {
		if err := h.store.Clear(ctx, id); err != nil {
			return nil, err
		}
	}
	if h.current != nil {
		if err := h.store.Clear(ctx, h.current.ID); err != nil {
			return nil, err
		}
	}

	sess, err := h.store.Create(ctx)
	if err != nil {
		return nil, err
	}
	h.setCookie(sess.ID)
	h.current = sess
	h.loaded = true
	return sess, nil
}

// Destroy はセッションを削除し、Cookieを失効させる。
func (h *Handle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, err := h.c.Cookie(h.opts.Name)
	if err == nil && id != "" {
		if err := h.store.Clear(h.c.Request.Context(), id); err != nil {
			return err
		}
	}
	if h.current != nil && h.current.ID != id {
		if err := h.store.Clear(h.c.Request.Context(), h.current.ID); err != nil {
			return err
		}
	}

	h.c.SetSameSite(h.opts.SameSite)
	h.c.SetCookie(h.opts.Name, "", -1, h.opts.Path, "", h.opts.Secure, true)
	h.current = nil
	h.loaded = true
	return nil
}

func (h *Handle) setCookie(id string) {
	h.c.SetSameSite(h.opts.SameSite)
	h.c.SetCookie(h.opts.Name, id, int(h.opts.MaxAge/time.Second), h.opts.Path, "", h.opts.Secure, true)
}
