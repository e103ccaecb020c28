package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/frontgate/internal/session"
	"github.com/nao1215/frontgate/pkg/credential"
	"github.com/nao1215/frontgate/pkg/logger"
)

// RouteClass はリクエストの扱いの分類。
type RouteClass int

const (
	// ClassPassthrough は上流へそのまま転送するリクエスト。
	ClassPassthrough RouteClass = iota
	// ClassOpen は認証状態を問わないアプリケーションルート。
	ClassOpen
	// ClassGuardedAnonymousOnly は未ログイン時のみ許可するルート。
	ClassGuardedAnonymousOnly
	// ClassGuardedAuthenticated はログインが必要なルート。
	ClassGuardedAuthenticated
)

// String は分類名を返す。
func (r RouteClass) String() string {
	switch r {
	case ClassOpen:
		return "open"
	case ClassGuardedAnonymousOnly:
		return "anonymous_only"
	case ClassGuardedAuthenticated:
		return "authenticated"
	default:
		return "passthrough"
	}
}

// underPrefix はpathがプレフィックス配下かどうかを返す。
func underPrefix(prefix, path string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Classify はプレフィックスとパスからリクエストの分類を求める。
// プレフィックス配下で個別に決まっていないパスはすべてログイン必須とみなす。
func Classify(prefix, path string) RouteClass {
	if !underPrefix(prefix, path) {
		return ClassPassthrough
	}
	switch strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/") {
	case "", "/logout", "/healthz":
		return ClassOpen
	case "/login", "/signup":
		return ClassGuardedAnonymousOnly
	default:
		return ClassGuardedAuthenticated
	}
}

// gin.Context上のキー。
const (
	ctxKeyAuthenticated = "frontgate.authenticated"
	ctxKeyCredential    = "frontgate.credential"
	ctxKeyUser          = "frontgate.user"
)

// Identify はセッションのクレデンシャルを読み、認証状態とデコード済みクレームをコンテキストに設定する。
// verifyKeyが空でない場合は署名と有効期限を検証し、失敗したクレデンシャルはセッションから消去する。
// ストアのエラーは記録して匿名として扱う。
func Identify(verifyKey string, l logger.Interface) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := ""
		if h := session.FromContext(c); h != nil {
			var err error
			cred, err = h.Credential()
			if err != nil {
				l.Error("セッションの読み込みに失敗しました: %v", err)
				cred = ""
			}
			if cred != "" && verifyKey != "" {
				if err := credential.Verify(verifyKey, cred); err != nil {
					l.Warn("クレデンシャルの検証に失敗したため匿名として扱います: %v", err)
					if err := h.SetCredential(""); err != nil {
						l.Error("クレデンシャルの消去に失敗しました: %v", err)
					}
					cred = ""
				}
			}
		}

		c.Set(ctxKeyAuthenticated, cred != "")
		c.Set(ctxKeyCredential, cred)
		c.Set(ctxKeyUser, credential.Decode(cred))
		c.Next()
	}
}

// isAuthenticated はIdentifyが設定した認証状態を返す。
func isAuthenticated(c *gin.Context) bool {
	return c.GetBool(ctxKeyAuthenticated)
}

// credentialFrom はIdentifyが設定したクレデンシャルを返す。
func credentialFrom(c *gin.Context) string {
	return c.GetString(ctxKeyCredential)
}

// userFrom はIdentifyが設定したクレームを返す。デコードできなかった場合はnil。
func userFrom(c *gin.Context) *credential.Claims {
	v, ok := c.Get(ctxKeyUser)
	if !ok {
		return nil
	}
	claims, _ := v.(*credential.Claims)
	return claims
}

// RequireAuthenticated はクレデンシャルのないリクエストをloginURLへリダイレクトする。
// 上流には問い合わせず、Identifyが設定した状態だけで判定する。
func RequireAuthenticated(loginURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isAuthenticated(c) {
			guardRedirectsTotal.WithLabelValues("authenticated").Inc()
			c.Redirect(http.StatusFound, loginURL)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAnonymous はクレデンシャルを持つリクエストをlandingURLへリダイレクトする。
func RequireAnonymous(landingURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAuthenticated(c) {
			guardRedirectsTotal.WithLabelValues("anonymous").Inc()
			c.Redirect(http.StatusFound, landingURL)
			c.Abort()
			return
		}
		c.Next()
	}
}
