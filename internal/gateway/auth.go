package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/frontgate/internal/session"
	"github.com/nao1215/frontgate/pkg/httpclient"
)

// 画面に表示するエラーメッセージ。
const (
	msgLoginRejected  = "メールアドレスまたはパスワードが正しくありません。"
	msgLoginFailed    = "ログイン処理中に内部エラーが発生しました。"
	msgSignupRejected = "登録に失敗しました。"
	msgSignupFailed   = "登録処理中に内部エラーが発生しました。"
	msgInvalidForm    = "入力内容を読み取れませんでした。"
)

// loginReply は上流のログイン応答。
type loginReply struct {
	Token string `json:"token"`
}

// handleIndex はトップ画面を描画するハンドラを返す。
func (s *Server) handleIndex() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.render(c, http.StatusOK, viewIndex, nil)
	}
}

// handleLoginForm はログイン画面を描画するハンドラを返す。
func (s *Server) handleLoginForm() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.render(c, http.StatusOK, viewLogin, gin.H{"error": nil})
	}
}

// handleLogin はフォームの内容を上流のログインAPIへ送り、
// 受け取ったクレデンシャルを新しいセッションに保存するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := formBody(c)
		if err != nil {
			s.render(c, http.StatusOK, viewLogin, gin.H{"error": msgInvalidForm})
			return
		}

		var reply loginReply
		if err := s.upstream.PostJSON(c.Request.Context(), s.loginPath, body, &reply); err != nil {
			if _, ok := httpclient.AsStatusError(err); ok {
				s.logger.Info("ログインが拒否されました: %v", err)
				s.render(c, http.StatusOK, viewLogin, gin.H{"error": upstreamMessage(err, msgLoginRejected)})
				return
			}
			s.logger.Error("ログインエラー: %v", err)
			s.render(c, http.StatusOK, viewLogin, gin.H{"error": msgLoginFailed})
			return
		}
		if reply.Token == "" {
			s.logger.Error("ログイン応答にトークンが含まれていません")
			s.render(c, http.StatusOK, viewLogin, gin.H{"error": msgLoginFailed})
			return
		}

		h := session.FromContext(c)
		if _, err := h.Regenerate(); err != nil {
			s.logger.Error("セッションの再生成に失敗: %v", err)
			s.render(c, http.StatusOK, viewLogin, gin.H{"error": msgLoginFailed})
			return
		}
		if err := h.SetCredential(reply.Token); err != nil {
			s.logger.Error("クレデンシャルの保存に失敗: %v", err)
			s.render(c, http.StatusOK, viewLogin, gin.H{"error": msgLoginFailed})
			return
		}

		c.Redirect(http.StatusFound, s.url("/dashboard"))
	}
}

// handleSignupForm は登録画面を描画するハンドラを返す。
func (s *Server) handleSignupForm() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.render(c, http.StatusOK, viewSignup, gin.H{"error": nil})
	}
}

// handleSignup はフォームの内容を上流の登録APIへ送り、成功したらログイン画面へ移動するハンドラを返す。
func (s *Server) handleSignup() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := formBody(c)
		if err != nil {
			s.render(c, http.StatusOK, viewSignup, gin.H{"error": msgInvalidForm})
			return
		}

		if err := s.upstream.PostJSON(c.Request.Context(), s.signupPath, body, nil); err != nil {
			if _, ok := httpclient.AsStatusError(err); ok {
				s.render(c, http.StatusOK, viewSignup, gin.H{"error": upstreamMessage(err, msgSignupRejected)})
				return
			}
			s.logger.Error("登録エラー: %v", err)
			s.render(c, http.StatusOK, viewSignup, gin.H{"error": msgSignupFailed})
			return
		}

		c.Redirect(http.StatusFound, s.url("/login"))
	}
}

// handleLogout はセッションを破棄してログイン画面へ移動するハンドラを返す。
// 未ログインでも常に許可する。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := session.FromContext(c).Destroy(); err != nil {
			s.logger.Error("セッションの破棄に失敗: %v", err)
		}
		c.Redirect(http.StatusFound, s.url("/login"))
	}
}
