package gateway

import (
	"fmt"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

// 画面名。HTMLRendererでは "<名前>.html" のテンプレートを使う。
const (
	viewIndex     = "index"
	viewLogin     = "login"
	viewSignup    = "signup"
	viewDashboard = "dashboard"
	viewNotFound  = "not_found"
)

// Renderer は画面名とデータを受け取ってレスポンスを描画する。
// マークアップはゲートウェイの関心外のため、描画方法は差し替えられる。
type Renderer interface {
	Render(c *gin.Context, status int, view string, data gin.H)
}

// JSONRenderer は {"view": 画面名, "data": データ} をJSONで返すRenderer。
type JSONRenderer struct{}

var _ Renderer = JSONRenderer{}

// Render はJSONで応答する。
func (JSONRenderer) Render(c *gin.Context, status int, view string, data gin.H) {
	c.JSON(status, gin.H{
		"view": view,
		"data": data,
	})
}

// HTMLRenderer はGinに読み込んだHTMLテンプレートで描画するRenderer。
type HTMLRenderer struct{}

var _ Renderer = HTMLRenderer{}

// Render は "<view>.html" テンプレートで描画する。
func (HTMLRenderer) Render(c *gin.Context, status int, view string, data gin.H) {
	c.HTML(status, view+".html", data)
}

// loadTemplates はglobに一致するテンプレートをエンジンに読み込む。
// 一致するファイルがない場合はエラーを返す。
func loadTemplates(router *gin.Engine, glob string) error {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return fmt.Errorf("テンプレートパターンが不正です: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("テンプレートが見つかりません: %s", glob)
	}
	router.LoadHTMLGlob(glob)
	return nil
}

// render はレイアウト共通の値を加えて描画する。
func (s *Server) render(c *gin.Context, status int, view string, data gin.H) {
	if data == nil {
		data = gin.H{}
	}
	data["authenticated"] = isAuthenticated(c)
	data["user"] = userFrom(c)
	data["prefix"] = s.prefix
	s.renderer.Render(c, status, view, data)
}
