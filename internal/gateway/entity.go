package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/frontgate/internal/aggregate"
	"github.com/nao1215/frontgate/internal/config"
	"github.com/nao1215/frontgate/pkg/httpclient"
)

// msgUpstreamFailed は上流呼び出しが失敗したときの既定メッセージ。
const msgUpstreamFailed = "上流サービスとの通信に失敗しました。"

// entityRoutes は1つの上流コレクションに対する一覧・詳細・作成・編集・削除の転送を行う。
type entityRoutes struct {
	s *Server
	// name は画面名とURLに使うエンティティ名。
	name string
	// path は上流のコレクションパス。
	path string
}

// registerEntity はエンティティのCRUDルートをグループに登録する。
func (s *Server) registerEntity(g *gin.RouterGroup, e config.Collection) {
	r := &entityRoutes{s: s, name: e.Name, path: e.Path}

	base := "/" + e.Name
	g.GET(base, r.list)
	g.GET(base+"/new", r.newForm)
	g.POST(base, r.create)
	g.GET(base+"/:id", r.show)
	g.GET(base+"/:id/edit", r.editForm)
	g.POST(base+"/:id", r.update)
	g.POST(base+"/:id/delete", r.remove)
}

func (r *entityRoutes) view(action string) string {
	return r.name + "_" + action
}

func (r *entityRoutes) listURL() string {
	return r.s.url("/" + r.name)
}

func (r *entityRoutes) itemPath(id string) string {
	return r.path + "/" + url.PathEscape(id)
}

// list は上流の一覧を取得し、配列とページング応答のどちらでも描画する。
func (r *entityRoutes) list(c *gin.Context) {
	query := url.Values{}
	for _, key := range []string{"page", "limit"} {
		if v := c.Query(key); v != "" {
			query.Set(key, v)
		}
	}
	path := r.path
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var raw json.RawMessage
	ctx := httpclient.WithCredential(c.Request.Context(), credentialFrom(c))
	if err := r.s.upstream.GetJSON(ctx, path, &raw); err != nil {
		r.s.logger.Warn("一覧の取得に失敗: entity=%s, error=%v", r.name, err)
		r.s.render(c, http.StatusOK, r.view("list"), gin.H{
			"entity":     r.name,
			"items":      []any{},
			"page":       1,
			"totalPages": 1,
			"error":      upstreamMessage(err, msgUpstreamFailed),
		})
		return
	}

	reply := aggregate.Normalize(raw)
	page, totalPages := 1, 1
	if reply.Kind == aggregate.ReplyPaged {
		page, totalPages = reply.Page, reply.TotalPages
	}
	r.s.render(c, http.StatusOK, r.view("list"), gin.H{
		"entity":     r.name,
		"items":      decodeItems(reply.Items),
		"page":       page,
		"totalPages": totalPages,
		"error":      nil,
	})
}

// newForm は空の作成フォームを描画する。
func (r *entityRoutes) newForm(c *gin.Context) {
	r.s.render(c, http.StatusOK, r.view("new"), gin.H{
		"entity": r.name,
		"item":   map[string]any{},
		"error":  nil,
	})
}

// create はフォームの内容をJSONとして上流に作成依頼し、一覧へ移動する。
func (r *entityRoutes) create(c *gin.Context) {
	body, err := formBody(c)
	if err != nil {
		r.s.render(c, http.StatusOK, r.view("new"), gin.H{"entity": r.name, "item": map[string]any{}, "error": msgInvalidForm})
		return
	}

	ctx := httpclient.WithCredential(c.Request.Context(), credentialFrom(c))
	if err := r.s.upstream.PostJSON(ctx, r.path, body, nil); err != nil {
		r.s.logger.Warn("作成に失敗: entity=%s, error=%v", r.name, err)
		r.s.render(c, http.StatusOK, r.view("new"), gin.H{
			"entity": r.name,
			"item":   body,
			"error":  upstreamMessage(err, msgUpstreamFailed),
		})
		return
	}
	c.Redirect(http.StatusFound, r.listURL())
}

// fetchItem は1件を取得する。
func (r *entityRoutes) fetchItem(c *gin.Context) (any, error) {
	var item any
	ctx := httpclient.WithCredential(c.Request.Context(), credentialFrom(c))
	if err := r.s.upstream.GetJSON(ctx, r.itemPath(c.Param("id")), &item); err != nil {
		return nil, err
	}
	return item, nil
}

// show は詳細を描画する。
func (r *entityRoutes) show(c *gin.Context) {
	r.renderItem(c, "show")
}

// editForm は現在の値を入れた編集フォームを描画する。
func (r *entityRoutes) editForm(c *gin.Context) {
	r.renderItem(c, "edit")
}

func (r *entityRoutes) renderItem(c *gin.Context, action string) {
	item, err := r.fetchItem(c)
	if err != nil {
		r.s.logger.Warn("詳細の取得に失敗: entity=%s, id=%s, error=%v", r.name, c.Param("id"), err)
		r.s.render(c, http.StatusOK, r.view(action), gin.H{
			"entity": r.name,
			"id":     c.Param("id"),
			"item":   nil,
			"error":  upstreamMessage(err, msgUpstreamFailed),
		})
		return
	}
	r.s.render(c, http.StatusOK, r.view(action), gin.H{
		"entity": r.name,
		"id":     c.Param("id"),
		"item":   item,
		"error":  nil,
	})
}

// update はフォームの内容で上流をPUT更新し、詳細へ移動する。
func (r *entityRoutes) update(c *gin.Context) {
	id := c.Param("id")
	body, err := formBody(c)
	if err != nil {
		r.s.render(c, http.StatusOK, r.view("edit"), gin.H{"entity": r.name, "id": id, "item": nil, "error": msgInvalidForm})
		return
	}

	ctx := httpclient.WithCredential(c.Request.Context(), credentialFrom(c))
	if err := r.s.upstream.PutJSON(ctx, r.itemPath(id), body, nil); err != nil {
		r.s.logger.Warn("更新に失敗: entity=%s, id=%s, error=%v", r.name, id, err)
		r.s.render(c, http.StatusOK, r.view("edit"), gin.H{
			"entity": r.name,
			"id":     id,
			"item":   body,
			"error":  upstreamMessage(err, msgUpstreamFailed),
		})
		return
	}
	c.Redirect(http.StatusFound, r.listURL()+"/"+url.PathEscape(id))
}

// remove は上流で削除し、一覧へ移動する。
func (r *entityRoutes) remove(c *gin.Context) {
	id := c.Param("id")
	ctx := httpclient.WithCredential(c.Request.Context(), credentialFrom(c))
	if err := r.s.upstream.Delete(ctx, r.itemPath(id)); err != nil {
		r.s.logger.Warn("削除に失敗: entity=%s, id=%s, error=%v", r.name, id, err)
		r.s.render(c, http.StatusOK, r.view("list"), gin.H{
			"entity":     r.name,
			"items":      []any{},
			"page":       1,
			"totalPages": 1,
			"error":      upstreamMessage(err, msgUpstreamFailed),
		})
		return
	}
	c.Redirect(http.StatusFound, r.listURL())
}

// decodeItems はテンプレートで扱えるよう各要素をデコードする。
func decodeItems(items []json.RawMessage) []any {
	out := make([]any, 0, len(items))
	for _, raw := range items {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
