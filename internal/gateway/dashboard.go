package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleDashboard は上流コレクションを並行に集計してダッシュボードを描画するハンドラを返す。
func (s *Server) handleDashboard() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary := s.aggregator.Summarize(c.Request.Context(), credentialFrom(c))
		s.render(c, http.StatusOK, viewDashboard, gin.H{"stats": summary.View()})
	}
}
