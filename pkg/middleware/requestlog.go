package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/frontgate/pkg/logger"
)

// RequestLogger はリクエストごとにメソッド、パス、ステータス、所要時間をログに出力する。
// 5xxはError、4xxはWarn、それ以外はInfoで出力する。
func RequestLogger(l logger.Interface) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path += "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		switch {
		case status >= 500:
			l.Error("%s %s status=%d latency=%s", c.Request.Method, path, status, latency)
		case status >= 400:
			l.Warn("%s %s status=%d latency=%s", c.Request.Method, path, status, latency)
		default:
			l.Info("%s %s status=%d latency=%s", c.Request.Method, path, status, latency)
		}
	}
}
