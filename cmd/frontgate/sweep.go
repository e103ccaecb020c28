package main

import (
	"context"
	"time"

	"github.com/nao1215/frontgate/internal/session"
	"github.com/nao1215/frontgate/pkg/logger"
)

// sweepExpired はctxが終わるまで一定間隔で期限切れセッションを削除する。
// intervalが0以下の場合は何もしない。
func sweepExpired(ctx context.Context, store session.Store, interval time.Duration, l logger.Interface) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteExpired(ctx)
			if err != nil {
				l.Warn("期限切れセッションの削除に失敗: %v", err)
				continue
			}
			if n > 0 {
				l.Debug("期限切れセッションを削除しました: count=%d", n)
			}
		}
	}
}
