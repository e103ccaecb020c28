package logger

import (
	"bytes"
	"log"

	"github.com/gin-gonic/gin"
)

type adapterLevel int

const (
	adapterLevelInfo adapterLevel = iota
	adapterLevelWarn
	adapterLevelError
)

// writerAdapter はio.Writerへの書き込みをロガーへ転送する。
type writerAdapter struct {
	l     Interface
	level adapterLevel
}

func (w writerAdapter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimRight(p, "\r\n"))

	switch w.level {
	case adapterLevelInfo:
		w.l.Info(msg)
	case adapterLevelWarn:
		w.l.Warn(msg)
	case adapterLevelError:
		w.l.Error(msg)
	}

	return len(p), nil
}

// SetupStdLog は標準ライブラリlogの出力をJSONロガーへ流す。
func SetupStdLog(l Interface) {
	log.SetFlags(0)
	log.SetOutput(writerAdapter{l: l, level: adapterLevelWarn})
}

// SetupGin はGinのデバッグ出力とエラー出力をJSONロガーへ流す。
func SetupGin(l Interface) {
	gin.DefaultWriter = writerAdapter{l: l, level: adapterLevelInfo}
	gin.DefaultErrorWriter = writerAdapter{l: l, level: adapterLevelError}
}
