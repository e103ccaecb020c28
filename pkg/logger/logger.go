// Package logger はzerologを利用した構造化ロガーを提供する。
//
// 標準ライブラリのlogとGinの出力もこのロガー経由でJSON形式に揃える。
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Interface はアプリケーション全体で使用するロガーのインターフェース。
type Interface interface {
	Debug(message interface{}, args ...interface{})
	Info(message string, args ...interface{})
	Warn(message string, args ...interface{})
	Error(message interface{}, args ...interface{})
	Fatal(message interface{}, args ...interface{})
}

// Logger はzerologをラップしたInterfaceの実装。
type Logger struct {
	logger *zerolog.Logger
}

var _ Interface = (*Logger)(nil)

// New は指定レベルで標準出力に書き込むロガーを生成する。
// レベル文字列が解釈できない場合はinfoを使用する。
func New(level string) *Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter は出力先を指定してロガーを生成する。テストで出力を捕捉するために使用する。
func NewWithWriter(level string, w io.Writer) *Logger {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		l = zerolog.InfoLevel
	}

	skipFrameCount := 3
	logger := zerolog.New(w).
		Level(l).
		With().
		Timestamp().
		CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + skipFrameCount).
		Logger()

	return &Logger{logger: &logger}
}

// Debug はデバッグレベルのログを出力する。
func (l *Logger) Debug(message interface{}, args ...interface{}) {
	l.msg(zerolog.DebugLevel, message, args...)
}

// Info は情報レベルのログを出力する。
func (l *Logger) Info(message string, args ...interface{}) {
	l.log(l.logger.Info(), message, args...)
}

// Warn は警告レベルのログを出力する。
func (l *Logger) Warn(message string, args ...interface{}) {
	l.log(l.logger.Warn(), message, args...)
}

// Error はエラーレベルのログを出力する。
func (l *Logger) Error(message interface{}, args ...interface{}) {
	l.msg(zerolog.ErrorLevel, message, args...)
}

// Fatal はログを出力してプロセスを終了する。
func (l *Logger) Fatal(message interface{}, args ...interface{}) {
	l.msg(zerolog.FatalLevel, message, args...)

	os.Exit(1)
}

func (l *Logger) log(e *zerolog.Event, message string, args ...interface{}) {
	if len(args) == 0 {
		e.Msg(message)
	} else {
		e.Msgf(message, args...)
	}
}

func (l *Logger) msg(level zerolog.Level, message interface{}, args ...interface{}) {
	e := l.logger.WithLevel(level)

	switch msg := message.(type) {
	case error:
		l.log(e, msg.Error(), args...)
	case string:
		l.log(e, msg, args...)
	default:
		l.log(e, fmt.Sprintf("%s message %v has unknown type %v", level, message, msg), args...)
	}
}
