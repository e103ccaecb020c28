// Package middleware はゲートウェイのGinエンジンで使用する共通ミドルウェアを提供する。
//
// リクエストログ、パニックリカバリ、ブラウザ向けのCORS設定を含む。
package middleware
