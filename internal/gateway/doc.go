// Package gateway はブラウザ向けゲートウェイのHTTPサーバーを提供する。
//
// 予約プレフィックス配下のリクエストはセッションと認証ガードを通して
// アプリケーションハンドラで処理し、それ以外のリクエストは上流RESTサービスへ
// そのまま転送する。ブラウザにはセッションCookieだけを渡し、上流が発行した
// クレデンシャルはサーバー側のセッションに保持する。
package gateway
