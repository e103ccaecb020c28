// Package session はゲートウェイのサーバーサイドセッションを管理する。
//
// セッションはCookieで受け渡す不透明なIDをキーに、上流サービスが発行した
// クレデンシャルを保持する。保存先はメモリ、SQLite、Redisから選択できる。
// Ginミドルウェアが各リクエストに遅延ロードのHandleを割り当て、
// ハンドラが初めてアクセスした時点でセッションを作成する。
package session
