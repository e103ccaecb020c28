// Package httpclient は上流RESTサービスとのJSON通信を行うクライアントを提供する。
//
// ログイン、サインアップ、エンティティのCRUD転送、ダッシュボードの集計など、
// ゲートウェイが上流を呼び出す際に使用する。認証済みコンテキストからの呼び出しには
// Authorization: Bearer ヘッダーを自動で付与する。
package httpclient
