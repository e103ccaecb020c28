package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL はセッションのデフォルト有効期間。
const DefaultTTL = time.Hour

var (
	// ErrSessionNotFound はセッションが存在しないことを表す。
	ErrSessionNotFound = errors.New("セッションが見つかりません")
	// ErrSessionExpired はセッションの有効期限が切れていることを表す。
	ErrSessionExpired = errors.New("セッションの有効期限が切れています")
)

// Session はブラウザとクレデンシャルを結びつけるゲートウェイ側のセッション。
type Session struct {
	// ID はCookieで受け渡す不透明なセッション識別子（UUID）。
	ID string `json:"id"`
	// Credential は上流から受け取ったベアラークレデンシャル。空文字列は匿名を表す。
	Credential string `json:"credential,omitempty"`
	// CreatedAt はセッションの作成日時。
	CreatedAt time.Time `json:"created_at"`
	// LastSeenAt は最後にセッションを更新した日時。
	LastSeenAt time.Time `json:"last_seen_at"`
	// ExpiresAt はセッションの有効期限。
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticated はクレデンシャルを保持しているかどうかを返す。
// クレデンシャルの妥当性は判定しない。
func (s *Session) Authenticated() bool {
	return s.Credential != ""
}

// IsExpired は指定時刻時点で有効期限が切れているかどうかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Policy はセッションの有効期限の扱いを決める。
type Policy struct {
	// TTL は有効期間。0以下の場合はDefaultTTLを使う。
	TTL time.Duration
	// Sliding がtrueの場合、更新のたびに有効期限をLastSeenAt+TTLまで延長する。
	// falseの場合は作成時刻から固定の期間で失効する。
	Sliding bool
}

func (p Policy) ttl() time.Duration {
	if p.TTL <= 0 {
		return DefaultTTL
	}
	return p.TTL
}

// newSession は新しい匿名セッションを生成する。
func (p Policy) newSession(now time.Time) *Session {
	return &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(p.ttl()),
	}
}

// touch はLastSeenAtを更新し、スライディング方式なら有効期限も延長する。
func (p Policy) touch(s *Session, now time.Time) {
	s.LastSeenAt = now
	if p.Sliding {
		s.ExpiresAt = now.Add(p.ttl())
	}
}

// Store はセッションの保存先を抽象化する。
// 実装は異なるセッションIDに対する並行アクセスで互いに干渉してはならない。
type Store interface {
	// Create は新しい匿名セッションを作成して保存する。
	Create(ctx context.Context) (*Session, error)
	// Get はセッションを取得する。存在しなければErrSessionNotFound、
	// 期限切れならErrSessionExpiredを返す。
	Get(ctx context.Context, id string) (*Session, error)
	// SetCredential はクレデンシャルを上書きする。空文字列で匿名に戻す。
	SetCredential(ctx context.Context, id, credential string) error
	// Clear はセッションを完全に削除する（ログアウト）。
	Clear(ctx context.Context, id string) error
	// Touch はLastSeenAtを更新する。
	Touch(ctx context.Context, id string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int, error)
	// Close は保持しているリソースを解放する。
	Close() error
}
