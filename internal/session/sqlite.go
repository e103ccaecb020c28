package session

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nao1215/frontgate/pkg/logger"
	"github.com/nao1215/frontgate/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// SQLiteStore はSQLiteにセッションを永続化するStoreの実装。
// プロセスを再起動してもログイン状態を維持したい場合に使う。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// policy は有効期限の扱い。
	policy Policy
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore はSQLiteデータベースを開き、スキーマを適用したStoreを返す。
// pathにはデータベースファイルのパスを指定する。
func NewSQLiteStore(ctx context.Context, path string, policy Policy, l logger.Interface) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("セッションデータベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みが直列化されるため接続を1本に絞る
	db.SetMaxOpenConns(1)

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", l); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("セッションスキーマ初期化に失敗: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		policy: policy,
		now:    time.Now,
	}, nil
}

// Create は新しい匿名セッションを作成して保存する。
func (s *SQLiteStore) Create(ctx context.Context) (*Session, error) {
	sess := s.policy.newSession(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, credential, created_at, last_seen_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Credential, sess.CreatedAt.UnixNano(), sess.LastSeenAt.UnixNano(), sess.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("セッションの作成に失敗: %w", err)
	}
	return sess, nil
}

// Get はセッションを取得する。期限切れのセッションはこの時点で削除する。
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(s.now()) {
		if err := s.Clear(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// queryer はsql.DBとsql.Txの共通部分。
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) load(ctx context.Context, q queryer, id string) (*Session, error) {
	var (
		sess                           Session
		createdAt, lastSeen, expiresAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, credential, created_at, last_seen_at, expires_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Credential, &createdAt, &lastSeen, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗: %w", err)
	}
	sess.CreatedAt = time.Unix(0, createdAt)
	sess.LastSeenAt = time.Unix(0, lastSeen)
	sess.ExpiresAt = time.Unix(0, expiresAt)
	return &sess, nil
}

// SetCredential はクレデンシャルを上書きする。
func (s *SQLiteStore) SetCredential(ctx context.Context, id, credential string) error {
	return s.update(ctx, id, func(sess *Session) {
		sess.Credential = credential
	})
}

// Touch はLastSeenAtを更新する。
func (s *SQLiteStore) Touch(ctx context.Context, id string) error {
	return s.update(ctx, id, func(*Session) {})
}

// update は有効なセッションに変更を適用し、トランザクション内で書き戻す。
func (s *SQLiteStore) update(ctx context.Context, id string, fn func(*Session)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	sess, err := s.load(ctx, tx, id)
	if err != nil {
		return err
	}
	now := s.now()
	if sess.IsExpired(now) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("セッションの削除に失敗: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("コミットに失敗: %w", err)
		}
		return ErrSessionExpired
	}

	fn(sess)
	s.policy.touch(sess, now)

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET credential = ?, last_seen_at = ?, expires_at = ? WHERE id = ?`,
		sess.Credential, sess.LastSeenAt.UnixNano(), sess.ExpiresAt.UnixNano(), id,
	); err != nil {
		return fmt.Errorf("セッションの更新に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	return nil
}

// Clear はセッションを削除する。存在しない場合も成功とする。
func (s *SQLiteStore) Clear(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("セッションの削除に失敗: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのセッションをすべて削除する。
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return int(n), nil
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
