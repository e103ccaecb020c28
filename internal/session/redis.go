package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries は楽観ロックが競合した場合の再試行回数。
const maxTxRetries = 5

// RedisStore はRedisにセッションを保存するStoreの実装。
// キーの有効期限をセッションの残り時間に合わせるため、期限切れの掃除はRedisに任せる。
type RedisStore struct {
	// client はRedisクライアント。
	client redis.UniversalClient
	// prefix はキーの接頭辞。
	prefix string
	// policy は有効期限の扱い。
	policy Policy
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

var _ Store = (*RedisStore)(nil)

// RedisOptions はRedisStoreの接続設定。
type RedisOptions struct {
	// Addr はRedisサーバーのアドレス（host:port）。
	Addr string
	// Password はRedisのパスワード。
	Password string
	// DB は使用するデータベース番号。
	DB int
	// Prefix はキーの接頭辞。
	Prefix string
}

// NewRedisStore はRedisに接続し、疎通を確認してからStoreを返す。
func NewRedisStore(ctx context.Context, opts RedisOptions, policy Policy) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return NewRedisStoreWithClient(client, opts.Prefix, policy), nil
}

// NewRedisStoreWithClient は既存のクライアントを使うRedisStoreを返す。
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, policy Policy) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		policy: policy,
		now:    time.Now,
	}
}

// redisWriter はクライアントとパイプラインの共通部分。
type redisWriter interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// redisReader はクライアントとトランザクションの共通部分。
type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "session:" + id
}

// save はセッションを残り時間をTTLとして書き込む。
func (s *RedisStore) save(ctx context.Context, c redisWriter, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("セッションのシリアライズに失敗: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return c.Del(ctx, s.key(sess.ID)).Err()
	}
	return c.Set(ctx, s.key(sess.ID), data, ttl).Err()
}

func (s *RedisStore) load(ctx context.Context, c redisReader, id string) (*Session, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("セッションのデシリアライズに失敗: %w", err)
	}
	return &sess, nil
}

// Create は新しい匿名セッションを作成して保存する。
func (s *RedisStore) Create(ctx context.Context) (*Session, error) {
	sess := s.policy.newSession(s.now())
	if err := s.save(ctx, s.client, sess); err != nil {
		return nil, fmt.Errorf("セッションの作成に失敗: %w", err)
	}
	return sess, nil
}

// Get はセッションを取得する。
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(s.now()) {
		_ = s.Clear(ctx, id)
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// SetCredential はクレデンシャルを上書きする。
func (s *RedisStore) SetCredential(ctx context.Context, id, credential string) error {
	return s.update(ctx, id, func(sess *Session) {
		sess.Credential = credential
	})
}

// Touch はLastSeenAtを更新する。
func (s *RedisStore) Touch(ctx context.Context, id string) error {
	return s.update(ctx, id, func(*Session) {})
}

// update はWATCHによる楽観ロックでセッションを読み書きする。
func (s *RedisStore) update(ctx context.Context, id string, fn func(*Session)) error {
	key := s.key(id)
	txf := func(tx *redis.Tx) error {
		sess, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if sess.IsExpired(now) {
			_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				return p.Del(ctx, key).Err()
			})
			if err != nil {
				return err
			}
			return ErrSessionExpired
		}
		fn(sess)
		s.policy.touch(sess, now)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return s.save(ctx, p, sess)
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("セッションの更新が競合しました: id=%s", id)
}

// Clear はセッションを削除する。存在しない場合も成功とする。
func (s *RedisStore) Clear(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("セッションの削除に失敗: %w", err)
	}
	return nil
}

// DeleteExpired はRedisのキー有効期限に任せるため何もしない。
func (s *RedisStore) DeleteExpired(_ context.Context) (int, error) {
	return 0, nil
}

// Close はRedisクライアントを閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
