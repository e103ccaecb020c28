package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock はテスト用に進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeFactory は時計を注入したStoreを生成する。
type storeFactory func(t *testing.T, policy Policy, clock *fakeClock) Store

func memoryFactory(t *testing.T, policy Policy, clock *fakeClock) Store {
	t.Helper()
	s := NewMemoryStore(policy, 0, nil)
	s.now = clock.Now
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sqliteFactory(t *testing.T, policy Policy, clock *fakeClock) Store {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "sessions.db"), policy, nil)
	require.NoError(t, err)
	s.now = clock.Now
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// redisFactory はFRONTGATE_TEST_REDIS_ADDRが設定されていれば実Redisを、なければminiredisを使う。
func redisFactory(t *testing.T, policy Policy, clock *fakeClock) Store {
	t.Helper()
	return newTestRedisStore(t, policy, clock)
}

func newTestRedisStore(t *testing.T, policy Policy, clock *fakeClock) *RedisStore {
	t.Helper()
	addr := os.Getenv("FRONTGATE_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	s := NewRedisStoreWithClient(client, "test:"+t.Name()+":", policy)
	s.now = clock.Now
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": memoryFactory,
		"sqlite": sqliteFactory,
		"redis":  redisFactory,
	}
}

// TestStore は全バックエンド共通の振る舞いを検証する。
func TestStore(t *testing.T) {
	t.Parallel()

	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			t.Run("作成したセッションは匿名で取得できること", func(t *testing.T) {
				t.Parallel()

				clock := newFakeClock()
				store := factory(t, Policy{}, clock)
				ctx := context.Background()

				created, err := store.Create(ctx)
				require.NoError(t, err)
				assert.NotEmpty(t, created.ID)
				assert.False(t, created.Authenticated())
				assert.True(t, created.ExpiresAt.Equal(clock.Now().Add(DefaultTTL)))

				got, err := store.Get(ctx, created.ID)
				require.NoError(t, err)
				assert.Equal(t, created.ID, got.ID)
				assert.Empty(t, got.Credential)
			})

			t.Run("存在しないIDはErrSessionNotFoundを返すこと", func(t *testing.T) {
				t.Parallel()

				store := factory(t, Policy{}, newFakeClock())
				_, err := store.Get(context.Background(), "missing")
				assert.ErrorIs(t, err, ErrSessionNotFound)
			})

			t.Run("クレデンシャルは上書きされること", func(t *testing.T) {
				t.Parallel()

				clock := newFakeClock()
				store := factory(t, Policy{}, clock)
				ctx := context.Background()

				sess, err := store.Create(ctx)
				require.NoError(t, err)

				require.NoError(t, store.SetCredential(ctx, sess.ID, "first"))
				clock.Advance(time.Minute)
				require.NoError(t, store.SetCredential(ctx, sess.ID, "second"))

				got, err := store.Get(ctx, sess.ID)
				require.NoError(t, err)
				assert.Equal(t, "second", got.Credential)
				assert.True(t, got.Authenticated())
				assert.True(t, got.LastSeenAt.Equal(clock.Now()))
			})

			t.Run("空文字列で匿名に戻ること", func(t *testing.T) {
				t.Parallel()

				store := factory(t, Policy{}, newFakeClock())
				ctx := context.Background()

				sess, err := store.Create(ctx)
				require.NoError(t, err)
				require.NoError(t, store.SetCredential(ctx, sess.ID, "token"))
				require.NoError(t, store.SetCredential(ctx, sess.ID, ""))

				got, err := store.Get(ctx, sess.ID)
				require.NoError(t, err)
				assert.False(t, got.Authenticated())
			})

			t.Run("Clearでセッションが消え再実行もエラーにならないこと", func(t *testing.T) {
				t.Parallel()

				store := factory(t, Policy{}, newFakeClock())
				ctx := context.Background()

				sess, err := store.Create(ctx)
				require.NoError(t, err)
				require.NoError(t, store.SetCredential(ctx, sess.ID, "token"))

				require.NoError(t, store.Clear(ctx, sess.ID))
				require.NoError(t, store.Clear(ctx, sess.ID))

				_, err = store.Get(ctx, sess.ID)
				assert.ErrorIs(t, err, ErrSessionNotFound)
			})

			t.Run("有効期限を過ぎたセッションは取得できないこと", func(t *testing.T) {
				t.Parallel()

				clock := newFakeClock()
				store := factory(t, Policy{TTL: time.Hour}, clock)
				ctx := context.Background()

				sess, err := store.Create(ctx)
				require.NoError(t, err)

				clock.Advance(time.Hour)

				_, err = store.Get(ctx, sess.ID)
				assert.Error(t, err)
				assert.Error(t, store.SetCredential(ctx, sess.ID, "token"))
			})

			t.Run("固定期限ではTouchしても延長されないこと", func(t *testing.T) {
				t.Parallel()

				clock := newFakeClock()
				store := factory(t, Policy{TTL: time.Hour}, clock)
				ctx := context.Background()

				sess, err := store.Create(ctx)
				require.NoError(t, err)

				clock.Advance(50 * time.Minute)
				require.NoError(t, store.Touch(ctx, sess.ID))
				clock.Advance(20 * time.Minute)

				_, err = store.Get(ctx, sess.ID)
				assert.Error(t, err)
			})

			t.Run("スライディング期限ではTouchで延長されること", func(t *testing.T) {
				t.Parallel()

				clock := newFakeClock()
				store := factory(t, Policy{TTL: time.Hour, Sliding: true}, clock)
				ctx := context.Background()

				sess, err := store.Create(ctx)
				require.NoError(t, err)

				clock.Advance(50 * time.Minute)
				require.NoError(t, store.Touch(ctx, sess.ID))
				clock.Advance(20 * time.Minute)

				got, err := store.Get(ctx, sess.ID)
				require.NoError(t, err)
				assert.True(t, got.ExpiresAt.Equal(clock.Now().Add(40*time.Minute)))
			})

			t.Run("異なるセッションは互いに干渉しないこと", func(t *testing.T) {
				t.Parallel()

				store := factory(t, Policy{}, newFakeClock())
				ctx := context.Background()

				const n = 10
				ids := make([]string, n)
				for i := range n {
					sess, err := store.Create(ctx)
					require.NoError(t, err)
					ids[i] = sess.ID
				}

				var wg sync.WaitGroup
				for i, id := range ids {
					wg.Add(1)
					go func() {
						defer wg.Done()
						assert.NoError(t, store.SetCredential(ctx, id, "token-"+string(rune('a'+i))))
					}()
				}
				wg.Wait()

				for i, id := range ids {
					got, err := store.Get(ctx, id)
					require.NoError(t, err)
					assert.Equal(t, "token-"+string(rune('a'+i)), got.Credential)
				}
			})
		})
	}
}

// TestDeleteExpired は期限切れセッションの一括削除を検証する。
func TestDeleteExpired(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"memory", "sqlite"} {
		factory := factories()[name]
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := newFakeClock()
			store := factory(t, Policy{TTL: time.Hour}, clock)
			ctx := context.Background()

			old, err := store.Create(ctx)
			require.NoError(t, err)
			clock.Advance(30 * time.Minute)
			fresh, err := store.Create(ctx)
			require.NoError(t, err)
			clock.Advance(40 * time.Minute)

			n, err := store.DeleteExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = store.Get(ctx, old.ID)
			assert.ErrorIs(t, err, ErrSessionNotFound)
			_, err = store.Get(ctx, fresh.ID)
			assert.NoError(t, err)
		})
	}
}

// TestMemoryStoreCleanupLoop はバックグラウンド掃除を検証する。
func TestMemoryStoreCleanupLoop(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(Policy{TTL: time.Millisecond}, 5*time.Millisecond, nil)
	defer store.Close()

	_, err := store.Create(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return store.Len() == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

// TestMemoryStoreReturnsCopy は取得したセッションを変更してもストアに影響しないことを検証する。
func TestMemoryStoreReturnsCopy(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(Policy{}, 0, nil)
	defer store.Close()
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)
	sess.Credential = "tampered"

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Credential)
}

// TestRedisStoreUpdate は楽観ロックによる更新を検証する。
func TestRedisStoreUpdate(t *testing.T) {
	t.Parallel()

	t.Run("期限切れのセッションを更新するとキーが削除されること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		store := newTestRedisStore(t, Policy{TTL: time.Hour}, clock)
		ctx := context.Background()

		sess, err := store.Create(ctx)
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)

		err = store.SetCredential(ctx, sess.ID, "token")
		assert.ErrorIs(t, err, ErrSessionExpired)

		n, err := store.client.Exists(ctx, store.key(sess.ID)).Result()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("同じセッションへの並行更新が競合しても最終的にすべて成功すること", func(t *testing.T) {
		t.Parallel()

		store := newTestRedisStore(t, Policy{TTL: time.Hour}, newFakeClock())
		ctx := context.Background()

		sess, err := store.Create(ctx)
		require.NoError(t, err)

		const writers = 3
		errs := make(chan error, writers)
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.SetCredential(ctx, sess.ID, "token-"+string(rune('a'+i)))
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Contains(t, []string{"token-a", "token-b", "token-c"}, got.Credential)
	})

	t.Run("存在しないセッションの更新はErrSessionNotFoundを返すこと", func(t *testing.T) {
		t.Parallel()

		store := newTestRedisStore(t, Policy{}, newFakeClock())
		assert.ErrorIs(t, store.Touch(context.Background(), "missing"), ErrSessionNotFound)
	})
}
