package session

import (
	"context"
	"sync"
	"time"

	"github.com/nao1215/frontgate/pkg/logger"
)

// MemoryStore はプロセス内のマップにセッションを保持するStoreの実装。
// 期限切れのセッションはアクセス時とバックグラウンドの定期掃除で削除する。
type MemoryStore struct {
	// sessions はセッションIDからセッションへのマップ。
	sessions map[string]*Session
	// mu はsessionsへの並行アクセスを保護する。
	mu sync.RWMutex
	// policy は有効期限の扱い。
	policy Policy
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
	// stop はバックグラウンド掃除を停止する。
	stop context.CancelFunc
	// done は掃除ゴルーチンの終了を通知する。
	done chan struct{}
	// closeOnce はCloseの多重実行を防ぐ。
	closeOnce sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore は新しいMemoryStoreを生成する。
// cleanupIntervalが正の場合、その間隔で期限切れセッションを掃除するゴルーチンを起動する。
func NewMemoryStore(policy Policy, cleanupInterval time.Duration, l logger.Interface) *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		policy:   policy,
		now:      time.Now,
		stop:     cancel,
		done:     make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop(ctx, cleanupInterval, l)
	} else {
		close(s.done)
	}
	return s
}

// cleanupLoop は定期的に期限切れのセッションを削除する。
func (s *MemoryStore) cleanupLoop(ctx context.Context, interval time.Duration, l logger.Interface) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, _ := s.DeleteExpired(ctx)
			if n > 0 && l != nil {
				l.Debug("期限切れセッションを削除しました: count=%d", n)
			}
		}
	}
}

// Create は新しい匿名セッションを作成して保存する。
func (s *MemoryStore) Create(_ context.Context) (*Session, error) {
	sess := s.policy.newSession(s.now())

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	copied := *sess
	return &copied, nil
}

// Get はセッションのコピーを返す。期限切れのセッションはこの時点で削除する。
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	var copied Session
	if ok {
		copied = *sess
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if copied.IsExpired(s.now()) {
		s.mu.Lock()
		if cur, ok := s.sessions[id]; ok && cur.IsExpired(s.now()) {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		return nil, ErrSessionExpired
	}
	return &copied, nil
}

// SetCredential はクレデンシャルを上書きする。
func (s *MemoryStore) SetCredential(_ context.Context, id, credential string) error {
	return s.update(id, func(sess *Session) {
		sess.Credential = credential
	})
}

// Clear はセッションを削除する。存在しない場合も成功とする。
func (s *MemoryStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// Touch はLastSeenAtを更新する。
func (s *MemoryStore) Touch(_ context.Context, id string) error {
	return s.update(id, func(*Session) {})
}

// update は有効なセッションに変更を適用し、LastSeenAtを更新する。
func (s *MemoryStore) update(id string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	now := s.now()
	if sess.IsExpired(now) {
		delete(s.sessions, id)
		return ErrSessionExpired
	}
	fn(sess)
	s.policy.touch(sess, now)
	return nil
}

// DeleteExpired は期限切れのセッションをすべて削除する。
func (s *MemoryStore) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for id, sess := range s.sessions {
		if sess.IsExpired(now) {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

// Len は保持しているセッション数を返す。期限切れでまだ掃除されていないものを含む。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close はバックグラウンド掃除を停止する。
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		<-s.done
	})
	return nil
}
