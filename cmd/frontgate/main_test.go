package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/frontgate/internal/config"
	"github.com/nao1215/frontgate/internal/session"
	"github.com/nao1215/frontgate/pkg/logger"
)

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "frontgate dev\n", out.String())
}

func TestConfigInitCmd(t *testing.T) {
	t.Parallel()

	t.Run("デフォルト設定を書き出し読み戻せること", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "conf", "frontgate.yaml")
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"config", "init", "--output", path})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "prefix: /front")
	})

	t.Run("引数を受け付けないこと", func(t *testing.T) {
		t.Parallel()

		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"config", "init", "extra"})
		assert.Error(t, cmd.Execute())
	})
}

func TestNewStore(t *testing.T) {
	t.Parallel()

	l := logger.NewWithWriter("error", &bytes.Buffer{})

	t.Run("メモリバックエンド", func(t *testing.T) {
		t.Parallel()

		store, err := newStore(t.Context(), config.Default(), l)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &session.MemoryStore{}, store)
	})

	t.Run("SQLiteバックエンド", func(t *testing.T) {
		t.Parallel()

		cfg := config.Default()
		cfg.Session.Backend = config.BackendSQLite
		cfg.Session.SQLitePath = filepath.Join(t.TempDir(), "sessions.db")

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		store, err := newStore(ctx, cfg, l)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &session.SQLiteStore{}, store)

		sess, err := store.Create(ctx)
		require.NoError(t, err)
		_, err = store.Get(ctx, sess.ID)
		assert.NoError(t, err)
	})

	t.Run("未知のバックエンドはエラーになること", func(t *testing.T) {
		t.Parallel()

		cfg := config.Default()
		cfg.Session.Backend = "etcd"
		_, err := newStore(t.Context(), cfg, l)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore(session.Policy{TTL: time.Millisecond}, 0, nil)
	defer store.Close()
	_, err := store.Create(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		sweepExpired(ctx, store, 5*time.Millisecond, logger.NewWithWriter("error", &bytes.Buffer{}))
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
