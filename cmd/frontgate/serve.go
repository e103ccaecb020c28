package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nao1215/frontgate/internal/config"
	"github.com/nao1215/frontgate/internal/gateway"
	"github.com/nao1215/frontgate/internal/session"
	"github.com/nao1215/frontgate/pkg/logger"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "ゲートウェイを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfig(configPath)
			if err != nil {
				return err
			}
			cfg.App.Version = version
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "設定ファイルのパス（省略時はデフォルト値と環境変数のみ）")
	return cmd
}

// serve はシグナルを受け取るまでゲートウェイを動かす。
func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := logger.New(cfg.Log.Level)
	logger.SetupStdLog(l)
	logger.SetupGin(l)

	storeCtx, cancelStore := context.WithCancel(ctx)
	store, err := newStore(storeCtx, cfg, l)
	if err != nil {
		cancelStore()
		return err
	}
	defer func() {
		cancelStore()
		if err := store.Close(); err != nil {
			l.Error("セッションストアのクローズに失敗: %v", err)
		}
	}()

	server, err := gateway.NewServer(cfg, store, l)
	if err != nil {
		return fmt.Errorf("ゲートウェイの初期化に失敗: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		l.Info("シャットダウンします: version=%s", cfg.App.Version)
	}

	if err := server.Shutdown(context.Background()); err != nil {
		return err
	}
	return <-errCh
}

// newStore は設定されたバックエンドのセッションストアを生成する。
// SQLiteではctxが終わるまで期限切れセッションを定期的に削除する。
func newStore(ctx context.Context, cfg *config.Config, l logger.Interface) (session.Store, error) {
	policy := session.Policy{
		TTL:     cfg.Session.TTL.Std(),
		Sliding: cfg.Session.Sliding,
	}

	switch cfg.Session.Backend {
	case config.BackendMemory:
		return session.NewMemoryStore(policy, cfg.Session.CleanupInterval.Std(), l), nil
	case config.BackendSQLite:
		store, err := session.NewSQLiteStore(ctx, cfg.Session.SQLitePath, policy, l)
		if err != nil {
			return nil, err
		}
		go sweepExpired(ctx, store, cfg.Session.CleanupInterval.Std(), l)
		return store, nil
	case config.BackendRedis:
		return session.NewRedisStore(ctx, session.RedisOptions{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
			Prefix:   cfg.Session.RedisPrefix,
		}, policy)
	default:
		return nil, fmt.Errorf("%w: 未知のセッションバックエンド %q", config.ErrInvalidConfig, cfg.Session.Backend)
	}
}
