package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/frontgate/internal/aggregate"
	"github.com/nao1215/frontgate/internal/config"
	"github.com/nao1215/frontgate/internal/session"
	"github.com/nao1215/frontgate/pkg/httpclient"
	"github.com/nao1215/frontgate/pkg/logger"
	"github.com/nao1215/frontgate/pkg/middleware"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// addr はサーバーのリッスンアドレス。
	addr string
	// prefix はアプリケーションルートの予約プレフィックス。
	prefix string
	// store はセッションの保存先。
	store session.Store
	// cookie はセッションCookieの属性。
	cookie session.CookieOptions
	// verifyKey はクレデンシャル検証用の鍵。空なら検証しない。
	verifyKey string
	// upstream は上流サービスのHTTPクライアント。
	upstream *httpclient.Client
	// loginPath と signupPath は上流の認証エンドポイント。
	loginPath  string
	signupPath string
	// aggregator はダッシュボード集計。
	aggregator *aggregate.Aggregator
	// entities は汎用CRUDで扱う上流コレクション。
	entities []config.Collection
	// proxy は素通し転送。
	proxy *Proxy
	// renderer は画面描画。
	renderer Renderer
	// logger はロガー。
	logger logger.Interface
	// httpServer はRunで起動するサーバー。
	httpServer *http.Server
}

// NewServer は設定から新しいGatewayサーバーを生成する。
// storeの所有権は呼び出し側に残り、Shutdownでは閉じない。
func NewServer(cfg *config.Config, store session.Store, l logger.Interface) (*Server, error) {
	upstream := httpclient.New(cfg.Upstream.URL, cfg.Upstream.Timeout.Std())

	collections := make([]aggregate.Collection, 0, len(cfg.Overview.Collections))
	for _, col := range cfg.Overview.Collections {
		collections = append(collections, aggregate.Collection{Name: col.Name, Path: col.Path})
	}
	agg, err := aggregate.New(aggregate.NewHTTPFetcher(upstream), aggregate.Options{
		Collections:     collections,
		FraudCollection: cfg.Overview.FraudCollection,
		FraudFlagField:  cfg.Overview.FraudFlagField,
		Timeout:         cfg.Overview.Timeout.Std(),
	}, l)
	if err != nil {
		return nil, fmt.Errorf("集計の初期化に失敗: %w", err)
	}

	proxy, err := NewProxy(cfg.Upstream.URL, cfg.Upstream.Timeout.Std(), cfg.Session.CookieName, l)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery(l))
	router.Use(middleware.RequestLogger(l))
	router.Use(corsUnderPrefix(cfg.HTTP.Prefix, cfg.HTTP.AllowedOrigins))

	var renderer Renderer = JSONRenderer{}
	if cfg.Views.TemplateGlob != "" {
		if err := loadTemplates(router, cfg.Views.TemplateGlob); err != nil {
			return nil, err
		}
		renderer = HTMLRenderer{}
	}

	if cfg.Debug.Pprof {
		pprof.Register(router)
	}

	s := &Server{
		router: router,
		addr:   cfg.Addr(),
		prefix: cfg.HTTP.Prefix,
		store:  store,
		cookie: session.CookieOptions{
			Name:    cfg.Session.CookieName,
			MaxAge:  cfg.Session.TTL.Std(),
			Secure:  cfg.Session.CookieSecure,
			Sliding: cfg.Session.Sliding,
		},
		verifyKey:  cfg.Auth.VerifyKey,
		upstream:   upstream,
		loginPath:  cfg.Upstream.LoginPath,
		signupPath: cfg.Upstream.SignupPath,
		aggregator: agg,
		entities:   cfg.Entities,
		proxy:      proxy,
		renderer:   renderer,
		logger:     l,
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler はルーターをhttp.Handlerとして返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// url はプレフィックス付きのパスを返す。
func (s *Server) url(path string) string {
	return s.prefix + path
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	sessions := session.Middleware(s.store, s.cookie, s.logger)
	identify := Identify(s.verifyKey, s.logger)

	// ルートはアプリケーションのトップへ
	s.router.GET("/", func(c *gin.Context) {
		requestsTotal.WithLabelValues(ClassOpen.String()).Inc()
		c.Redirect(http.StatusFound, s.url("/"))
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	app := s.router.Group(s.prefix)
	app.Use(s.countRequest, sessions, identify)
	{
		app.GET("", s.handleIndex())
		app.GET("/", s.handleIndex())
		app.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "frontgate"})
		})
		app.GET("/logout", s.handleLogout())
	}

	anonymous := app.Group("", RequireAnonymous(s.url("/dashboard")))
	{
		anonymous.GET("/login", s.handleLoginForm())
		anonymous.POST("/login", s.handleLogin())
		anonymous.GET("/signup", s.handleSignupForm())
		anonymous.POST("/signup", s.handleSignup())
	}

	authenticated := app.Group("", RequireAuthenticated(s.url("/login")))
	{
		authenticated.GET("/dashboard", s.handleDashboard())
		for _, e := range s.entities {
			s.registerEntity(authenticated, e)
		}
	}

	s.router.NoRoute(sessions, identify, s.dispatchUnmatched)
}

// corsUnderPrefix はプレフィックス配下のリクエストにだけCORSを適用する。
// 素通しのリクエストは、プリフライトを含めて上流の判断に任せる。
func corsUnderPrefix(prefix string, origins []string) gin.HandlerFunc {
	cors := middleware.CORS(origins)
	return func(c *gin.Context) {
		if !underPrefix(prefix, c.Request.URL.Path) {
			c.Next()
			return
		}
		cors(c)
	}
}

// countRequest はルート分類ごとのリクエスト数を記録する。
func (s *Server) countRequest(c *gin.Context) {
	requestsTotal.WithLabelValues(Classify(s.prefix, c.Request.URL.Path).String()).Inc()
	c.Next()
}

// dispatchUnmatched はどのルートにも一致しなかったリクエストを処理する。
// プレフィックス配下なら404、それ以外は上流へ転送する。
func (s *Server) dispatchUnmatched(c *gin.Context) {
	if underPrefix(s.prefix, c.Request.URL.Path) {
		requestsTotal.WithLabelValues(ClassGuardedAuthenticated.String()).Inc()
		s.render(c, http.StatusNotFound, viewNotFound, gin.H{"path": c.Request.URL.Path})
		return
	}
	requestsTotal.WithLabelValues(ClassPassthrough.String()).Inc()
	s.proxy.Handle(c)
}

// Run はHTTPサーバーを起動する。Shutdownが呼ばれるとnilを返す。
func (s *Server) Run() error {
	s.logger.Info("frontgateを起動します: addr=%s prefix=%s", s.addr, s.prefix)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	}
	return nil
}

// Shutdown は処理中のリクエストを待ってからサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}
