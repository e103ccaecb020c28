// Package config はゲートウェイの設定を読み込む。
//
// コード上のデフォルト値、YAMLファイル、環境変数の順に上書きする。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v2"
)

// セッションの保存先。
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ErrInvalidConfig は設定値が不正であることを表す。
var ErrInvalidConfig = errors.New("設定が不正です")

type (
	// Config はゲートウェイ全体の設定。
	Config struct {
		App      App          `yaml:"app"`
		HTTP     HTTP         `yaml:"http"`
		Upstream Upstream     `yaml:"upstream"`
		Session  Session      `yaml:"session"`
		Auth     Auth         `yaml:"auth"`
		Overview Overview     `yaml:"overview"`
		Entities []Collection `yaml:"entities"`
		Log      Log          `yaml:"logger"`
		Views    Views        `yaml:"views"`
		Debug    Debug        `yaml:"debug"`
	}

	// App はアプリケーション情報。
	App struct {
		Name    string `yaml:"name" env:"APP_NAME"`
		Version string `yaml:"-"`
	}

	// HTTP は待ち受けとブラウザ向けの設定。
	HTTP struct {
		Host           string   `yaml:"host" env:"HTTP_HOST"`
		Port           string   `yaml:"port" env:"HTTP_PORT"`
		AllowedOrigins []string `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS"`
		// Prefix はアプリケーションルートの予約プレフィックス。これ以外は上流へ素通しする。
		Prefix string `yaml:"prefix" env:"HTTP_PREFIX"`
	}

	// Upstream は上流RESTサービスの設定。
	Upstream struct {
		URL        string   `yaml:"url" env:"UPSTREAM_URL"`
		Timeout    Duration `yaml:"timeout" env:"UPSTREAM_TIMEOUT"`
		LoginPath  string   `yaml:"login_path" env:"UPSTREAM_LOGIN_PATH"`
		SignupPath string   `yaml:"signup_path" env:"UPSTREAM_SIGNUP_PATH"`
	}

	// Session はセッションストアとCookieの設定。
	Session struct {
		Backend         string   `yaml:"backend" env:"SESSION_BACKEND"`
		TTL             Duration `yaml:"ttl" env:"SESSION_TTL"`
		Sliding         bool     `yaml:"sliding" env:"SESSION_SLIDING"`
		CookieName      string   `yaml:"cookie_name" env:"SESSION_COOKIE_NAME"`
		CookieSecure    bool     `yaml:"cookie_secure" env:"SESSION_COOKIE_SECURE"`
		CleanupInterval Duration `yaml:"cleanup_interval" env:"SESSION_CLEANUP_INTERVAL"`
		SQLitePath      string   `yaml:"sqlite_path" env:"SESSION_SQLITE_PATH"`
		RedisAddr       string   `yaml:"redis_addr" env:"SESSION_REDIS_ADDR"`
		RedisPassword   string   `yaml:"redis_password" env:"SESSION_REDIS_PASSWORD"`
		RedisDB         int      `yaml:"redis_db" env:"SESSION_REDIS_DB"`
		RedisPrefix     string   `yaml:"redis_prefix" env:"SESSION_REDIS_PREFIX"`
	}

	// Auth はクレデンシャル検証の設定。
	Auth struct {
		// VerifyKey を設定するとHS256署名と有効期限を検証する。空なら検証しない。
		VerifyKey string `yaml:"verify_key" env:"AUTH_VERIFY_KEY"`
	}

	// Overview はダッシュボード集計の設定。
	Overview struct {
		Timeout         Duration     `yaml:"timeout" env:"OVERVIEW_TIMEOUT"`
		Collections     []Collection `yaml:"collections"`
		FraudCollection string       `yaml:"fraud_collection" env:"OVERVIEW_FRAUD_COLLECTION"`
		FraudFlagField  string       `yaml:"fraud_flag_field" env:"OVERVIEW_FRAUD_FLAG_FIELD"`
	}

	// Collection は上流のリソースコレクション。
	Collection struct {
		Name string `yaml:"name"`
		Path string `yaml:"path"`
	}

	// Log はログ設定。
	Log struct {
		Level string `yaml:"log_level" env:"LOG_LEVEL"`
	}

	// Views は画面描画の設定。
	Views struct {
		// TemplateGlob を設定するとHTMLテンプレートで描画する。空ならJSONで応答する。
		TemplateGlob string `yaml:"template_glob" env:"VIEWS_TEMPLATE_GLOB"`
	}

	// Debug はデバッグ用エンドポイントの設定。
	Debug struct {
		Pprof bool `yaml:"pprof" env:"DEBUG_PPROF"`
	}
)

// Default はコード上のデフォルト設定を返す。
func Default() *Config {
	return &Config{
		App: App{
			Name:    "frontgate",
			Version: "DEVELOPMENT",
		},
		HTTP: HTTP{
			Host:           "",
			Port:           "4000",
			AllowedOrigins: []string{},
			Prefix:         "/front",
		},
		Upstream: Upstream{
			URL:        "http://localhost:3000",
			Timeout:    Duration(10 * time.Second),
			LoginPath:  "/auth/login",
			SignupPath: "/auth/signup",
		},
		Session: Session{
			Backend:         BackendMemory,
			TTL:             Duration(time.Hour),
			Sliding:         false,
			CookieName:      "frontgate.sid",
			CookieSecure:    false,
			CleanupInterval: Duration(time.Minute),
			SQLitePath:      "frontgate-sessions.db",
			RedisAddr:       "localhost:6379",
			RedisPrefix:     "frontgate:",
		},
		Overview: Overview{
			Timeout: Duration(5 * time.Second),
			Collections: []Collection{
				{Name: "users", Path: "/users"},
				{Name: "accounts", Path: "/accounts"},
				{Name: "transactions", Path: "/transactions"},
				{Name: "analyses", Path: "/analyses"},
			},
			FraudCollection: "analyses",
			FraudFlagField:  "isFraud",
		},
		Entities: []Collection{
			{Name: "users", Path: "/users"},
			{Name: "accounts", Path: "/accounts"},
			{Name: "transactions", Path: "/transactions"},
			{Name: "analyses", Path: "/analyses"},
		},
		Log: Log{
			Level: "info",
		},
	}
}

// NewConfig は設定を読み込む。pathが空の場合はファイルを読まず、デフォルト値と環境変数のみを使う。
func NewConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値を検証し、プレフィックスなどを正規化する。
func (c *Config) Validate() error {
	prefix := "/" + strings.Trim(c.HTTP.Prefix, "/")
	if prefix == "/" {
		return fmt.Errorf("%w: http.prefixにはルート以外のパスを指定してください", ErrInvalidConfig)
	}
	c.HTTP.Prefix = prefix

	u, err := url.Parse(c.Upstream.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: upstream.urlが不正です: %q", ErrInvalidConfig, c.Upstream.URL)
	}

	switch c.Session.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("%w: session.backendが不明です: %q", ErrInvalidConfig, c.Session.Backend)
	}
	if c.Session.Backend == BackendSQLite && c.Session.SQLitePath == "" {
		return fmt.Errorf("%w: session.sqlite_pathが空です", ErrInvalidConfig)
	}
	if c.Session.Backend == BackendRedis && c.Session.RedisAddr == "" {
		return fmt.Errorf("%w: session.redis_addrが空です", ErrInvalidConfig)
	}
	if c.Session.CookieName == "" {
		return fmt.Errorf("%w: session.cookie_nameが空です", ErrInvalidConfig)
	}

	if len(c.Overview.Collections) == 0 {
		return fmt.Errorf("%w: overview.collectionsが空です", ErrInvalidConfig)
	}
	if c.Overview.FraudCollection != "" && !hasCollection(c.Overview.Collections, c.Overview.FraudCollection) {
		return fmt.Errorf("%w: overview.fraud_collectionが見つかりません: %q", ErrInvalidConfig, c.Overview.FraudCollection)
	}

	reserved := map[string]struct{}{
		"login": {}, "signup": {}, "logout": {}, "dashboard": {}, "healthz": {}, "new": {},
	}
	seen := make(map[string]struct{}, len(c.Entities))
	for _, e := range c.Entities {
		if e.Name == "" || e.Path == "" || strings.Contains(e.Name, "/") {
			return fmt.Errorf("%w: entitiesの定義が不正です: name=%q path=%q", ErrInvalidConfig, e.Name, e.Path)
		}
		if _, ok := reserved[e.Name]; ok {
			return fmt.Errorf("%w: entity名%qは予約されています", ErrInvalidConfig, e.Name)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("%w: entity名%qが重複しています", ErrInvalidConfig, e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return nil
}

func hasCollection(cols []Collection, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Addr は待ち受けアドレスを返す。
func (c *Config) Addr() string {
	return c.HTTP.Host + ":" + c.HTTP.Port
}

// WriteFile は設定をYAMLとして書き出す。親ディレクトリがなければ作成する。
func WriteFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("設定ディレクトリの作成に失敗: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの作成に失敗: %w", err)
	}
	defer file.Close()

	encoder := yaml.NewEncoder(file)
	defer encoder.Close()

	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("設定のシリアライズに失敗: %w", err)
	}
	return nil
}
