package gateway

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/nao1215/tollgate/internal/breaker"
	"github.com/nao1215/tollgate/internal/filter"
	"github.com/nao1215/tollgate/internal/ratelimit"
	"github.com/nao1215/tollgate/internal/rewrite"
	"github.com/nao1215/tollgate/internal/route"
	"github.com/nao1215/tollgate/internal/token"
	"github.com/nao1215/tollgate/pkg/logging"
	"github.com/nao1215/tollgate/pkg/middleware"
)

// バックエンドの種類。
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config はゲートウェイ全体の設定。
type Config struct {
	// Server はHTTPサーバーの設定。
	Server ServerConfig `yaml:"server"`
	// Log はロガーの設定。
	Log logging.Config `yaml:"log"`
	// JWTSecret はJWTの検証と開発用トークンの署名に使うHS256のシークレット。
	JWTSecret string `yaml:"jwt_secret"`
	// DevMode がtrueの場合は POST /auth/dev-token を有効にする。
	DevMode bool `yaml:"dev_mode"`
	// TokenStore は不透明トークンの保存先の設定。
	TokenStore TokenStoreConfig `yaml:"token_store"`
	// Redis はRedisバックエンドの接続設定。
	Redis RedisConfig `yaml:"redis"`
	// Token は不透明トークンの発行設定。
	Token token.Config `yaml:"token"`
	// RateLimit は流量制御の設定。
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// Breaker はルートに個別の設定が無い項目に使うサーキットブレーカーの既定値。
	Breaker breaker.Config `yaml:"circuit_breaker"`
	// Routes は下流サービスへのルート。
	Routes []route.Route `yaml:"routes"`
	// Validation はリクエスト検証の設定。
	Validation filter.ValidationConfig `yaml:"validation"`
	// Security はCORSとセキュリティヘッダーの設定。
	Security filter.SecurityConfig `yaml:"security"`
	// Vocabulary は応答本文でトークンを保持するフィールド名の判定規則。
	Vocabulary rewrite.Vocabulary `yaml:"token_vocabulary"`
	// Events はライフサイクルイベントの配信設定。
	Events EventsConfig `yaml:"events"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port              string        `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// TokenStoreConfig は不透明トークンの保存先の設定。
type TokenStoreConfig struct {
	// Backend は memory / redis / sqlite のいずれか。
	Backend string `yaml:"backend"`
	// MaxEntries はmemoryバックエンドが保持する最大件数。
	MaxEntries int64 `yaml:"max_entries"`
	// SQLitePath はsqliteバックエンドのデータベースファイル。
	SQLitePath string `yaml:"sqlite_path"`
	// JanitorInterval は期限切れの対応付けを削除する間隔。
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// RedisConfig はRedisの接続設定。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix はすべてのキーに付ける接頭辞。
	KeyPrefix string `yaml:"key_prefix"`
}

// RateLimitConfig は流量制御の設定とバケットの保存先。
type RateLimitConfig struct {
	ratelimit.Config `yaml:",inline"`
	// Backend は memory / redis のいずれか。
	Backend string `yaml:"backend"`
}

// EventsConfig はライフサイクルイベントの配信設定。
type EventsConfig struct {
	// Buffer は配信待ちのイベントを保持する数。超えた分は破棄する。
	Buffer int `yaml:"buffer"`
	// WebhookURL が設定されている場合はイベントをPOSTで送信する。
	WebhookURL string `yaml:"webhook_url"`
	// WebhookPath は送信先のパス。
	WebhookPath string `yaml:"webhook_path"`
}

// DefaultConfig はメモリのバックエンドでルート無しに起動できる設定を返す。
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:              "8080",
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Log: logging.Config{Level: "info", Format: "json"},
		TokenStore: TokenStoreConfig{
			Backend:         BackendMemory,
			MaxEntries:      100_000,
			SQLitePath:      "tollgate.db",
			JanitorInterval: time.Minute,
		},
		Redis:      RedisConfig{Addr: "localhost:6379", KeyPrefix: "tollgate:"},
		Token:      token.DefaultConfig(),
		RateLimit:  RateLimitConfig{Config: ratelimit.DefaultConfig(), Backend: BackendMemory},
		Breaker:    breaker.DefaultConfig(),
		Validation: filter.DefaultValidationConfig(),
		Security:   filter.DefaultSecurityConfig(),
		Vocabulary: rewrite.DefaultVocabulary(),
		Events:     EventsConfig{Buffer: 256, WebhookPath: "/events"},
	}
}

// LoadConfig は設定ファイルを読み込み、環境変数で上書きして検証する。
// pathが空の場合は既定値に環境変数だけを適用する。
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.Getenv)
}

func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}
	applyEnv(&cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする。
func applyEnv(cfg *Config, getenv func(string) string) {
	getEnvOr := func(key, defaultValue string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return defaultValue
	}

	cfg.Server.Port = getEnvOr("PORT", cfg.Server.Port)
	cfg.JWTSecret = getEnvOr("JWT_SECRET", cfg.JWTSecret)
	cfg.Redis.Addr = getEnvOr("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.TokenStore.Backend = getEnvOr("TOKEN_STORE_BACKEND", cfg.TokenStore.Backend)
	cfg.TokenStore.SQLitePath = getEnvOr("SQLITE_PATH", cfg.TokenStore.SQLitePath)
	cfg.RateLimit.Backend = getEnvOr("RATE_LIMIT_BACKEND", cfg.RateLimit.Backend)
	cfg.Log.Level = getEnvOr("LOG_LEVEL", cfg.Log.Level)

	if origin := getenv("FRONTEND_URL"); origin != "" {
		policy := cfg.Security.CORS
		if len(policy.AllowedMethods) == 0 {
			policy = middleware.DefaultCORSPolicy()
		}
		policy.AllowedOrigins = append(policy.AllowedOrigins, origin)
		cfg.Security.CORS = policy
	}
}

// Validate は設定の問題をすべてまとめて返す。
func (c Config) Validate() error {
	var result *multierror.Error
	if c.Server.Port == "" {
		result = multierror.Append(result, errors.New("server.port is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, err)
	}

	switch c.TokenStore.Backend {
	case BackendMemory:
		if c.TokenStore.MaxEntries <= 0 {
			result = multierror.Append(result, errors.New("token_store.max_entries must be positive"))
		}
	case BackendRedis:
	case BackendSQLite:
		if c.TokenStore.SQLitePath == "" {
			result = multierror.Append(result, errors.New("token_store.sqlite_path is required for the sqlite backend"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("token_store.backend %q is not one of memory, redis, sqlite", c.TokenStore.Backend))
	}

	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		result = multierror.Append(result, fmt.Errorf("rate_limit.backend %q is not one of memory, redis", c.RateLimit.Backend))
	}
	if c.usesRedis() && c.Redis.Addr == "" {
		result = multierror.Append(result, errors.New("redis.addr is required when a redis backend is selected"))
	}
	if err := c.RateLimit.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Breaker.WithDefaults().Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("circuit_breaker: %w", err))
	}
	if _, err := route.NewTable(c.Routes); err != nil {
		result = multierror.Append(result, err)
	}
	if c.DevMode && c.JWTSecret == "" {
		result = multierror.Append(result, errors.New("jwt_secret is required when dev_mode is enabled"))
	}
	if c.Events.Buffer <= 0 {
		result = multierror.Append(result, errors.New("events.buffer must be positive"))
	}
	return result.ErrorOrNil()
}

func (c Config) usesRedis() bool {
	return c.TokenStore.Backend == BackendRedis || c.RateLimit.Backend == BackendRedis
}
