package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig    `env:",prefix=SERVER_"`
	Database  DatabaseConfig  `env:",prefix=DB_"`
	Redis     RedisConfig     `env:",prefix=REDIS_"`
	Luma      LumaConfig      `env:",prefix=LUMA_"`
	Instagram InstagramConfig `env:",prefix=INSTAGRAM_"`
	Mint      MintConfig      `env:",prefix=POAP_"`
	Notify    NotifyConfig    `env:",prefix=NOTIFY_"`
	Auth      AuthConfig      `env:",prefix=AUTH_"`
	App       AppConfig       `env:",prefix=APP_"`
}

type ServerConfig struct {
	Host         string `env:"HOST,default=127.0.0.1"`
	Port         string `env:"PORT,default=8080"`
	BasePath     string `env:"BASE_PATH,default=/v0"`
	ReadTimeout  int    `env:"READ_TIMEOUT,default=30"` // seconds
	WriteTimeout int    `env:"WRITE_TIMEOUT,default=0"` // seconds; 0 keeps streams open
}

// DatabaseConfig selects the SQL backend. Driver is "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver    string `env:"DRIVER,default=sqlite"`
	Workspace string `env:"WORKSPACE,default=."`
	Host      string `env:"HOST,default=localhost"`
	Port      string `env:"PORT,default=5432"`
	User      string `env:"USER,default=postgres"`
	Password  string `env:"PASSWORD,default=postgres"`
	Name      string `env:"NAME,default=dropline"`
	SSLMode   string `env:"SSL_MODE,default=disable"`
	MaxConns  int    `env:"MAX_CONNS,default=25"`
	MinConns  int    `env:"MIN_CONNS,default=5"`
}

type RedisConfig struct {
	Addr      string        `env:"ADDR,default=localhost:6379"`
	Password  string        `env:"PASSWORD"`
	DB        int           `env:"DB,default=0"`
	LedgerTTL time.Duration `env:"LEDGER_TTL,default=8760h"`
}

type LumaConfig struct {
	BaseURL      string        `env:"BASE_URL,default=https://api.lu.ma"`
	CookieSecret string        `env:"COOKIE_SECRET"`
	PageSize     int           `env:"PAGE_SIZE,default=100"`
	RatePerSec   float64       `env:"RATE_PER_SEC,default=2"`
	Timeout      time.Duration `env:"TIMEOUT,default=15s"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL,default=0s"`
}

type InstagramConfig struct {
	GraphURL     string `env:"GRAPH_URL,default=https://graph.facebook.com/v19.0"`
	AccessToken  string `env:"ACCESS_TOKEN"`
	VerifyToken  string `env:"VERIFY_TOKEN"`
	AppSecret    string `env:"APP_SECRET"`
	FailedPolicy string `env:"FAILED_POLICY,default=retry"`
	// PendingTimeout fails deliveries stuck in pending, e.g. after a crash mid-grant.
	PendingTimeout time.Duration `env:"PENDING_TIMEOUT,default=10m"`
	ClaimBaseURL   string        `env:"CLAIM_BASE_URL,default=http://localhost:8080/claim"`
	Timeout        time.Duration `env:"TIMEOUT,default=10s"`
}

type MintConfig struct {
	BaseURL string        `env:"BASE_URL,default=https://api.poap.tech"`
	APIKey  string        `env:"API_KEY"`
	Timeout time.Duration `env:"TIMEOUT,default=15s"`
}

// NotifyConfig selects the fan-out transport: poll, pubsub or stream.
type NotifyConfig struct {
	Mode         string        `env:"MODE,default=stream"`
	Topic        string        `env:"TOPIC,default=campaign-updates"`
	PollInterval time.Duration `env:"POLL_INTERVAL,default=10s"`
	Heartbeat    time.Duration `env:"HEARTBEAT,default=25s"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
}

type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	Debug       bool   `env:"DEBUG,default=false"`
}

// Load loads configuration from environment variables.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

// LoadFrom loads configuration from an explicit key/value map.
func LoadFrom(ctx context.Context, env map[string]string) (*Config, error) {
	return load(ctx, envconfig.MapLookuper(env))
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Notify.Mode {
	case "poll", "pubsub", "stream":
	default:
		return fmt.Errorf("NOTIFY_MODE must be poll, pubsub or stream, got %q", c.Notify.Mode)
	}
	switch c.Instagram.FailedPolicy {
	case "block", "retry":
	default:
		return fmt.Errorf("INSTAGRAM_FAILED_POLICY must be block or retry, got %q", c.Instagram.FailedPolicy)
	}
	if c.Luma.PageSize <= 0 {
		return fmt.Errorf("LUMA_PAGE_SIZE must be positive")
	}
	if c.Luma.RatePerSec <= 0 {
		return fmt.Errorf("LUMA_RATE_PER_SEC must be positive")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
	return nil
}

// GetDatabaseURL returns the PostgreSQL connection URL.
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetServerAddr returns the listen address.
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}
