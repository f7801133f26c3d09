// Package config 載入 relaydesk 的執行設定
//
// 載入順序：
//  1. Default() 內建預設值
//  2. YAML 配置檔（不存在時略過）
//  3. 環境變數覆蓋（部署環境常用）
//  4. Validate() 檢查設定是否可用
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Rule 單一限流類別的額度
type Rule struct {
	MaxRequests int64         `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// SeedUser 啟動時建立的用戶
type SeedUser struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// Config 整個應用的配置
type Config struct {
	Environment string `yaml:"environment" env:"RELAYDESK_ENV"`

	Server struct {
		Port            int           `yaml:"port" env:"RELAYDESK_PORT"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins" env:"RELAYDESK_ALLOWED_ORIGINS" envSeparator:","`
	} `yaml:"server"`

	Redis struct {
		// URL 優先於 Addr/Password/DB，例如 redis://:pass@host:6379/0
		URL          string        `yaml:"url" env:"REDIS_URL"`
		Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
		Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
		DB           int           `yaml:"db" env:"REDIS_DB"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		URL      string `yaml:"url" env:"DATABASE_URL"`
		Host     string `yaml:"host" env:"POSTGRES_HOST"`
		Port     int    `yaml:"port" env:"POSTGRES_PORT"`
		User     string `yaml:"user" env:"POSTGRES_USER"`
		Password string `yaml:"password" env:"POSTGRES_PASSWORD"`
		DBName   string `yaml:"dbname" env:"POSTGRES_DB"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		Enabled       bool          `yaml:"enabled" env:"NATS_ENABLED"`
		URL           string        `yaml:"url" env:"NATS_URL"`
		Name          string        `yaml:"name"`
		SubjectPrefix string        `yaml:"subject_prefix"`
		MaxReconnects int           `yaml:"max_reconnects"`
		ReconnectWait time.Duration `yaml:"reconnect_wait"`
	} `yaml:"nats"`

	Auth struct {
		JWTSecret  string        `yaml:"jwt_secret" env:"RELAYDESK_JWT_SECRET"`
		Issuer     string        `yaml:"issuer"`
		AccessTTL  time.Duration `yaml:"access_ttl"`
		RefreshTTL time.Duration `yaml:"refresh_ttl"`
		WSTokenTTL time.Duration `yaml:"ws_token_ttl"`
	} `yaml:"auth"`

	Presence struct {
		TTL        time.Duration `yaml:"ttl"`
		MaxRetries int           `yaml:"max_retries"`
	} `yaml:"presence"`

	RateLimit struct {
		Enabled        bool     `yaml:"enabled" env:"RELAYDESK_RATE_LIMIT_ENABLED"`
		FailOpen       bool     `yaml:"fail_open"`
		BypassPrefixes []string `yaml:"bypass_prefixes"`
		Default        Rule     `yaml:"default"`
		Auth           Rule     `yaml:"auth"`
		API            Rule     `yaml:"api"`
	} `yaml:"rate_limit"`

	Gateway struct {
		SendBuffer       int           `yaml:"send_buffer"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongWait         time.Duration `yaml:"pong_wait"`
		WriteWait        time.Duration `yaml:"write_wait"`
		MaxFrameSize     int64         `yaml:"max_frame_size"`
		MaxMessageLength int           `yaml:"max_message_length"`
		TeardownTimeout  time.Duration `yaml:"teardown_timeout"`
	} `yaml:"gateway"`

	Storage struct {
		Backend string `yaml:"backend" env:"RELAYDESK_STORAGE"`

		// 啟動時建立（已存在則略過），開發環境與記憶體後端使用
		SeedUsers []SeedUser `yaml:"seed_users"`
		SeedRooms []string   `yaml:"seed_rooms"`
	} `yaml:"storage"`

	Log struct {
		Level     string `yaml:"level" env:"LOG_LEVEL"`
		Format    string `yaml:"format" env:"LOG_FORMAT"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Default 返回預設配置
func Default() *Config {
	cfg := &Config{Environment: "development"}

	cfg.Server.Port = 8000
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 120 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "relaydesk"
	cfg.Postgres.Password = "relaydesk"
	cfg.Postgres.DBName = "relaydesk"
	cfg.Postgres.MaxConns = 20
	cfg.Postgres.MinConns = 2

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.Name = "relaydesk"
	cfg.NATS.SubjectPrefix = "relaydesk"
	cfg.NATS.MaxReconnects = -1
	cfg.NATS.ReconnectWait = 2 * time.Second

	cfg.Auth.Issuer = "relaydesk"
	cfg.Auth.AccessTTL = 15 * time.Minute
	cfg.Auth.RefreshTTL = 7 * 24 * time.Hour
	cfg.Auth.WSTokenTTL = 5 * time.Minute

	cfg.Presence.TTL = time.Hour
	cfg.Presence.MaxRetries = 10

	cfg.RateLimit.Enabled = true
	cfg.RateLimit.FailOpen = true
	cfg.RateLimit.Default = Rule{MaxRequests: 100, Window: time.Minute}
	cfg.RateLimit.Auth = Rule{MaxRequests: 5, Window: time.Minute}
	cfg.RateLimit.API = Rule{MaxRequests: 200, Window: time.Minute}

	cfg.Gateway.SendBuffer = 256
	cfg.Gateway.PingInterval = 54 * time.Second
	cfg.Gateway.PongWait = 60 * time.Second
	cfg.Gateway.WriteWait = 10 * time.Second
	cfg.Gateway.MaxFrameSize = 64 * 1024
	cfg.Gateway.MaxMessageLength = 5000
	cfg.Gateway.TeardownTimeout = 10 * time.Second

	cfg.Storage.Backend = "postgres"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// Load 載入配置檔案並套用環境變數
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			// 沒有配置檔時只使用預設值與環境變數
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Auth.JWTSecret == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("auth.jwt_secret is required in production"))
		} else {
			c.Auth.JWTSecret = "relaydesk-development-secret"
		}
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 || c.Auth.WSTokenTTL <= 0 {
		errs = append(errs, errors.New("auth token lifetimes must be positive"))
	}
	if c.Presence.TTL <= 0 {
		errs = append(errs, errors.New("presence.ttl must be positive"))
	}
	for name, rule := range map[string]Rule{
		"default": c.RateLimit.Default,
		"auth":    c.RateLimit.Auth,
		"api":     c.RateLimit.API,
	} {
		if rule.MaxRequests <= 0 || rule.Window < time.Second {
			errs = append(errs, fmt.Errorf("rate_limit.%s needs max_requests > 0 and window >= 1s", name))
		}
	}
	switch c.Storage.Backend {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Gateway.SendBuffer <= 0 {
		errs = append(errs, errors.New("gateway.send_buffer must be positive"))
	}
	if c.Gateway.PingInterval >= c.Gateway.PongWait {
		errs = append(errs, errors.New("gateway.ping_interval must be shorter than gateway.pong_wait"))
	}

	return errors.Join(errs...)
}

// IsProduction 是否為生產環境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// PostgresDSN 生成 PostgreSQL 連線 URL
//
// golang-migrate 與 pgxpool 都接受 URL 形式。
func (c *Config) PostgresDSN() string {
	if c.Postgres.URL != "" {
		return c.Postgres.URL
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
