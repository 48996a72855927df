package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://rollcall.db"`

	// Admin
	DeletePassword string `env:"DELETE_PASSWORD,required,notEmpty"`

	// Platform
	PlatformBaseURL string `env:"PLATFORM_BASE_URL" envDefault:"https://www.yuketang.cn"`
	PlatformWSURL   string `env:"PLATFORM_WS_URL" envDefault:"wss://www.yuketang.cn/wsapp/"`

	// Login
	LoginChallengeTTL time.Duration `env:"LOGIN_CHALLENGE_TTL" envDefault:"180s"`
	LoginApprovedTTL  time.Duration `env:"LOGIN_APPROVED_TTL" envDefault:"10m"`

	// Dispatch
	DispatchTimeout      time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"15s"`
	DispatchMaxRedirects int           `env:"DISPATCH_MAX_REDIRECTS" envDefault:"5"`
	DispatchMaxBodySize  int64         `env:"DISPATCH_MAX_BODY_SIZE" envDefault:"5242880"`
	DispatchBlockPrivate bool          `env:"DISPATCH_BLOCK_PRIVATE" envDefault:"false"`

	// Verify
	VerifyTimeout     time.Duration `env:"VERIFY_TIMEOUT" envDefault:"10s"`
	VerifyConcurrency int           `env:"VERIFY_CONCURRENCY" envDefault:"5"`
	VerifyBatchPause  time.Duration `env:"VERIFY_BATCH_PAUSE" envDefault:"500ms"`
	VerifyInterval    time.Duration `env:"VERIFY_INTERVAL" envDefault:"0s"`

	// Rate Limit
	RateLimitGeneral    int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitLoginStart int `env:"RATE_LIMIT_LOGIN_START" envDefault:"10"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env file", slog.String("error", err.Error()))
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var invalid []string
	if c.LoginChallengeTTL <= 0 {
		invalid = append(invalid, "LOGIN_CHALLENGE_TTL")
	}
	if c.LoginApprovedTTL <= 0 {
		invalid = append(invalid, "LOGIN_APPROVED_TTL")
	}
	if c.DispatchTimeout <= 0 {
		invalid = append(invalid, "DISPATCH_TIMEOUT")
	}
	if c.DispatchMaxRedirects < 0 {
		invalid = append(invalid, "DISPATCH_MAX_REDIRECTS")
	}
	if c.VerifyTimeout <= 0 {
		invalid = append(invalid, "VERIFY_TIMEOUT")
	}
	if c.VerifyConcurrency < 1 {
		invalid = append(invalid, "VERIFY_CONCURRENCY")
	}
	if c.VerifyInterval < 0 {
		invalid = append(invalid, "VERIFY_INTERVAL")
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid environment variables: %v", invalid)
	}
	return nil
}

// SlogLevel はLOG_LEVELをslog.Levelに変換する。
// 解釈できない値はInfoとして扱う。
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
