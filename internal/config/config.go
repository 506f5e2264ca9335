package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP server
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/otpgate.db"`

	// Google OAuth (Gmail provider)
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID,required"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET,required"`
	GoogleRedirectURI  string `env:"GOOGLE_REDIRECT_URI,required"`

	// OTP pipeline
	RequestWindow  time.Duration `env:"OTP_REQUEST_WINDOW" envDefault:"2m"`    // Max wall-clock lifetime of a request
	Lookback       time.Duration `env:"OTP_LOOKBACK" envDefault:"5m"`          // Provider query lower bound
	MaxCandidates  int64         `env:"OTP_MAX_CANDIDATES" envDefault:"10"`    // Max messages per list call
	EmptyRetryWait time.Duration `env:"OTP_EMPTY_RETRY_WAIT" envDefault:"10s"` // Delay after an empty listing
	ScanRetryWait  time.Duration `env:"OTP_SCAN_RETRY_WAIT" envDefault:"15s"`  // Delay after scanning without a match
	SweepInterval  time.Duration `env:"OTP_SWEEP_INTERVAL" envDefault:"15s"`
	StaleGrace     time.Duration `env:"OTP_STALE_GRACE" envDefault:"1m"` // Extra slack before a processing row is declared orphaned

	// Link rendering
	RenderTimeout time.Duration `env:"RENDER_TIMEOUT" envDefault:"15s"`

	// Telegram notifications (optional)
	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// NotifierEnabled returns true if Telegram notifications are configured
func (c *Config) NotifierEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.RequestWindow <= 0 {
		return nil, fmt.Errorf("OTP_REQUEST_WINDOW must be positive, got %s", cfg.RequestWindow)
	}
	if cfg.MaxCandidates <= 0 {
		return nil, fmt.Errorf("OTP_MAX_CANDIDATES must be positive, got %d", cfg.MaxCandidates)
	}

	return cfg, nil
}
