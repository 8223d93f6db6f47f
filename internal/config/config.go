package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	JWTSigningKey string   `mapstructure:"JWT_SIGNING_KEY"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	// Blob storage for batch snapshots and uploaded return files.
	BlobDir string `mapstructure:"BLOB_DIR"`

	// Return ingestion worker policy. The retry ceiling and backoff are
	// deliberately configuration, not constants.
	ReturnMaxRetries       int           `mapstructure:"RETURN_MAX_RETRIES"`
	ReturnRetryBaseBackoff time.Duration `mapstructure:"RETURN_RETRY_BASE_BACKOFF"`
	ReturnRetryMaxBackoff  time.Duration `mapstructure:"RETURN_RETRY_MAX_BACKOFF"`
	WorkerPollInterval     time.Duration `mapstructure:"WORKER_POLL_INTERVAL"`

	// Denial-rate ratio above which a closed batch emits an alert event.
	DenialAlertThreshold float64 `mapstructure:"DENIAL_ALERT_THRESHOLD"`

	// Optional webhook destination for domain events.
	EventWebhookURL    string `mapstructure:"EVENT_WEBHOOK_URL"`
	EventWebhookSecret string `mapstructure:"EVENT_WEBHOOK_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BLOB_DIR", "./blobs")
	v.SetDefault("RETURN_MAX_RETRIES", 3)
	v.SetDefault("RETURN_RETRY_BASE_BACKOFF", "30s")
	v.SetDefault("RETURN_RETRY_MAX_BACKOFF", "10m")
	v.SetDefault("WORKER_POLL_INTERVAL", "5s")
	v.SetDefault("DENIAL_ALERT_THRESHOLD", 0.30)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("BLOB_DIR")
	v.BindEnv("RETURN_MAX_RETRIES")
	v.BindEnv("RETURN_RETRY_BASE_BACKOFF")
	v.BindEnv("RETURN_RETRY_MAX_BACKOFF")
	v.BindEnv("WORKER_POLL_INTERVAL")
	v.BindEnv("DENIAL_ALERT_THRESHOLD")
	v.BindEnv("EVENT_WEBHOOK_URL")
	v.BindEnv("EVENT_WEBHOOK_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// JWT signing key is mandatory so clinic scoping cannot be bypassed.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required when ENV is not development")
	}
	if c.ReturnMaxRetries < 0 {
		return fmt.Errorf("RETURN_MAX_RETRIES must be >= 0, got %d", c.ReturnMaxRetries)
	}
	if c.ReturnRetryBaseBackoff <= 0 {
		return fmt.Errorf("RETURN_RETRY_BASE_BACKOFF must be positive")
	}
	if c.ReturnRetryMaxBackoff < c.ReturnRetryBaseBackoff {
		return fmt.Errorf("RETURN_RETRY_MAX_BACKOFF must be >= RETURN_RETRY_BASE_BACKOFF")
	}
	if c.DenialAlertThreshold < 0 || c.DenialAlertThreshold > 1 {
		return fmt.Errorf("DENIAL_ALERT_THRESHOLD must be between 0 and 1, got %v", c.DenialAlertThreshold)
	}
	if c.EventWebhookURL != "" && c.EventWebhookSecret == "" {
		return fmt.Errorf("EVENT_WEBHOOK_SECRET is required when EVENT_WEBHOOK_URL is set")
	}
	return nil
}
