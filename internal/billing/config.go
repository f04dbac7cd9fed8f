package billing

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	StripeWebhookSecret string
	StripeAPIKey        string

	RedisAddr string // optional shared replay cache; in-memory when empty

	LogLevel  string
	LogFormat string
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// LoadConfig loads billing service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SCREENME_PORT", 8787)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("SCREENME_DATA_DIR", "/var/lib/screenme"),
		BindAddress:         envOrDefault("SCREENME_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		RedisAddr:           strings.TrimSpace(os.Getenv("SCREENME_REDIS_ADDR")),
		LogLevel:            envOrDefault("SCREENME_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("SCREENME_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SCREENME_PORT must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}
