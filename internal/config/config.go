package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Metering
	TickMillis int `env:"TICK_MILLIS" envDefault:"1000"`

	// Channel peer. Empty base URL means the peer is unconfigured and every
	// session runs without channel acceleration.
	ChannelPeerURL   string `env:"CHANNEL_PEER_URL" envDefault:""`
	ChannelPeerToken string `env:"CHANNEL_PEER_TOKEN" envDefault:""`

	// Settlement service
	SettlementURL            string `env:"SETTLEMENT_URL,required"`
	SettlementMaxAttempts    int    `env:"SETTLEMENT_MAX_ATTEMPTS" envDefault:"5"`
	SettlementBackoffMillis  int    `env:"SETTLEMENT_BACKOFF_MILLIS" envDefault:"200"`
	FinalizeMaxAttempts      int    `env:"FINALIZE_MAX_ATTEMPTS" envDefault:"3"`
	RecoveryIntervalSeconds  int    `env:"RECOVERY_INTERVAL_SECONDS" envDefault:"60"`
	RecoveryStaleAfterMillis int    `env:"RECOVERY_STALE_AFTER_MILLIS" envDefault:"30000"`

	// Loyalty
	LoyaltyThreshold int64 `env:"LOYALTY_THRESHOLD" envDefault:"100"`

	// Operator endpoints (bcrypt hash, same format the admin surface used)
	OperatorPasswordHash string `env:"OPERATOR_PASSWORD_HASH"`
}

func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

func (c *Config) SettlementBackoff() time.Duration {
	return time.Duration(c.SettlementBackoffMillis) * time.Millisecond
}

func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

func (c *Config) RecoveryStaleAfter() time.Duration {
	return time.Duration(c.RecoveryStaleAfterMillis) * time.Millisecond
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) ChannelConfigured() bool {
	return c.ChannelPeerURL != ""
}

func (c *Config) Validate(isProduction bool) error {
	if c.TickMillis <= 0 {
		return fmt.Errorf("TICK_MILLIS must be positive")
	}
	if c.SettlementMaxAttempts < 1 {
		return fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS must be at least 1")
	}
	if c.LoyaltyThreshold <= 0 {
		return fmt.Errorf("LOYALTY_THRESHOLD must be positive")
	}

	if c.OperatorPasswordHash != "" {
		if !strings.HasPrefix(c.OperatorPasswordHash, "$2a$") &&
			!strings.HasPrefix(c.OperatorPasswordHash, "$2b$") &&
			!strings.HasPrefix(c.OperatorPasswordHash, "$2y$") {
			return fmt.Errorf("OPERATOR_PASSWORD_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <password>)")
		}
	}

	if isProduction {
		if c.TickMillis != 1000 {
			return fmt.Errorf("TICK_MILLIS must be 1000 in production: one credit per second is the billing contract")
		}
		if !c.ChannelConfigured() {
			log.Warn().Msg("CHANNEL_PEER_URL is empty in production: sessions will settle without channel acceleration")
		}
		if c.OperatorPasswordHash == "" {
			log.Warn().Msg("OPERATOR_PASSWORD_HASH is empty in production: operator endpoints disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
