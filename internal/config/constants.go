package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Outbound call budgets. Channel updates must finish inside one tick so a
// slow peer never delays the next debit.
const (
	ChannelUpdateTimeout = 800 * time.Millisecond
	ChannelCallTimeout   = 5 * time.Second
	SettlementTimeout    = 10 * time.Second
)

// Default rate limiting
const DefaultRateLimitPerMin = 120
