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

// Largest request body the API accepts. Every payload the API carries is a
// small JSON control message; game files move through the engine's working
// directory, never this server.
const MaxRequestBodyBytes = 1 << 20

// Turn advance protocol
const (
	AdvanceRetryLimit   = 3
	AdvanceRetryBackoff = 5 * time.Second
	AdvanceProbeTimeout = 20 * time.Second
	BackupTimeout       = 2 * time.Minute
)
