package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                int    `env:"PORT" envDefault:"8080"`
	DatabaseURL         string `env:"DATABASE_URL,required"`
	RedisURL            string `env:"REDIS_URL,required"`
	APIToken            string `env:"API_TOKEN"`
	EngineBinary        string `env:"ENGINE_BINARY,required"`
	DataDir             string `env:"DATA_DIR,required"`
	BackupDir           string `env:"BACKUP_DIR,required"`
	HookBaseURL         string `env:"HOOK_BASE_URL" envDefault:"http://127.0.0.1:8080"`
	TickIntervalSeconds int    `env:"TICK_INTERVAL_SECONDS" envDefault:"1"`
	MonitorPollSeconds  int    `env:"MONITOR_POLL_SECONDS" envDefault:"15"`
	DefaultTurnSeconds  int    `env:"DEFAULT_TURN_SECONDS" envDefault:"86400"`
	LowTimeWarnSeconds  int    `env:"LOW_TIME_WARN_SECONDS" envDefault:"3600"`
	LogLevel            string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

func (c *Config) MonitorPollInterval() time.Duration {
	return time.Duration(c.MonitorPollSeconds) * time.Second
}

func (c *Config) DefaultTurnDuration() time.Duration {
	return time.Duration(c.DefaultTurnSeconds) * time.Second
}

func (c *Config) LowTimeWarnThreshold() time.Duration {
	return time.Duration(c.LowTimeWarnSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.TickIntervalSeconds < 1 {
		return fmt.Errorf("TICK_INTERVAL_SECONDS must be at least 1, got %d", c.TickIntervalSeconds)
	}
	if c.DefaultTurnSeconds < 60 {
		return fmt.Errorf("DEFAULT_TURN_SECONDS must be at least 60, got %d", c.DefaultTurnSeconds)
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("DATA_DIR must be an absolute path, got %q", c.DataDir)
	}
	if !filepath.IsAbs(c.BackupDir) {
		return fmt.Errorf("BACKUP_DIR must be an absolute path, got %q", c.BackupDir)
	}
	if c.DataDir == c.BackupDir {
		return fmt.Errorf("DATA_DIR and BACKUP_DIR must not be the same directory")
	}

	if isProduction {
		if c.APIToken == "" {
			return fmt.Errorf("API_TOKEN must be set in production (generate with: openssl rand -hex 32)")
		}
		if len(c.APIToken) < 32 {
			return fmt.Errorf("API_TOKEN must be at least 32 characters in production")
		}
		if c.HookBaseURL == "" {
			log.Warn().Msg("HOOK_BASE_URL is empty in production: engine hook callbacks will not reach this server")
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
