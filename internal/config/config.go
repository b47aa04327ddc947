// Package config loads the ledger server configuration from a TOML file,
// an optional .env file and LEDGER_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration.
type Config struct {
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Confirm  ConfirmConfig  `toml:"confirm"`
	Chain    ChainConfig    `toml:"chain"`
	Sim      SimConfig      `toml:"sim"`
	Archive  ArchiveConfig  `toml:"archive"`
}

// ServerConfig holds HTTP server parameters. RequestTimeout bounds every
// API call and must exceed the confirmation wait.
type ServerConfig struct {
	Port           int      `toml:"port"`
	RequestTimeout Duration `toml:"request_timeout"`
	ShutdownGrace  Duration `toml:"shutdown_grace"`
}

// DatabaseConfig selects PostgreSQL. An empty URL means the in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and the shared pool lock.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL Duration `toml:"cache_ttl"`
	LockTTL  Duration `toml:"lock_ttl"`
}

// ConfirmConfig tunes the deposit confirmation waiter.
type ConfirmConfig struct {
	PollInterval Duration `toml:"poll_interval"`
	MaxWait      Duration `toml:"max_wait"`
}

// ChainConfig points the transfer oracle at an EVM node (mode "evm").
type ChainConfig struct {
	RPCURL        string `toml:"rpc_url"`
	Confirmations uint64 `toml:"confirmations"`
}

// SimConfig drives the simulated pool, router, payout and oracle.
type SimConfig struct {
	SOLPrice      string `toml:"sol_price"`
	SwapFeeBPS    int64  `toml:"swap_fee_bps"`
	FinalizeAfter int    `toml:"finalize_after"`
}

// ArchiveConfig enables periodic snapshot upload to S3.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Interval       Duration `toml:"interval"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	Prefix         string   `toml:"prefix"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	ForcePathStyle bool     `toml:"force_path_style"`
}

// Duration parses strings like "5s" from TOML and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs the simulator in memory.
func Defaults() Config {
	return Config{
		Mode:     "sim",
		LogLevel: "info",
		Server: ServerConfig{
			Port:           8080,
			RequestTimeout: Duration{90 * time.Second},
			ShutdownGrace:  Duration{5 * time.Second},
		},
		Database: DatabaseConfig{MaxConns: 10, RunMigrations: true},
		Redis: RedisConfig{
			CacheTTL: Duration{30 * time.Second},
			LockTTL:  Duration{30 * time.Second},
		},
		Confirm: ConfirmConfig{
			PollInterval: Duration{5 * time.Second},
			MaxWait:      Duration{60 * time.Second},
		},
		Chain: ChainConfig{Confirmations: 12},
		Sim: SimConfig{
			SOLPrice:      "150",
			SwapFeeBPS:    30,
			FinalizeAfter: 1,
		},
		Archive: ArchiveConfig{
			Interval: Duration{time.Hour},
			Prefix:   "snapshots",
		},
	}
}

var validModes = map[string]bool{"sim": true, "evm": true}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level, info when unknown.
func (c *Config) SlogLevel() slog.Level {
	return logLevels[strings.ToLower(c.LogLevel)]
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: sim, evm)", c.Mode))
	}
	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= c.Confirm.MaxWait.Duration {
		errs = append(errs, fmt.Sprintf("server: request_timeout %s must exceed confirm.max_wait %s",
			c.Server.RequestTimeout.Duration, c.Confirm.MaxWait.Duration))
	}

	if c.Confirm.PollInterval.Duration <= 0 {
		errs = append(errs, "confirm: poll_interval must be positive")
	}
	if c.Confirm.MaxWait.Duration < c.Confirm.PollInterval.Duration {
		errs = append(errs, "confirm: max_wait must be at least poll_interval")
	}

	if c.Redis.URL != "" && c.Redis.LockTTL.Duration <= 0 {
		errs = append(errs, "redis: lock_ttl must be positive")
	}

	if strings.ToLower(c.Mode) == "evm" {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required for mode evm")
		}
		if c.Chain.Confirmations == 0 {
			errs = append(errs, "chain: confirmations must be at least 1")
		}
	}

	if p, err := decimal.NewFromString(c.Sim.SOLPrice); err != nil || !p.IsPositive() {
		errs = append(errs, fmt.Sprintf("sim: sol_price %q must be a positive decimal", c.Sim.SOLPrice))
	}
	if c.Sim.SwapFeeBPS < 0 || c.Sim.SwapFeeBPS >= 10000 {
		errs = append(errs, fmt.Sprintf("sim: swap_fee_bps %d out of range", c.Sim.SwapFeeBPS))
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" || c.Archive.Region == "" {
			errs = append(errs, "archive: bucket and region are required when enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SOLPrice returns the simulated SOL price. Call after Validate.
func (c *Config) SOLPrice() decimal.Decimal {
	return decimal.RequireFromString(c.Sim.SOLPrice)
}
