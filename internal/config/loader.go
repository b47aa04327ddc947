package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load starts from Defaults, decodes the TOML file at path when path is not
// empty, loads .env if present, then applies environment overrides. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Plain names used by container platforms.
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	setStr(&cfg.Mode, "LEDGER_MODE")
	setStr(&cfg.LogLevel, "LEDGER_LOG_LEVEL")

	setInt(&cfg.Server.Port, "LEDGER_SERVER_PORT")
	setDuration(&cfg.Server.RequestTimeout, "LEDGER_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownGrace, "LEDGER_SERVER_SHUTDOWN_GRACE")

	setStr(&cfg.Database.URL, "LEDGER_DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "LEDGER_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "LEDGER_DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "LEDGER_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "LEDGER_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.LockTTL, "LEDGER_REDIS_LOCK_TTL")

	setDuration(&cfg.Confirm.PollInterval, "LEDGER_CONFIRM_POLL_INTERVAL")
	setDuration(&cfg.Confirm.MaxWait, "LEDGER_CONFIRM_MAX_WAIT")

	setStr(&cfg.Chain.RPCURL, "LEDGER_CHAIN_RPC_URL")
	setUint64(&cfg.Chain.Confirmations, "LEDGER_CHAIN_CONFIRMATIONS")

	setStr(&cfg.Sim.SOLPrice, "LEDGER_SIM_SOL_PRICE")
	setInt64(&cfg.Sim.SwapFeeBPS, "LEDGER_SIM_SWAP_FEE_BPS")
	setInt(&cfg.Sim.FinalizeAfter, "LEDGER_SIM_FINALIZE_AFTER")

	setBool(&cfg.Archive.Enabled, "LEDGER_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "LEDGER_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Endpoint, "LEDGER_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "LEDGER_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "LEDGER_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Prefix, "LEDGER_ARCHIVE_PREFIX")
	setStr(&cfg.Archive.AccessKey, "LEDGER_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "LEDGER_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "LEDGER_ARCHIVE_FORCE_PATH_STYLE")
}

// Each setter only touches dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
