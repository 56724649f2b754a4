package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all tabula server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	PoolSize       int    `json:"pool_size"`
	ApprovalTTLMin int    `json:"approval_ttl_min"`
	AutosaveCron   string `json:"autosave_cron"`
	VacuumCron     string `json:"vacuum_cron"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(tabulaDir(), "tabula.db"),
		LogLevel:       "info",
		PoolSize:       16,
		ApprovalTTLMin: 30,
		AutosaveCron:   "* * * * *",
		VacuumCron:     "0 4 * * *",
	}
}

func tabulaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabula"
	}
	return filepath.Join(home, ".tabula")
}

func settingsPath() string {
	return filepath.Join(tabulaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TABULA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TABULA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TABULA_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("TABULA_APPROVAL_TTL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ApprovalTTLMin = n
		}
	}
	if v := os.Getenv("TABULA_AUTOSAVE_CRON"); v != "" {
		cfg.AutosaveCron = v
	}
	if v := os.Getenv("TABULA_VACUUM_CRON"); v != "" {
		cfg.VacuumCron = v
	}

	return cfg
}

func (c Config) approvalTTL() time.Duration {
	if c.ApprovalTTLMin <= 0 {
		return 0
	}
	return time.Duration(c.ApprovalTTLMin) * time.Minute
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
