package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all conveyor server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr     string `json:"listen_addr"`
	DBPath         string `json:"db_path"`
	BackendURL     string `json:"backend_url"`
	BackendToken   string `json:"backend_token"`
	BackendTimeout string `json:"backend_timeout"`
	PollInterval   string `json:"poll_interval"`
	Workers        int    `json:"workers"`
	MaxParallel    int    `json:"max_parallel"`
	SubmitRetryMax int    `json:"submit_retry_max"`
	AutoResume     bool   `json:"auto_resume"`
	RetentionDays  int    `json:"retention_days"`
	CleanupCron    string `json:"cleanup_cron"`
	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:     ":4200",
		DBPath:         filepath.Join(conveyorDir(), "conveyor.db"),
		BackendURL:     "http://localhost:8080/rpc",
		BackendTimeout: "30s",
		PollInterval:   "5s",
		Workers:        4,
		MaxParallel:    2,
		SubmitRetryMax: 3,
		AutoResume:     true,
		RetentionDays:  0,
		CleanupCron:    "0 3 * * *",
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

func conveyorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".conveyor")
}

func settingsPath() string {
	return filepath.Join(conveyorDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONVEYOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CONVEYOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONVEYOR_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("CONVEYOR_BACKEND_TOKEN"); v != "" {
		cfg.BackendToken = v
	}
	if v := os.Getenv("CONVEYOR_BACKEND_TIMEOUT"); v != "" {
		cfg.BackendTimeout = v
	}
	if v := os.Getenv("CONVEYOR_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("CONVEYOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("CONVEYOR_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallel = n
		}
	}
	if v := os.Getenv("CONVEYOR_SUBMIT_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SubmitRetryMax = n
		}
	}
	if v := os.Getenv("CONVEYOR_AUTO_RESUME"); v != "" {
		cfg.AutoResume = v == "true" || v == "1"
	}
	if v := os.Getenv("CONVEYOR_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("CONVEYOR_CLEANUP_CRON"); v != "" {
		cfg.CleanupCron = v
	}
	if v := os.Getenv("CONVEYOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVEYOR_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// overrides lists the fields where cfg departs from the defaults, as
// "name=value" pairs for the startup log.
func overrides(cfg Config) []string {
	def := defaultConfig()
	var out []string
	add := func(name string, changed bool, value any) {
		if changed {
			out = append(out, fmt.Sprintf("%s=%v", name, value))
		}
	}
	add("listen_addr", cfg.ListenAddr != def.ListenAddr, cfg.ListenAddr)
	add("db_path", cfg.DBPath != def.DBPath, cfg.DBPath)
	add("backend_url", cfg.BackendURL != def.BackendURL, cfg.BackendURL)
	add("backend_token", cfg.BackendToken != def.BackendToken, "(set)")
	add("backend_timeout", cfg.BackendTimeout != def.BackendTimeout, cfg.BackendTimeout)
	add("poll_interval", cfg.PollInterval != def.PollInterval, cfg.PollInterval)
	add("workers", cfg.Workers != def.Workers, cfg.Workers)
	add("max_parallel", cfg.MaxParallel != def.MaxParallel, cfg.MaxParallel)
	add("submit_retry_max", cfg.SubmitRetryMax != def.SubmitRetryMax, cfg.SubmitRetryMax)
	add("auto_resume", cfg.AutoResume != def.AutoResume, cfg.AutoResume)
	add("retention_days", cfg.RetentionDays != def.RetentionDays, cfg.RetentionDays)
	add("cleanup_cron", cfg.CleanupCron != def.CleanupCron, cfg.CleanupCron)
	add("log_level", cfg.LogLevel != def.LogLevel, cfg.LogLevel)
	add("log_format", cfg.LogFormat != def.LogFormat, cfg.LogFormat)
	return out
}

// duration parses a config duration string, falling back when it is
// empty or malformed.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
