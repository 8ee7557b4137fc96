// Package config resolves the service configuration once at startup.
// Values come from an optional TOML file overlaid by environment variables;
// nothing reads the environment after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Mode is the operating mode of the service. It drives the authorization
// gate (bypass vs. enforce) and the mode-derived log table name.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// ParseMode maps a raw mode value onto an operating mode. Only the
// development sentinel (case-insensitive) selects bypass; every other
// value, including empty, is treated as production.
func ParseMode(raw string) Mode {
	if strings.EqualFold(strings.TrimSpace(raw), string(ModeDevelopment)) {
		return ModeDevelopment
	}
	return ModeProduction
}

func (m Mode) String() string { return string(m) }

// Config is the resolved service configuration. It is built once in main
// and passed down; handlers never consult the environment themselves.
type Config struct {
	Mode          Mode
	ListenAddr    string
	ModelsDir     string
	DBPath        string
	CORSOrigins   []string
	VerifyTimeout time.Duration
	InsertTimeout time.Duration
	LogLevel      string
}

// TableName returns the logical log table for the current mode,
// e.g. PRODUCTION_intent_logs.
func (c *Config) TableName() string {
	return strings.ToUpper(c.Mode.String()) + "_intent_logs"
}

// fileConfig mirrors the optional TOML file. All fields are optional;
// zero values keep the defaults.
type fileConfig struct {
	Mode                 string   `toml:"mode"`
	ListenAddr           string   `toml:"listen_addr"`
	ModelsDir            string   `toml:"models_dir"`
	DBPath               string   `toml:"db_path"`
	CORSOrigins          []string `toml:"cors_origins"`
	VerifyTimeoutSeconds int      `toml:"verify_timeout_seconds"`
	InsertTimeoutSeconds int      `toml:"insert_timeout_seconds"`
	LogLevel             string   `toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode:          ModeProduction,
		ListenAddr:    ":8080",
		ModelsDir:     "models",
		DBPath:        "intent_logs.db",
		CORSOrigins:   []string{"*"},
		VerifyTimeout: 5 * time.Second,
		InsertTimeout: 5 * time.Second,
		LogLevel:      "info",
	}
}

// Load builds the configuration from defaults, an optional TOML file and
// environment overrides, in that order. A missing file at path is an error;
// an empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if fc.Mode != "" {
			cfg.Mode = ParseMode(fc.Mode)
		}
		if fc.ListenAddr != "" {
			cfg.ListenAddr = fc.ListenAddr
		}
		if fc.ModelsDir != "" {
			cfg.ModelsDir = fc.ModelsDir
		}
		if fc.DBPath != "" {
			cfg.DBPath = fc.DBPath
		}
		if len(fc.CORSOrigins) > 0 {
			cfg.CORSOrigins = fc.CORSOrigins
		}
		if fc.VerifyTimeoutSeconds > 0 {
			cfg.VerifyTimeout = time.Duration(fc.VerifyTimeoutSeconds) * time.Second
		}
		if fc.InsertTimeoutSeconds > 0 {
			cfg.InsertTimeout = time.Duration(fc.InsertTimeoutSeconds) * time.Second
		}
		if fc.LogLevel != "" {
			cfg.LogLevel = fc.LogLevel
		}
	}

	if v := os.Getenv("MODE"); v != "" {
		cfg.Mode = ParseMode(v)
	}
	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.ModelsDir = envOr("MODELS_DIR", cfg.ModelsDir)
	cfg.DBPath = envOr("DB_PATH", cfg.DBPath)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	cfg.VerifyTimeout = time.Duration(envOrInt("VERIFY_TIMEOUT_SECONDS", int(cfg.VerifyTimeout/time.Second))) * time.Second
	cfg.InsertTimeout = time.Duration(envOrInt("INSERT_TIMEOUT_SECONDS", int(cfg.InsertTimeout/time.Second))) * time.Second

	return cfg, nil
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envOrInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
