// Package config loads and holds the server's ambient configuration.
// Settings are layered: defaults → server-config.json → environment
// variables (env vars win).
//
// The four positional CLI arguments (port, threads, queue_size, schedalg)
// are not configuration: they are parsed in cmd/server and stay
// authoritative for the serving core. This package carries everything else:
// bind address, document root, logging, and the optional status plane.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full ambient server configuration.
type Config struct {
	BindAddress string `json:"bindAddress"`
	DocRoot     string `json:"docRoot"`
	ServerName  string `json:"serverName"` // value of the Server response header
	LogLevel    string `json:"logLevel"`

	// Status plane. StatusPort 0 disables the management listener.
	StatusPort  int    `json:"statusPort"`
	StatusToken string `json:"statusToken"` // bearer token; empty = no auth

	// Lifetime metrics persistence. Empty file = in-memory only.
	MetricsDBFile    string `json:"metricsDbFile"`
	MetricsFlushSecs int    `json:"metricsFlushSecs"`
}

// Load returns config with defaults overridden by server-config.json and
// env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "server-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		BindAddress:      "0.0.0.0",
		DocRoot:          "./public",
		ServerName:       "admission-httpd",
		LogLevel:         "info",
		StatusPort:       0,
		MetricsDBFile:    "",
		MetricsFlushSecs: 30,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("DOC_ROOT"); v != "" {
		cfg.DocRoot = v
	}
	if v := os.Getenv("SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STATUS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StatusPort = n
		}
	}
	if v := os.Getenv("STATUS_TOKEN"); v != "" {
		cfg.StatusToken = v
	}
	if v := os.Getenv("METRICS_DB_FILE"); v != "" {
		cfg.MetricsDBFile = v
	}
	if v := os.Getenv("METRICS_FLUSH_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MetricsFlushSecs = n
		}
	}
}
