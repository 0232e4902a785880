package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Mode        string `envconfig:"LIGHTHOUSE_MODE" default:"client"` // "client" or "server"
	DataDir     string `envconfig:"LIGHTHOUSE_DATA_DIR" default:"./data"`
	AuditDBPath string `envconfig:"LIGHTHOUSE_AUDIT_DB_PATH" default:"./data/lighthousebackendd.sqlite"`
	Port        int    `envconfig:"LIGHTHOUSE_PORT" default:"8080"`
	LogLevel    string `envconfig:"LIGHTHOUSE_LOG_LEVEL" default:"info"`
	LogDir      string `envconfig:"LIGHTHOUSE_LOG_DIR" default:"./logs"`
	Network     string `envconfig:"LIGHTHOUSE_NETWORK" default:"testnet"`

	MinPeersForUTXOQuery int `envconfig:"LIGHTHOUSE_MIN_PEERS_UTXO" default:"2"`
	MaxJitterSeconds      int `envconfig:"LIGHTHOUSE_MAX_JITTER_SECONDS" default:"30"`
	MinBroadcastPeers     int `envconfig:"LIGHTHOUSE_MIN_BROADCAST_PEERS" default:"1"`
}

// Load reads configuration from .env file (if present) then from environment variables.
// Environment variables override .env values.
func Load() (*Config, error) {
	// Load .env file if it exists. godotenv does NOT override already-set env vars,
	// so real environment variables take precedence over .env values.
	envFiles := []string{".env"}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				slog.Warn("failed to load .env file", "file", f, "error", err)
			} else {
				slog.Info("loaded .env file", "file", f)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" && c.Network != "regtest" {
		return fmt.Errorf("%w: network must be \"mainnet\", \"testnet\" or \"regtest\", got %q", ErrInvalidConfig, c.Network)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.Mode != "" && c.Mode != "client" && c.Mode != "server" {
		return fmt.Errorf("%w: mode must be \"client\" or \"server\", got %q", ErrInvalidConfig, c.Mode)
	}
	return nil
}
