// Package config loads the runtime bag for the sync server: a YAML file
// merged over defaults, then AIM_SYNC_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr      = "127.0.0.1:8788"
	DefaultAccountTokenLen = 32
	MaxAccountTokenLen     = 64
)

type Config struct {
	ListenAddr        string
	DBPath            string
	HMACSecret        string
	AccountHMACKeyHex string
	OpaqueServerID    string
	AccountTokenLen   int
	RateRPS           float64
	RateBurst         int
	ShutdownTimeout   time.Duration
}

type fileConfig struct {
	Server fileServerConfig `yaml:"server"`
}

type fileServerConfig struct {
	ListenAddr        string         `yaml:"listenAddr"`
	DBPath            string         `yaml:"dbPath"`
	HMACSecret        string         `yaml:"hmacSecret"`
	AccountHMACKeyHex string         `yaml:"accountHmacKeyHex"`
	OpaqueServerID    string         `yaml:"opaqueServerId"`
	AccountTokenLen   *int           `yaml:"accountTokenLen"`
	RateRPS           *float64       `yaml:"rateRps"`
	RateBurst         *int           `yaml:"rateBurst"`
	ShutdownTimeout   *time.Duration `yaml:"shutdownTimeout"`
}

func Default() Config {
	return Config{
		ListenAddr:      DefaultListenAddr,
		DBPath:          "sync-server.db",
		AccountTokenLen: DefaultAccountTokenLen,
		RateRPS:         50,
		RateBurst:       100,
		ShutdownTimeout: 5 * time.Second,
	}
}

// LoadFromPath reads configPath when given, otherwise tries the default
// candidates; a missing or unparsable file falls back to defaults so a bare
// environment-configured deployment still starts.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"sync-server/configs/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed.Server)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src fileServerConfig) {
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.DBPath != "" {
		dst.DBPath = src.DBPath
	}
	if src.HMACSecret != "" {
		dst.HMACSecret = src.HMACSecret
	}
	if src.AccountHMACKeyHex != "" {
		dst.AccountHMACKeyHex = src.AccountHMACKeyHex
	}
	if src.OpaqueServerID != "" {
		dst.OpaqueServerID = src.OpaqueServerID
	}
	if src.AccountTokenLen != nil {
		dst.AccountTokenLen = *src.AccountTokenLen
	}
	if src.RateRPS != nil {
		dst.RateRPS = *src.RateRPS
	}
	if src.RateBurst != nil {
		dst.RateBurst = *src.RateBurst
	}
	if src.ShutdownTimeout != nil {
		dst.ShutdownTimeout = *src.ShutdownTimeout
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AIM_SYNC_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("AIM_SYNC_DB_PATH")); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AIM_SYNC_HMAC_SECRET"); v != "" {
		cfg.HMACSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("AIM_SYNC_ACCOUNT_HMAC_KEY")); v != "" {
		cfg.AccountHMACKeyHex = v
	}
	if v := strings.TrimSpace(os.Getenv("AIM_SYNC_OPAQUE_SERVER_ID")); v != "" {
		cfg.OpaqueServerID = v
	}
	if v := strings.TrimSpace(os.Getenv("AIM_SYNC_ACCOUNT_TOKEN_LEN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AccountTokenLen = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AIM_SYNC_RATE_RPS")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateRPS = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("AIM_SYNC_RATE_BURST")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateBurst = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AIM_SYNC_SHUTDOWN_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ShutdownTimeout = d
		}
	}
}

// Validate applies the hard requirements: an admission secret, a well-formed
// account HMAC key, and a token length inside the allowed window.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HMACSecret) == "" {
		return errors.New("hmacSecret is required (AIM_SYNC_HMAC_SECRET)")
	}
	key := strings.TrimSpace(c.AccountHMACKeyHex)
	if len(key) != 64 {
		return fmt.Errorf("accountHmacKeyHex must be 64 hex chars, got %d", len(key))
	}
	for _, r := range key {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return errors.New("accountHmacKeyHex must be hex")
		}
	}
	if c.AccountTokenLen <= 0 {
		c.AccountTokenLen = DefaultAccountTokenLen
	}
	if c.AccountTokenLen > MaxAccountTokenLen {
		return fmt.Errorf("accountTokenLen must be <= %d", MaxAccountTokenLen)
	}
	return nil
}
