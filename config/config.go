// Package config loads relay server settings from an optional config file,
// RELAY_* environment variables and explicit overrides, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. RELAY_DATABASE_URL.
const EnvPrefix = "RELAY"

type Config struct {
	ListenAddr  string `mapstructure:"listen-addr"`
	MetricsAddr string `mapstructure:"metrics-addr"`

	DatabaseURL string `mapstructure:"database-url"`
	RedisURL    string `mapstructure:"redis-url"`
	MaxConns    int    `mapstructure:"max-conns"`

	KeyStorage         []string      `mapstructure:"key-storage"`
	KeyPassphrase      string        `mapstructure:"key-passphrase"`
	KeyUnsealThreshold int           `mapstructure:"key-unseal-threshold"`
	KeyUnsealTimeout   time.Duration `mapstructure:"key-unseal-timeout"`

	TokenTTL         time.Duration `mapstructure:"token-ttl"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat-timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep-interval"`
	ActionsFile      string        `mapstructure:"actions-file"`

	AdminKeyHash string        `mapstructure:"admin-key-hash"`
	JWTSecret    string        `mapstructure:"jwt-secret"`
	JWTTTL       time.Duration `mapstructure:"jwt-ttl"`

	KafkaBrokers []string `mapstructure:"kafka-brokers"`
	KafkaTopic   string   `mapstructure:"kafka-topic"`
}

var defaults = map[string]any{
	"listen-addr":          "127.0.0.1:8080",
	"metrics-addr":         "127.0.0.1:8090",
	"database-url":         "memory://",
	"redis-url":            "",
	"max-conns":            10,
	"key-storage":          []string{"file://./keys"},
	"key-passphrase":       "",
	"key-unseal-threshold": 0,
	"key-unseal-timeout":   5 * time.Minute,
	"token-ttl":            24 * time.Hour,
	"heartbeat-timeout":    60 * time.Second,
	"sweep-interval":       30 * time.Second,
	"actions-file":         "",
	"admin-key-hash":       "",
	"jwt-secret":           "",
	"jwt-ttl":              12 * time.Hour,
	"kafka-brokers":        []string{},
	"kafka-topic":          "device-relay-events",
}

// Keys lists every recognised setting.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	return keys
}

// Load reads the config file at path (if non-empty), then the environment,
// then applies overrides.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	for k, value := range defaults {
		v.SetDefault(k, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	for k, value := range overrides {
		v.Set(k, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.KeyStorage = splitList(cfg.KeyStorage)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	return &cfg, nil
}

// splitList accepts both list values and a single comma separated string.
func splitList(values []string) []string {
	out := []string{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if len(c.KeyStorage) == 0 {
		errs = append(errs, errors.New("key-storage must name at least one location"))
	}
	if c.AdminKeyHash == "" {
		errs = append(errs, errors.New("admin-key-hash is required"))
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("heartbeat-timeout must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep-interval must be positive"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token-ttl must be positive"))
	}
	if c.KeyPassphrase != "" && c.KeyUnsealThreshold > 0 {
		errs = append(errs, errors.New("key-passphrase and key-unseal-threshold are mutually exclusive"))
	}
	if c.KeyUnsealThreshold == 1 {
		errs = append(errs, errors.New("key-unseal-threshold must be at least 2"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka-topic is required with kafka-brokers"))
	}
	return errors.Join(errs...)
}
