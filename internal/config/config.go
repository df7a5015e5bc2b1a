// Package config loads server configuration from an optional YAML file and
// the environment. Environment variables always win over the file.
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

// Store backends.
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Config holds every tunable of the server.
type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	Port    string `yaml:"port"`
	OpsAddr string `yaml:"ops_addr"`

	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	RequireTLS bool   `yaml:"require_tls"`

	Store         string `yaml:"store"`
	MongoURI      string `yaml:"mongodb_uri"`
	MongoDatabase string `yaml:"mongodb_database"`

	JWTSecret    string            `yaml:"jwt_secret"`
	JWTKeys      map[string]string `yaml:"jwt_keys"`
	JWTActiveKid string            `yaml:"jwt_active_kid"`

	NATSURL    string `yaml:"nats_url"`
	NATSToken  string `yaml:"nats_token"`
	NATSStream string `yaml:"nats_stream"`

	Send SendConfig `yaml:"send"`
	Hub  HubConfig  `yaml:"hub"`
}

// SendConfig bounds the message service retry loop.
type SendConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// HubConfig tunes reconnect probing and resync pacing of the subscription hub.
type HubConfig struct {
	ResyncPerSecond  float64       `yaml:"resync_per_second"`
	ResyncBurst      int           `yaml:"resync_burst"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	// MaxTransientInARow is how many consecutive transient feed errors a
	// subscription tolerates before it resyncs.
	MaxTransientInARow int `yaml:"max_transient_in_a_row"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Env:           "production",
		LogLevel:      "info",
		Port:          "50051",
		OpsAddr:       ":8081",
		Store:         StoreMongo,
		MongoDatabase: "chat_db",
		NATSStream:    "CHAT_NOTIFICATIONS",
		Send: SendConfig{
			MaxAttempts:    5,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		Hub: HubConfig{
			ResyncPerSecond:  20,
			ResyncBurst:      5,
			ReconnectInitial: 500 * time.Millisecond,
			ReconnectMax:     30 * time.Second,

			MaxTransientInARow: 5,
		},
	}
}

// Load reads CHAT_CONFIG (if set) and then the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CHAT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.OpsAddr = getEnv("OPS_ADDR", cfg.OpsAddr)

	cfg.TLSCert = getEnv("TLS_CERT", cfg.TLSCert)
	cfg.TLSKey = getEnv("TLS_KEY", cfg.TLSKey)
	cfg.RequireTLS = getBoolEnv("REQUIRE_TLS", cfg.RequireTLS)

	cfg.Store = getEnv("STORE", cfg.Store)
	cfg.MongoURI = getEnv("MONGODB_URI", cfg.MongoURI)
	cfg.MongoDatabase = getEnv("MONGODB_DATABASE", cfg.MongoDatabase)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTActiveKid = getEnv("JWT_ACTIVE_KID", cfg.JWTActiveKid)
	if raw := os.Getenv("JWT_KEYS"); raw != "" {
		keys, err := ParseKeys(raw)
		if err != nil {
			return nil, err
		}
		cfg.JWTKeys = keys
	}

	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSToken = getEnv("NATS_TOKEN", cfg.NATSToken)
	cfg.NATSStream = getEnv("NATS_STREAM", cfg.NATSStream)

	cfg.Send.MaxAttempts = getIntEnv("SEND_MAX_ATTEMPTS", cfg.Send.MaxAttempts)
	cfg.Send.InitialBackoff = getDurationEnv("SEND_INITIAL_BACKOFF", cfg.Send.InitialBackoff)
	cfg.Send.MaxBackoff = getDurationEnv("SEND_MAX_BACKOFF", cfg.Send.MaxBackoff)

	cfg.Hub.ResyncPerSecond = getFloatEnv("HUB_RESYNC_PER_SECOND", cfg.Hub.ResyncPerSecond)
	cfg.Hub.ResyncBurst = getIntEnv("HUB_RESYNC_BURST", cfg.Hub.ResyncBurst)
	cfg.Hub.ReconnectInitial = getDurationEnv("HUB_RECONNECT_INITIAL", cfg.Hub.ReconnectInitial)
	cfg.Hub.ReconnectMax = getDurationEnv("HUB_RECONNECT_MAX", cfg.Hub.ReconnectMax)
	cfg.Hub.MaxTransientInARow = getIntEnv("HUB_MAX_TRANSIENT_IN_A_ROW", cfg.Hub.MaxTransientInARow)

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGODB_URI must be set"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}
	if len(c.JWTKeys) == 0 && c.JWTSecret == "" {
		errs = append(errs, errors.New("either JWT_SECRET or JWT_KEYS must be set"))
	}
	if len(c.JWTKeys) > 0 {
		if _, ok := c.JWTKeys[c.JWTActiveKid]; !ok {
			errs = append(errs, fmt.Errorf("JWT_ACTIVE_KID %q is not in JWT_KEYS", c.JWTActiveKid))
		}
	}
	if c.RequireTLS && (c.TLSCert == "" || c.TLSKey == "") {
		errs = append(errs, errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured"))
	}
	if c.Send.MaxAttempts < 1 {
		errs = append(errs, errors.New("send.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// ParseKeys parses "kid:secret,kid2:secret2".
func ParseKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kid, secret, ok := strings.Cut(p, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %s", p)
		}
		keys[kid] = secret
	}
	return keys, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
