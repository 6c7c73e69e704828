// Package config holds the relay's runtime settings, their defaults and
// the environment variables that override them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

// Typing scopes, mirrored from chat.TypingScope.
const (
	TypingParticipants = "participants"
	TypingAll          = "all"
)

// MinPresenceTTL is the shortest accepted presence TTL. Keys are refreshed
// every half TTL.
const MinPresenceTTL = time.Second

// RateLimitConfig defines per-connection inbound message limiting.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// MongoConfig selects the MongoDB deployment used by the mongo store.
type MongoConfig struct {
	URI      string
	Database string
}

// RedisConfig enables the Redis presence mirror when Addr is set.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

// NATSConfig enables presence event publishing when URL is set.
type NATSConfig struct {
	URL     string
	Subject string
}

// Config holds the server configuration.
type Config struct {
	Addr       string
	StatusAddr string

	HandshakeTimeout time.Duration
	IdentifyTimeout  time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxFrameSize     int64

	AllowGuests bool
	TypingScope string
	RateLimit   RateLimitConfig

	StoreBackend string
	StoreTimeout time.Duration
	Mongo        MongoConfig
	Redis        RedisConfig
	NATS         NATSConfig

	NodeID         string
	LogLevel       string
	LogDevelopment bool
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Addr:             ":8081",
		StatusAddr:       ":8080",
		HandshakeTimeout: 10 * time.Second,
		IdentifyTimeout:  5 * time.Second,
		ReadTimeout:      10 * time.Minute,
		WriteTimeout:     10 * time.Second,
		MaxFrameSize:     1 << 20,
		TypingScope:      TypingParticipants,
		RateLimit: RateLimitConfig{
			PerSecond: 10,
			Burst:     20,
		},
		StoreBackend: StoreMemory,
		StoreTimeout: 5 * time.Second,
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "whatsapp",
		},
		Redis: RedisConfig{
			PresenceTTL: 2 * time.Minute,
		},
		NATS: NATSConfig{
			Subject: "chat.presence",
		},
		NodeID:   defaultNodeID(),
		LogLevel: "info",
	}
}

func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "relay"
}

// FromEnv returns the defaults overridden by environment variables.
// Malformed values are ignored and the default is kept.
func FromEnv() Config {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) Config {
	cfg := Default()
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if port := get("WS_PORT"); port != "" {
		cfg.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	if addr := get("WS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if v, ok := lookup("STATUS_ADDR"); ok {
		cfg.StatusAddr = strings.TrimSpace(v)
	}

	cfg.HandshakeTimeout = parseDuration(get("HANDSHAKE_TIMEOUT"), cfg.HandshakeTimeout)
	cfg.IdentifyTimeout = parseDuration(get("IDENTIFY_TIMEOUT"), cfg.IdentifyTimeout)
	cfg.ReadTimeout = parseDuration(get("READ_TIMEOUT"), cfg.ReadTimeout)
	cfg.WriteTimeout = parseDuration(get("WRITE_TIMEOUT"), cfg.WriteTimeout)
	cfg.MaxFrameSize = parseInt64(get("MAX_FRAME_SIZE"), cfg.MaxFrameSize)

	cfg.AllowGuests = parseBool(get("ALLOW_GUESTS"), cfg.AllowGuests)
	if scope := strings.ToLower(get("TYPING_SCOPE")); scope != "" {
		cfg.TypingScope = scope
	}
	cfg.RateLimit.PerSecond = parseFloat(get("RATE_LIMIT_PER_SECOND"), cfg.RateLimit.PerSecond)
	cfg.RateLimit.Burst = int(parseInt64(get("RATE_LIMIT_BURST"), int64(cfg.RateLimit.Burst)))

	if backend := strings.ToLower(get("STORE_BACKEND")); backend != "" {
		cfg.StoreBackend = backend
	}
	cfg.StoreTimeout = parseDuration(get("STORE_TIMEOUT"), cfg.StoreTimeout)
	if uri := get("MONGO_URI"); uri != "" {
		cfg.Mongo.URI = uri
	}
	if db := get("MONGO_DATABASE"); db != "" {
		cfg.Mongo.Database = db
	}

	cfg.Redis.Addr = get("REDIS_ADDR")
	cfg.Redis.Password = get("REDIS_PASSWORD")
	cfg.Redis.DB = int(parseInt64(get("REDIS_DB"), int64(cfg.Redis.DB)))
	cfg.Redis.PresenceTTL = parseDuration(get("PRESENCE_TTL"), cfg.Redis.PresenceTTL)

	cfg.NATS.URL = get("NATS_URL")
	if subject := get("NATS_SUBJECT"); subject != "" {
		cfg.NATS.Subject = subject
	}

	if id := get("NODE_ID"); id != "" {
		cfg.NodeID = id
	}
	if level := get("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	cfg.LogDevelopment = parseBool(get("LOG_DEVELOPMENT"), cfg.LogDevelopment)

	return cfg
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.HandshakeTimeout <= 0 || c.IdentifyTimeout <= 0 {
		errs = append(errs, errors.New("handshake and identify timeouts must be positive"))
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, errors.New("read and write timeouts must not be negative"))
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("max frame size must be positive, got %d", c.MaxFrameSize))
	}
	if c.TypingScope != TypingParticipants && c.TypingScope != TypingAll {
		errs = append(errs, fmt.Errorf("unknown typing scope %q", c.TypingScope))
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate limit burst must be at least 1"))
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			errs = append(errs, errors.New("mongo store needs a URI and a database"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.Redis.Addr != "" && c.Redis.PresenceTTL < MinPresenceTTL {
		errs = append(errs, fmt.Errorf("presence TTL must be at least %s", MinPresenceTTL))
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		errs = append(errs, errors.New("NATS subject is required"))
	}
	return errors.Join(errs...)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func parseInt64(value string, fallback int64) int64 {
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string, fallback bool) bool {
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}
