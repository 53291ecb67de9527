// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and HUDDLE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/johndosdos/huddle/internal/chat"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwtSecret"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
}

// DatabaseConfig selects the Postgres store when URL is set and the
// in-memory store otherwise.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// NATSConfig enables the JetStream broadcast medium when URL is set.
type NATSConfig struct {
	URL       string        `mapstructure:"url"`
	User      string        `mapstructure:"user"`
	Password  string        `mapstructure:"password"`
	Creds     string        `mapstructure:"creds"`
	DupWindow time.Duration `mapstructure:"dupWindow"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DedupConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type ChatConfig struct {
	StoreTimeout     time.Duration `mapstructure:"storeTimeout"`
	DeliveryTimeout  time.Duration `mapstructure:"deliveryTimeout"`
	SendBuffer       int           `mapstructure:"sendBuffer"`
	MaxMessageLength int           `mapstructure:"maxMessageLength"`
	HistoryLimit     int           `mapstructure:"historyLimit"`
}

// Profile is the heartbeat cadence for one network quality.
type Profile struct {
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	Expiry    time.Duration `mapstructure:"expiry"`
}

type PresenceConfig struct {
	SweepInterval time.Duration      `mapstructure:"sweepInterval"`
	Profiles      map[string]Profile `mapstructure:"profiles"`
}

type TypingConfig struct {
	Expiry        time.Duration `mapstructure:"expiry"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type ThrottleConfig struct {
	MinWindow      time.Duration `mapstructure:"minWindow"`
	MaxWindow      time.Duration `mapstructure:"maxWindow"`
	BurstThreshold int           `mapstructure:"burstThreshold"`
	Tick           time.Duration `mapstructure:"tick"`
}

type RateLimitConfig struct {
	Messages int           `mapstructure:"messages"`
	Typing   int           `mapstructure:"typing"`
	Window   time.Duration `mapstructure:"window"`
	IP       IPLimitConfig `mapstructure:"ip"`
}

type IPLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	TTL      time.Duration `mapstructure:"ttl"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	QualityGood = "good"
	QualityFair = "fair"
	QualityPoor = "poor"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.readHeaderTimeout", "5s")
	v.SetDefault("server.shutdownTimeout", "10s")

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.handshakeTimeout", "10s")

	v.SetDefault("database.url", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.user", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.creds", "")
	v.SetDefault("nats.dupWindow", "2m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.ttl", "10m")

	v.SetDefault("chat.storeTimeout", "5s")
	v.SetDefault("chat.deliveryTimeout", "2s")
	v.SetDefault("chat.sendBuffer", 64)
	v.SetDefault("chat.maxMessageLength", 4000)
	v.SetDefault("chat.historyLimit", 50)

	v.SetDefault("presence.sweepInterval", "5s")
	v.SetDefault("presence.profiles.good.heartbeat", "15s")
	v.SetDefault("presence.profiles.good.expiry", "45s")
	v.SetDefault("presence.profiles.fair.heartbeat", "25s")
	v.SetDefault("presence.profiles.fair.expiry", "75s")
	v.SetDefault("presence.profiles.poor.heartbeat", "40s")
	v.SetDefault("presence.profiles.poor.expiry", "120s")

	v.SetDefault("typing.expiry", "4s")
	v.SetDefault("typing.sweepInterval", "500ms")

	v.SetDefault("throttle.minWindow", "100ms")
	v.SetDefault("throttle.maxWindow", "2s")
	v.SetDefault("throttle.burstThreshold", 20)
	v.SetDefault("throttle.tick", "50ms")

	v.SetDefault("ratelimit.messages", 10)
	v.SetDefault("ratelimit.typing", 5)
	v.SetDefault("ratelimit.window", "10s")
	v.SetDefault("ratelimit.ip.requests", 20)
	v.SetDefault("ratelimit.ip.window", "1m")
	v.SetDefault("ratelimit.ip.ttl", "10m")
	v.SetDefault("ratelimit.ip.interval", "1m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", slog.Any("error", err))
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare names kept for existing deployments.
	for key, env := range map[string]string{
		"database.url":   "DB_URL",
		"nats.url":       "NATS_URL",
		"nats.user":      "NATS_USER",
		"nats.password":  "NATS_PASS",
		"nats.creds":     "NATS_CRED",
		"auth.jwtSecret": "JWT_SECRET",
		"redis.addr":     "REDIS_ADDR",
	} {
		if err := v.BindEnv(key, "HUDDLE_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("internal/config: bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("internal/config: read %s: %w", fileName, err)
		}
		logger.Debug("Config file not found, relying on defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("internal/config: unmarshal: %w", err)
	}

	if port := os.Getenv("PORT"); port != "" && os.Getenv("HUDDLE_SERVER_ADDRESS") == "" {
		cfg.Server.Address = ":" + port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required"))
	}
	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis dedup backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("dedup.backend %q is not memory or redis", c.Dedup.Backend))
	}
	if c.Chat.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("chat.maxMessageLength must be positive"))
	}
	if c.RateLimit.Messages <= 0 || c.RateLimit.Typing <= 0 || c.RateLimit.IP.Requests <= 0 {
		errs = append(errs, errors.New("ratelimit request counts must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"chat.storeTimeout":      c.Chat.StoreTimeout,
		"chat.deliveryTimeout":   c.Chat.DeliveryTimeout,
		"dedup.ttl":              c.Dedup.TTL,
		"presence.sweepInterval": c.Presence.SweepInterval,
		"typing.expiry":          c.Typing.Expiry,
		"typing.sweepInterval":   c.Typing.SweepInterval,
		"throttle.minWindow":     c.Throttle.MinWindow,
		"throttle.tick":          c.Throttle.Tick,
		"ratelimit.window":       c.RateLimit.Window,
		"ratelimit.ip.window":    c.RateLimit.IP.Window,
		"ratelimit.ip.interval":  c.RateLimit.IP.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Throttle.MaxWindow < c.Throttle.MinWindow {
		errs = append(errs, errors.New("throttle.maxWindow must not be below throttle.minWindow"))
	}
	for name, p := range c.Presence.Profiles {
		if p.Heartbeat <= 0 || p.Expiry <= p.Heartbeat {
			errs = append(errs, fmt.Errorf("presence.profiles.%s: expiry must exceed a positive heartbeat", name))
		}
	}
	if _, ok := c.Presence.Profiles[QualityGood]; !ok {
		errs = append(errs, errors.New("presence.profiles.good is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("internal/config: %w", err)
	}
	return nil
}

// Quality maps a client-reported network hint onto a profile name. Browser
// effective connection types are accepted alongside the profile names.
func Quality(network string) string {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case QualityFair, "3g":
		return QualityFair
	case QualityPoor, "2g", "slow-2g":
		return QualityPoor
	default:
		return QualityGood
	}
}

// Cadence resolves the heartbeat cadence for a client-reported network.
func (p PresenceConfig) Cadence(network string) chat.Cadence {
	prof, ok := p.Profiles[Quality(network)]
	if !ok {
		prof = p.Profiles[QualityGood]
	}
	return chat.Cadence{Heartbeat: prof.Heartbeat, Expiry: prof.Expiry}
}
