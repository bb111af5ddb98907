package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	NodeID      string   `mapstructure:"NODE_ID"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	HeartbeatInterval time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `mapstructure:"HEARTBEAT_TIMEOUT"`
	SendQueueSize     int           `mapstructure:"SEND_QUEUE_SIZE"`
	EventRateLimit    float64       `mapstructure:"EVENT_RATE_LIMIT"`
	EventRateBurst    int           `mapstructure:"EVENT_RATE_BURST"`
	BindTimeout       time.Duration `mapstructure:"BIND_TIMEOUT"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	RedisURL    string        `mapstructure:"REDIS_URL"`
	PresenceTTL time.Duration `mapstructure:"PRESENCE_TTL"`

	NATSURL     string `mapstructure:"NATS_URL"`
	NATSSubject string `mapstructure:"NATS_SUBJECT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "NODE_ID", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"HEARTBEAT_INTERVAL", "HEARTBEAT_TIMEOUT", "SEND_QUEUE_SIZE",
	"EVENT_RATE_LIMIT", "EVENT_RATE_BURST", "BIND_TIMEOUT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REDIS_URL", "PRESENCE_TTL",
	"NATS_URL", "NATS_SUBJECT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("HEARTBEAT_TIMEOUT", "65s")
	v.SetDefault("SEND_QUEUE_SIZE", 256)
	v.SetDefault("EVENT_RATE_LIMIT", 20)
	v.SetDefault("EVENT_RATE_BURST", 40)
	v.SetDefault("BIND_TIMEOUT", "10s")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("PRESENCE_TTL", "90s")
	v.SetDefault("NATS_SUBJECT", "notifications")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "realtime"
		}
		cfg.NodeID = host
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Unauthenticated API calls get admin access and sockets")
		log.Println("WARNING: accept dev:<role>:<id> tokens.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout < 2*c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must be at least twice HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.BindTimeout <= 0 {
		return fmt.Errorf("BIND_TIMEOUT must be positive, got %s", c.BindTimeout)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be at least 1, got %d", c.SendQueueSize)
	}
	if c.EventRateLimit < 0 {
		return fmt.Errorf("EVENT_RATE_LIMIT must not be negative, got %v", c.EventRateLimit)
	}
	if c.EventRateLimit > 0 && c.EventRateBurst < 1 {
		return fmt.Errorf("EVENT_RATE_BURST must be at least 1 when EVENT_RATE_LIMIT is set")
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}

	if c.DatabaseURL != "" && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RedisURL != "" && c.PresenceTTL <= c.HeartbeatInterval {
		return fmt.Errorf("PRESENCE_TTL (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.PresenceTTL, c.HeartbeatInterval)
	}
	return nil
}
