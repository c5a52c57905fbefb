package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	UpstreamURL            string        `mapstructure:"UPSTREAM_URL"`
	UpstreamAPIKey         string        `mapstructure:"UPSTREAM_API_KEY"`
	UpstreamConnectRetries int           `mapstructure:"UPSTREAM_CONNECT_RETRIES"`
	SessionSecret          string        `mapstructure:"SESSION_SECRET"`
	RedisURL               string        `mapstructure:"REDIS_URL"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	HeartbeatInterval      time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	ClientPongTimeout      time.Duration `mapstructure:"CLIENT_PONG_TIMEOUT"`
	ConsumerTimeout        time.Duration `mapstructure:"CONSUMER_TIMEOUT"`
	DedupMinTextLen        int           `mapstructure:"DEDUP_MIN_TEXT_LEN"`
	DedupCacheSize         int           `mapstructure:"DEDUP_CACHE_SIZE"`
	CORSOrigins            []string      `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8100")
	v.SetDefault("ENV", "development")
	v.SetDefault("UPSTREAM_CONNECT_RETRIES", 3)
	v.SetDefault("HEARTBEAT_INTERVAL", "20s")
	v.SetDefault("CLIENT_PONG_TIMEOUT", "30s")
	v.SetDefault("CONSUMER_TIMEOUT", "30s")
	v.SetDefault("DEDUP_MIN_TEXT_LEN", 20)
	v.SetDefault("DEDUP_CACHE_SIZE", 512)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("UPSTREAM_URL")
	v.BindEnv("UPSTREAM_API_KEY")
	v.BindEnv("UPSTREAM_CONNECT_RETRIES")
	v.BindEnv("SESSION_SECRET")
	v.BindEnv("REDIS_URL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("HEARTBEAT_INTERVAL")
	v.BindEnv("CLIENT_PONG_TIMEOUT")
	v.BindEnv("CONSUMER_TIMEOUT")
	v.BindEnv("DEDUP_MIN_TEXT_LEN")
	v.BindEnv("DEDUP_CACHE_SIZE")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("UPSTREAM_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Upstream credential and session secret checks are relaxed.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// an upstream credential is required, and some credential verification path
// must be configured: either a Redis session store or a signing secret.
func (c *Config) Validate() error {
	if !c.IsDev() && c.UpstreamAPIKey == "" {
		return fmt.Errorf("UPSTREAM_API_KEY is required when ENV=%q", c.Env)
	}
	if !c.IsDev() && c.RedisURL == "" && c.SessionSecret == "" {
		return fmt.Errorf("either REDIS_URL or SESSION_SECRET must be set when ENV=%q; "+
			"refusing to start without a credential verification path", c.Env)
	}
	if c.HeartbeatInterval >= c.ClientPongTimeout {
		return fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be shorter than CLIENT_PONG_TIMEOUT (%s)",
			c.HeartbeatInterval, c.ClientPongTimeout)
	}
	if c.DedupMinTextLen < 1 {
		return fmt.Errorf("DEDUP_MIN_TEXT_LEN must be positive, got %d", c.DedupMinTextLen)
	}
	if c.DedupCacheSize < 1 {
		return fmt.Errorf("DEDUP_CACHE_SIZE must be positive, got %d", c.DedupCacheSize)
	}
	return nil
}
