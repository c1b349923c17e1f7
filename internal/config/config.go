package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Broker kinds for the broadcast primitive.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"
)

type Config struct {
	Server struct {
		Port            string `yaml:"port"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL            string `yaml:"ttl"`
		LobbyWindow    string `yaml:"lobby_window"`
		GapPolicy      string `yaml:"gap_policy"`
		MaxPoints      int    `yaml:"max_points"`
		MinPoints      int    `yaml:"min_points"`
		SchedulerRetry string `yaml:"scheduler_retry"`
		SeedSample     bool   `yaml:"seed_sample"`
	} `yaml:"quiz"`
	Broker struct {
		Kind    string `yaml:"kind"`
		NATSURL string `yaml:"nats_url"`
	} `yaml:"broker"`
	AMQP struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"amqp"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

// Load reads YAML config from path, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv lets deployments inject secrets and endpoints without editing the file.
func (c *Config) applyEnv() {
	override(&c.Postgres.URL, "DATABASE_URL")
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Redis.Password, "REDIS_PASSWORD")
	override(&c.Broker.NATSURL, "NATS_URL")
	override(&c.AMQP.URL, "AMQP_URL")
	override(&c.Auth.JWTSecret, "JWT_SECRET")
	override(&c.Log.Level, "LOG_LEVEL")
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Broker.Kind) {
	case "", BrokerMemory:
	case BrokerRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("broker %q requires redis.addr", c.Broker.Kind)
		}
	case BrokerNATS:
	default:
		return fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
	if c.Quiz.MinPoints < 0 || c.Quiz.MaxPoints < 0 || (c.Quiz.MaxPoints > 0 && c.Quiz.MinPoints > c.Quiz.MaxPoints) {
		return fmt.Errorf("invalid point range %d..%d", c.Quiz.MinPoints, c.Quiz.MaxPoints)
	}
	return nil
}

// BrokerKind returns the normalized broker kind, memory when unset.
func (c Config) BrokerKind() string {
	if c.Broker.Kind == "" {
		return BrokerMemory
	}
	return strings.ToLower(c.Broker.Kind)
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
