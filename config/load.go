package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"order-bridge/infrastructure/logger"
	"order-bridge/venue"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string            `yaml:"env"`
	Session SessionConfig     `yaml:"session"`
	Engine  EngineConfig      `yaml:"engine"`
	Outbox  OutboxConfig      `yaml:"outbox"`
	Store   StoreConfig       `yaml:"store"`
	Venue   venue.PaperConfig `yaml:"venue"`
	Log     logger.Config     `yaml:"log"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Alert   AlertConfig       `yaml:"alert"`
}

// SessionConfig 控制面连接参数
type SessionConfig struct {
	URL                  string        `yaml:"url"`
	ClientID             string        `yaml:"clientId"`
	PingInterval         time.Duration `yaml:"pingInterval"`
	ReadTimeout          time.Duration `yaml:"readTimeout"`
	WriteTimeout         time.Duration `yaml:"writeTimeout"`
	HandshakeTimeout     time.Duration `yaml:"handshakeTimeout"`
	BackoffInitial       time.Duration `yaml:"backoffInitial"`
	BackoffMax           time.Duration `yaml:"backoffMax"`
	BackoffMultiplier    float64       `yaml:"backoffMultiplier"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	MaxMissedKeepalives  int           `yaml:"maxMissedKeepalives"`
	MaxMessageSize       int64         `yaml:"maxMessageSize"`
}

type EngineConfig struct {
	TimerInterval       time.Duration `yaml:"timerInterval"`
	PlaceRestingAtVenue bool          `yaml:"placeRestingAtVenue"`
}

// OutboxConfig 出站队列。path 为空时使用内存模式。
type OutboxConfig struct {
	Path   string `yaml:"path"`
	MaxLen int    `yaml:"maxLen"`
}

// StoreConfig 订单记录存储。redisAddr 为空时使用内存存储。
type StoreConfig struct {
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	KeyPrefix     string        `yaml:"keyPrefix"`
	TTL           time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// AlertConfig 运维告警。webhookURL 为空时只写日志。
type AlertConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Throttle   time.Duration `yaml:"throttle"`
}

// Default returns a config with every optional field populated.
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Session: SessionConfig{
			PingInterval:         30 * time.Second,
			ReadTimeout:          60 * time.Second,
			WriteTimeout:         10 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			BackoffInitial:       2 * time.Second,
			BackoffMax:           30 * time.Second,
			BackoffMultiplier:    1.5,
			MaxReconnectAttempts: 5,
			MaxMissedKeepalives:  5,
			MaxMessageSize:       1 << 20,
		},
		Engine: EngineConfig{
			TimerInterval:       500 * time.Millisecond,
			PlaceRestingAtVenue: true,
		},
		Outbox: OutboxConfig{MaxLen: 1000},
		Store:  StoreConfig{KeyPrefix: "bridge:"},
		Venue:  venue.PaperConfig{Leverage: 100},
		Log:    logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Addr:      ":9101",
			Namespace: "bridge",
			Subsystem: "orders",
		},
		Alert: AlertConfig{Throttle: 5 * time.Minute},
	}
}

// Load reads YAML config from path on top of Default and applies validation.
func Load(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// LoadWithEnvOverrides loads config then overrides deployment fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, Validate(cfg)
}

func read(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("BRIDGE_SESSION_URL"); v != "" {
		cfg.Session.URL = v
	}
	if v := os.Getenv("BRIDGE_CLIENT_ID"); v != "" {
		cfg.Session.ClientID = v
	}
	if v := os.Getenv("BRIDGE_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("BRIDGE_REDIS_PASSWORD"); v != "" {
		cfg.Store.RedisPassword = v
	}
}
