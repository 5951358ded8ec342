// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Registry, Escalation, Notify, Gates, Kafka,
// Redis, Postgres, etc.). All escalation thresholds, sustain windows, and
// rate limits live here; the engine never hardcodes them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Registry   RegistryConfig   `yaml:"registry"`
	Store      StoreConfig      `yaml:"store"`
	Escalation EscalationConfig `yaml:"escalation"`
	Notify     NotifyConfig     `yaml:"notify"`
	Gates      GatesConfig      `yaml:"gates"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// SourceConfig pre-declares a reporting source. Pre-declared sources show
// up as "unknown" until their first document arrives.
type SourceConfig struct {
	ID       string        `yaml:"id"`
	Role     string        `yaml:"role"`
	Interval time.Duration `yaml:"interval"`
	Weight   float64       `yaml:"weight"`
}

// RegistryConfig controls source liveness tracking.
type RegistryConfig struct {
	DefaultInterval     time.Duration  `yaml:"defaultInterval"`
	SweepInterval       time.Duration  `yaml:"sweepInterval"`
	OfflineThreshold    int            `yaml:"offlineThreshold"`
	CriticalAfterMissed int            `yaml:"criticalAfterMissed"`
	Sources             []SourceConfig `yaml:"sources"`
}

// StoreConfig controls history retention in the ingestion store.
type StoreConfig struct {
	RetentionDays int           `yaml:"retentionDays"`
	PruneInterval time.Duration `yaml:"pruneInterval"`
}

// RuleConfig defines one escalation rule. MetricPath addresses either an
// aggregate field ("aggregate.overall_coverage") or a per-source field
// ("sources.*.metrics.coverage_percentage").
type RuleConfig struct {
	Name           string  `yaml:"name"`
	MetricPath     string  `yaml:"metricPath"`
	Comparator     string  `yaml:"comparator"`
	Threshold      float64 `yaml:"threshold"`
	Level          string  `yaml:"level"`
	SustainWindow  int     `yaml:"sustainWindow"`
	CooldownWindow int     `yaml:"cooldownWindow"`
}

// DeliveryConfig controls retry behaviour for alert delivery.
type DeliveryConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// EscalationConfig holds the evaluation cadence and the rule set.
type EscalationConfig struct {
	Interval       time.Duration  `yaml:"interval"`
	AckMuteDefault time.Duration  `yaml:"ackMuteDefault"`
	Rules          []RuleConfig   `yaml:"rules"`
	Delivery       DeliveryConfig `yaml:"delivery"`
}

// QuietHoursConfig suppresses non-critical notifications inside a daily
// window. Start and End are "HH:MM" in the configured location.
type QuietHoursConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Location string `yaml:"location"`
}

// RateLimitConfig is a per-channel token bucket (Limit tokens per Window).
type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// WebhookChannelConfig configures the outbound webhook channel.
type WebhookChannelConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmailChannelConfig configures the SMTP channel.
type EmailChannelConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// KafkaChannelConfig publishes alerts to the alerts topic.
type KafkaChannelConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogChannelConfig writes alerts to the structured log.
type LogChannelConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ChannelsConfig enables and configures the delivery channels.
type ChannelsConfig struct {
	Webhook WebhookChannelConfig `yaml:"webhook"`
	Email   EmailChannelConfig   `yaml:"email"`
	Kafka   KafkaChannelConfig   `yaml:"kafka"`
	Log     LogChannelConfig     `yaml:"log"`
}

// NotifyConfig holds dispatcher-level settings.
type NotifyConfig struct {
	QuietHours QuietHoursConfig `yaml:"quietHours"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Channels   ChannelsConfig   `yaml:"channels"`
}

// GateConfig defines one quality gate.
type GateConfig struct {
	Name       string  `yaml:"name"`
	MetricPath string  `yaml:"metricPath"`
	Comparator string  `yaml:"comparator"`
	Threshold  float64 `yaml:"threshold"`
}

// GatesConfig holds gate definitions and trend parameters.
type GatesConfig struct {
	TrendWindow int          `yaml:"trendWindow"`
	Epsilon     float64      `yaml:"epsilon"`
	Defs        []GateConfig `yaml:"defs"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	MetricDocuments string `yaml:"metricDocuments"`
	Alerts          string `yaml:"alerts"`
}

// RedisConfig holds Redis connection parameters and the snapshot cache TTL.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"poolSize"`
	SnapshotTTL time.Duration `yaml:"snapshotTTL"`
}

// PostgresConfig holds PostgreSQL connection parameters for the alert
// ledger and snapshot archive.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Registry: RegistryConfig{
			DefaultInterval:     5 * time.Minute,
			OfflineThreshold:    2,
			CriticalAfterMissed: 5,
		},
		Store: StoreConfig{
			RetentionDays: 30,
			PruneInterval: time.Hour,
		},
		Escalation: EscalationConfig{
			Interval:       time.Minute,
			AckMuteDefault: time.Hour,
			Delivery: DeliveryConfig{
				Timeout:        10 * time.Second,
				MaxAttempts:    4,
				InitialBackoff: time.Second,
				MaxBackoff:     time.Minute,
			},
		},
		Notify: NotifyConfig{
			RateLimit: RateLimitConfig{
				Limit:  20,
				Window: time.Hour,
			},
			Channels: ChannelsConfig{
				Log: LogChannelConfig{Enabled: true},
			},
		},
		Gates: GatesConfig{
			TrendWindow: 12,
			Epsilon:     0.5,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "pulsegrid-engine",
			Topics: KafkaTopics{
				MetricDocuments: "metric-documents",
				Alerts:          "pulsegrid-alerts",
			},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			PoolSize:    10,
			SnapshotTTL: 30 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "pulsegrid",
			User:            "pulsegrid",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// validate rejects rule and gate definitions that would misbehave at
// runtime rather than letting the engine discover them mid-cycle.
func validate(cfg *Config) error {
	for i, r := range cfg.Escalation.Rules {
		if r.Name == "" {
			return fmt.Errorf("escalation.rules[%d]: name is required", i)
		}
		if r.MetricPath == "" {
			return fmt.Errorf("escalation rule %q: metricPath is required", r.Name)
		}
		switch r.Comparator {
		case "<", "<=", ">", ">=", "==", "!=":
		default:
			return fmt.Errorf("escalation rule %q: unknown comparator %q", r.Name, r.Comparator)
		}
		switch r.Level {
		case "critical", "warning", "notice":
		default:
			return fmt.Errorf("escalation rule %q: unknown level %q", r.Name, r.Level)
		}
		if r.SustainWindow < 1 {
			return fmt.Errorf("escalation rule %q: sustainWindow must be >= 1", r.Name)
		}
	}
	for i, g := range cfg.Gates.Defs {
		if g.Name == "" {
			return fmt.Errorf("gates.defs[%d]: name is required", i)
		}
		switch g.Comparator {
		case "<", "<=", ">", ">=":
		default:
			return fmt.Errorf("gate %q: unknown comparator %q", g.Name, g.Comparator)
		}
	}
	return nil
}

// applyEnvOverrides reads PULSE_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PULSE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PULSE_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = v == "true"
	}
	if v := os.Getenv("PULSE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("PULSE_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = v == "true"
	}
	if v := os.Getenv("PULSE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PULSE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PULSE_POSTGRES_ENABLED"); v != "" {
		cfg.Postgres.Enabled = v == "true"
	}
	if v := os.Getenv("PULSE_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("PULSE_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("PULSE_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("PULSE_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("PULSE_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("PULSE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PULSE_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PULSE_WEBHOOK_URL"); v != "" {
		cfg.Notify.Channels.Webhook.URL = v
		cfg.Notify.Channels.Webhook.Enabled = true
	}
	if v := os.Getenv("PULSE_SMTP_PASSWORD"); v != "" {
		cfg.Notify.Channels.Email.Password = v
	}
}
