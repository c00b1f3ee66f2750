// Package config loads the daemon configuration and the hot-reloaded crisis
// protocol catalog.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings ("5s", "2m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type HTTPConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StatusConfig struct {
	MaxMessageLength int `yaml:"max_message_length"`
}

type RealtimeConfig struct {
	EventsPerSecond float64  `yaml:"events_per_second"`
	Burst           int      `yaml:"burst"`
	QueueSize       int      `yaml:"queue_size"`
	PublishTimeout  Duration `yaml:"publish_timeout"`
	RedisAddr       string   `yaml:"redis_addr"`
	RedisPassword   string   `yaml:"redis_password"`
	RedisDB         int      `yaml:"redis_db"`
	RedisChannel    string   `yaml:"redis_channel"`
}

type DeliveryConfig struct {
	WebhookURL   string `yaml:"webhook_url"`
	WebhookToken string `yaml:"webhook_token"`
	// ChannelWebhooks overrides WebhookURL per channel (push, sms, call, email).
	ChannelWebhooks map[string]string `yaml:"channel_webhooks"`
	Timeout         Duration          `yaml:"timeout"`
	MaxAttempts     int               `yaml:"max_attempts"`
	InitialBackoff  Duration          `yaml:"initial_backoff"`
	MaxBackoff      Duration          `yaml:"max_backoff"`
}

type NotifyConfig struct {
	Lanes int `yaml:"lanes"`
}

type FanoutConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type EscalationConfig struct {
	// RetainFor keeps terminal runs for audit before they expire.
	RetainFor Duration `yaml:"retain_for"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter"`
}

// Config is the daemon configuration.
type Config struct {
	HTTP          HTTPConfig       `yaml:"http"`
	DataDir       string           `yaml:"data_dir"`
	Database      string           `yaml:"database"`
	SealKey       string           `yaml:"seal_key"`
	ProtocolsFile string           `yaml:"protocols_file"`
	Log           LogConfig        `yaml:"log"`
	Status        StatusConfig     `yaml:"status"`
	Realtime      RealtimeConfig   `yaml:"realtime"`
	Delivery      DeliveryConfig   `yaml:"delivery"`
	Notify        NotifyConfig     `yaml:"notify"`
	Fanout        FanoutConfig     `yaml:"fanout"`
	Escalation    EscalationConfig `yaml:"escalation"`
	Tracing       TracingConfig    `yaml:"tracing"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":7002", ShutdownTimeout: Duration(10 * time.Second)},
		DataDir:  "./data",
		Log:      LogConfig{Level: "info", Format: "text"},
		Status:   StatusConfig{MaxMessageLength: 280},
		Realtime: RealtimeConfig{EventsPerSecond: 10, Burst: 10, QueueSize: 256, PublishTimeout: Duration(5 * time.Second)},
		Delivery: DeliveryConfig{
			Timeout:        Duration(10 * time.Second),
			MaxAttempts:    4,
			InitialBackoff: Duration(200 * time.Millisecond),
			MaxBackoff:     Duration(5 * time.Second),
		},
		Notify:     NotifyConfig{Lanes: 8},
		Fanout:     FanoutConfig{Concurrency: 8},
		Escalation: EscalationConfig{RetainFor: Duration(30 * 24 * time.Hour)},
		Tracing:    TracingConfig{Exporter: "none"},
	}
}

// DatabasePath returns the SQLite path, defaulting to beacon.db in DataDir.
func (c Config) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.DataDir, "beacon.db")
}

// Load reads path (or $BEACON_CONFIG when path is empty) over the defaults
// and applies BEACON_* environment overrides. A missing path is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("BEACON_CONFIG")
	}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"BEACON_HTTP_ADDR":      &cfg.HTTP.Addr,
		"BEACON_DATA_DIR":       &cfg.DataDir,
		"BEACON_DATABASE":       &cfg.Database,
		"BEACON_SEAL_KEY":       &cfg.SealKey,
		"BEACON_PROTOCOLS":      &cfg.ProtocolsFile,
		"BEACON_LOG_LEVEL":      &cfg.Log.Level,
		"BEACON_LOG_FORMAT":     &cfg.Log.Format,
		"BEACON_REDIS_ADDR":     &cfg.Realtime.RedisAddr,
		"BEACON_REDIS_PASSWORD": &cfg.Realtime.RedisPassword,
		"BEACON_WEBHOOK_URL":    &cfg.Delivery.WebhookURL,
		"BEACON_WEBHOOK_TOKEN":  &cfg.Delivery.WebhookToken,
		"BEACON_TRACE_EXPORTER": &cfg.Tracing.Exporter,
	}
	for key, target := range str {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}
	if v := os.Getenv("BEACON_EVENTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("BEACON_EVENTS_PER_SECOND: invalid value %q", v)
		}
		cfg.Realtime.EventsPerSecond = f
	}
	return nil
}
