package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// MailboxConfig holds the IMAP connection settings for one consumer.
type MailboxConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password may be left empty, in which case it is read from the
	// system keyring under "imap-<consumer id>".
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// TLS selects implicit TLS (port 993). When false the session
	// upgrades with STARTTLS unless Insecure is set.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Insecure speaks plaintext IMAP. Only for local bridges.
	Insecure bool `mapstructure:"insecure" yaml:"insecure,omitempty"`

	Folder string `mapstructure:"folder" yaml:"folder"`
}

// ConsumerConfig describes one monitored consumer and its mailbox.
type ConsumerConfig struct {
	// ID is the stable consumer key used for checkpoints and the ledger.
	ID string `mapstructure:"id" yaml:"id"`

	// Enabled controls whether "run" starts a watcher for this consumer.
	// Unset means enabled.
	Enabled *bool `mapstructure:"enabled" yaml:"enabled,omitempty"`

	Mailbox MailboxConfig `mapstructure:"mailbox" yaml:"mailbox"`
}

// IsEnabled reports whether the consumer should be watched.
func (c ConsumerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// WatchMode selects how a watcher waits for new arrivals.
type WatchMode string

const (
	WatchModePoll WatchMode = "poll"
	WatchModeIdle WatchMode = "idle"
)

// WatchConfig tunes the watch loop.
type WatchConfig struct {
	Mode                 WatchMode `mapstructure:"mode" yaml:"mode"`
	PollIntervalSec      int       `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	IdleTimeoutSec       int       `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	MaxConsecutiveErrors int       `mapstructure:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	BackoffBaseSec       int       `mapstructure:"backoff_base_sec" yaml:"backoff_base_sec"`
	BackoffMaxSec        int       `mapstructure:"backoff_max_sec" yaml:"backoff_max_sec"`
	PreviewLength        int       `mapstructure:"preview_length" yaml:"preview_length"`
}

// StoreConfig locates the checkpoint store.
type StoreConfig struct {
	// DSN is "sqlite://<path>", a bare file path, "memory://" or a
	// postgres:// URL.
	DSN           string `mapstructure:"dsn" yaml:"dsn"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

// NotifyConfig selects and configures notification sinks.
type NotifyConfig struct {
	Sinks             []string `mapstructure:"sinks" yaml:"sinks"`
	NATSURL           string   `mapstructure:"nats_url" yaml:"nats_url"`
	NATSSubjectPrefix string   `mapstructure:"nats_subject_prefix" yaml:"nats_subject_prefix"`
	RedisAddr         string   `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword     string   `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	RedisDB           int      `mapstructure:"redis_db" yaml:"redis_db"`
	RedisStreamPrefix string   `mapstructure:"redis_stream_prefix" yaml:"redis_stream_prefix"`
	RedisMaxLen       int64    `mapstructure:"redis_max_len" yaml:"redis_max_len"`
}

// HTTPConfig configures the control API.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Consumers []ConsumerConfig `mapstructure:"consumers" yaml:"consumers"`
	Watch     WatchConfig      `mapstructure:"watch" yaml:"watch"`
	Store     StoreConfig      `mapstructure:"store" yaml:"store"`
	Notify    NotifyConfig     `mapstructure:"notify" yaml:"notify"`
	HTTP      HTTPConfig       `mapstructure:"http" yaml:"http"`
	Log       LogConfig        `mapstructure:"log" yaml:"log"`
}

// Consumer returns the consumer with the given id.
func (c *AppConfig) Consumer(id string) (ConsumerConfig, bool) {
	for _, cc := range c.Consumers {
		if cc.ID == id {
			return cc, true
		}
	}
	return ConsumerConfig{}, false
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailwatch/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailwatch", "config.yaml")
}

// DefaultStoreDSN returns the default sqlite checkpoint database location.
func DefaultStoreDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sqlite://mailwatch.db"
	}
	return "sqlite://" + filepath.Join(home, ".local", "share", "mailwatch", "mailwatch.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Consumers: []ConsumerConfig{},
		Watch: WatchConfig{
			Mode:                 WatchModePoll,
			PollIntervalSec:      20,
			IdleTimeoutSec:       300,
			MaxConsecutiveErrors: 5,
			BackoffBaseSec:       2,
			BackoffMaxSec:        30,
			PreviewLength:        200,
		},
		Store: StoreConfig{
			DSN:           DefaultStoreDSN(),
			RetentionDays: 30,
		},
		Notify: NotifyConfig{
			Sinks:             []string{"log"},
			NATSSubjectPrefix: "mailwatch",
			RedisStreamPrefix: "mailwatch",
			RedisMaxLen:       10000,
		},
		HTTP: HTTPConfig{Addr: "127.0.0.1:8089"},
		Log:  LogConfig{Level: "info", Format: "console"},
	}
}

// NewViper returns a viper instance with every default registered and
// MAILWATCH_* environment overrides enabled.
func NewViper() *viper.Viper {
	d := defaultAppConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("watch.mode", string(d.Watch.Mode))
	v.SetDefault("watch.poll_interval_sec", d.Watch.PollIntervalSec)
	v.SetDefault("watch.idle_timeout_sec", d.Watch.IdleTimeoutSec)
	v.SetDefault("watch.max_consecutive_errors", d.Watch.MaxConsecutiveErrors)
	v.SetDefault("watch.backoff_base_sec", d.Watch.BackoffBaseSec)
	v.SetDefault("watch.backoff_max_sec", d.Watch.BackoffMaxSec)
	v.SetDefault("watch.preview_length", d.Watch.PreviewLength)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.retention_days", d.Store.RetentionDays)
	v.SetDefault("notify.sinks", d.Notify.Sinks)
	v.SetDefault("notify.nats_subject_prefix", d.Notify.NATSSubjectPrefix)
	v.SetDefault("notify.redis_stream_prefix", d.Notify.RedisStreamPrefix)
	v.SetDefault("notify.redis_max_len", d.Notify.RedisMaxLen)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	// Hosted Postgres deployments usually only export DATABASE_URL.
	_ = v.BindEnv("store.dsn", "MAILWATCH_STORE_DSN", "DATABASE_URL")

	return v
}

// LoadConfig reads configuration from the given YAML file path using v.
// If the file does not exist, defaults and environment overrides apply.
func LoadConfig(v *viper.Viper, path string) (*AppConfig, error) {
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Consumers {
		c := &cfg.Consumers[i]
		if c.Mailbox.Folder == "" {
			c.Mailbox.Folder = "INBOX"
		}
		if c.Mailbox.Port == "" {
			c.Mailbox.Port = "993"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a watcher.
func (c *AppConfig) Validate() error {
	seen := make(map[string]bool, len(c.Consumers))
	for i, cc := range c.Consumers {
		if cc.ID == "" {
			return fmt.Errorf("consumers[%d]: id is required", i)
		}
		if seen[cc.ID] {
			return fmt.Errorf("consumers[%d]: duplicate id %q", i, cc.ID)
		}
		seen[cc.ID] = true
		if cc.Mailbox.Host == "" || cc.Mailbox.Username == "" {
			return fmt.Errorf("consumer %q: mailbox host and username are required", cc.ID)
		}
	}

	switch c.Watch.Mode {
	case WatchModePoll, WatchModeIdle:
	default:
		return fmt.Errorf("watch.mode: unknown mode %q", c.Watch.Mode)
	}
	if c.Watch.PollIntervalSec <= 0 {
		return fmt.Errorf("watch.poll_interval_sec must be positive")
	}
	if c.Watch.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("watch.max_consecutive_errors must not be negative")
	}
	if c.Watch.BackoffBaseSec <= 0 || c.Watch.BackoffMaxSec < c.Watch.BackoffBaseSec {
		return fmt.Errorf("watch backoff: need 0 < backoff_base_sec <= backoff_max_sec")
	}

	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("consumers", cfg.Consumers)
	v.Set("watch", cfg.Watch)
	v.Set("store", cfg.Store)
	v.Set("notify", cfg.Notify)
	v.Set("http", cfg.HTTP)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
