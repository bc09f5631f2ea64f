package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Threading ThreadingConfig `mapstructure:"threading"`
	Retention RetentionConfig `mapstructure:"retention"`
	Bulk      BulkConfig      `mapstructure:"bulk"`
	Inbound   InboundConfig   `mapstructure:"inbound"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	// PublicURL prefixes links handed to clients, e.g. signed blob downloads
	PublicURL string `mapstructure:"public_url"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path   string `mapstructure:"path"`   // SQLite file
	DSN    string `mapstructure:"dsn"`    // Postgres connection string
}

type StorageConfig struct {
	Backend    string `mapstructure:"backend"` // "fs" or "s3"
	Dir        string `mapstructure:"dir"`
	SigningKey string `mapstructure:"signing_key"`
	// Attachments up to this many bytes stay in the database
	DBContentLimit int           `mapstructure:"db_content_limit"`
	DownloadTTL    time.Duration `mapstructure:"download_ttl"`
	S3             S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type DeliveryConfig struct {
	// Environment "development" enables the local mbox sink
	Environment    string         `mapstructure:"environment"`
	ChannelTimeout time.Duration  `mapstructure:"channel_timeout"`
	DefaultFrom    string         `mapstructure:"default_from"`
	SendGrid       SendGridConfig `mapstructure:"sendgrid"`
	SMTP           SMTPConfig     `mapstructure:"smtp"`
	DevSink        DevSinkConfig  `mapstructure:"devsink"`
}

type SendGridConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	Host    string `mapstructure:"host"`
}

type SMTPConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

type DevSinkConfig struct {
	Path string `mapstructure:"path"`
}

type ThreadingConfig struct {
	SubjectFallback bool `mapstructure:"subject_fallback"`
}

type RetentionConfig struct {
	DeletedAfter time.Duration `mapstructure:"deleted_after"`
	DraftsAfter  time.Duration `mapstructure:"drafts_after"`
	OrphanGrace  time.Duration `mapstructure:"orphan_grace"`
	Interval     time.Duration `mapstructure:"interval"`
}

type BulkConfig struct {
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`
}

type InboundConfig struct {
	IMAP IMAPConfig `mapstructure:"imap"`
	// ImportWorkers is the worker count for bulk .eml import
	ImportWorkers int `mapstructure:"import_workers"`
}

type IMAPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	TLS      bool          `mapstructure:"tls"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Mailbox  string        `mapstructure:"mailbox"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

func dataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".mailcore")
}

func setDefaults(v *viper.Viper) {
	dir := dataDir()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.public_url", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(dir, "mailcore.db"))
	v.SetDefault("database.dsn", "")

	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.dir", filepath.Join(dir, "blobs"))
	v.SetDefault("storage.signing_key", "")
	v.SetDefault("storage.db_content_limit", 256*1024)
	v.SetDefault("storage.download_ttl", 15*time.Minute)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")

	v.SetDefault("delivery.environment", "production")
	v.SetDefault("delivery.channel_timeout", 30*time.Second)
	v.SetDefault("delivery.default_from", "")
	v.SetDefault("delivery.sendgrid.enabled", false)
	v.SetDefault("delivery.sendgrid.api_key", "")
	v.SetDefault("delivery.sendgrid.host", "https://api.sendgrid.com")
	v.SetDefault("delivery.smtp.enabled", false)
	v.SetDefault("delivery.smtp.host", "")
	v.SetDefault("delivery.smtp.port", 587)
	v.SetDefault("delivery.smtp.username", "")
	v.SetDefault("delivery.smtp.password", "")
	v.SetDefault("delivery.smtp.insecure_skip_verify", false)
	v.SetDefault("delivery.devsink.path", filepath.Join(dir, "outbox.mbox"))

	v.SetDefault("threading.subject_fallback", true)

	v.SetDefault("retention.deleted_after", 30*24*time.Hour)
	v.SetDefault("retention.drafts_after", 7*24*time.Hour)
	v.SetDefault("retention.orphan_grace", time.Hour)
	v.SetDefault("retention.interval", 24*time.Hour)

	v.SetDefault("bulk.batch_size", 10)
	v.SetDefault("bulk.batch_delay", time.Second)

	v.SetDefault("inbound.import_workers", 4)
	v.SetDefault("inbound.imap.enabled", false)
	v.SetDefault("inbound.imap.host", "")
	v.SetDefault("inbound.imap.port", 993)
	v.SetDefault("inbound.imap.tls", true)
	v.SetDefault("inbound.imap.username", "")
	v.SetDefault("inbound.imap.password", "")
	v.SetDefault("inbound.imap.mailbox", "INBOX")
	v.SetDefault("inbound.imap.interval", time.Minute)
	v.SetDefault("inbound.imap.timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns default configuration
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		// defaults are static, a failure here is a programming error
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return cfg
}

// Load reads configuration from configPath (YAML) or, when empty, from an
// optional mailcore.yaml in the working directory or data directory.
// MAILCORE_* environment variables override file values, e.g.
// MAILCORE_DELIVERY_SENDGRID_API_KEY.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("mailcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(dataDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}

	switch c.Storage.Backend {
	case "fs":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}

	if c.Bulk.BatchSize <= 0 {
		return errors.New("bulk.batch_size must be positive")
	}
	if c.Inbound.IMAP.Enabled && c.Inbound.IMAP.Host == "" {
		return errors.New("inbound.imap.host is required when imap is enabled")
	}
	return nil
}

// IsDevelopment reports whether the local delivery sink is active
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Delivery.Environment, "development")
}

// Address returns the full server address
func (c *Config) Address() string {
	return c.Server.Host + ":" + c.Server.Port
}

// URL returns the public base URL of the server
func (c *Config) URL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimRight(c.Server.PublicURL, "/")
	}
	return "http://" + c.Address()
}

// NewLogger builds the structured logger described by c
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
