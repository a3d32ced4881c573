// Package config resolves relay settings from flags, RELAY_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAY"

// Config captures the relay settings.
type Config struct {
	Addr             string
	BackendURL       string
	BackendTimeout   time.Duration
	DataDir          string
	HistoryFile      string
	AttachmentsDir   string
	AttachmentsIndex string
	MaxUploadBytes   int64
	DatabaseURL      string
	NatsURL          string
	NatsSubject      string
	AuthSecret       string
	AuthPasswordHash string
	DeviceTTL        time.Duration
	LogLevel         string
	LogJSON          bool
}

// BindFlags registers every setting on fs with its default.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("addr", ":8000", "address the relay listens on")
	fs.String("backend-url", "http://localhost:8080", "base URL of the transport backend")
	fs.Duration("backend-timeout", 30*time.Second, "timeout for backend calls")
	fs.String("data-dir", "data", "directory for history and attachments")
	fs.String("history-file", "", "history log path (default <data-dir>/history.json)")
	fs.String("attachments-dir", "", "attachment directory (default <data-dir>/received_media)")
	fs.String("attachments-index", "", "attachment index path (default <data-dir>/attachments.db)")
	fs.Int64("max-upload-bytes", 64<<20, "maximum request body size")
	fs.String("database-url", "", "PostgreSQL URL for the history archive (disabled when empty)")
	fs.String("nats-url", "", "NATS server URL for ingest events (disabled when empty)")
	fs.String("nats-subject", "relay.messages.ingested", "NATS subject for ingest events")
	fs.String("auth-secret", "", "HS256 secret; when set every route but /healthz needs a bearer token")
	fs.String("auth-password-hash", "", "bcrypt hash of the operator password accepted by POST /login")
	fs.Duration("device-ttl", 10*time.Minute, "how long a device stays listed without being seen")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Bool("log-json", false, "emit JSON logs")
}

// NewViper layers fs, the environment and configFile (when not empty).
func NewViper(fs *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load resolves and validates the configuration.
func Load(fs *pflag.FlagSet, configFile string) (*Config, error) {
	v, err := NewViper(fs, configFile)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Addr:             v.GetString("addr"),
		BackendURL:       strings.TrimRight(v.GetString("backend-url"), "/"),
		BackendTimeout:   v.GetDuration("backend-timeout"),
		DataDir:          v.GetString("data-dir"),
		HistoryFile:      v.GetString("history-file"),
		AttachmentsDir:   v.GetString("attachments-dir"),
		AttachmentsIndex: v.GetString("attachments-index"),
		MaxUploadBytes:   v.GetInt64("max-upload-bytes"),
		DatabaseURL:      v.GetString("database-url"),
		NatsURL:          v.GetString("nats-url"),
		NatsSubject:      v.GetString("nats-subject"),
		AuthSecret:       v.GetString("auth-secret"),
		AuthPasswordHash: v.GetString("auth-password-hash"),
		DeviceTTL:        v.GetDuration("device-ttl"),
		LogLevel:         strings.ToLower(v.GetString("log-level")),
		LogJSON:          v.GetBool("log-json"),
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.HistoryFile == "" {
		c.HistoryFile = filepath.Join(c.DataDir, "history.json")
	}
	if c.AttachmentsDir == "" {
		c.AttachmentsDir = filepath.Join(c.DataDir, "received_media")
	}
	if c.AttachmentsIndex == "" {
		c.AttachmentsIndex = filepath.Join(c.DataDir, "attachments.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend-url must be an http(s) URL, got %q", c.BackendURL)
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("backend-timeout must be positive, got %s", c.BackendTimeout)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max-upload-bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if c.AuthPasswordHash != "" && c.AuthSecret == "" {
		return fmt.Errorf("auth-password-hash requires auth-secret")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	return nil
}
