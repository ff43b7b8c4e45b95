// Package config loads latchkey settings from defaults, an optional YAML file,
// LATCHKEY_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmcleod/latchkey/crypto"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/media"
	"github.com/jmcleod/latchkey/platform"
)

const (
	EnvPrefix = "LATCHKEY"

	DefaultPort            = 8443
	DefaultDataDir         = "./data"
	DefaultShutdownTimeout = 10 * time.Second
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig
	Platform PlatformConfig
	Media    MediaConfig
	Audit    AuditConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Port            int
	TLSCert         string
	TLSKey          string
	DataDir         string
	ShutdownTimeout time.Duration
}

// PlatformConfig holds the cloud platform credentials. AccessSecret doubles
// as the shared secret that unwraps ticket keys and must be 32 bytes.
type PlatformConfig struct {
	Endpoint     string
	ClientID     string
	AccessSecret string
	Timeout      time.Duration
}

type MediaConfig struct {
	UserAgent    string
	Referer      string
	Timeout      time.Duration
	MaxBytes     int64
	AllowedHosts []string
}

type AuditConfig struct {
	WebhookURL        string
	WebhookAuthHeader string
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
}

// NewDefaultConfig creates a new Config with default settings.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			DataDir:         DefaultDataDir,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Platform: PlatformConfig{
			Timeout: platform.DefaultTimeout,
		},
		Media: MediaConfig{
			UserAgent: media.DefaultUserAgent,
			Timeout:   media.DefaultTimeout,
			MaxBytes:  media.DefaultMaxBytes,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// NewViper returns a Viper instance with defaults and environment binding.
// Callers may bind flags to it before calling Load.
func NewViper() *viper.Viper {
	d := NewDefaultConfig()
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("platform.endpoint", "")
	v.SetDefault("platform.client_id", "")
	v.SetDefault("platform.access_secret", "")
	v.SetDefault("platform.timeout", d.Platform.Timeout)
	v.SetDefault("media.user_agent", d.Media.UserAgent)
	v.SetDefault("media.referer", "")
	v.SetDefault("media.timeout", d.Media.Timeout)
	v.SetDefault("media.max_bytes", d.Media.MaxBytes)
	v.SetDefault("media.allowed_hosts", []string{})
	v.SetDefault("audit.webhook_url", "")
	v.SetDefault("audit.webhook_auth_header", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	return v
}

// Load reads configFile (if non-empty) into v and decodes the result. The
// returned Config is not validated; call Validate before use.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:            v.GetInt("server.port"),
			TLSCert:         v.GetString("server.tls_cert"),
			TLSKey:          v.GetString("server.tls_key"),
			DataDir:         v.GetString("server.data_dir"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Platform: PlatformConfig{
			Endpoint:     v.GetString("platform.endpoint"),
			ClientID:     v.GetString("platform.client_id"),
			AccessSecret: v.GetString("platform.access_secret"),
			Timeout:      v.GetDuration("platform.timeout"),
		},
		Media: MediaConfig{
			UserAgent:    v.GetString("media.user_agent"),
			Referer:      v.GetString("media.referer"),
			Timeout:      v.GetDuration("media.timeout"),
			MaxBytes:     v.GetInt64("media.max_bytes"),
			AllowedHosts: v.GetStringSlice("media.allowed_hosts"),
		},
		Audit: AuditConfig{
			WebhookURL:        v.GetString("audit.webhook_url"),
			WebhookAuthHeader: v.GetString("audit.webhook_auth_header"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
		},
	}, nil
}

// Validate checks that the configuration can start a server. A missing or
// mis-sized shared secret is reported with crypto.ErrInvalidSecretLength.
func (c *Config) Validate() error {
	if err := c.Platform.ValidateSecret(); err != nil {
		return err
	}
	if c.Platform.Endpoint == "" {
		return fmt.Errorf("%w: platform.endpoint is required", ErrInvalidConfig)
	}
	if c.Platform.ClientID == "" {
		return fmt.Errorf("%w: platform.client_id is required", ErrInvalidConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("%w: server.tls_cert and server.tls_key must be set together", ErrInvalidConfig)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log.format %q must be json or text", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// ValidateSecret checks only the shared secret.
func (p PlatformConfig) ValidateSecret() error {
	if p.AccessSecret == "" {
		return fmt.Errorf("%w: platform.access_secret is required", crypto.ErrInvalidSecretLength)
	}
	if n := len(p.AccessSecret); n != crypto.SharedSecretSize {
		return fmt.Errorf("%w: platform.access_secret has %d bytes, want %d", crypto.ErrInvalidSecretLength, n, crypto.SharedSecretSize)
	}
	return nil
}

// SharedSecret seals the access secret into a memguard-backed SharedSecret.
func (p PlatformConfig) SharedSecret() (*crypto.SharedSecret, error) {
	if err := p.ValidateSecret(); err != nil {
		return nil, err
	}
	raw := []byte(p.AccessSecret)
	defer util.WipeBytes(raw)
	return crypto.NewSharedSecret(raw)
}

func (l LogConfig) level() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: invalid log.level %q", ErrInvalidConfig, l.Level)
	}
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
