// Package config loads notifyd configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hbashar434/easy-shop-backend/internal/domain"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are
// separated by a double underscore: NOTIFYD_DATABASE__URL sets database.url.
const EnvPrefix = "NOTIFYD_"

// Broker drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Log           LogConfig           `koanf:"log"`
	Broker        BrokerConfig        `koanf:"broker"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// ServerConfig configures the HTTP servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	APIToken          string        `koanf:"api_token"`
}

// DatabaseConfig configures the PostgreSQL pool used by the queue.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// BrokerConfig selects and tunes the job broker.
type BrokerConfig struct {
	Driver        string        `koanf:"driver" validate:"oneof=postgres memory"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout" validate:"gte=0"`
	ProbeInterval time.Duration `koanf:"probe_interval" validate:"gte=0"`
	PollInterval  time.Duration `koanf:"poll_interval" validate:"gte=0"`
	LockTimeout   time.Duration `koanf:"lock_timeout" validate:"gte=0"`
	Concurrency   int           `koanf:"concurrency" validate:"min=1"`
}

// NotificationsConfig configures dispatching and the transports.
type NotificationsConfig struct {
	TemplatesDir string      `koanf:"templates_dir"`
	ChunkSize    int         `koanf:"chunk_size" validate:"min=1"`
	Retry        RetryConfig `koanf:"retry"`
	Email        EmailConfig `koanf:"email"`
	SMS          SMSConfig   `koanf:"sms"`
}

// RetryConfig configures queued job retries.
type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gt=0"`
}

// EmailConfig configures the SMTP transport.
type EmailConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Send          bool          `koanf:"send"`
	SMTPHost      string        `koanf:"smtp_host" validate:"required_if=Enabled true"`
	SMTPPort      int           `koanf:"smtp_port" validate:"gte=0,lte=65535"`
	SMTPUser      string        `koanf:"smtp_user"`
	SMTPPassword  string        `koanf:"smtp_password"`
	FromAddress   string        `koanf:"from_address" validate:"required_if=Enabled true,omitempty,email"`
	RateLimit     float64       `koanf:"rate_limit" validate:"gte=0"`
	DialTimeout   time.Duration `koanf:"dial_timeout" validate:"gte=0"`
	OnlyDeliverTo []string      `koanf:"only_deliver_to" validate:"dive,email"`
}

// SMSConfig configures the SMS gateway transport.
type SMSConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Send          bool          `koanf:"send"`
	APIKey        string        `koanf:"api_key" validate:"required_if=Enabled true"`
	BaseURL       string        `koanf:"base_url" validate:"omitempty,url"`
	Timeout       time.Duration `koanf:"timeout" validate:"gte=0"`
	RateLimit     float64       `koanf:"rate_limit" validate:"gte=0"`
	OnlyDeliverTo []string      `koanf:"only_deliver_to" validate:"dive,phone"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Broker: BrokerConfig{
			Driver:       DriverPostgres,
			ProbeTimeout: 2 * time.Second,
			PollInterval: time.Second,
			LockTimeout:  5 * time.Minute,
			Concurrency:  5,
		},
		Notifications: NotificationsConfig{
			ChunkSize: 10,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: time.Second,
			},
			Email: EmailConfig{
				Send:        true,
				SMTPPort:    587,
				RateLimit:   5,
				DialTimeout: 10 * time.Second,
			},
			SMS: SMSConfig{
				Send:    true,
				Timeout: 10 * time.Second,
			},
		},
	}
}

// Load reads configuration from path (optional) and the environment, in
// that order, on top of Default. The result is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// PathFromEnv returns the config file named by NOTIFYD_CONFIG, if any.
func PathFromEnv() string {
	return os.Getenv(EnvPrefix + "CONFIG")
}

func transformEnv(key, value string) (string, any) {
	key = strings.TrimPrefix(key, EnvPrefix)
	if key == "CONFIG" {
		return "", nil
	}
	key = strings.ReplaceAll(strings.ToLower(key), "__", ".")
	return key, value
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return domain.IsPhoneNumber(fl.Field().String())
	})
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Broker.Driver == DriverPostgres && c.Database.URL == "" {
		return errors.New("invalid config: database.url is required for the postgres broker")
	}

	return nil
}
