// Package config loads crmsync settings.
//
// Values are layered, lowest precedence first: built-in defaults, the
// config file (crmsync.yaml in the working directory, or --config), a .env
// file, CRMSYNC_* environment variables, then command-line flags bound by
// the cli package. Nested keys map to environment variables with dots
// replaced by underscores: push.limit is CRMSYNC_PUSH_LIMIT.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CRMSYNC"

// Remote modes.
const (
	RemoteModeREST   = "rest"
	RemoteModeMemory = "memory"
)

// Config is the resolved configuration.
type Config struct {
	DB          string `mapstructure:"db"`
	QueueDSN    string `mapstructure:"queue_dsn"`
	MappingsDir string `mapstructure:"mappings_dir"`

	Push      PushConfig      `mapstructure:"push"`
	Pull      PullConfig      `mapstructure:"pull"`
	Revisions RevisionsConfig `mapstructure:"revisions"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Log       LogConfig       `mapstructure:"log"`
}

type PushConfig struct {
	Limit     int           `mapstructure:"limit"`
	MaxFails  int           `mapstructure:"max_fails"`
	Lease     time.Duration `mapstructure:"lease"`
	Processor string        `mapstructure:"processor"`
}

type PullConfig struct {
	MaxQueueSize int           `mapstructure:"max_queue_size"`
	Limit        int           `mapstructure:"limit"`
	Lease        time.Duration `mapstructure:"lease"`
	MaxFails     int           `mapstructure:"max_fails"`
}

type RevisionsConfig struct {
	// Limit is the number of revisions kept per mapped object; 0 keeps all.
	Limit int `mapstructure:"limit"`
}

type RemoteConfig struct {
	Mode         string `mapstructure:"mode"`
	BaseURL      string `mapstructure:"base_url"`
	APIVersion   string `mapstructure:"api_version"`
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	MaxRetries   int    `mapstructure:"max_retries"`
	// ValidatePayloads checks push payloads against the describe result.
	ValidatePayloads bool `mapstructure:"validate_payloads"`
}

type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New returns a viper instance carrying the defaults and the environment
// binding. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db", "crmsync.db")
	v.SetDefault("queue_dsn", "")
	v.SetDefault("mappings_dir", "mappings")

	v.SetDefault("push.limit", 200)
	v.SetDefault("push.max_fails", 10)
	v.SetDefault("push.lease", 300*time.Second)
	v.SetDefault("push.processor", "rest")

	v.SetDefault("pull.max_queue_size", 100000)
	v.SetDefault("pull.limit", 200)
	v.SetDefault("pull.lease", 300*time.Second)
	v.SetDefault("pull.max_fails", 10)

	v.SetDefault("revisions.limit", 10)

	v.SetDefault("remote.mode", RemoteModeREST)
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_version", "v59.0")
	v.SetDefault("remote.token_url", "")
	v.SetDefault("remote.client_id", "")
	v.SetDefault("remote.client_secret", "")
	v.SetDefault("remote.max_retries", 3)
	v.SetDefault("remote.validate_payloads", false)

	v.SetDefault("schedule.interval", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Options selects the files Load reads.
type Options struct {
	// ConfigFile is an explicit config file. When empty, crmsync.yaml is
	// looked up in the working directory and may be absent.
	ConfigFile string

	// EnvFile is the dotenv file; ".env" when empty. A missing file is
	// not an error.
	EnvFile string
}

// Load reads the layered configuration into a Config and validates it.
func Load(v *viper.Viper, opts Options) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("crmsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.DB == "":
		return errors.New("config: db is required")
	case c.Push.Limit <= 0:
		return fmt.Errorf("config: push.limit must be positive, got %d", c.Push.Limit)
	case c.Push.MaxFails <= 0:
		return fmt.Errorf("config: push.max_fails must be positive, got %d", c.Push.MaxFails)
	case c.Push.Lease <= 0:
		return fmt.Errorf("config: push.lease must be positive, got %s", c.Push.Lease)
	case c.Push.Processor != "rest":
		return fmt.Errorf("config: unknown push.processor %q", c.Push.Processor)
	case c.Pull.MaxQueueSize <= 0:
		return fmt.Errorf("config: pull.max_queue_size must be positive, got %d", c.Pull.MaxQueueSize)
	case c.Pull.Limit <= 0:
		return fmt.Errorf("config: pull.limit must be positive, got %d", c.Pull.Limit)
	case c.Revisions.Limit < 0:
		return fmt.Errorf("config: revisions.limit must not be negative, got %d", c.Revisions.Limit)
	case c.Schedule.Interval <= 0:
		return fmt.Errorf("config: schedule.interval must be positive, got %s", c.Schedule.Interval)
	}
	switch c.Remote.Mode {
	case RemoteModeREST, RemoteModeMemory:
	default:
		return fmt.Errorf("config: unknown remote.mode %q", c.Remote.Mode)
	}
	return nil
}
