package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/datallboy/presetdl/internal/retry"
)

type Config struct {
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Catalog  CatalogConfig  `mapstructure:"catalog" yaml:"catalog"`

	Port string `mapstructure:"port" yaml:"port"`
}

type DownloadConfig struct {
	OutDir           string        `mapstructure:"out_dir" yaml:"out_dir"`
	MaxConcurrent    int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	ChunkSize        int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	CompletedGrace   time.Duration `mapstructure:"completed_grace" yaml:"completed_grace"`
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// Policy converts the config section into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries: r.MaxRetries,
		BaseDelay:  r.BaseDelay,
		MaxDelay:   r.MaxDelay,
	}
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
	JSON          bool   `mapstructure:"json" yaml:"json"`
}

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreNone     = "none"
)

type StoreConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	ResumeOnStart bool   `mapstructure:"resume_on_start" yaml:"resume_on_start"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

const (
	defaultChunkSize = 1024 * 1024
	minChunkSize     = 4 * 1024
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("download.out_dir", "./models")
	v.SetDefault("download.max_concurrent", 3)
	v.SetDefault("download.chunk_size", defaultChunkSize)
	v.SetDefault("download.progress_interval", "500ms")
	v.SetDefault("download.completed_grace", "30s")
	v.SetDefault("download.user_agent", "presetdl/1.0")
	v.SetDefault("download.connect_timeout", "30s")
	v.SetDefault("retry.max_retries", retry.DefaultMaxRetries)
	v.SetDefault("retry.base_delay", retry.DefaultBaseDelay.String())
	v.SetDefault("retry.max_delay", retry.DefaultMaxDelay.String())
	v.SetDefault("log.path", "presetdl.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.sqlite_path", "./data/presetdl.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.resume_on_start", true)
	v.SetDefault("catalog.path", "presets.yaml")
}

// Load reads path (default config.yaml). A missing file is not an error:
// defaults and PRESETDL_* environment variables still apply.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// FALLBACK: containers mount their config under /config
		if _, errEx := os.Stat("/config/config.yaml"); !explicit && errEx == nil {
			path = "/config/config.yaml"
		} else if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		} else {
			path = ""
		}
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// Support Environment Variables
	v.SetEnvPrefix("PRESETDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file or environment is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	_ = cfg.validate()
	return &cfg
}

func (c *Config) validate() error {
	if c.Download.OutDir == "" {
		c.Download.OutDir = "./models"
	}

	if c.Download.MaxConcurrent <= 0 {
		// Default to a sane value
		c.Download.MaxConcurrent = 3
	}

	if c.Download.ChunkSize <= 0 {
		c.Download.ChunkSize = defaultChunkSize
	} else if c.Download.ChunkSize < minChunkSize {
		c.Download.ChunkSize = minChunkSize
	}

	if c.Download.ProgressInterval <= 0 {
		c.Download.ProgressInterval = 500 * time.Millisecond
	}

	if c.Download.CompletedGrace < 0 {
		c.Download.CompletedGrace = 0
	}

	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries cannot be negative")
	}

	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay (%s) exceeds retry.max_delay (%s)", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "", StoreNone:
		c.Store.Driver = StoreNone
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q (want sqlite, postgres or none)", c.Store.Driver)
	}

	return nil
}
