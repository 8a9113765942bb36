// Package config loads the server configuration from an optional YAML file,
// MINAS_* environment variables and command line overrides, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultListen        = ":3000"
	DefaultMetadataFile  = ".minas.config.json"
	DefaultMaxUpload     = int64(10 << 30)
	DefaultStateDirName  = ".minas"
	DefaultStorageDir    = "storage"
	envPrefix            = "MINAS"
	defaultConfigName    = "minas"
	defaultLoginAttempts = 20
)

type Config struct {
	// Listen is the HTTP listen address.
	Listen string `mapstructure:"listen" validate:"required"`

	// MetadataFile is the JSON document holding credentials, devices and the
	// dedup manifest.
	MetadataFile string `mapstructure:"metadata_file" validate:"required"`

	// StorageRoot overrides the storage root recorded in the metadata file.
	// Empty means: use the recorded one, or <cwd>/storage on first run.
	StorageRoot string `mapstructure:"storage_root"`

	// StateDir holds staged uploads. It must be on the same filesystem as the
	// storage root. Default: <storage root>/.minas
	StateDir string `mapstructure:"state_dir"`

	// StaticDir, when set, is served at / (the web client).
	StaticDir string `mapstructure:"static_dir"`

	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	StagingMaxAge   time.Duration `mapstructure:"staging_max_age" validate:"gt=0"`

	Logging LoggingConfig `mapstructure:"logging"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	WebDAV  WebDAVConfig  `mapstructure:"webdav"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=console json"`
	Output string `mapstructure:"output" validate:"required"`
}

type AuthConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gt=0"`

	// LoginRateLimit is the number of login attempts allowed per client IP
	// within LoginRateWindow. 0 disables the limiter.
	LoginRateLimit  int           `mapstructure:"login_rate_limit" validate:"gte=0"`
	LoginRateWindow time.Duration `mapstructure:"login_rate_window" validate:"gt=0"`

	// TrustedProxies is how many reverse proxies sit in front of the server.
	// Only their X-Forwarded-For hops are used to find the client address.
	TrustedProxies int `mapstructure:"trusted_proxies" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type WebDAVConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configPath (or minas.yaml from the working directory or the user
// config dir when empty), applies environment variables and the given
// overrides, fills in defaults and validates the result.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}
	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults also register every key, which Unmarshal needs to pick up
	// environment variables for keys absent from the file.
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("metadata_file", DefaultMetadataFile)
	v.SetDefault("storage_root", "")
	v.SetDefault("state_dir", "")
	v.SetDefault("static_dir", "")
	v.SetDefault("max_upload_bytes", DefaultMaxUpload)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("staging_max_age", 24*time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("auth.token_ttl", 365*24*time.Hour)
	v.SetDefault("auth.login_rate_limit", defaultLoginAttempts)
	v.SetDefault("auth.login_rate_window", 15*time.Minute)
	v.SetDefault("auth.trusted_proxies", 0)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("webdav.enabled", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.AddConfigPath(getConfigDir())
	v.SetConfigName(defaultConfigName)
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && configPath == "" {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "minas")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "minas")
}

// ApplyDefaults fills zero values. It is also used for configs built in code.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.MetadataFile == "" {
		cfg.MetadataFile = DefaultMetadataFile
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = DefaultMaxUpload
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.StagingMaxAge == 0 {
		cfg.StagingMaxAge = 24 * time.Hour
	}

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 365 * 24 * time.Hour
	}
	if cfg.Auth.LoginRateWindow == 0 {
		cfg.Auth.LoginRateWindow = 15 * time.Minute
	}
}

// ResolveStorageRoot picks the storage root: an explicit setting wins, then
// the one recorded in the metadata file, then <cwd>/storage.
func (c *Config) ResolveStorageRoot(recorded string) (string, error) {
	root := c.StorageRoot
	if root == "" {
		root = recorded
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = filepath.Join(wd, DefaultStorageDir)
	}
	return filepath.Abs(root)
}

// ResolveStateDir returns the staging state dir for the given storage root.
func (c *Config) ResolveStateDir(root string) (string, error) {
	if c.StateDir == "" {
		return filepath.Join(root, DefaultStateDirName), nil
	}
	return filepath.Abs(c.StateDir)
}
