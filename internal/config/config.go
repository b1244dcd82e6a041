// Package config loads uvccam settings from defaults, an optional YAML file
// and UVCCAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"uvccam/internal/capture"
)

// EnvPrefix prefixes every environment override, e.g. UVCCAM_SERVER_PORT
// for server.port.
const EnvPrefix = "UVCCAM"

// Config holds all uvccam configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Capture CaptureConfig `mapstructure:"capture"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the realtime server.
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	StaticDir   string `mapstructure:"static_dir"`
	MaxSessions int    `mapstructure:"max_sessions"`
	// OutputDir is the base for relative output paths sent by clients.
	// Empty leaves them relative to the working directory.
	OutputDir string `mapstructure:"output_dir"`
}

// CaptureConfig controls the external capture program.
type CaptureConfig struct {
	Program string `mapstructure:"program"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	// Path of the SQLite file. Empty disables history.
	Path string `mapstructure:"path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8420,
			StaticDir:   "./frontend/dist",
			MaxSessions: 10,
		},
		Capture: CaptureConfig{
			Program: capture.DefaultProgram,
		},
		History: HistoryConfig{
			Path: filepath.Join(DataDir(), "history.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.static_dir", defaults.Server.StaticDir)
	v.SetDefault("server.max_sessions", defaults.Server.MaxSessions)
	v.SetDefault("server.output_dir", defaults.Server.OutputDir)

	v.SetDefault("capture.program", defaults.Capture.Program)

	v.SetDefault("history.path", defaults.History.Path)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
}

// Init prepares v: defaults, environment overrides and the config file.
// cfgFile may be empty, in which case $UVCCAM_CONFIG is tried and then
// config.yaml in ConfigDir and the working directory. A missing default
// file is not an error; a missing explicit one is.
func Init(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		cfgFile = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(ConfigDir())
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the directory searched for config.yaml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "uvccam")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".uvccam"
	}
	return filepath.Join(home, ".config", "uvccam")
}

// DataDir returns the directory holding the history database.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "uvccam")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".uvccam"
	}
	return filepath.Join(home, ".local", "share", "uvccam")
}
