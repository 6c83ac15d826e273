// Package config loads vizmeta configuration from file, environment and defaults
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nainya/vizmeta/internal/logger"
)

// Config represents the vizmeta configuration
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	HTTPPort     int           `mapstructure:"http_port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig represents metadata store configuration
type StoreConfig struct {
	// InitialMetadata is the path of a JSON keyed bundle loaded as protected metadata
	InitialMetadata string `mapstructure:"initial_metadata"`
	// RootOrgUnits lists root organisation units as id or id=name
	RootOrgUnits []string `mapstructure:"root_org_units"`
}

// HTTPAddr returns the listen address of the HTTP server
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}

// GRPCAddr returns the listen address of the gRPC health server
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}

// LoggerConfig converts the log section for the logger package
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{Level: c.Log.Level, Pretty: c.Log.Pretty}
}

// Load reads configuration from path (optional), VIZMETA_* environment
// variables and defaults. Without a path, vizmeta.yaml in the working
// directory is used when present.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("server.host", "")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("store.initial_metadata", "")
	v.SetDefault("store.root_org_units", []string{})

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vizmeta")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Enable environment variable support
	v.SetEnvPrefix("VIZMETA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// RootOrgUnitInputs converts configured root units into store input
func (c *Config) RootOrgUnitInputs() []any {
	out := make([]any, 0, len(c.Store.RootOrgUnits))
	for _, entry := range c.Store.RootOrgUnits {
		id, name, hasName := strings.Cut(entry, "=")
		unit := map[string]any{"id": strings.TrimSpace(id)}
		if hasName {
			unit["name"] = strings.TrimSpace(name)
		}
		out = append(out, unit)
	}
	return out
}

func validateConfig(cfg *Config) error {
	if _, ok := logger.ParseLevel(cfg.Log.Level); !ok {
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	if cfg.Server.HTTPPort < 1 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc port %d", cfg.Server.GRPCPort)
	}
	if cfg.Server.GRPCPort != 0 && cfg.Server.GRPCPort == cfg.Server.HTTPPort {
		return fmt.Errorf("http and grpc ports must differ")
	}
	for _, entry := range cfg.Store.RootOrgUnits {
		id, _, _ := strings.Cut(entry, "=")
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("invalid root org unit %q", entry)
		}
	}
	return nil
}
