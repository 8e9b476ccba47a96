// Package config loads server settings with flag > env > file > default
// precedence. Environment variables use the SSH_MCP_ prefix.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Bounds shared with the tool schemas.
const (
	MinTimeoutSeconds        = 1
	MaxConnectTimeoutSeconds = 300
	MaxCommandTimeoutSeconds = 3600
)

// Config holds every tunable of the server. Timeouts and intervals are
// whole seconds on the wire and in files; use the duration accessors.
type Config struct {
	ServerName          string   `mapstructure:"server_name"`
	MaxConnections      int      `mapstructure:"max_connections"`
	ConnectTimeout      int      `mapstructure:"connect_timeout"`
	CommandTimeout      int      `mapstructure:"command_timeout"`
	HealthCheckInterval int      `mapstructure:"health_check_interval"`
	LogLevel            string   `mapstructure:"log_level"`
	LogFile             string   `mapstructure:"log_file"`
	AllowedAuthMethods  []string `mapstructure:"allowed_auth_methods"`
	Debug               bool     `mapstructure:"debug"`
	HTTPPort            int      `mapstructure:"http_port"`
}

// Load resolves the configuration. file may be empty; flags may be nil.
// Recognised flags: port (bound to http_port) and debug.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("server_name", "sshmux-mcp")
	v.SetDefault("max_connections", 10)
	v.SetDefault("connect_timeout", 30)
	v.SetDefault("command_timeout", 60)
	v.SetDefault("health_check_interval", 30)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("allowed_auth_methods", []string{"key", "password", "agent"})
	v.SetDefault("debug", false)
	v.SetDefault("http_port", 8000)

	v.SetEnvPrefix("SSH_MCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if flags != nil {
		bindFlag(v, flags, "http_port", "port")
		bindFlag(v, flags, "debug", "debug")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	for i, m := range cfg.AllowedAuthMethods {
		cfg.AllowedAuthMethods[i] = strings.ToLower(strings.TrimSpace(m))
	}
	return &cfg, nil
}

func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, name string) {
	if f := flags.Lookup(name); f != nil {
		_ = v.BindPFlag(key, f)
	}
}

// Validate checks bounds and enumerations after Load.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerName) == "" {
		return fmt.Errorf("server_name must not be empty")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be >= 1, got %d", c.MaxConnections)
	}
	if c.ConnectTimeout < MinTimeoutSeconds || c.ConnectTimeout > MaxConnectTimeoutSeconds {
		return fmt.Errorf("connect_timeout must be between %d and %d seconds, got %d",
			MinTimeoutSeconds, MaxConnectTimeoutSeconds, c.ConnectTimeout)
	}
	if c.CommandTimeout < MinTimeoutSeconds || c.CommandTimeout > MaxCommandTimeoutSeconds {
		return fmt.Errorf("command_timeout must be between %d and %d seconds, got %d",
			MinTimeoutSeconds, MaxCommandTimeoutSeconds, c.CommandTimeout)
	}
	if c.HealthCheckInterval < 1 {
		return fmt.Errorf("health_check_interval must be >= 1 second, got %d", c.HealthCheckInterval)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if len(c.AllowedAuthMethods) == 0 {
		return fmt.Errorf("allowed_auth_methods must not be empty")
	}
	for _, m := range c.AllowedAuthMethods {
		switch m {
		case "key", "password", "agent":
		default:
			return fmt.Errorf("unknown auth method %q in allowed_auth_methods", m)
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

func (c *Config) CommandTimeoutDuration() time.Duration {
	return time.Duration(c.CommandTimeout) * time.Second
}

func (c *Config) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}
