// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Modbus      ModbusConfig      `mapstructure:"modbus"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// ModbusConfig defines the Modbus TCP server
type ModbusConfig struct {
	Address     string        `mapstructure:"address"`      // e.g. "0.0.0.0:502"
	MaxConns    int           `mapstructure:"max_conns"`    // Maximum concurrent connections
	ReadTimeout time.Duration `mapstructure:"read_timeout"` // Poll interval of a connection
	IdleTimeout time.Duration `mapstructure:"idle_timeout"` // 0 disables
}

// PersistenceConfig defines assembly storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // Image file or SQLite database
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Address string `mapstructure:"address"` // Empty disables
}

// Flag names bound over their config keys when present in the flag set.
var flagBindings = map[string]string{
	"log.level":        "log-level",
	"log.file":         "log-file",
	"modbus.address":   "address",
	"persistence.type": "persistence",
	"persistence.path": "persistence-path",
	"metrics.address":  "metrics-address",
}

// LoadConfig loads configuration from configFile, or from the default search
// path when empty. A missing default file is not an error; defaults apply.
// Environment variables MODBUS_NODE_<SECTION>_<KEY> and changed flags in
// flags override the file.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-node/")
		v.AddConfigPath("$HOME/.modbus-node")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix("MODBUS_NODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Persistence.Type = strings.ToLower(config.Persistence.Type)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("modbus.address", "0.0.0.0:502")
	v.SetDefault("modbus.max_conns", 32)
	v.SetDefault("modbus.read_timeout", time.Second)
	v.SetDefault("modbus.idle_timeout", 60*time.Second)
	v.SetDefault("persistence.type", "memory")
	v.SetDefault("persistence.path", "")
	v.SetDefault("metrics.address", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Validate reports settings the node cannot start with.
func (c *Config) Validate() error {
	if c.Modbus.Address == "" {
		return errors.New("config: modbus.address must not be empty")
	}
	if c.Modbus.MaxConns < 1 {
		return fmt.Errorf("config: modbus.max_conns must be positive, got %d", c.Modbus.MaxConns)
	}
	if c.Modbus.ReadTimeout <= 0 {
		return fmt.Errorf("config: modbus.read_timeout must be positive, got %v", c.Modbus.ReadTimeout)
	}
	if c.Modbus.IdleTimeout < 0 {
		return fmt.Errorf("config: modbus.idle_timeout must not be negative, got %v", c.Modbus.IdleTimeout)
	}
	switch c.Persistence.Type {
	case "memory":
	case "file", "mmap", "sql":
		if c.Persistence.Path == "" {
			return fmt.Errorf("config: persistence.path is required for type %q", c.Persistence.Type)
		}
	default:
		return fmt.Errorf("config: unknown persistence.type %q", c.Persistence.Type)
	}
	return nil
}
