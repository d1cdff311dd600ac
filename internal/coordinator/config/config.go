// Package config loads the coordinator's runtime configuration from
// defaults, an optional YAML file, and NEURAGRID_-prefixed environment
// variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the coordinator's runtime configuration.
type Config struct {
	Addr         string        `koanf:"addr"`          // TCP listen address
	DBPath       string        `koanf:"db_path"`       // SQLite database file
	DashboardDir string        `koanf:"dashboard_dir"` // static assets for the dashboard (empty to disable)
	LogLevel     string        `koanf:"log_level"`     // debug, info, warn, error
	PingInterval time.Duration `koanf:"ping_interval"` // session keepalive cadence
}

// defaults mirror the original deployment: port 3000, a database file in
// the working directory, and a 5 second keepalive.
var defaults = map[string]interface{}{
	"addr":          "0.0.0.0:3000",
	"db_path":       "neuragrid.db",
	"dashboard_dir": "",
	"log_level":     "info",
	"ping_interval": "5s",
}

// Load builds a Config from defaults, the given YAML file (skipped when
// path is empty or the file does not exist), and environment variables
// like NEURAGRID_ADDR or NEURAGRID_LOG_LEVEL.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: "NEURAGRID_",
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, "NEURAGRID_")), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive")
	}
	return nil
}
