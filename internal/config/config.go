// Package config is used to load the configuration file
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type extract struct {
	Output      string `mapstructure:"output"`
	DumpHeaders bool   `mapstructure:"dump-headers"`
	KeepRaw     bool   `mapstructure:"keep-raw"`
}

// Config is the configuration struct
type Config struct {
	Verbose bool    `mapstructure:"verbose"`
	Color   bool    `mapstructure:"color"`
	Keys    string  `mapstructure:"keys"`
	Extract extract `mapstructure:"extract"`
}

func (c *Config) verify() error {
	if c.Keys != "" {
		if c.Keys[0] == '~' {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("config: failed to get user home directory: %v", err)
			}
			c.Keys = filepath.Join(home, c.Keys[1:])
		}
		if _, err := os.Stat(c.Keys); err != nil {
			return fmt.Errorf("config: key database %s: %v", c.Keys, err)
		}
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
