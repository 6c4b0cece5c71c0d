package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fzft/go-afdpoll/poll"
)

// Config is the configuration of the echo server. Every field has a
// default, so a config file only lists what it changes.
type Config struct {
	Addr       string `toml:"addr"`
	LogLevel   string `toml:"log_level"`
	MaxConns   int    `toml:"max_conns"`
	Events     int    `toml:"events"`
	ReadBuffer int    `toml:"read_buffer"`
	GroupSize  int    `toml:"group_size"`
}

func DefaultConfig() *Config {
	return &Config{
		Addr:       ":8080",
		LogLevel:   "info",
		MaxConns:   1024,
		Events:     256,
		ReadBuffer: 4096,
		GroupSize:  poll.DefaultGroupSize,
	}
}

// LoadConfig reads the TOML file at path over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("addr is empty")
	case c.MaxConns < 1:
		return fmt.Errorf("max_conns must be positive, got %d", c.MaxConns)
	case c.Events < 1:
		return fmt.Errorf("events must be positive, got %d", c.Events)
	case c.ReadBuffer < 1:
		return fmt.Errorf("read_buffer must be positive, got %d", c.ReadBuffer)
	case c.GroupSize < 1:
		return fmt.Errorf("group_size must be positive, got %d", c.GroupSize)
	}
	return nil
}
