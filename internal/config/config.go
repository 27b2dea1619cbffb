// Package config loads the node configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls logger construction.
type LogConfig struct {
	Level       string         `yaml:"level"`
	Format      string         `yaml:"format"`
	Outputs     []string       `yaml:"outputs"`
	Development bool           `yaml:"development"`
	Rotation    RotationConfig `yaml:"rotation"`
}

// RotationConfig enables size-based rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `yaml:"enable"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	ListenAddrs     []string      `yaml:"listen_addrs"`
	Bootstrap       []string      `yaml:"bootstrap"`
	Rendezvous      string        `yaml:"rendezvous"`
	MDNS            bool          `yaml:"mdns"`
	IdentityKeyFile string        `yaml:"identity_key_file"`
	HTTPAddr        string        `yaml:"http_addr"`
	Topics          []string      `yaml:"topics"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Codec           string        `yaml:"codec"`
	Buffer          int           `yaml:"buffer"`
	Log             LogConfig     `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddrs:  []string{"/ip4/0.0.0.0/tcp/0"},
		Rendezvous:   "assembler-comms",
		MDNS:         true,
		HTTPAddr:     ":8090",
		PollInterval: time.Second,
		Codec:        "json",
		Buffer:       64,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

var (
	ErrPollInterval = errors.New("poll_interval must be > 0")
	ErrEmptyTopic   = errors.New("topics must not contain empty names")
)

func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return ErrPollInterval
	}
	seen := make(map[string]struct{}, len(c.Topics))
	for _, t := range c.Topics {
		if strings.TrimSpace(t) == "" {
			return ErrEmptyTopic
		}
		if _, dup := seen[t]; dup {
			return fmt.Errorf("duplicate topic %q", t)
		}
		seen[t] = struct{}{}
	}
	if c.Buffer < 0 {
		return fmt.Errorf("buffer must be >= 0, got %d", c.Buffer)
	}
	return nil
}
