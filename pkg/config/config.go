// Package config loads nusport settings from an optional YAML file.
//
// Values are layered: struct tag defaults, then the file, then whatever the
// caller (usually CLI flags) sets on the returned Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/nusport/pkg/nusport"
	"gopkg.in/yaml.v3"
)

// Supported device backends.
const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"panic"`
	Backend  string `yaml:"backend" default:"goble"`

	// Device is the advertised-name substring to connect to.
	Device string `yaml:"device"`

	// Profile selects a built-in endpoint triad. CustomProfile takes
	// precedence when its service is set.
	Profile       string           `yaml:"profile" default:"nus"`
	CustomProfile *nusport.Profile `yaml:"custom_profile"`

	ReadTimeout      time.Duration `yaml:"read_timeout" default:"2s"`
	WriteTimeout     time.Duration `yaml:"write_timeout" default:"2s"`
	ScanTimeout      time.Duration `yaml:"scan_timeout" default:"5s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"5s"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"5s"`
	ChunkDelay       time.Duration `yaml:"chunk_delay" default:"2ms"`

	QueueCapacity     int  `yaml:"queue_capacity" default:"65536"`
	NotificationsOnly bool `yaml:"notifications_only"`
	WriteWithResponse bool `yaml:"write_with_response"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. An empty path yields DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	switch strings.ToLower(c.Backend) {
	case BackendGoBLE, BackendTinyGo:
	default:
		return fmt.Errorf("invalid backend %q (must be %s or %s)", c.Backend, BackendGoBLE, BackendTinyGo)
	}
	if c.QueueCapacity <= 0 {
		return errors.New("queue_capacity must be positive")
	}
	_, err := c.ResolveProfile()
	return err
}

// ResolveProfile returns the custom profile if one is configured, otherwise
// the named built-in profile.
func (c *Config) ResolveProfile() (nusport.Profile, error) {
	if c.CustomProfile != nil && c.CustomProfile.Service != "" {
		p := *c.CustomProfile
		if p.Name == "" {
			p.Name = "custom"
		}
		if err := p.Validate(); err != nil {
			return nusport.Profile{}, err
		}
		return p, nil
	}
	return nusport.ProfileByName(c.Profile)
}

// PortOptions converts the configuration into nusport.Options.
func (c *Config) PortOptions() (*nusport.Options, error) {
	profile, err := c.ResolveProfile()
	if err != nil {
		return nil, err
	}

	return &nusport.Options{
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		ScanTimeout:       c.ScanTimeout,
		ConnectTimeout:    c.ConnectTimeout,
		DiscoveryTimeout:  c.DiscoveryTimeout,
		ChunkDelay:        c.ChunkDelay,
		QueueCapacity:     c.QueueCapacity,
		NotificationsOnly: c.NotificationsOnly,
		WriteWithResponse: c.WriteWithResponse,
		Profile:           profile,
	}, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
