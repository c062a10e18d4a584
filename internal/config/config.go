package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Rcon      RconConfig      `yaml:"rcon"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	NATS      NATSConfig      `yaml:"nats"`
	Servers   []Server        `yaml:"servers"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig holds session loop timing
type SchedulerConfig struct {
	Tick      time.Duration `yaml:"tick"`
	HeldEvery int           `yaml:"held_every"` // held sessions step once per this many ticks
}

// RconConfig holds transport timing
type RconConfig struct {
	Interval        time.Duration `yaml:"interval"`
	WaitingInterval time.Duration `yaml:"waiting_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// MetricsConfig holds the Prometheus endpoint; empty address disables it
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// NATSConfig holds the event relay; empty URL disables it
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Server represents a game server to manage
type Server struct {
	Name         string `yaml:"name"`
	Address      string `yaml:"address"`
	RconPassword string `yaml:"rcon_password"`
	LogSource    string `yaml:"log_source"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Set defaults
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/warden/warden.db"
	}
	if cfg.Scheduler.Tick == 0 {
		cfg.Scheduler.Tick = 200 * time.Millisecond
	}
	if cfg.Scheduler.HeldEvery == 0 {
		cfg.Scheduler.HeldEvery = 10
	}
	if cfg.Rcon.Interval == 0 {
		cfg.Rcon.Interval = 180 * time.Millisecond
	}
	if cfg.Rcon.WaitingInterval == 0 {
		cfg.Rcon.WaitingInterval = 500 * time.Millisecond
	}
	if cfg.Rcon.Timeout == 0 {
		cfg.Rcon.Timeout = 2 * time.Second
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "warden"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the server list and log level
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Scheduler.Tick < 0 || c.Scheduler.HeldEvery < 0 {
		errs = append(errs, errors.New("scheduler: tick and held_every must be positive"))
	}
	if len(c.Servers) == 0 {
		errs = append(errs, errors.New("no servers configured"))
	}
	seen := make(map[string]bool)
	for i, srv := range c.Servers {
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: name is required", i))
		} else if seen[srv.Name] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate name %q", i, srv.Name))
		}
		seen[srv.Name] = true
		if srv.Address == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: address is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Server returns a configured server by name
func (c *Config) Server(name string) (Server, bool) {
	for _, srv := range c.Servers {
		if srv.Name == name {
			return srv, true
		}
	}
	return Server{}, false
}
