// Package config loads the static YAML configuration document (spec §6)
// into typed settings. The teacher repo has no config file of its own (it
// is flag-driven); the loader style below follows
// reshwanthmanupati-NetWeaver's telemetry-agent loadConfig, generalized to
// the full key set this relay needs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Collector is one downstream destination in forwarding.collectors.
type Collector struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// General holds general.* keys.
type General struct {
	ListenPort int    `yaml:"listen_port"`
	OutputPort int    `yaml:"output_port"`
	StatsPort  int    `yaml:"stats_port"`
	MetricsPort int   `yaml:"metrics_port"`
	BufferSize int    `yaml:"buffer_size"`
	LogLevel   string `yaml:"log_level"`
}

// Enrichment holds enrichment.* keys.
type Enrichment struct {
	ASExtraction  bool `yaml:"as_extraction"`
	EnrichInPlace bool `yaml:"enrich_in_place"`
	GeoIPEnabled  bool `yaml:"geoip_enabled"`
	ReverseDNS    bool `yaml:"reverse_dns"`
}

// Forwarding holds forwarding.* keys.
type Forwarding struct {
	Collectors []Collector `yaml:"collectors"`
}

// Performance holds performance.* keys.
type Performance struct {
	Workers       int `yaml:"workers"`
	QueueSize     int `yaml:"queue_size"`
	StatsInterval int `yaml:"stats_interval"`
}

// Config is the fully-resolved configuration document, defaults applied.
type Config struct {
	General     General     `yaml:"general"`
	Enrichment  Enrichment  `yaml:"enrichment"`
	Forwarding  Forwarding  `yaml:"forwarding"`
	Performance Performance `yaml:"performance"`

	// TemplateIdleTimeout is not a §6 top-level key but the spec §3/§4.2
	// default (30 min); exposed here so operators can override it from the
	// same document under the top-level key template_idle_timeout_seconds.
	TemplateIdleTimeoutSeconds int `yaml:"template_idle_timeout_seconds"`
}

// TemplateIdleTimeout returns the configured idle timeout as a Duration.
func (c *Config) TemplateIdleTimeout() time.Duration {
	return time.Duration(c.TemplateIdleTimeoutSeconds) * time.Second
}

// StatsInterval returns performance.stats_interval as a Duration.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Performance.StatsInterval) * time.Second
}

func defaults() Config {
	return Config{
		General: General{
			ListenPort:  2055,
			OutputPort:  2056,
			StatsPort:   9999,
			MetricsPort: 0,
			BufferSize:  65535,
			LogLevel:    "INFO",
		},
		Enrichment: Enrichment{
			ASExtraction:  true,
			EnrichInPlace: false,
			GeoIPEnabled:  false,
			ReverseDNS:    false,
		},
		Performance: Performance{
			Workers:       4,
			QueueSize:     10000,
			StatsInterval: 60,
		},
		TemplateIdleTimeoutSeconds: 30 * 60,
	}
}

// Load reads and validates the YAML configuration at path, applying
// defaults for any key left unset. A malformed document or an invalid
// value is a Config error per spec §7 (the caller is expected to exit 1).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validatePort("general.listen_port", c.General.ListenPort); err != nil {
		return err
	}
	if err := validatePort("general.output_port", c.General.OutputPort); err != nil {
		return err
	}
	if err := validatePort("general.stats_port", c.General.StatsPort); err != nil {
		return err
	}
	if c.General.MetricsPort != 0 {
		if err := validatePort("general.metrics_port", c.General.MetricsPort); err != nil {
			return err
		}
	}
	if c.General.BufferSize <= 0 {
		return fmt.Errorf("general.buffer_size must be positive, got %d", c.General.BufferSize)
	}
	switch c.General.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return fmt.Errorf("general.log_level must be one of DEBUG/INFO/WARNING/ERROR, got %q", c.General.LogLevel)
	}
	if c.Performance.Workers <= 0 {
		return fmt.Errorf("performance.workers must be positive, got %d", c.Performance.Workers)
	}
	if c.Performance.QueueSize <= 0 {
		return fmt.Errorf("performance.queue_size must be positive, got %d", c.Performance.QueueSize)
	}
	for i, col := range c.Forwarding.Collectors {
		if col.Host == "" {
			return fmt.Errorf("forwarding.collectors[%d].host is required", i)
		}
		port := col.Port
		if port == 0 {
			port = c.General.OutputPort
		}
		if err := validatePort(fmt.Sprintf("forwarding.collectors[%d].port", i), port); err != nil {
			return err
		}
	}
	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be in 1..65535, got %d", name, port)
	}
	return nil
}

// ResolvedCollectors returns forwarding.collectors with any omitted Port
// filled in from general.output_port (spec §6).
func (c *Config) ResolvedCollectors() []Collector {
	out := make([]Collector, len(c.Forwarding.Collectors))
	for i, col := range c.Forwarding.Collectors {
		if col.Port == 0 {
			col.Port = c.General.OutputPort
		}
		out[i] = col
	}
	return out
}
