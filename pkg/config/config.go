package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDNSPort is appended to upstream addresses given without a port
const DefaultDNSPort = "53"

// DefaultCacheValiditySeconds applies when cache.validity_seconds is absent
const DefaultCacheValiditySeconds = 600

// Config holds the application configuration
type Config struct {
	// Local listener settings
	Server ServerConfig `yaml:"server"`

	// The two upstream resolvers
	Upstreams UpstreamsConfig `yaml:"upstreams"`

	// Domains that must be resolved through the trusted upstream
	Blocklist BlocklistConfig `yaml:"blocklist"`

	// Answer cache settings
	Cache CacheConfig `yaml:"cache"`

	// Route reporting and the route consumer
	Routes RoutesConfig `yaml:"routes"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds local listener settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address" validate:"required,hostname_port"`
	QueueSize     int    `yaml:"queue_size" validate:"gte=1"`  // datagrams buffered per socket between wake-ups
	ReadBuffer    int    `yaml:"read_buffer" validate:"gte=0"` // SO_RCVBUF in bytes, 0 keeps the kernel default
}

// UpstreamsConfig names the trusted and poisoned resolvers.
// Each value is an IP address, optionally with a port.
type UpstreamsConfig struct {
	Trusted  string `yaml:"trusted" validate:"required,upstream"`
	Poisoned string `yaml:"poisoned" validate:"required,upstream"`
}

// BlocklistConfig holds blocklist settings
type BlocklistConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// CacheConfig holds answer cache settings
type CacheConfig struct {
	ValiditySeconds int `yaml:"validity_seconds" validate:"gte=0"`
	MaxEntries      int `yaml:"max_entries" validate:"gte=0"` // 0 = unbounded
}

// RoutesConfig holds settings for the route reporter channel and the route consumer
type RoutesConfig struct {
	QueueSize  int    `yaml:"queue_size" validate:"gte=1"`
	Mode       string `yaml:"mode" validate:"oneof=log netlink"`
	Interface  string `yaml:"interface"`
	Gateway    string `yaml:"gateway" validate:"omitempty,ip"`
	Table      int    `yaml:"table" validate:"gte=0"`
	Metric     int    `yaml:"metric" validate:"gte=0"`
	Filter     string `yaml:"filter"`
	LedgerPath string `yaml:"ledger_path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" validate:"oneof=text json console"`
	Output    string `yaml:"output" validate:"oneof=stdout stderr file"`
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port" validate:"gte=0,lte=65535"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration bytes, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	// Seeded before decoding so an explicit 0 (never replay) survives
	cfg := Config{Cache: CacheConfig{ValiditySeconds: DefaultCacheValiditySeconds}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults.
// Upstreams and the blocklist path have no defaults and must still be filled in.
func LoadWithDefaults() *Config {
	cfg := &Config{Cache: CacheConfig{ValiditySeconds: DefaultCacheValiditySeconds}}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "127.0.0.1:53"
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 256
	}

	// Route defaults
	if c.Routes.QueueSize == 0 {
		c.Routes.QueueSize = 1024
	}
	if c.Routes.Mode == "" {
		c.Routes.Mode = "log"
	}
	if c.Routes.Metric == 0 {
		c.Routes.Metric = 100
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "split-dns"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := validateStruct(c)

	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, ValidationError{
			FieldPath: "logging.file_path",
			Message:   "must be set when output is 'file'",
		})
	}

	if c.Routes.Mode == "netlink" && c.Routes.Interface == "" && c.Routes.Gateway == "" {
		errs = append(errs, ValidationError{
			FieldPath: "routes.interface",
			Message:   "netlink mode needs an interface or a gateway",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// CacheValidity returns how long a cached answer may be replayed
func (c *Config) CacheValidity() time.Duration {
	return time.Duration(c.Cache.ValiditySeconds) * time.Second
}

// TrustedAddress returns the trusted upstream as host:port
func (c *Config) TrustedAddress() string {
	return NormalizeUpstream(c.Upstreams.Trusted)
}

// PoisonedAddress returns the poisoned upstream as host:port
func (c *Config) PoisonedAddress() string {
	return NormalizeUpstream(c.Upstreams.Poisoned)
}

// NormalizeUpstream adds the default DNS port if the address has none
func NormalizeUpstream(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, DefaultDNSPort)
	}
	return addr
}

// RestartRequired lists the top-level sections that differ between two configurations
// and cannot be applied to a running process. Only logging is applied live.
func RestartRequired(old, updated *Config) []string {
	sections := []struct {
		name string
		a, b any
	}{
		{"server", old.Server, updated.Server},
		{"upstreams", old.Upstreams, updated.Upstreams},
		{"blocklist", old.Blocklist, updated.Blocklist},
		{"cache", old.Cache, updated.Cache},
		{"routes", old.Routes, updated.Routes},
		{"telemetry", old.Telemetry, updated.Telemetry},
	}

	var changed []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.a, s.b) {
			changed = append(changed, s.name)
		}
	}
	return changed
}
