package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Values from file
	if cfg.Server.ListenAddress != "127.0.0.1:5353" {
		t.Errorf("Expected listen address 127.0.0.1:5353, got %s", cfg.Server.ListenAddress)
	}
	if cfg.Upstreams.Trusted != "8.8.8.8" {
		t.Errorf("Expected trusted upstream 8.8.8.8, got %s", cfg.Upstreams.Trusted)
	}
	if cfg.Cache.MaxEntries != 5000 {
		t.Errorf("Expected cache max entries 5000, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected log format json, got %s", cfg.Logging.Format)
	}

	// Defaults
	if cfg.CacheValidity() != 600*time.Second {
		t.Errorf("Expected default cache validity 600s, got %s", cfg.CacheValidity())
	}
	if cfg.Server.QueueSize != 256 {
		t.Errorf("Expected default queue size 256, got %d", cfg.Server.QueueSize)
	}
	if cfg.Routes.QueueSize != 1024 {
		t.Errorf("Expected default route queue size 1024, got %d", cfg.Routes.QueueSize)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default log output stdout, got %s", cfg.Logging.Output)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()

	if cfg.Server.ListenAddress != "127.0.0.1:53" {
		t.Errorf("Expected default listen address 127.0.0.1:53, got %s", cfg.Server.ListenAddress)
	}
	if cfg.Cache.ValiditySeconds != DefaultCacheValiditySeconds {
		t.Errorf("Expected default validity %d, got %d", DefaultCacheValiditySeconds, cfg.Cache.ValiditySeconds)
	}
	if cfg.Routes.Mode != "log" {
		t.Errorf("Expected default route mode log, got %s", cfg.Routes.Mode)
	}

	// No upstream defaults, so validation must fail until they are set
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error without upstreams")
	}
}

func TestParseExplicitZeroValidity(t *testing.T) {
	cfg, err := Parse([]byte(`
upstreams:
  trusted: "8.8.8.8"
  poisoned: "1.2.3.4"
blocklist:
  path: "list.txt"
cache:
  validity_seconds: 0
`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.CacheValidity() != 0 {
		t.Errorf("Expected explicit zero validity to be kept, got %s", cfg.CacheValidity())
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("server: [unterminated")); err == nil {
		t.Error("Expected YAML parse error")
	}
}

func validConfig() *Config {
	cfg := LoadWithDefaults()
	cfg.Upstreams.Trusted = "8.8.8.8"
	cfg.Upstreams.Poisoned = "114.114.114.114"
	cfg.Blocklist.Path = "blocklist.txt"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "upstream with port", mutate: func(c *Config) { c.Upstreams.Trusted = "8.8.8.8:5353" }},
		{name: "ipv6 upstream", mutate: func(c *Config) { c.Upstreams.Poisoned = "[2001:db8::1]:53" }},
		{name: "bare ipv6 upstream", mutate: func(c *Config) { c.Upstreams.Poisoned = "2001:db8::1" }},
		{
			name:    "hostname upstream",
			mutate:  func(c *Config) { c.Upstreams.Trusted = "dns.google:53" },
			wantErr: "upstreams.trusted",
		},
		{
			name:    "missing poisoned upstream",
			mutate:  func(c *Config) { c.Upstreams.Poisoned = "" },
			wantErr: "upstreams.poisoned",
		},
		{
			name:    "missing blocklist",
			mutate:  func(c *Config) { c.Blocklist.Path = "" },
			wantErr: "blocklist.path",
		},
		{
			name:    "listen address without port",
			mutate:  func(c *Config) { c.Server.ListenAddress = "127.0.0.1" },
			wantErr: "server.listen_address",
		},
		{
			name:    "negative validity",
			mutate:  func(c *Config) { c.Cache.ValiditySeconds = -1 },
			wantErr: "cache.validity_seconds",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "file output without path",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: "logging.file_path",
		},
		{
			name:    "unknown route mode",
			mutate:  func(c *Config) { c.Routes.Mode = "iptables" },
			wantErr: "routes.mode",
		},
		{
			name:    "netlink without interface",
			mutate:  func(c *Config) { c.Routes.Mode = "netlink" },
			wantErr: "routes.interface",
		},
		{
			name: "netlink with interface",
			mutate: func(c *Config) {
				c.Routes.Mode = "netlink"
				c.Routes.Interface = "wg0"
			},
		},
		{
			name:    "bad gateway",
			mutate:  func(c *Config) { c.Routes.Gateway = "not-an-ip" },
			wantErr: "routes.gateway",
		},
		{
			name:    "prometheus port out of range",
			mutate:  func(c *Config) { c.Telemetry.PrometheusPort = 70000 },
			wantErr: "telemetry.prometheus_port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error mentioning %q", tt.wantErr)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Validate() error is %T, want ValidationErrors", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNormalizeUpstream(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"8.8.8.8", "8.8.8.8:53"},
		{"8.8.8.8:5353", "8.8.8.8:5353"},
		{"2001:db8::1", "[2001:db8::1]:53"},
		{"[2001:db8::1]:853", "[2001:db8::1]:853"},
	}
	for _, tt := range tests {
		if got := NormalizeUpstream(tt.in); got != tt.want {
			t.Errorf("NormalizeUpstream(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRestartRequired(t *testing.T) {
	old := validConfig()
	updated := validConfig()

	updated.Logging.Level = "debug"
	if changed := RestartRequired(old, updated); len(changed) != 0 {
		t.Errorf("Logging change should apply live, got %v", changed)
	}

	updated.Upstreams.Trusted = "1.1.1.1"
	updated.Cache.ValiditySeconds = 30
	changed := RestartRequired(old, updated)
	if len(changed) != 2 || changed[0] != "upstreams" || changed[1] != "cache" {
		t.Errorf("RestartRequired() = %v, want [upstreams cache]", changed)
	}
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
