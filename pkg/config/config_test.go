package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoad verifies configuration files are parsed, defaulted, and validated.
func TestLoad(t *testing.T) {
	t.Run("empty path returns error", func(t *testing.T) {
		_, err := Load("")
		if err == nil || !strings.Contains(err.Error(), "path to a configuration file is required") {
			t.Fatalf("expected path required error, got %v", err)
		}
	})

	t.Run("non-existent file returns error", func(t *testing.T) {
		_, err := Load("/nonexistent/path/to/config.yaml")
		if err == nil || !strings.Contains(err.Error(), "could not read the configuration file") {
			t.Fatalf("expected read error, got %v", err)
		}
	})

	t.Run("invalid YAML returns error", func(t *testing.T) {
		tmpFile := createTempFile(t, "invalid:\n  - yaml: [unclosed")

		_, err := Load(tmpFile)
		if err == nil || !strings.Contains(err.Error(), "could not parse the configuration file") {
			t.Fatalf("expected parse error, got %v", err)
		}
	})

	t.Run("minimal configuration with defaults", func(t *testing.T) {
		tmpFile := createTempFile(t, `
coordinator:
  upstreams:
    mmdb: https://download.example.com
`)

		cfg, err := Load(tmpFile)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Role != RoleAll {
			t.Errorf("expected default role %q, got %q", RoleAll, cfg.Role)
		}
		if cfg.Server.Address != ":9001" {
			t.Errorf("expected server address ':9001', got %q", cfg.Server.Address)
		}
		if cfg.Metrics.ReadinessPath != "/readyz" {
			t.Errorf("expected default readiness path '/readyz', got %q", cfg.Metrics.ReadinessPath)
		}
		if cfg.Store.Type != "memory" {
			t.Errorf("expected default memory store, got %q", cfg.Store.Type)
		}
		if cfg.Store.TimeoutDuration() != 2*time.Second {
			t.Errorf("expected default store timeout, got %v", cfg.Store.TimeoutDuration())
		}
		if cfg.Filter.ForwardedHeader != "x-forwarded-for" || cfg.Filter.CountryHeader != "x-country-code" {
			t.Errorf("unexpected filter defaults %+v", cfg.Filter)
		}
		if cfg.Coordinator.InitialDelayDuration() != time.Second {
			t.Errorf("expected initial delay 1s, got %v", cfg.Coordinator.InitialDelayDuration())
		}
		if cfg.Coordinator.RefreshIntervalDuration() != time.Hour {
			t.Errorf("expected refresh interval 1h, got %v", cfg.Coordinator.RefreshIntervalDuration())
		}
		if cfg.Coordinator.FetchTimeoutDuration() != 5*time.Second {
			t.Errorf("expected fetch timeout 5s, got %v", cfg.Coordinator.FetchTimeoutDuration())
		}
		if !cfg.Coordinator.RetriesOnConflict() {
			t.Error("expected conflict retries enabled by default")
		}
		if cfg.Worker.InitialPollIntervalDuration() != time.Second {
			t.Errorf("expected initial poll 1s, got %v", cfg.Worker.InitialPollIntervalDuration())
		}
		if cfg.Worker.PollIntervalDuration() != 30*time.Minute {
			t.Errorf("expected poll interval 30m, got %v", cfg.Worker.PollIntervalDuration())
		}
		if cfg.Shutdown.ShutdownTimeout() != 20*time.Second {
			t.Errorf("expected shutdown timeout 20s, got %v", cfg.Shutdown.ShutdownTimeout())
		}
	})

	t.Run("full worker configuration", func(t *testing.T) {
		tmpFile := createTempFile(t, `
role: worker
logging:
  level: debug
  format: json
store:
  type: redis
  timeout: 500ms
  settings:
    host: redis.internal
    port: 6380
worker:
  initialPollInterval: 250ms
  pollInterval: 10m
filter:
  forwardedHeader: x-real-forwarded-for
  countryHeader: x-geo-country
  trustedProxies: [10.0.0.0/8, "::1"]
shutdown:
  timeout: 30s
`)

		cfg, err := Load(tmpFile)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.RunsCoordinator() || !cfg.RunsWorker() {
			t.Fatalf("worker role must only run the worker, got %q", cfg.Role)
		}
		if cfg.Logging.Format != "json" {
			t.Errorf("expected json logging, got %q", cfg.Logging.Format)
		}
		if cfg.Store.Type != "redis" || cfg.Store.Settings["host"] != "redis.internal" {
			t.Errorf("unexpected store config %+v", cfg.Store)
		}
		if cfg.Store.TimeoutDuration() != 500*time.Millisecond {
			t.Errorf("unexpected store timeout %v", cfg.Store.TimeoutDuration())
		}
		if cfg.Worker.PollIntervalDuration() != 10*time.Minute {
			t.Errorf("unexpected poll interval %v", cfg.Worker.PollIntervalDuration())
		}
		if cfg.Filter.CountryHeader != "x-geo-country" || len(cfg.Filter.TrustedProxies) != 2 {
			t.Errorf("unexpected filter config %+v", cfg.Filter)
		}
	})
}

// TestConfigValidate covers the validation behavior for different config shapes.
func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Coordinator: CoordinatorConfig{Upstreams: map[string]string{"mmdb": "https://example.com"}}}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown role", func(c *Config) { c.Role = "observer" }, "configuration 'role'"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"missing metrics address", func(c *Config) { c.Metrics.Address = "" }, "metrics.address"},
		{"memory store outside all role", func(c *Config) { c.Role = RoleWorker }, "can only be used with role"},
		{"shared store for worker", func(c *Config) { c.Role = RoleWorker; c.Store.Type = "redis" }, ""},
		{"bad store timeout", func(c *Config) { c.Store.Timeout = "soon" }, "store.timeout"},
		{"both filter config sources", func(c *Config) {
			c.Coordinator.FilterConfig = "{}"
			c.Coordinator.FilterConfigFile = "/tmp/filter.json"
		}, "mutually exclusive"},
		{"missing filter config file", func(c *Config) { c.Coordinator.FilterConfigFile = "/nonexistent/filter.json" }, "filterConfigFile"},
		{"no upstreams", func(c *Config) { c.Coordinator.Upstreams = nil }, "coordinator.upstreams"},
		{"no upstreams on worker", func(c *Config) {
			c.Role = RoleWorker
			c.Store.Type = "postgres"
			c.Coordinator.Upstreams = nil
		}, ""},
		{"negative refresh interval", func(c *Config) { c.Coordinator.RefreshInterval = "-1h" }, "must be positive"},
		{"bad poll interval", func(c *Config) { c.Worker.PollInterval = "often" }, "worker.pollInterval"},
		{"worker checks ignored on coordinator", func(c *Config) {
			c.Role = RoleCoordinator
			c.Store.Type = "redis"
			c.Worker.PollInterval = "often"
		}, ""},
		{"missing trusted proxies file", func(c *Config) { c.Filter.TrustedProxiesFile = "/nonexistent/proxies.txt" }, "trustedProxiesFile"},
		{"bad shutdown timeout", func(c *Config) { c.Shutdown.Timeout = "later" }, "shutdown.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("nil config returns error", func(t *testing.T) {
		var cfg *Config
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "config is nil") {
			t.Fatalf("expected nil config error, got %v", err)
		}
	})
}

func TestTLSConfigValidation(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "cert.pem")
	keyFile := filepath.Join(tmpDir, "key.pem")
	for _, f := range []string{certFile, keyFile} {
		if err := os.WriteFile(f, []byte("test"), 0o600); err != nil {
			t.Fatalf("failed to write %s: %v", f, err)
		}
	}

	tests := []struct {
		name    string
		tls     TLSConfig
		wantErr string
	}{
		{"valid", TLSConfig{CertFile: certFile, KeyFile: keyFile}, ""},
		{"missing key", TLSConfig{CertFile: certFile}, "certFile' and 'server.tls.keyFile' are required"},
		{"client cert without ca", TLSConfig{CertFile: certFile, KeyFile: keyFile, RequireClientCert: true}, "caFile' is required"},
		{"cert does not exist", TLSConfig{CertFile: filepath.Join(tmpDir, "missing.pem"), KeyFile: keyFile}, "no such file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ServerConfig{Address: ":9001", TLS: &tt.tls}.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFilterConfigJSON(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		data, err := CoordinatorConfig{FilterConfig: `{"mmdb_url":"https://example.com/db.mmdb"}`}.FilterConfigJSON()
		if err != nil || !strings.Contains(string(data), "mmdb_url") {
			t.Fatalf("unexpected result %q, %v", data, err)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := createTempFile(t, `{"mmdb_cluster":"mmdb"}`)
		data, err := CoordinatorConfig{FilterConfigFile: path}.FilterConfigJSON()
		if err != nil || !strings.Contains(string(data), "mmdb_cluster") {
			t.Fatalf("unexpected result %q, %v", data, err)
		}
	})

	t.Run("absent", func(t *testing.T) {
		data, err := CoordinatorConfig{}.FilterConfigJSON()
		if err != nil || data != nil {
			t.Fatalf("expected no document, got %q, %v", data, err)
		}
	})
}

func TestDurationFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty uses fallback", "", time.Minute},
		{"valid value", "90s", 90 * time.Second},
		{"garbage uses fallback", "eventually", time.Minute},
		{"zero uses fallback", "0s", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseDuration(tt.value, time.Minute); got != tt.want {
				t.Fatalf("parseDuration(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestResolvePaths(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get cwd: %v", err)
	}

	cfg := &Config{
		Server:      ServerConfig{TLS: &TLSConfig{CertFile: "certs/cert.pem", KeyFile: "/abs/key.pem"}},
		Coordinator: CoordinatorConfig{FilterConfigFile: "filter.json"},
		Filter:      FilterConfig{TrustedProxiesFile: "proxies.txt"},
	}
	cfg.resolvePaths()

	if cfg.Server.TLS.CertFile != filepath.Join(cwd, "certs/cert.pem") {
		t.Errorf("cert path not resolved: %s", cfg.Server.TLS.CertFile)
	}
	if cfg.Server.TLS.KeyFile != "/abs/key.pem" {
		t.Errorf("absolute path changed: %s", cfg.Server.TLS.KeyFile)
	}
	if cfg.Coordinator.FilterConfigFile != filepath.Join(cwd, "filter.json") {
		t.Errorf("filter config path not resolved: %s", cfg.Coordinator.FilterConfigFile)
	}
	if cfg.Filter.TrustedProxiesFile != filepath.Join(cwd, "proxies.txt") {
		t.Errorf("trusted proxies path not resolved: %s", cfg.Filter.TrustedProxiesFile)
	}
}

func createTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}
