// Package config provides configuration loading, validation, and defaults for the
// GeoIP replicator. Configuration is a single YAML file; store backends receive
// their own untyped settings block.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Roles a process can run.
const (
	RoleAll         = "all"
	RoleCoordinator = "coordinator"
	RoleWorker      = "worker"
)

const (
	defaultShutdownTimeout     = 20 * time.Second
	defaultStoreTimeout        = 2 * time.Second
	defaultInitialDelay        = time.Second
	defaultRefreshInterval     = time.Hour
	defaultFetchTimeout        = 5 * time.Second
	defaultInitialPollInterval = time.Second
	defaultPollInterval        = 30 * time.Minute

	defaultStoreType       = "memory"
	defaultForwardedHeader = "x-forwarded-for"
	defaultCountryHeader   = "x-country-code"
)

// Config models the complete application configuration.
type Config struct {
	// Role selects which loops this process runs: coordinator, worker or all.
	Role string `yaml:"role"`
	// Server configures the gRPC ext_authz listener.
	Server ServerConfig `yaml:"server"`
	// Metrics configures the HTTP server for Prometheus metrics and health endpoints.
	Metrics MetricsConfig `yaml:"metrics"`
	// Logging configures structured logging output and levels.
	Logging logging.Config `yaml:"logging"`
	// Store selects and configures the shared store backend.
	Store StoreConfig `yaml:"store"`
	// Coordinator configures the database refresh loop.
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	// Worker configures the per-process database cache.
	Worker WorkerConfig `yaml:"worker"`
	// Filter configures the per-request country lookup.
	Filter FilterConfig `yaml:"filter"`
	// Shutdown controls graceful shutdown behavior.
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// ServerConfig controls the gRPC listener and optional TLS settings.
type ServerConfig struct {
	// Address is the bind address for the gRPC server (e.g., ":9001").
	Address string `yaml:"address"`
	// TLS configures optional mutual TLS for the gRPC server.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig wraps TLS material locations for server certificates and client verification.
type TLSConfig struct {
	// CertFile is the path to the server certificate PEM file.
	CertFile string `yaml:"certFile"`
	// KeyFile is the path to the server private key PEM file.
	KeyFile string `yaml:"keyFile"`
	// CAFile is the optional path to a CA certificate for client cert verification.
	CAFile string `yaml:"caFile"`
	// RequireClientCert enables mutual TLS by requiring and verifying client certificates.
	RequireClientCert bool `yaml:"requireClientCert"`
}

// MetricsConfig controls the metrics/health HTTP server.
type MetricsConfig struct {
	// Address is the bind address for the metrics HTTP server (e.g., ":9090").
	Address string `yaml:"address"`
	// HealthPath is the liveness probe endpoint path.
	HealthPath string `yaml:"healthPath"`
	// ReadinessPath is the readiness probe endpoint path.
	ReadinessPath string `yaml:"readinessPath"`
	// DropPrefixes specifies metric name prefixes to filter out from the default Go runtime registry.
	DropPrefixes []string `yaml:"dropPrefixes"`
}

// StoreConfig selects the shared store backend.
type StoreConfig struct {
	// Type is the backend kind: memory, redis or postgres.
	Type string `yaml:"type"`
	// Timeout bounds every single store operation (e.g., "2s").
	Timeout string `yaml:"timeout"`
	// Settings holds backend specific options.
	Settings map[string]any `yaml:"settings"`
}

// CoordinatorConfig configures the refresh loop.
type CoordinatorConfig struct {
	// FilterConfig is the inline JSON object {"mmdb_url": ..., "mmdb_cluster": ...}.
	FilterConfig string `yaml:"filterConfig"`
	// FilterConfigFile is a path to a file holding the same JSON object.
	FilterConfigFile string `yaml:"filterConfigFile"`
	// Upstreams maps upstream (cluster) names to base URLs.
	Upstreams map[string]string `yaml:"upstreams"`
	InitialDelay    string `yaml:"initialDelay"`
	RefreshInterval string `yaml:"refreshInterval"`
	FetchTimeout    string `yaml:"fetchTimeout"`
	// RetryOnConflict schedules an early retry after a lost conditional write (default true).
	RetryOnConflict *bool `yaml:"retryOnConflict"`
}

// WorkerConfig configures the worker cache poll cadence.
type WorkerConfig struct {
	InitialPollInterval string `yaml:"initialPollInterval"`
	PollInterval        string `yaml:"pollInterval"`
}

// FilterConfig configures how requests are annotated.
type FilterConfig struct {
	// ForwardedHeader carries the client address chain.
	ForwardedHeader string `yaml:"forwardedHeader"`
	// CountryHeader receives the resolved ISO country code.
	CountryHeader string `yaml:"countryHeader"`
	// TrustedProxies lists addresses or CIDRs of proxies that append to ForwardedHeader.
	TrustedProxies []string `yaml:"trustedProxies"`
	// TrustedProxiesFile is a commented list of trusted proxy networks, one per line.
	TrustedProxiesFile string `yaml:"trustedProxiesFile"`
}

// ShutdownConfig holds graceful shutdown parameters.
type ShutdownConfig struct {
	// Timeout is the maximum duration to wait for graceful shutdown (e.g., "25s").
	Timeout string `yaml:"timeout"`
}

// Load reads, normalizes, and validates a configuration file from the specified path.
// It returns a fully validated Config instance or an error if loading or validation fails.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("a path to a configuration file is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read the configuration file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse the configuration file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures the configuration is ready for use.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	switch c.Role {
	case RoleAll, RoleCoordinator, RoleWorker:
	default:
		return fmt.Errorf("configuration 'role' must be one of %s, %s, %s; got '%s'", RoleAll, RoleCoordinator, RoleWorker, c.Role)
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}

	if err := c.Metrics.validate(); err != nil {
		return err
	}

	if err := c.Store.validate(c.Role); err != nil {
		return err
	}

	if c.RunsCoordinator() {
		if err := c.Coordinator.validate(); err != nil {
			return err
		}
	}

	if c.RunsWorker() {
		if err := c.Server.validate(); err != nil {
			return err
		}
		if err := c.Worker.validate(); err != nil {
			return err
		}
		if err := c.Filter.validate(); err != nil {
			return err
		}
	}

	return validateDuration("shutdown.timeout", c.Shutdown.Timeout)
}

// RunsCoordinator reports whether this process owns the refresh loop.
func (c *Config) RunsCoordinator() bool {
	return c.Role == RoleAll || c.Role == RoleCoordinator
}

// RunsWorker reports whether this process serves lookups.
func (c *Config) RunsWorker() bool {
	return c.Role == RoleAll || c.Role == RoleWorker
}

// applyDefaults populates configuration fields with default values when they
// are not explicitly specified in the configuration file.
func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = RoleAll
	}

	if c.Server.Address == "" {
		c.Server.Address = ":9001"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/healthz"
	}
	if c.Metrics.ReadinessPath == "" {
		c.Metrics.ReadinessPath = "/readyz"
	}
	if c.Metrics.DropPrefixes == nil {
		c.Metrics.DropPrefixes = []string{"go_", "process_", "promhttp_"}
	}

	if c.Store.Type == "" {
		c.Store.Type = defaultStoreType
	}
	if c.Store.Timeout == "" {
		c.Store.Timeout = defaultStoreTimeout.String()
	}

	if c.Coordinator.RetryOnConflict == nil {
		val := true
		c.Coordinator.RetryOnConflict = &val
	}

	if c.Filter.ForwardedHeader == "" {
		c.Filter.ForwardedHeader = defaultForwardedHeader
	}
	if c.Filter.CountryHeader == "" {
		c.Filter.CountryHeader = defaultCountryHeader
	}

	if c.Shutdown.Timeout == "" {
		c.Shutdown.Timeout = "20s"
	}

	c.resolvePaths()
}

// validate ensures the server address is configured and TLS configuration is complete when TLS is enabled.
func (s ServerConfig) validate() error {
	if s.Address == "" {
		return errors.New("configuration 'server.address' is required")
	}

	if s.TLS == nil {
		return nil
	}

	return s.TLS.validate()
}

// validate ensures TLS certificate and key files exist and are accessible.
func (t TLSConfig) validate() error {
	if t.CertFile == "" || t.KeyFile == "" {
		return errors.New("configuration 'server.tls.certFile' and 'server.tls.keyFile' are required when TLS is enabled")
	}

	if t.RequireClientCert && t.CAFile == "" {
		return errors.New("configuration 'server.tls.caFile' is required when 'server.tls.requireClientCert' is true")
	}

	for _, filePath := range []string{t.CertFile, t.KeyFile, t.CAFile} {
		if filePath == "" {
			continue
		}
		if err := fileExists(filePath); err != nil {
			return err
		}
	}
	return nil
}

// validate ensures the metrics server address is configured.
func (m MetricsConfig) validate() error {
	if m.Address == "" {
		return errors.New("configuration 'metrics.address' is required")
	}
	return nil
}

func (s StoreConfig) validate(role string) error {
	if s.Type == "" {
		return errors.New("configuration 'store.type' is required")
	}
	// an in-process store cannot be seen by another process
	if s.Type == defaultStoreType && role != RoleAll {
		return fmt.Errorf("configuration 'store.type' %s can only be used with role '%s'", defaultStoreType, RoleAll)
	}
	return validateDuration("store.timeout", s.Timeout)
}

func (c CoordinatorConfig) validate() error {
	if c.FilterConfig != "" && c.FilterConfigFile != "" {
		return errors.New("configuration 'coordinator.filterConfig' and 'coordinator.filterConfigFile' are mutually exclusive")
	}
	if c.FilterConfigFile != "" {
		if err := fileExists(c.FilterConfigFile); err != nil {
			return fmt.Errorf("configuration 'coordinator.filterConfigFile': %w", err)
		}
	}
	if len(c.Upstreams) == 0 {
		return errors.New("configuration 'coordinator.upstreams' must declare at least one upstream")
	}
	for field, value := range map[string]string{
		"coordinator.initialDelay":    c.InitialDelay,
		"coordinator.refreshInterval": c.RefreshInterval,
		"coordinator.fetchTimeout":    c.FetchTimeout,
	} {
		if err := validateDuration(field, value); err != nil {
			return err
		}
	}
	return nil
}

func (w WorkerConfig) validate() error {
	if err := validateDuration("worker.initialPollInterval", w.InitialPollInterval); err != nil {
		return err
	}
	return validateDuration("worker.pollInterval", w.PollInterval)
}

func (f FilterConfig) validate() error {
	if f.TrustedProxiesFile != "" {
		if err := fileExists(f.TrustedProxiesFile); err != nil {
			return fmt.Errorf("configuration 'filter.trustedProxiesFile': %w", err)
		}
	}
	return nil
}

// FilterConfigJSON returns the raw filter configuration document, or nil when
// none was supplied.
func (c CoordinatorConfig) FilterConfigJSON() ([]byte, error) {
	if c.FilterConfigFile != "" {
		data, err := os.ReadFile(c.FilterConfigFile)
		if err != nil {
			return nil, fmt.Errorf("could not read the filter configuration file: %w", err)
		}
		return data, nil
	}
	if c.FilterConfig == "" {
		return nil, nil
	}
	return []byte(c.FilterConfig), nil
}

// InitialDelayDuration returns the delay before the first refresh (default 1s).
func (c CoordinatorConfig) InitialDelayDuration() time.Duration {
	return parseDuration(c.InitialDelay, defaultInitialDelay)
}

// RefreshIntervalDuration returns the delay between refreshes (default 1h).
func (c CoordinatorConfig) RefreshIntervalDuration() time.Duration {
	return parseDuration(c.RefreshInterval, defaultRefreshInterval)
}

// FetchTimeoutDuration returns the per-call fetch timeout (default 5s).
func (c CoordinatorConfig) FetchTimeoutDuration() time.Duration {
	return parseDuration(c.FetchTimeout, defaultFetchTimeout)
}

// RetriesOnConflict reports whether a lost conditional write is retried early.
func (c CoordinatorConfig) RetriesOnConflict() bool {
	return c.RetryOnConflict == nil || *c.RetryOnConflict
}

// InitialPollIntervalDuration returns the poll interval used while pending (default 1s).
func (w WorkerConfig) InitialPollIntervalDuration() time.Duration {
	return parseDuration(w.InitialPollInterval, defaultInitialPollInterval)
}

// PollIntervalDuration returns the poll interval used once ready (default 30m).
func (w WorkerConfig) PollIntervalDuration() time.Duration {
	return parseDuration(w.PollInterval, defaultPollInterval)
}

// TimeoutDuration returns the per-operation store timeout (default 2s).
func (s StoreConfig) TimeoutDuration() time.Duration {
	return parseDuration(s.Timeout, defaultStoreTimeout)
}

// ShutdownTimeout returns the parsed graceful shutdown deadline. It defaults to 20 seconds
// if the timeout string is empty or cannot be parsed.
func (c ShutdownConfig) ShutdownTimeout() time.Duration {
	return parseDuration(c.Timeout, defaultShutdownTimeout)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// validateDuration accepts an empty value (meaning the default) or a positive duration.
func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("configuration '%s' is not a valid duration: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("configuration '%s' must be positive", field)
	}
	return nil
}

// fileExists verifies that a file exists at the specified path.
// It returns an error if the path is empty or the file is not accessible.
func fileExists(path string) error {
	if path == "" {
		return errors.New("path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

// resolvePaths converts relative file paths to absolute paths based on the current
// working directory.
func (c *Config) resolvePaths() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(cwd, *p)
		}
	}

	if c.Server.TLS != nil {
		resolve(&c.Server.TLS.CertFile)
		resolve(&c.Server.TLS.KeyFile)
		resolve(&c.Server.TLS.CAFile)
	}
	resolve(&c.Coordinator.FilterConfigFile)
	resolve(&c.Filter.TrustedProxiesFile)
}
