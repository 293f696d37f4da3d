package sharedstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	PostgresKind = "postgres"

	defaultPostgresPort  = 5432
	defaultPostgresTable = "geoip_shared_blobs"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func init() {
	Register(PostgresKind, newPostgresStoreFromSettings)
}

// PostgresConfig represents PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string              `yaml:"host"`
	Port         int                 `yaml:"port"`
	DatabaseName string              `yaml:"databaseName"`
	Table        string              `yaml:"table"`
	UsernameEnv  string              `yaml:"usernameEnv"`
	PasswordEnv  string              `yaml:"passwordEnv"`
	Pool         *PostgresPoolConfig `yaml:"pool"`
	TLS          *PostgresTLSConfig  `yaml:"tls"`
}

// PostgresPoolConfig represents connection pool settings
type PostgresPoolConfig struct {
	MaxConnections    int    `yaml:"maxConnections"`
	MinConnections    int    `yaml:"minConnections"`
	MaxIdleTime       string `yaml:"maxIdleTime"`
	ConnectionTimeout string `yaml:"connectionTimeout"`
}

// PostgresTLSConfig represents TLS configuration for PostgreSQL
type PostgresTLSConfig struct {
	Mode       string `yaml:"mode"`
	CACert     string `yaml:"caCert"`
	ClientCert string `yaml:"clientCert"`
	ClientKey  string `yaml:"clientKey"`
}

// ApplyDefaults sets default values for the postgres configuration
func (c *PostgresConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPostgresPort
	}
	if c.Table == "" {
		c.Table = defaultPostgresTable
	}
}

// Validate checks the PostgreSQL configuration for completeness.
func (c *PostgresConfig) Validate() error {
	if c.Host == "" {
		return errors.New("postgres.host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("postgres.port must be between 1 and 65535")
	}
	if c.DatabaseName == "" {
		return errors.New("postgres.databaseName is required")
	}
	if !tableNamePattern.MatchString(c.Table) {
		return fmt.Errorf("postgres.table '%s' is not a valid table name", c.Table)
	}
	if c.UsernameEnv == "" || c.PasswordEnv == "" {
		return errors.New("postgres.usernameEnv and postgres.passwordEnv are required")
	}
	for _, env := range []string{c.UsernameEnv, c.PasswordEnv} {
		if _, exists := os.LookupEnv(env); !exists {
			return fmt.Errorf("environment variable '%s' not found", env)
		}
	}
	if c.Pool != nil {
		if c.Pool.MaxConnections < 0 || c.Pool.MinConnections < 0 {
			return errors.New("postgres.pool connection counts must be non-negative")
		}
		if c.Pool.MaxConnections > 0 && c.Pool.MinConnections > c.Pool.MaxConnections {
			return errors.New("postgres.pool.minConnections cannot exceed maxConnections")
		}
	}
	if c.TLS != nil {
		switch c.TLS.Mode {
		case "", "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
		default:
			return fmt.Errorf("postgres.tls.mode '%s' is not supported", c.TLS.Mode)
		}
	}
	return nil
}

// PostgresStore keeps blobs as rows of a dedicated table; the version column
// guards conditional writes.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

func newPostgresStoreFromSettings(ctx context.Context, logger *zap.Logger, settings map[string]any) (Store, error) {
	var cfg PostgresConfig
	if err := DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode postgres settings: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := NewPostgresStore(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.DatabaseName),
		zap.String("table", cfg.Table),
	)
	return store, nil
}

// NewPostgresStore opens a connection pool and makes sure the blob table exists.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is required")
	}

	username := os.Getenv(cfg.UsernameEnv)
	if username == "" {
		return nil, fmt.Errorf("username is empty in environment variable '%s'", cfg.UsernameEnv)
	}
	password := os.Getenv(cfg.PasswordEnv)
	if password == "" {
		return nil, fmt.Errorf("password is empty in environment variable '%s'", cfg.PasswordEnv)
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", username, password, cfg.Host, cfg.Port, cfg.DatabaseName)
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 5 * time.Second

	if cfg.Pool != nil {
		if cfg.Pool.MaxConnections > 0 {
			poolConfig.MaxConns = int32(cfg.Pool.MaxConnections)
		}
		if cfg.Pool.MinConnections > 0 {
			poolConfig.MinConns = int32(cfg.Pool.MinConnections)
		}
		if d, err := time.ParseDuration(cfg.Pool.MaxIdleTime); err == nil && d > 0 {
			poolConfig.MaxConnIdleTime = d
		}
		if d, err := time.ParseDuration(cfg.Pool.ConnectionTimeout); err == nil && d > 0 {
			poolConfig.ConnConfig.ConnectTimeout = d
		}
	}

	if cfg.TLS != nil {
		tlsConfig, sslMode, err := buildPostgresTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS configuration: %w", err)
		}
		if tlsConfig != nil {
			poolConfig.ConnConfig.TLSConfig = tlsConfig
		}
		poolConfig.ConnConfig.RuntimeParams["sslmode"] = sslMode
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	store := &PostgresStore{pool: pool, table: cfg.Table}
	if err := store.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) ensureTable(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key text PRIMARY KEY,
		data bytea NOT NULL,
		version bigint NOT NULL
	)`, p.table))
	if err != nil {
		return fmt.Errorf("failed to create table '%s': %w", p.table, err)
	}
	return nil
}

// postgresClockVersion is the server time in microseconds, the floor of every
// version written.
const postgresClockVersion = `(extract(epoch FROM clock_timestamp()) * 1000000)::bigint`

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, key string) (Blob, error) {
	var (
		data    []byte
		version int64
	)
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT data, version FROM %s WHERE key = $1`, p.table), key).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Blob{Key: key}, nil
	}
	if err != nil {
		return Blob{}, fmt.Errorf("postgres read failed: %w", err)
	}
	return Blob{Key: key, Data: data, Version: Version(version)}, nil
}

// Set implements Store.
func (p *PostgresStore) Set(ctx context.Context, key string, value []byte, expected *Version) (Version, error) {
	var query string
	args := []any{key, value}

	switch {
	case expected == nil:
		query = fmt.Sprintf(`INSERT INTO %[1]s (key, data, version) VALUES ($1, $2, %[2]s)
			ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, version = GREATEST(%[1]s.version + 1, EXCLUDED.version)
			RETURNING version`, p.table, postgresClockVersion)
	case *expected == 0:
		query = fmt.Sprintf(`INSERT INTO %s (key, data, version) VALUES ($1, $2, %s)
			ON CONFLICT (key) DO NOTHING
			RETURNING version`, p.table, postgresClockVersion)
	default:
		query = fmt.Sprintf(`UPDATE %s SET data = $2, version = GREATEST(version + 1, %s)
			WHERE key = $1 AND version = $3
			RETURNING version`, p.table, postgresClockVersion)
		args = append(args, int64(*expected))
	}

	var version int64
	err := p.pool.QueryRow(ctx, query, args...).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("postgres write failed: %w", err)
	}
	return Version(version), nil
}

// HealthCheck implements Store.
func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Store.
func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// buildPostgresTLSConfig creates a TLS configuration from the provided settings
// Returns (tlsConfig, sslMode, error)
func buildPostgresTLSConfig(config *PostgresTLSConfig) (*tls.Config, string, error) {
	sslMode := "prefer"
	if config.Mode != "" {
		sslMode = config.Mode
	}
	if sslMode == "disable" {
		return nil, sslMode, nil
	}

	tlsConfig := &tls.Config{}

	if config.CACert != "" {
		caCertData, err := os.ReadFile(config.CACert)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read CA certificate file '%s': %w", config.CACert, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCertData) {
			return nil, "", fmt.Errorf("failed to parse CA certificate from file '%s'", config.CACert)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if config.ClientCert != "" && config.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.ClientCert, config.ClientKey)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load client certificate pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, sslMode, nil
}
