package sharedstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	RedisKind = "redis"

	defaultRedisPort      = 6379
	defaultRedisKeyPrefix = "envoy-geoip:"

	redisDataField    = "data"
	redisVersionField = "version"
)

// casScript compares the stored version with ARGV[2] (empty string meaning an
// unconditional write) and, on match, moves the version to the server time in
// microseconds (or current+1 when that is not greater) and replaces the data in
// the same atomic step. It returns the new version, or -1 on conflict.
var casScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if ARGV[2] ~= '' and tonumber(ARGV[2]) ~= current then
  return -1
end
local now = redis.call('TIME')
local updated = math.max(current + 1, tonumber(now[1]) * 1000000 + tonumber(now[2]))
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', string.format('%.0f', updated))
return updated
`)

func init() {
	Register(RedisKind, newRedisStoreFromSettings)
}

// RedisConfig represents Redis connection settings.
type RedisConfig struct {
	KeyPrefix   string          `yaml:"keyPrefix"`
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	UsernameEnv string          `yaml:"usernameEnv"`
	PasswordEnv string          `yaml:"passwordEnv"`
	DB          int             `yaml:"db"`
	TLS         *RedisTLSConfig `yaml:"tls"`
}

// RedisTLSConfig represents TLS configuration for Redis
type RedisTLSConfig struct {
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	CACert             string `yaml:"caCert"`
	ClientCert         string `yaml:"clientCert"`
	ClientKey          string `yaml:"clientKey"`
}

// ApplyDefaults sets default values for the redis configuration
func (c *RedisConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = defaultRedisPort
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultRedisKeyPrefix
	}
}

// Validate checks the Redis configuration for completeness.
func (c *RedisConfig) Validate() error {
	if c.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("redis.port must be between 1 and 65535")
	}
	if c.DB < 0 {
		return errors.New("redis.db must be non-negative")
	}
	for _, env := range []string{c.UsernameEnv, c.PasswordEnv} {
		if env == "" {
			continue
		}
		if _, exists := os.LookupEnv(env); !exists {
			return fmt.Errorf("environment variable '%s' not found", env)
		}
	}
	if c.TLS != nil {
		if (c.TLS.ClientCert != "") != (c.TLS.ClientKey != "") {
			return errors.New("redis.tls: both clientCert and clientKey must be provided for mutual TLS")
		}
	}
	return nil
}

// RedisStore keeps each blob in a Redis hash holding the data and its version.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func newRedisStoreFromSettings(ctx context.Context, logger *zap.Logger, settings map[string]any) (Store, error) {
	var cfg RedisConfig
	if err := DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode redis settings: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := NewRedisStore(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to Redis",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("db", cfg.DB),
		zap.String("key_prefix", cfg.KeyPrefix),
	)
	return store, nil
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.New("redis configuration is required")
	}

	opts := &redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:   cfg.DB,
	}
	if cfg.UsernameEnv != "" {
		opts.Username = os.Getenv(cfg.UsernameEnv)
	}
	if cfg.PasswordEnv != "" {
		opts.Password = os.Getenv(cfg.PasswordEnv)
	}
	if cfg.TLS != nil {
		tlsConfig, err := buildRedisTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS configuration: %w", err)
		}
		opts.TLSConfig = tlsConfig
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) (Blob, error) {
	values, err := r.client.HMGet(ctx, r.keyPrefix+key, redisDataField, redisVersionField).Result()
	if err != nil {
		return Blob{}, fmt.Errorf("redis read failed: %w", err)
	}

	blob := Blob{Key: key}
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return blob, nil
	}

	data, ok := values[0].(string)
	if !ok {
		return Blob{}, fmt.Errorf("redis value for '%s' has unexpected type %T", key, values[0])
	}
	rawVersion, ok := values[1].(string)
	if !ok {
		return Blob{}, fmt.Errorf("redis version for '%s' has unexpected type %T", key, values[1])
	}
	version, err := strconv.ParseUint(rawVersion, 10, 64)
	if err != nil {
		return Blob{}, fmt.Errorf("redis version for '%s' is not a number: %w", key, err)
	}

	blob.Data = []byte(data)
	blob.Version = Version(version)
	return blob, nil
}

// Set implements Store.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, expected *Version) (Version, error) {
	expectedArg := ""
	if expected != nil {
		expectedArg = strconv.FormatUint(uint64(*expected), 10)
	}

	next, err := casScript.Run(ctx, r.client, []string{r.keyPrefix + key}, value, expectedArg).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis write failed: %w", err)
	}
	if next < 0 {
		return 0, ErrConflict
	}
	return Version(next), nil
}

// HealthCheck implements Store.
func (r *RedisStore) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Store.
func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// buildRedisTLSConfig creates a TLS configuration from the provided settings
func buildRedisTLSConfig(config *RedisTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: config.InsecureSkipVerify,
	}

	if config.CACert != "" {
		caCertData, err := os.ReadFile(config.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file '%s': %w", config.CACert, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCertData) {
			return nil, fmt.Errorf("failed to parse CA certificate from file '%s'", config.CACert)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if config.ClientCert != "" && config.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.ClientCert, config.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
