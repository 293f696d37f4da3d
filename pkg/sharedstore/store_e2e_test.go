//go:build e2e
// +build e2e

package sharedstore

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func TestRedisStoreContract(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	container, host, port := startRedis(t, ctx)
	defer func() { _ = container.Terminate(ctx) }()

	store, err := New(ctx, zaptest.NewLogger(t), RedisKind, map[string]any{
		"host":      host,
		"port":      port,
		"keyPrefix": "e2e:",
	})
	requireNoErr(t, err)
	defer store.Close()

	exerciseStoreContract(t, ctx, store, func() {
		requireNoErr(t, store.(*RedisStore).client.Del(ctx, "e2e:"+BlobKey).Err())
	})
}

func TestPostgresStoreContract(t *testing.T) {
	t.Setenv("POSTGRES_USER", "postgres")
	t.Setenv("POSTGRES_PASSWORD", "postgres")

	ctx := context.Background()
	container, host, port := startPostgres(t, ctx)
	defer func() { _ = container.Terminate(ctx) }()

	store, err := New(ctx, zaptest.NewLogger(t), PostgresKind, map[string]any{
		"host":         host,
		"port":         port,
		"databaseName": "geoip",
		"usernameEnv":  "POSTGRES_USER",
		"passwordEnv":  "POSTGRES_PASSWORD",
	})
	requireNoErr(t, err)
	defer store.Close()

	exerciseStoreContract(t, ctx, store, func() {
		pg := store.(*PostgresStore)
		_, err := pg.pool.Exec(ctx, "DELETE FROM "+pg.table+" WHERE key = $1", BlobKey)
		requireNoErr(t, err)
	})
}

// exerciseStoreContract runs the same read/write/CAS sequence against any
// backend. dropKey removes BlobKey behind the store's back.
func exerciseStoreContract(t *testing.T, ctx context.Context, store Store, dropKey func()) {
	t.Helper()

	requireNoErr(t, store.HealthCheck(ctx))

	blob, err := store.Get(ctx, BlobKey)
	requireNoErr(t, err)
	if blob.Found() {
		t.Fatalf("expected absent key, got version %d", blob.Version)
	}

	absent := Version(0)
	v1, err := store.Set(ctx, BlobKey, []byte{0x00, 0xff, 0x10}, &absent)
	requireNoErr(t, err)

	if _, err := store.Set(ctx, BlobKey, []byte("late"), &absent); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict writing over an existing key with absent expectation, got %v", err)
	}

	v2, err := store.Set(ctx, BlobKey, []byte("second"), &v1)
	requireNoErr(t, err)
	if v2 <= v1 {
		t.Fatalf("expected version to grow, got %d then %d", v1, v2)
	}

	if _, err := store.Set(ctx, BlobKey, []byte("stale"), &v1); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}

	v3, err := store.Set(ctx, BlobKey, []byte("second"), nil)
	requireNoErr(t, err)
	v4, err := store.Set(ctx, BlobKey, []byte("second"), nil)
	requireNoErr(t, err)
	if v4 <= v3 {
		t.Fatalf("expected unconditional writes to bump the version, got %d then %d", v3, v4)
	}

	blob, err = store.Get(ctx, BlobKey)
	requireNoErr(t, err)
	if blob.Version != v4 || !bytes.Equal(blob.Data, []byte("second")) {
		t.Fatalf("unexpected final state: version=%d data=%q", blob.Version, blob.Data)
	}

	dropKey()
	v5, err := store.Set(ctx, BlobKey, []byte("recreated"), &absent)
	requireNoErr(t, err)
	if v5 <= v4 {
		t.Fatalf("recreated key reused an old version: %d after %d", v5, v4)
	}
}

// --- helpers ---

func startRedis(t *testing.T, ctx context.Context) (testcontainers.Container, string, int) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	requireNoErr(t, err)

	return container, containerHost(t, ctx, container), containerPort(t, ctx, container)
}

func startPostgres(t *testing.T, ctx context.Context) (testcontainers.Container, string, int) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "geoip",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	requireNoErr(t, err)

	return container, containerHost(t, ctx, container), containerPort(t, ctx, container)
}

func containerHost(t *testing.T, ctx context.Context, container testcontainers.Container) string {
	t.Helper()
	endpoint, err := container.Endpoint(ctx, "")
	requireNoErr(t, err)
	host, _, err := net.SplitHostPort(endpoint)
	requireNoErr(t, err)
	return host
}

func containerPort(t *testing.T, ctx context.Context, container testcontainers.Container) int {
	t.Helper()
	endpoint, err := container.Endpoint(ctx, "")
	requireNoErr(t, err)
	_, portStr, err := net.SplitHostPort(endpoint)
	requireNoErr(t, err)
	port, err := strconv.Atoi(portStr)
	requireNoErr(t, err)
	return port
}

func requireNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
