// Package sharedstore defines the versioned key/value store that carries the
// GeoIP database from the refresh coordinator to every worker. Writes are
// atomic and support optimistic compare-and-swap through an expected version.
package sharedstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.yaml.in/yaml/v2"
)

// BlobKey is the well-known key under which the coordinator publishes the
// database and from which every worker reads it.
const BlobKey = "geoip/country.mmdb"

// ErrConflict is returned by Set when the expected version does not match the
// version currently stored.
var ErrConflict = errors.New("shared store version conflict")

// Version is an opaque, monotonically increasing write counter. The zero value
// denotes an absent key.
//
// Backends derive versions from the write time in microseconds, bumped by one
// when that would not exceed the stored version. A key that is lost and written
// again therefore never repeats a version a reader may still hold.
type Version uint64

func nextVersion(current Version, now time.Time) Version {
	return max(current+1, Version(now.UnixMicro()))
}

// Blob is a snapshot of a stored value. It may already be stale when acted upon.
type Blob struct {
	Key     string
	Data    []byte
	Version Version
}

// Found reports whether the key had a committed value when it was read.
func (b Blob) Found() bool {
	return b.Version != 0
}

// Store is the contract every backend implements.
type Store interface {
	// Get returns the committed value for key, or a Blob with a zero Version
	// when the key was never written.
	Get(ctx context.Context, key string) (Blob, error)

	// Set replaces the value for key. A nil expected version forces the write.
	// When expected is non-nil the write only happens if the stored version
	// equals *expected (zero meaning "absent"); otherwise ErrConflict is
	// returned and the store is left untouched. The new version is returned.
	Set(ctx context.Context, key string, value []byte, expected *Version) (Version, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Factory builds a Store from its decoded settings.
type Factory func(ctx context.Context, logger *zap.Logger, settings map[string]any) (Store, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register associates a backend type with its factory. It panics on an empty
// or duplicate type since registration happens from init hooks.
func Register(kind string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if kind == "" {
		panic("shared store kind cannot be empty")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("shared store factory for '%s' is already registered", kind))
	}
	factories[kind] = factory
}

// Kinds lists the registered backend types.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// New builds the store registered under kind.
func New(ctx context.Context, logger *zap.Logger, kind string, settings map[string]any) (Store, error) {
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("shared store type '%s' is unknown", kind)
	}

	store, err := factory(ctx, logger.With(zap.String("store_type", kind)), settings)
	if err != nil {
		return nil, fmt.Errorf("could not build shared store of type '%s': %w", kind, err)
	}
	return store, nil
}

// DecodeSettings marshals the untyped settings map into the provided struct
// pointer using YAML for convenience.
func DecodeSettings(settings map[string]any, target any) error {
	if settings == nil {
		return nil
	}
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, target)
}
