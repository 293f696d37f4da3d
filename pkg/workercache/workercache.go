// Package workercache keeps the decoded country database of one worker in
// sync with the shared store.
package workercache

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/geodb"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/metrics"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/sharedstore"
)

// ErrPending is returned by HealthCheck until a database has been loaded.
var ErrPending = errors.New("country database not loaded yet")

// Options tunes the poll cadence.
type Options struct {
	// InitialPollInterval is used until the first database is decoded.
	InitialPollInterval time.Duration
	// PollInterval is used once a database is served.
	PollInterval time.Duration
	StoreTimeout time.Duration
	// StoreName labels store metrics.
	StoreName string
}

func (o *Options) applyDefaults() {
	if o.InitialPollInterval <= 0 {
		o.InitialPollInterval = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Minute
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
}

// Cache is Pending until the first blob decodes, then Ready forever. Tick must
// be called from one goroutine; Snapshot is safe from any goroutine.
type Cache struct {
	store  sharedstore.Store
	opts   Options
	logger *zap.Logger
	inst   *metrics.Instrumentation

	current atomic.Pointer[geodb.Database]

	// Only touched by Tick. A database is identified by version and content
	// digest together.
	currentDigest  [sha256.Size]byte
	rejected       sharedstore.Version
	rejectedDigest [sha256.Size]byte
}

// New returns a pending cache reading from store.
func New(store sharedstore.Store, logger *zap.Logger, inst *metrics.Instrumentation, opts Options) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	return &Cache{store: store, opts: opts, logger: logger, inst: inst}
}

// Snapshot returns the database currently served, or nil while pending.
func (c *Cache) Snapshot() *geodb.Database {
	return c.current.Load()
}

// Ready reports whether a database is served.
func (c *Cache) Ready() bool {
	return c.Snapshot() != nil
}

// HealthCheck fails while the cache is pending.
func (c *Cache) HealthCheck(context.Context) error {
	if !c.Ready() {
		return ErrPending
	}
	return nil
}

// Run polls the store until ctx is canceled.
func (c *Cache) Run(ctx context.Context) error {
	timer := time.NewTimer(c.opts.InitialPollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			timer.Reset(c.Tick(ctx))
		}
	}
}

// Tick polls the store once, swapping in a newer database when one decodes,
// and returns the delay until the next poll.
func (c *Cache) Tick(ctx context.Context) time.Duration {
	c.poll(ctx)
	return c.interval()
}

func (c *Cache) interval() time.Duration {
	if c.Ready() {
		return c.opts.PollInterval
	}
	return c.opts.InitialPollInterval
}

func (c *Cache) poll(ctx context.Context) {
	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	blob, err := c.store.Get(storeCtx, sharedstore.BlobKey)
	if err != nil {
		c.logger.Error("could not read the shared store", zap.Error(err))
		c.inst.ObservePoll(c.opts.StoreName, metrics.PollError)
		return
	}

	if !blob.Found() {
		c.logger.Warn("country database not yet available in the shared store")
		c.inst.ObservePoll(c.opts.StoreName, metrics.PollAbsent)
		return
	}

	current := c.Snapshot()
	digest := sha256.Sum256(blob.Data)
	if current != nil && current.Version() == blob.Version && digest == c.currentDigest {
		c.inst.ObservePoll(c.opts.StoreName, metrics.PollUnchanged)
		return
	}
	if blob.Version == c.rejected && digest == c.rejectedDigest {
		c.logger.Debug("skipping previously rejected database", zap.Uint64("version", uint64(blob.Version)))
		c.inst.ObservePoll(c.opts.StoreName, metrics.PollSkipped)
		return
	}

	started := time.Now()
	db, err := geodb.Decode(blob.Data, blob.Version)
	c.inst.ObserveDecode(err == nil, time.Since(started))
	if err != nil {
		c.rejected = blob.Version
		c.rejectedDigest = digest
		fields := []zap.Field{zap.Uint64("version", uint64(blob.Version)), zap.Int("bytes", len(blob.Data)), zap.Error(err)}
		if current != nil {
			fields = append(fields, zap.Uint64("serving_version", uint64(current.Version())))
		}
		c.logger.Error("could not decode country database", fields...)
		c.inst.ObservePoll(c.opts.StoreName, metrics.PollRejected)
		return
	}

	// readers holding the previous database keep using it until they finish
	c.current.Store(db)
	c.currentDigest = digest
	c.inst.ObservePoll(c.opts.StoreName, metrics.PollUpdated)
	c.inst.ObserveDatabase(uint64(db.Version()), db.BuildTime())
	c.logger.Info("country database loaded",
		zap.Uint64("version", uint64(db.Version())),
		zap.String("database_type", db.Type()),
		zap.Time("built_at", db.BuildTime()),
		zap.Bool("first_load", current == nil),
	)
}
