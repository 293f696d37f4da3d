// Package coordinator runs the single refresh loop of a deployment: it
// periodically downloads the country database and publishes it to the shared
// store with conditional writes.
package coordinator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/fetch"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/metrics"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/sharedstore"
)

const defaultAuthority = "mmdb"

// ErrFetch wraps failures of a single download attempt.
var ErrFetch = errors.New("database fetch failed")

// Options tunes the refresh cadence.
type Options struct {
	InitialDelay    time.Duration
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	StoreTimeout    time.Duration
	RetryOnConflict bool
	// StoreName labels store metrics.
	StoreName string
}

func (o *Options) applyDefaults() {
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Hour
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 5 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
}

// Coordinator owns the refresh state. Tick and OnResponse must be called from
// one goroutine; Run does that.
type Coordinator struct {
	cfg        FilterConfig
	store      sharedstore.Store
	dispatcher fetch.Dispatcher
	opts       Options
	logger     *zap.Logger
	inst       *metrics.Instrumentation
	responses  chan fetch.Response
	now        func() time.Time

	outstanding  uuid.UUID
	dispatchedAt time.Time
	lastVersion  *sharedstore.Version
	lastDigest   [sha256.Size]byte
	hasDigest    bool
}

// New builds a coordinator for a parsed filter configuration.
func New(cfg FilterConfig, store sharedstore.Store, dispatcher fetch.Dispatcher, logger *zap.Logger, inst *metrics.Instrumentation, opts Options) (*Coordinator, error) {
	if cfg.SourceURL == "" || cfg.UpstreamName == "" {
		return nil, fmt.Errorf("%w: mmdb_url and mmdb_cluster are required", ErrConfig)
	}
	if store == nil {
		return nil, errors.New("a shared store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("a dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()

	return &Coordinator{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		inst:       inst,
		responses:  make(chan fetch.Response, 1),
		now:        time.Now,
	}, nil
}

// Run drives the refresh loop until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("refresh coordinator started",
		zap.String("source_url", c.cfg.SourceURL),
		zap.String("upstream", c.cfg.UpstreamName),
		zap.Duration("initial_delay", c.opts.InitialDelay),
		zap.Duration("refresh_interval", c.opts.RefreshInterval),
	)

	timer := time.NewTimer(c.opts.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("refresh coordinator stopped")
			return nil
		case <-timer.C:
			timer.Reset(c.Tick(ctx))
		case resp := <-c.responses:
			if delay, reschedule := c.OnResponse(ctx, resp); reschedule {
				timer.Reset(delay)
			}
		}
	}
}

// InFlight reports whether a download is outstanding.
func (c *Coordinator) InFlight() bool {
	return c.outstanding != uuid.Nil
}

// Tick starts a download unless one is already outstanding and returns the
// delay until the next tick.
func (c *Coordinator) Tick(ctx context.Context) time.Duration {
	next := c.opts.RefreshInterval

	if c.InFlight() {
		c.logger.Debug("refresh skipped, a fetch is still in flight", zap.String("token", c.outstanding.String()))
		return next
	}

	headers, err := requestHeaders(c.cfg.SourceURL)
	if err != nil {
		c.logger.Error("could not parse database url", zap.String("source_url", c.cfg.SourceURL), zap.Error(err))
		c.inst.ObserveFetch(c.cfg.UpstreamName, metrics.FetchInvalidURL, 0)
		return next
	}

	token, err := c.dispatcher.Dispatch(ctx, fetch.Request{
		Upstream: c.cfg.UpstreamName,
		Headers:  headers,
		Timeout:  c.opts.FetchTimeout,
	}, c.responses)
	if err != nil {
		c.logger.Error("could not dispatch database fetch", zap.String("upstream", c.cfg.UpstreamName), zap.Error(err))
		c.inst.ObserveFetch(c.cfg.UpstreamName, metrics.FetchDispatchError, 0)
		return next
	}

	c.outstanding = token
	c.dispatchedAt = c.now()
	c.logger.Debug("database fetch dispatched", zap.String("token", token.String()), zap.String("path", headers[fetch.HeaderPath]))
	return next
}

// OnResponse handles the outcome of a dispatched fetch. When it returns true
// the next tick must be moved to the returned delay.
func (c *Coordinator) OnResponse(ctx context.Context, resp fetch.Response) (time.Duration, bool) {
	if !c.InFlight() || resp.Token != c.outstanding {
		c.logger.Debug("ignoring response for unknown call", zap.String("token", resp.Token.String()))
		return 0, false
	}
	c.outstanding = uuid.Nil
	elapsed := c.now().Sub(c.dispatchedAt)
	upstream := c.cfg.UpstreamName

	switch {
	case resp.Err != nil:
		c.logger.Error("HTTP call failed", zap.String("upstream", upstream), zap.Error(fmt.Errorf("%w: %w", ErrFetch, resp.Err)))
		c.inst.ObserveFetch(upstream, metrics.FetchCallError, elapsed)
		return 0, false
	case resp.Status < 200 || resp.Status > 299:
		c.logger.Error("HTTP call failed", zap.String("upstream", upstream), zap.Int("status", resp.Status))
		c.inst.ObserveFetch(upstream, metrics.FetchBadStatus, elapsed)
		return 0, false
	case len(resp.Body) == 0:
		c.logger.Error("HTTP call failed", zap.String("upstream", upstream), zap.String("reason", "empty body"))
		c.inst.ObserveFetch(upstream, metrics.FetchEmptyBody, elapsed)
		return 0, false
	}

	return c.publish(ctx, resp.Body, elapsed)
}

func (c *Coordinator) publish(ctx context.Context, body []byte, elapsed time.Duration) (time.Duration, bool) {
	upstream := c.cfg.UpstreamName
	storeCtx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	digest := sha256.Sum256(body)
	if c.hasDigest && digest == c.lastDigest && c.storeHoldsLastPublish(storeCtx) {
		c.logger.Info("database unchanged, skipping write", zap.Int("bytes", len(body)))
		c.inst.ObserveFetch(upstream, metrics.FetchUnchanged, elapsed)
		return 0, false
	}

	version, err := c.store.Set(storeCtx, sharedstore.BlobKey, body, c.lastVersion)
	switch {
	case errors.Is(err, sharedstore.ErrConflict):
		c.logger.Warn("database write lost to a concurrent writer", expectedVersionField(c.lastVersion))
		c.inst.ObserveStoreWrite(c.opts.StoreName, metrics.CONFLICT)
		c.inst.ObserveFetch(upstream, metrics.FetchStoreError, elapsed)
		c.adoptStoreVersion(storeCtx)
		if c.opts.RetryOnConflict {
			return c.opts.InitialDelay, true
		}
		return 0, false
	case err != nil:
		c.logger.Error("could not write database to the shared store", zap.Error(err))
		c.inst.ObserveStoreWrite(c.opts.StoreName, metrics.ERROR)
		c.inst.ObserveFetch(upstream, metrics.FetchStoreError, elapsed)
		return 0, false
	}

	c.lastVersion = &version
	c.lastDigest = digest
	c.hasDigest = true
	c.logger.Info("database published", zap.Uint64("version", uint64(version)), zap.Int("bytes", len(body)))
	c.inst.ObserveStoreWrite(c.opts.StoreName, metrics.OK)
	c.inst.ObserveFetch(upstream, metrics.FetchPublished, elapsed)
	return 0, false
}

// storeHoldsLastPublish reports whether the store still carries the version
// this coordinator wrote last. When it does not, the next write is made
// conditional on what the store holds now. A failed read counts as not held.
func (c *Coordinator) storeHoldsLastPublish(ctx context.Context) bool {
	blob, err := c.store.Get(ctx, sharedstore.BlobKey)
	if err != nil {
		c.logger.Warn("could not verify the published database, writing it again", zap.Error(err))
		return false
	}
	if c.lastVersion != nil && blob.Found() && blob.Version == *c.lastVersion {
		return true
	}
	c.logger.Warn("shared store no longer holds the published database",
		expectedVersionField(c.lastVersion),
		zap.Uint64("store_version", uint64(blob.Version)),
	)
	version := blob.Version
	c.lastVersion = &version
	c.hasDigest = false
	return false
}

// adoptStoreVersion makes the next write conditional on what the store holds now.
func (c *Coordinator) adoptStoreVersion(ctx context.Context) {
	blob, err := c.store.Get(ctx, sharedstore.BlobKey)
	if err != nil {
		c.logger.Error("could not read the shared store after a conflict", zap.Error(err))
		return
	}
	version := blob.Version
	c.lastVersion = &version
	c.hasDigest = false
}

func expectedVersionField(v *sharedstore.Version) zap.Field {
	if v == nil {
		return zap.String("expected_version", "any")
	}
	return zap.Uint64("expected_version", uint64(*v))
}

// requestHeaders derives the call headers from the database URL.
func requestHeaders(rawURL string) (map[string]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Opaque != "" {
		return nil, fmt.Errorf("'%s' is not an absolute URL", rawURL)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	authority := u.Host
	if authority == "" {
		authority = defaultAuthority
	}

	return map[string]string{
		fetch.HeaderMethod:    "GET",
		fetch.HeaderPath:      path,
		fetch.HeaderAuthority: authority,
		"cache-control":       "no-cache",
	}, nil
}
