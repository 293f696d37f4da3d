package workercache_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/coordinator"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/fetch"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/filter"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/geodb/geodbtest"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/sharedstore"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/workercache"
)

// tokenDispatcher hands out tokens and leaves delivery to the test.
type tokenDispatcher struct {
	last uuid.UUID
}

func (d *tokenDispatcher) Dispatch(context.Context, fetch.Request, chan<- fetch.Response) (uuid.UUID, error) {
	d.last = uuid.New()
	return d.last, nil
}

func TestReplicationToWorkers(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := sharedstore.NewMemoryStore()
	dispatcher := &tokenDispatcher{}

	coord, err := coordinator.New(coordinator.FilterConfig{
		SourceURL:    "https://download.example.com/country.mmdb",
		UpstreamName: "mmdb",
	}, store, dispatcher, logger, nil, coordinator.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	workers := []*workercache.Cache{
		workercache.New(store, logger, nil, workercache.Options{}),
		workercache.New(store, logger, nil, workercache.Options{}),
	}
	headers := map[string]string{"x-forwarded-for": "8.8.8.8"}

	deliver := func(body []byte) {
		t.Helper()
		coord.Tick(ctx)
		coord.OnResponse(ctx, fetch.Response{Token: dispatcher.last, Status: 200, Body: body})
		for _, w := range workers {
			w.Tick(ctx)
		}
	}

	deliver(geodbtest.Build(t, geodbtest.Entry{Network: "8.8.8.0/24", ISOCode: "US"}))
	for i, w := range workers {
		result := filter.NewFactory(w, filter.Options{}, logger).New(nil).OnRequestHeaders(headers)
		if result.Headers["x-country-code"] != "US" {
			t.Fatalf("worker %d: expected US, got %+v", i, result)
		}
	}

	// an empty download never reaches the workers
	deliver(nil)
	for i, w := range workers {
		if !w.Ready() {
			t.Fatalf("worker %d lost its database", i)
		}
		result := filter.NewFactory(w, filter.Options{}, logger).New(nil).OnRequestHeaders(headers)
		if result.Headers["x-country-code"] != "US" {
			t.Fatalf("worker %d: expected US after an empty download, got %+v", i, result)
		}
	}

	deliver(geodbtest.Build(t, geodbtest.Entry{Network: "8.8.8.0/24", ISOCode: "CA"}))
	for i, w := range workers {
		result := filter.NewFactory(w, filter.Options{}, logger).New(nil).OnRequestHeaders(headers)
		if result.Headers["x-country-code"] != "CA" {
			t.Fatalf("worker %d: expected CA after refresh, got %+v", i, result)
		}
	}

	blob, err := store.Get(ctx, sharedstore.BlobKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blob.Version != workers[0].Snapshot().Version() {
		t.Fatalf("workers serve version %d, store holds %d", workers[0].Snapshot().Version(), blob.Version)
	}
}
