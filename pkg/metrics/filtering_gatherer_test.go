package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrefixDropGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, name := range []string{"go_goroutines_fake", "process_fds_fake", "envoy_geoip_fake_total"} {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: name})
		c.Inc()
		reg.MustRegister(c)
	}

	tests := []struct {
		name     string
		prefixes []string
		want     []string
	}{
		{"drops single prefix", []string{"go_"}, []string{"envoy_geoip_fake_total", "process_fds_fake"}},
		{"drops several prefixes", []string{"go_", "process_"}, []string{"envoy_geoip_fake_total"}},
		{"keeps everything without prefixes", nil, []string{"envoy_geoip_fake_total", "go_goroutines_fake", "process_fds_fake"}},
		{"ignores empty prefix", []string{""}, []string{"envoy_geoip_fake_total", "go_goroutines_fake", "process_fds_fake"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			families, err := newPrefixDropGatherer(reg, tt.prefixes).Gather()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(families) != len(tt.want) {
				t.Fatalf("expected %d families, got %d", len(tt.want), len(families))
			}
			for idx, mf := range families {
				if mf.GetName() != tt.want[idx] {
					t.Errorf("family %d: expected %s, got %s", idx, tt.want[idx], mf.GetName())
				}
			}
		})
	}
}

func TestPrefixDropGathererPropagatesErrors(t *testing.T) {
	gatherErr := errors.New("gather failed")
	_, err := newPrefixDropGatherer(failingGatherer{err: gatherErr}, []string{"go_"}).Gather()
	if !errors.Is(err, gatherErr) {
		t.Fatalf("expected gather error, got %v", err)
	}
}

type failingGatherer struct {
	err error
}

func (f failingGatherer) Gather() ([]*dto.MetricFamily, error) {
	return nil, f.err
}
