package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// prefixDropGatherer hides metric families of an inner gatherer whose names
// start with any configured prefix. It is used to trim the process and Go
// runtime collectors from the default registry.
type prefixDropGatherer struct {
	inner    prometheus.Gatherer
	prefixes []string
}

func newPrefixDropGatherer(inner prometheus.Gatherer, prefixes []string) prefixDropGatherer {
	// an empty prefix would match every family
	kept := slices.DeleteFunc(slices.Clone(prefixes), func(p string) bool { return p == "" })
	return prefixDropGatherer{inner: inner, prefixes: kept}
}

// Gather implements prometheus.Gatherer.
func (g prefixDropGatherer) Gather() ([]*dto.MetricFamily, error) {
	families, err := g.inner.Gather()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(families, func(mf *dto.MetricFamily) bool {
		return slices.ContainsFunc(g.prefixes, func(p string) bool {
			return strings.HasPrefix(mf.GetName(), p)
		})
	}), nil
}
