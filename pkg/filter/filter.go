// Package filter annotates a request with the country of its client address.
// A filter never rejects or delays a request: every failure passes it through
// unchanged.
package filter

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/cidrlist"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/geodb"
)

const (
	DefaultForwardedHeader = "x-forwarded-for"
	DefaultCountryHeader   = "x-country-code"
)

// Outcome classifies what a filter did with one request.
type Outcome string

const (
	OutcomeResolved         Outcome = "resolved"
	OutcomePassthrough      Outcome = "passthrough"
	OutcomeMissingHeader    Outcome = "missing_header"
	OutcomeMalformedAddress Outcome = "malformed_address"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeLookupError      Outcome = "lookup_error"
)

var (
	ErrMissingHeader    = errors.New("forwarded address header missing")
	ErrMalformedAddress = errors.New("malformed forwarded address")
	ErrNotFound         = errors.New("no country for address")
)

// Source hands out the database currently served; nil means not loaded yet.
type Source interface {
	Snapshot() *geodb.Database
}

// Options configures header names and the trusted proxy chain.
type Options struct {
	ForwardedHeader string
	CountryHeader   string
	// TrustedProxies are skipped when walking the forwarded chain from the
	// right. With no trusted proxies the leftmost entry is used.
	TrustedProxies []cidrlist.CIDR
}

// Result is what a filter decided for one request.
type Result struct {
	Outcome     Outcome
	CountryCode string
	Address     netip.Addr
	// Headers to add to the request, keyed by lowercase name.
	Headers map[string]string
}

// Factory creates one filter per request.
type Factory struct {
	source Source
	opts   Options
	logger *zap.Logger
}

// NewFactory normalizes options and returns a filter factory.
func NewFactory(source Source, opts Options, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.ForwardedHeader = strings.ToLower(strings.TrimSpace(opts.ForwardedHeader))
	if opts.ForwardedHeader == "" {
		opts.ForwardedHeader = DefaultForwardedHeader
	}
	opts.CountryHeader = strings.ToLower(strings.TrimSpace(opts.CountryHeader))
	if opts.CountryHeader == "" {
		opts.CountryHeader = DefaultCountryHeader
	}
	if len(opts.TrustedProxies) > 0 {
		synthesis := cidrlist.Synthesize(opts.TrustedProxies)
		for _, removed := range synthesis.RemovedEntries {
			logger.Debug("trusted proxy entry already covered by another entry", zap.String("network", removed.Value.String()))
		}
		opts.TrustedProxies = synthesis.NewList
	}
	return &Factory{source: source, opts: opts, logger: logger}
}

// CountryHeader is the header the filters write.
func (f *Factory) CountryHeader() string {
	return f.opts.CountryHeader
}

// New creates a filter. Whether it is active is decided now: a database that
// becomes available later does not affect this filter.
func (f *Factory) New(logger *zap.Logger) *Filter {
	if logger == nil {
		logger = f.logger
	}
	filter := &Filter{opts: &f.opts, logger: logger}
	if f.source != nil {
		filter.db = f.source.Snapshot()
	}
	return filter
}

// Filter handles the headers of a single request.
type Filter struct {
	db     *geodb.Database
	opts   *Options
	logger *zap.Logger
}

// Active reports whether the filter holds a database.
func (f *Filter) Active() bool {
	return f.db != nil
}

// OnRequestHeaders inspects headers (lowercase keys) and returns the headers to add.
func (f *Filter) OnRequestHeaders(headers map[string]string) Result {
	if !f.Active() {
		f.logger.Warn("filter not ready so request passed through")
		return Result{Outcome: OutcomePassthrough}
	}

	raw := strings.TrimSpace(headers[f.opts.ForwardedHeader])
	if raw == "" {
		f.logger.Warn("request passed through", zap.String("header", f.opts.ForwardedHeader), zap.Error(ErrMissingHeader))
		return Result{Outcome: OutcomeMissingHeader}
	}

	addr, err := selectAddress(raw, f.opts.TrustedProxies)
	if err != nil {
		f.logger.Warn("request passed through", zap.String("header", f.opts.ForwardedHeader), zap.String("value", raw), zap.Error(err))
		return Result{Outcome: OutcomeMalformedAddress}
	}

	code, err := f.db.Country(addr)
	switch {
	case errors.Is(err, geodb.ErrNotFound):
		f.logger.Warn("request passed through", zap.Stringer("ip", addr), zap.Error(ErrNotFound))
		return Result{Outcome: OutcomeNotFound, Address: addr}
	case err != nil:
		f.logger.Warn("request passed through", zap.Stringer("ip", addr), zap.Error(err))
		return Result{Outcome: OutcomeLookupError, Address: addr}
	}

	f.logger.Debug("country resolved", zap.Stringer("ip", addr), zap.String("country", code))
	return Result{
		Outcome:     OutcomeResolved,
		CountryCode: code,
		Address:     addr,
		Headers:     map[string]string{f.opts.CountryHeader: code},
	}
}

// selectAddress picks the client address out of a comma separated chain.
func selectAddress(value string, trusted []cidrlist.CIDR) (netip.Addr, error) {
	entries := strings.Split(value, ",")

	if len(trusted) == 0 {
		return parseEntry(entries[0])
	}

	var leftmost netip.Addr
	for i := len(entries) - 1; i >= 0; i-- {
		addr, err := parseEntry(entries[i])
		if err != nil {
			return netip.Addr{}, err
		}
		if !cidrlist.Contains(trusted, addr) {
			return addr, nil
		}
		leftmost = addr
	}
	// every hop is trusted: the first one is the closest thing to a client
	return leftmost, nil
}

// parseEntry accepts "1.2.3.4", "1.2.3.4:80", "2001:db8::1" and "[2001:db8::1]:80".
func parseEntry(entry string) (netip.Addr, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return netip.Addr{}, fmt.Errorf("%w: empty entry", ErrMalformedAddress)
	}

	if addr, err := netip.ParseAddr(entry); err == nil {
		return addr.Unmap(), nil
	}
	if addrPort, err := netip.ParseAddrPort(entry); err == nil {
		return addrPort.Addr().Unmap(), nil
	}
	if inner, ok := strings.CutPrefix(entry, "["); ok {
		if inner, ok = strings.CutSuffix(inner, "]"); ok {
			if addr, err := netip.ParseAddr(inner); err == nil {
				return addr.Unmap(), nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: '%s'", ErrMalformedAddress, entry)
}
