package service

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/filter"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/metrics"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/runtime"
)

// Manager runs one lookup filter per Check call.
type Manager struct {
	factory         *filter.Factory
	instrumentation *metrics.Instrumentation
	logger          *zap.Logger
}

// NewManager instantiates a lookup manager.
func NewManager(factory *filter.Factory, instrumentation *metrics.Instrumentation, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		factory:         factory,
		instrumentation: instrumentation,
		logger:          logger,
	}
}

// Check annotates the request with its country. The answer is always OK: a
// lookup that cannot resolve a country adds no header.
func (m *Manager) Check(_ context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	reqCtx := runtime.NewRequestContext(req)
	start := time.Now()

	m.instrumentation.InFlight(reqCtx.Authority, 1)
	defer m.instrumentation.InFlight(reqCtx.Authority, -1)

	result := m.factory.New(reqCtx.Logger(m.logger)).OnRequestHeaders(reqCtx.Headers)

	reqCtx.AddLogFields(zap.String("outcome", string(result.Outcome)))
	if result.Outcome == filter.OutcomeResolved {
		reqCtx.AddLogFields(zap.String("country", result.CountryCode))
	}
	m.logger.Debug("request checked", reqCtx.LogFields()...)

	m.instrumentation.ObserveLookup(reqCtx.Authority, string(result.Outcome), time.Since(start))
	return m.okResponse(sanitizedHeaders(result.Headers)), nil
}

// okResponse wraps an OK authorization result with optional upstream headers.
func (m *Manager) okResponse(headers []*corev3.HeaderValueOption) *authv3.CheckResponse {
	return &authv3.CheckResponse{
		Status: status.New(codes.OK, "ok").Proto(),
		HttpResponse: &authv3.CheckResponse_OkResponse{
			OkResponse: &authv3.OkHttpResponse{Headers: headers},
		},
	}
}

var headerPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// sanitizedHeaders converts a map into Envoy header options that replace any
// client supplied value. Unsafe names are dropped and the order is stable.
func sanitizedHeaders(values map[string]string) []*corev3.HeaderValueOption {
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var headers []*corev3.HeaderValueOption
	for _, key := range keys {
		if !isSafeHeader(key) {
			continue
		}
		headers = append(headers, &corev3.HeaderValueOption{
			AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
			Header: &corev3.HeaderValue{
				Key:   strings.TrimSpace(key),
				Value: strings.TrimSpace(values[key]),
			},
		})
	}

	return headers
}

// isSafeHeader constrains header names to alphanumeric and dash characters to avoid
// propagating malformed headers upstream.
func isSafeHeader(name string) bool {
	return headerPattern.MatchString(strings.TrimSpace(name))
}
