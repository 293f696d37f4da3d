// Package runtime extracts what the lookup flow needs from an Envoy
// CheckRequest and carries it, together with accumulated log fields, for the
// lifetime of one request.
package runtime

import (
	"net/netip"
	"strings"
	"sync"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"go.uber.org/zap"
)

const unknownAuthority = "-"

// RequestContext holds the request metadata used by the lookup flow.
type RequestContext struct {
	Request    *authv3.CheckRequest
	ReceivedAt time.Time
	// Authority is the :authority/Host of the downstream request, "-" when absent.
	Authority string
	// Peer is the address of the connection Envoy received the request on.
	// It is informational only: the country is resolved from a forwarded header.
	Peer netip.Addr
	// Headers holds the request headers keyed by lowercase name.
	Headers map[string]string

	mu        sync.RWMutex
	logFields []zap.Field
}

// NewRequestContext builds a RequestContext from a CheckRequest. A nil or
// partial request yields empty values, never an error.
func NewRequestContext(req *authv3.CheckRequest) *RequestContext {
	headers := requestHeaders(req)
	authority := requestAuthority(req, headers)
	peer := requestPeer(req)

	fields := []zap.Field{zap.String("authority", authority)}
	if peer.IsValid() {
		fields = append(fields, zap.String("peer", peer.String()))
	}

	return &RequestContext{
		Request:    req,
		ReceivedAt: time.Now(),
		Authority:  authority,
		Peer:       peer,
		Headers:    headers,
		logFields:  fields,
	}
}

// AddLogFields attaches fields to every later log line of the request. The
// authority and peer fields are owned by the context and cannot be overridden.
func (r *RequestContext) AddLogFields(fields ...zap.Field) {
	if r == nil {
		return
	}

	kept := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "peer" || f.Key == "authority" {
			continue
		}
		kept = append(kept, f)
	}

	r.mu.Lock()
	r.logFields = append(r.logFields, kept...)
	r.mu.Unlock()
}

// LogFields returns a copy of the accumulated log fields.
func (r *RequestContext) LogFields() []zap.Field {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]zap.Field, len(r.logFields))
	copy(out, r.logFields)
	return out
}

// Logger returns logger enriched with the request fields.
func (r *RequestContext) Logger(logger *zap.Logger) *zap.Logger {
	return logger.With(r.LogFields()...)
}

func requestHTTP(req *authv3.CheckRequest) *authv3.AttributeContext_HttpRequest {
	return req.GetAttributes().GetRequest().GetHttp()
}

// requestHeaders lowercases header names. Envoy already sends them lowercase
// but other callers of the API may not.
func requestHeaders(req *authv3.CheckRequest) map[string]string {
	http := requestHTTP(req)
	out := make(map[string]string, len(http.GetHeaders()))
	for k, v := range http.GetHeaders() {
		out[strings.ToLower(k)] = v
	}
	return out
}

func requestAuthority(req *authv3.CheckRequest, headers map[string]string) string {
	authority := requestHTTP(req).GetHost()
	if authority == "" {
		authority = headers[":authority"]
	}
	if authority == "" {
		authority = headers["host"]
	}
	if authority == "" {
		return unknownAuthority
	}
	return authority
}

func requestPeer(req *authv3.CheckRequest) netip.Addr {
	socketAddr := req.GetAttributes().GetSource().GetAddress().GetSocketAddress()
	if socketAddr == nil {
		return netip.Addr{}
	}
	ip, err := netip.ParseAddr(socketAddr.GetAddress())
	if err != nil {
		return netip.Addr{}
	}
	return ip.Unmap()
}
