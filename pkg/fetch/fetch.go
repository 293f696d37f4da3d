// Package fetch performs asynchronous HTTP downloads against named upstreams.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// HeaderMethod, HeaderPath and HeaderAuthority are the pseudo headers a
	// Request uses to describe the call target.
	HeaderMethod    = ":method"
	HeaderPath      = ":path"
	HeaderAuthority = ":authority"

	defaultTimeout      = 5 * time.Second
	defaultMaxBodyBytes = 128 << 20
)

var ErrUnknownUpstream = errors.New("unknown upstream")

// Request describes one outbound call to a named upstream.
type Request struct {
	Upstream string
	Headers  map[string]string
	Timeout  time.Duration
}

// Response is delivered once per dispatched call. Err is set when no HTTP
// response was obtained (connection failure, timeout, oversized body).
type Response struct {
	Token  uuid.UUID
	Status int
	Body   []byte
	Err    error
}

// Dispatcher starts calls without waiting for them. The outcome of every call
// that was dispatched successfully is sent on the responses channel, tagged
// with the token Dispatch returned.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request, responses chan<- Response) (uuid.UUID, error)
}

// HTTPDispatcher sends requests to upstreams resolved from a fixed table of
// upstream name to base URL.
type HTTPDispatcher struct {
	upstreams    map[string]*url.URL
	client       *http.Client
	maxBodyBytes int64
	logger       *zap.Logger
}

// Option customizes an HTTPDispatcher.
type Option func(*HTTPDispatcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *HTTPDispatcher) { d.client = client }
}

// WithMaxBodyBytes bounds the size of accepted response bodies.
func WithMaxBodyBytes(limit int64) Option {
	return func(d *HTTPDispatcher) { d.maxBodyBytes = limit }
}

// NewHTTPDispatcher validates the upstream table and returns a dispatcher.
func NewHTTPDispatcher(upstreams map[string]string, logger *zap.Logger, opts ...Option) (*HTTPDispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	resolved := make(map[string]*url.URL, len(upstreams))
	for name, raw := range upstreams {
		if name == "" {
			return nil, errors.New("upstream name cannot be empty")
		}
		base, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("upstream '%s' has an invalid URL: %w", name, err)
		}
		if base.Scheme != "http" && base.Scheme != "https" {
			return nil, fmt.Errorf("upstream '%s' must use http or https, got '%s'", name, base.Scheme)
		}
		if base.Host == "" {
			return nil, fmt.Errorf("upstream '%s' has no host", name)
		}
		resolved[name] = base
	}

	d := &HTTPDispatcher{
		upstreams:    resolved,
		client:       &http.Client{},
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Upstreams returns the configured upstream names, sorted.
func (d *HTTPDispatcher) Upstreams() []string {
	names := make([]string, 0, len(d.upstreams))
	for name := range d.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req Request, responses chan<- Response) (uuid.UUID, error) {
	base, ok := d.upstreams[req.Upstream]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: '%s'", ErrUnknownUpstream, req.Upstream)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpReq, err := d.buildRequest(base, req.Headers)
	if err != nil {
		return uuid.Nil, err
	}

	token := uuid.New()
	d.logger.Debug("dispatching upstream call",
		zap.String("token", token.String()),
		zap.String("upstream", req.Upstream),
		zap.String("method", httpReq.Method),
		zap.String("url", httpReq.URL.String()),
	)

	go func() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp := d.do(httpReq.WithContext(callCtx))
		resp.Token = token

		select {
		case responses <- resp:
		case <-ctx.Done():
		}
	}()

	return token, nil
}

func (d *HTTPDispatcher) buildRequest(base *url.URL, headers map[string]string) (*http.Request, error) {
	method := http.MethodGet
	target := *base

	if m := headers[HeaderMethod]; m != "" {
		method = strings.ToUpper(m)
	}
	if p := headers[HeaderPath]; p != "" {
		ref, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s header '%s': %w", HeaderPath, p, err)
		}
		target.Path = strings.TrimSuffix(base.Path, "/") + ref.Path
		target.RawQuery = ref.RawQuery
	}

	httpReq, err := http.NewRequest(method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if authority := headers[HeaderAuthority]; authority != "" {
		httpReq.Host = authority
	}
	for name, value := range headers {
		if strings.HasPrefix(name, ":") {
			continue
		}
		httpReq.Header.Set(name, value)
	}
	return httpReq, nil
}

func (d *HTTPDispatcher) do(req *http.Request) Response {
	httpResp, err := d.client.Do(req)
	if err != nil {
		return Response{Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, d.maxBodyBytes+1))
	if err != nil {
		return Response{Status: httpResp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if int64(len(body)) > d.maxBodyBytes {
		return Response{Status: httpResp.StatusCode, Err: fmt.Errorf("response body exceeds %d bytes", d.maxBodyBytes)}
	}
	return Response{Status: httpResp.StatusCode, Body: body}
}
