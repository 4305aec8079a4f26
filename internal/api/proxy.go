package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/commodix/access-layer/internal/circuitbreaker"
)

const downstreamTimeout = 10 * time.Second

// downstreamError distinguishes transport failures (which trip the
// breaker) from application 4xx responses (which are surfaced as-is).
type downstreamError struct {
	name   string
	status int
	err    error
}

func (e *downstreamError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("downstream %s: %v", e.name, e.err)
	}
	return fmt.Sprintf("downstream %s: status %d", e.name, e.status)
}

// proxyClient calls configured downstream services through per-service
// circuit breakers, with optional static fallbacks.
type proxyClient struct {
	client    *http.Client
	breakers  *circuitbreaker.Manager
	bases     map[string]string
	fallbacks map[string]json.RawMessage
}

func newProxyClient(bases map[string]string, breakers *circuitbreaker.Manager) *proxyClient {
	return &proxyClient{
		client:    &http.Client{Timeout: downstreamTimeout},
		breakers:  breakers,
		bases:     bases,
		fallbacks: make(map[string]json.RawMessage),
	}
}

// registerFallback installs a static payload served when the named
// downstream is unreachable or its breaker is open.
func (p *proxyClient) registerFallback(name string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("unmarshallable fallback for %s: %v", name, err))
	}
	p.fallbacks[name] = raw
}

func (p *proxyClient) fallback(name string) (json.RawMessage, bool) {
	raw, ok := p.fallbacks[name]
	return raw, ok
}

// fetch performs a breaker-guarded GET against a downstream and returns
// the raw JSON body. A 4xx from the downstream is surfaced without
// counting as a breaker failure.
func (p *proxyClient) fetch(ctx context.Context, name, path, rawQuery string) (json.RawMessage, error) {
	base, ok := p.bases[name]
	if !ok {
		return nil, &downstreamError{name: name, err: errors.New("not configured")}
	}

	url := base + path
	if rawQuery != "" {
		url += "?" + rawQuery
	}

	breaker := p.breakers.Get(name)
	if err := breaker.Allow(); err != nil {
		return nil, fmt.Errorf("downstream %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, downstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		breaker.Failure()
		return nil, &downstreamError{name: name, err: err}
	}
	if id := RequestIDFrom(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		breaker.Failure()
		return nil, &downstreamError{name: name, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		breaker.Failure()
		return nil, &downstreamError{name: name, status: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		breaker.Failure()
		return nil, &downstreamError{name: name, err: err}
	}

	// Application 4xx surfaces as-is; the downstream itself is healthy.
	breaker.Success()
	if resp.StatusCode >= 400 {
		return nil, &appError{status: resp.StatusCode, body: raw}
	}
	return raw, nil
}

// appError carries a downstream 4xx through the breaker untouched.
type appError struct {
	status int
	body   json.RawMessage
}

func (e *appError) Error() string { return fmt.Sprintf("downstream returned %d", e.status) }
