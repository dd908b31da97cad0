// Package backend implements the Backend Registry: named proxy backends
// (base URL, fixed headers, per-backend concurrency permit, timeout) and
// named translation backends (provider + capability set), generalizing the
// teacher's internal/provider.Registry and internal/provider/proxy.go
// transport construction. Per-backend concurrency uses
// golang.org/x/sync/semaphore, the sibling package of the errgroup import
// the teacher already carries for its worker runner.
package backend

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"golang.org/x/sync/semaphore"

	gw "github.com/omne42/ditto/internal/gateway"
)

// Proxy is a fully constructed proxy backend: transport, permit, and the
// static config needed to build outbound requests.
type Proxy struct {
	Config  gw.BackendConfig
	Client  *http.Client
	permit  *semaphore.Weighted
}

// TryAcquire attempts a non-blocking permit acquisition, per spec.md §5
// ("try_acquire_owned"). Returns false immediately on contention — callers
// must reject with 429 rather than block.
func (p *Proxy) TryAcquire() bool {
	if p.permit == nil {
		return true
	}
	return p.permit.TryAcquire(1)
}

// Release returns a previously acquired permit.
func (p *Proxy) Release() {
	if p.permit != nil {
		p.permit.Release(1)
	}
}

// Translation is a named translation backend: provider identity, advertised
// capabilities, an optional model-name remapping table, and the HTTP client
// used to call the provider's native endpoint.
type Translation struct {
	Config gw.BackendConfig
	Client *http.Client
	permit *semaphore.Weighted
}

// TryAcquire attempts a non-blocking permit acquisition, mirroring Proxy.
func (tb *Translation) TryAcquire() bool {
	if tb.permit == nil {
		return true
	}
	return tb.permit.TryAcquire(1)
}

// Release returns a previously acquired permit.
func (tb *Translation) Release() {
	if tb.permit != nil {
		tb.permit.Release(1)
	}
}

// HasCapability reports whether this translation backend advertises cap.
func (tb *Translation) HasCapability(cap gw.Capability) bool {
	for _, c := range tb.Config.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// MapModel applies the backend's model_map, if any, falling back to the
// caller-supplied model name unchanged.
func (tb *Translation) MapModel(model string) string {
	if tb.Config.ModelMap == nil {
		return model
	}
	if mapped, ok := tb.Config.ModelMap[model]; ok {
		return mapped
	}
	return model
}

// Registry holds all configured backends by name.
type Registry struct {
	proxies      map[string]*Proxy
	translations map[string]*Translation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		proxies:      make(map[string]*Proxy),
		translations: make(map[string]*Translation),
	}
}

// NewTransport builds a tuned *http.Transport with an optional DNS-caching
// dialer, mirroring the teacher's internal/provider/proxy.go NewTransport.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if resolver != nil {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil || len(ips) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// AddProxy registers a proxy backend, building its HTTP client from cfg.
func (r *Registry) AddProxy(cfg gw.BackendConfig, transport http.RoundTripper) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var permit *semaphore.Weighted
	if cfg.MaxInFlight > 0 {
		permit = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	r.proxies[cfg.Name] = &Proxy{
		Config: cfg,
		Client: &http.Client{Transport: transport, Timeout: timeout},
		permit: permit,
	}
}

// AddTranslation registers a translation backend, building its HTTP client
// the same way AddProxy does.
func (r *Registry) AddTranslation(cfg gw.BackendConfig, transport http.RoundTripper) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var permit *semaphore.Weighted
	if cfg.MaxInFlight > 0 {
		permit = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	r.translations[cfg.Name] = &Translation{
		Config: cfg,
		Client: &http.Client{Transport: transport, Timeout: timeout},
		permit: permit,
	}
}

// Proxy looks up a proxy backend by name.
func (r *Registry) Proxy(name string) (*Proxy, bool) {
	p, ok := r.proxies[name]
	return p, ok
}

// Translation looks up a translation backend by name.
func (r *Registry) Translation(name string) (*Translation, bool) {
	t, ok := r.translations[name]
	return t, ok
}

// Kind reports whether name refers to a proxy or translation backend.
func (r *Registry) Kind(name string) (gw.BackendKind, bool) {
	if _, ok := r.proxies[name]; ok {
		return gw.BackendProxy, true
	}
	if _, ok := r.translations[name]; ok {
		return gw.BackendTranslation, true
	}
	return 0, false
}
