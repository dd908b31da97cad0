// Package health implements the Health & Circuit Breaker component.
// REDESIGN: spec.md §4.5 specifies a simple consecutive-failure/cooldown
// model, replacing the teacher's internal/circuitbreaker sliding-window
// weighted error-rate breaker (see SPEC_FULL.md REDESIGN FLAGS). The
// lazily populated per-backend Registry and the status-to-retryable
// classification idea are kept from the teacher's circuitbreaker.Registry
// and ClassifyError; this Registry is a single RWMutex-guarded map and
// never evicts breakers.
package health

import (
	"sync"
	"time"

	gw "github.com/omne42/ditto/internal/gateway"
)

// Config controls the breaker's thresholds.
type Config struct {
	FailureThreshold int
	CooldownSeconds  int64
}

// DefaultConfig mirrors common defaults used across the pack.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CooldownSeconds: 30}
}

// Breaker tracks one backend's consecutive-failure state.
type Breaker struct {
	mu    sync.Mutex
	state gw.BackendHealth
	cfg   Config
	nowFn func() time.Time
}

// NewBreaker returns a closed breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, nowFn: time.Now}
}

// RecordFailure increments the consecutive-failure counter and opens the
// breaker once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveFailures++
	if b.state.ConsecutiveFailures >= b.cfg.FailureThreshold {
		b.state.OpenUntilEpochSec = b.nowFn().Unix() + b.cfg.CooldownSeconds
	}
}

// RecordSuccess resets the breaker to fully closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveFailures = 0
	b.state.OpenUntilEpochSec = 0
	b.state.LastSuccessEpochSec = b.nowFn().Unix()
	b.state.LastProbeOK = true
}

// RecordProbe updates state from an active health probe result.
func (b *Breaker) RecordProbe(ok bool) {
	if ok {
		b.RecordSuccess()
		return
	}
	b.RecordFailure()
	b.mu.Lock()
	b.state.LastProbeOK = false
	b.mu.Unlock()
}

// IsHealthy reports whether the breaker is closed (or its cooldown has
// elapsed).
func (b *Breaker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nowFn().Unix() >= b.state.OpenUntilEpochSec
}

// Snapshot returns a copy of the current health state.
func (b *Breaker) Snapshot() gw.BackendHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one Breaker per backend name, created lazily.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry returns a registry that lazily creates breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for name, creating one if absent (double-check
// locking, matching the teacher's circuitbreaker.Registry pattern).
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(r.cfg)
	r.breakers[name] = b
	return b
}

// Filter keeps only healthy candidates from an ordered list; if the result
// would be empty, the full unfiltered list is returned as a degraded-mode
// last resort, per spec.md §4.5.
func (r *Registry) Filter(candidates []string) []string {
	healthy := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if r.Get(name).IsHealthy() {
			healthy = append(healthy, name)
		}
	}
	if len(healthy) == 0 {
		return candidates
	}
	return healthy
}

// ClassifyStatus reports whether an HTTP status code counts as a breaker
// failure, per the configured retry-status-code list.
func ClassifyStatus(status int, retryable []int) bool {
	for _, s := range retryable {
		if s == status {
			return true
		}
	}
	return false
}
