// Package ratelimit implements the per-scope RPM/TPM limiter with discrete
// per-minute windows (REDESIGN: the teacher's internal/ratelimit uses a
// continuous lazy-refill token bucket; this spec requires a hard minute
// boundary, see SPEC_FULL.md REDESIGN FLAGS). Buckets are sharded across a
// fixed stripe of mutexes keyed by an FNV hash of the scope string, the same
// striping idea the teacher applies to its rate-limiter and circuit-breaker
// registries to bound lock contention under high cardinality.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	gw "github.com/omne42/ditto/internal/gateway"
)

const stripeCount = 64

// Result is the outcome of a check_and_consume call.
type Result struct {
	Allowed         bool
	RetryAfterSeconds int64
}

type bucketKey struct {
	scope string
	route string
}

type stripe struct {
	mu      sync.Mutex
	buckets map[bucketKey]*gw.RateBucket
}

// Limiter tracks per-(scope,route,minute) counters across a fixed set of
// lock stripes.
type Limiter struct {
	stripes [stripeCount]*stripe
	nowFn   func() time.Time
}

// New returns a Limiter using wall-clock time.
func New() *Limiter {
	l := &Limiter{nowFn: time.Now}
	for i := range l.stripes {
		l.stripes[i] = &stripe{buckets: make(map[bucketKey]*gw.RateBucket)}
	}
	return l
}

func stripeIndex(scope string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scope))
	return int(h.Sum32() % stripeCount)
}

// CheckAndConsume atomically loads the bucket for (scope, route, current
// minute), resets it if the minute advanced, and either increments both
// counters or fails without mutating state, per spec.md §4.1.
func (l *Limiter) CheckAndConsume(scope, route string, limits gw.Limits, tokens int64) Result {
	now := l.nowFn()
	minute := now.Unix() / 60

	key := bucketKey{scope: scope, route: route}
	st := l.stripes[stripeIndex(scope)]

	st.mu.Lock()
	defer st.mu.Unlock()

	b, ok := st.buckets[key]
	if !ok || b.WindowMinute != minute {
		b = &gw.RateBucket{WindowMinute: minute}
		st.buckets[key] = b
	}

	if limits.RPM > 0 && b.UsedRPM+1 > limits.RPM {
		return Result{Allowed: false, RetryAfterSeconds: retryAfter(now)}
	}
	if limits.TPM > 0 && b.UsedTPM+tokens > limits.TPM {
		return Result{Allowed: false, RetryAfterSeconds: retryAfter(now)}
	}

	b.UsedRPM++
	b.UsedTPM += tokens
	return Result{Allowed: true}
}

func retryAfter(now time.Time) int64 {
	return 60 - (now.Unix() % 60)
}

// Snapshot returns a copy of the current bucket for (scope, route), for
// observability/testing. Returns the zero value and false if no bucket
// exists yet.
func (l *Limiter) Snapshot(scope, route string) (gw.RateBucket, bool) {
	st := l.stripes[stripeIndex(scope)]
	st.mu.Lock()
	defer st.mu.Unlock()
	b, ok := st.buckets[bucketKey{scope: scope, route: route}]
	if !ok {
		return gw.RateBucket{}, false
	}
	return *b, true
}
