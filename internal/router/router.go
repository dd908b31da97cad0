// Package router selects an ordered candidate list of backend names for a
// request. REDESIGN: the teacher's RouterService caches the resolved target
// list per model behind an otter TTL cache; this spec requires the output
// order to depend on the request id (two requests with the same id and
// candidate set must produce the same order), so results are not cached.
// The rule table is published via the same copy-on-write snapshot pattern
// used for the virtual key catalog, and Resolve matches the rules against
// the model with a linear scan on every call.
package router

import (
	"math"
	"sort"
	"strings"
	"sync/atomic"

	gw "github.com/omne42/ditto/internal/gateway"
)

// Table is the routing rule table plus a default candidate list, published
// via copy-on-write so readers never block on an admin update.
type Table struct {
	cur atomic.Pointer[tableState]
}

type tableState struct {
	rules   []gw.Route
	defList []gw.WeightedBackend
}

// New returns a router with the given rules and default backend list.
func New(rules []gw.Route, defaultBackends []gw.WeightedBackend) *Table {
	t := &Table{}
	t.cur.Store(&tableState{rules: rules, defList: defaultBackends})
	return t
}

// Replace swaps in a new rule table atomically.
func (t *Table) Replace(rules []gw.Route, defaultBackends []gw.WeightedBackend) {
	t.cur.Store(&tableState{rules: rules, defList: defaultBackends})
}

// matchRule finds the first rule whose model_prefix matches, per spec.md
// §4.4 step 1.
func matchRule(rules []gw.Route, model string) *gw.Route {
	for i := range rules {
		r := &rules[i]
		if r.Exact {
			if model == r.ModelPrefix {
				return r
			}
			continue
		}
		if strings.HasPrefix(model, r.ModelPrefix) {
			return r
		}
	}
	return nil
}

// Resolve returns the ordered candidate backend list for a model and
// request id. The matched route's GuardrailOverride, if any, is returned
// alongside so the caller can apply spec.md §4.3 stage 4.
func (t *Table) Resolve(model, requestID string) (candidates []string, guardrailOverride *gw.Guardrails) {
	state := t.cur.Load()
	rule := matchRule(state.rules, model)

	var weighted []gw.WeightedBackend
	switch {
	case rule != nil && len(rule.Backends) > 0:
		weighted = rule.Backends
		guardrailOverride = rule.GuardrailOverride
	case rule != nil && len(rule.Backends) == 0:
		guardrailOverride = rule.GuardrailOverride
		weighted = state.defList
	default:
		weighted = state.defList
	}

	return weightedShuffle(weighted, requestID), guardrailOverride
}

// weightedShuffle produces a deterministic permutation of backend names,
// seeded by requestID, biased so higher-weight entries are more likely to
// appear earlier (weighted reservoir sampling without replacement). Two
// calls with the same requestID and candidate set always produce the same
// order, per spec.md §4.4 step 3.
func weightedShuffle(candidates []gw.WeightedBackend, requestID string) []string {
	n := len(candidates)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []string{candidates[0].Backend}
	}

	rng := newSeededRNG(requestID)

	type item struct {
		backend string
		key     float64
	}
	items := make([]item, n)
	for i, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		// Efraimidis-Spirakis weighted reservoir key: u^(1/w), u in (0,1).
		u := rng.float64()
		if u <= 0 {
			u = 1e-12
		}
		key := math.Pow(u, 1.0/float64(w))
		items[i] = item{backend: c.Backend, key: key}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].key > items[j].key })

	out := make([]string, n)
	for i, it := range items {
		out[i] = it.backend
	}
	return out
}
