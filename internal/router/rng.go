package router

import (
	"hash/fnv"
	"math/rand"
)

// seededRNG wraps math/rand.Rand seeded deterministically from a string,
// so identical request ids always produce identical draws.
type seededRNG struct {
	r *rand.Rand
}

func newSeededRNG(seed string) *seededRNG {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	return &seededRNG{r: rand.New(rand.NewSource(int64(h.Sum64())))}
}

func (s *seededRNG) float64() float64 { return s.r.Float64() }
