// Package keystore holds the in-memory virtual key catalog: a read-mostly
// snapshot rebuilt under copy-on-write on every admin mutation, generalizing
// the teacher's otter-cache-backed APIKeyAuth to scope-aware lookup without
// a cache-eviction window (the whole catalog is small enough to hold
// entirely in memory and is only ever replaced, never aged out).
package keystore

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gw "github.com/omne42/ditto/internal/gateway"
)

type snapshot struct {
	byToken map[string]*gw.VirtualKey
	byID    map[string]*gw.VirtualKey
}

func newSnapshot() *snapshot {
	return &snapshot{
		byToken: make(map[string]*gw.VirtualKey),
		byID:    make(map[string]*gw.VirtualKey),
	}
}

func (s *snapshot) clone() *snapshot {
	n := newSnapshot()
	for k, v := range s.byToken {
		n.byToken[k] = v
	}
	for k, v := range s.byID {
		n.byID[k] = v
	}
	return n
}

// Store is the authoritative virtual key catalog. Reads never block on
// writes: Lookup/Get read an atomically-swapped snapshot pointer.
type Store struct {
	cur   atomic.Pointer[snapshot]
	mu    sync.Mutex // serializes writers only
}

// New returns an empty key store.
func New() *Store {
	s := &Store{}
	s.cur.Store(newSnapshot())
	return s
}

// Lookup finds a virtual key by its bearer token. Lookup is case-sensitive
// and whole-string, per the data model invariant.
func (s *Store) Lookup(token string) (*gw.VirtualKey, bool) {
	if token == "" {
		return nil, false
	}
	snap := s.cur.Load()
	k, ok := snap.byToken[token]
	return k, ok
}

// Get finds a virtual key by id.
func (s *Store) Get(id string) (*gw.VirtualKey, bool) {
	snap := s.cur.Load()
	k, ok := snap.byID[id]
	return k, ok
}

// List returns a stable-ordered copy of all keys (by id).
func (s *Store) List() []*gw.VirtualKey {
	snap := s.cur.Load()
	out := make([]*gw.VirtualKey, 0, len(snap.byID))
	for _, k := range snap.byID {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put inserts or replaces a virtual key, building a new snapshot and
// swapping it in atomically.
func (s *Store) Put(k *gw.VirtualKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	next := cur.clone()
	if existing, ok := next.byID[k.ID]; ok && existing.Token != k.Token {
		delete(next.byToken, existing.Token)
	}
	now := time.Now()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now
	next.byID[k.ID] = k
	next.byToken[k.Token] = k
	s.cur.Store(next)
}

// Delete removes a virtual key by id.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	existing, ok := cur.byID[id]
	if !ok {
		return false
	}
	next := cur.clone()
	delete(next.byID, id)
	delete(next.byToken, existing.Token)
	s.cur.Store(next)
	return true
}

// SetEnabled flips a key's enabled flag via the same copy-on-write path.
func (s *Store) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	existing, ok := cur.byID[id]
	if !ok {
		return false
	}
	updated := *existing
	updated.Enabled = enabled
	updated.UpdatedAt = time.Now()

	next := cur.clone()
	next.byID[id] = &updated
	next.byToken[updated.Token] = &updated
	s.cur.Store(next)
	return true
}
