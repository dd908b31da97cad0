// Package cache implements the Proxy Cache: FNV1a64 content-addressed
// keying (hash/fnv — no ecosystem library improves on the stdlib FNV1a64
// implementation for this, see DESIGN.md) over a two-tier store: an
// in-memory W-TinyLFU LRU (maypok86/otter/v2, following the teacher's
// internal/cache/memory.go) and an optional durable KV tier.
package cache

import (
	"context"
	"encoding/hex"
	"hash/fnv"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gw "github.com/omne42/ditto/internal/gateway"
)

const keyPrefix = "ditto-proxy-cache-v1-"

// fnv1a64Hex returns the lowercase 16-hex-digit FNV1a64 digest of data.
func fnv1a64Hex(data []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(data)
	sum := h.Sum64()
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(sum)
		sum >>= 8
	}
	return hex.EncodeToString(buf[:])
}

// Key computes the cache key for a request, per spec.md §4.6 /
// CachedResponse field description.
func Key(method, path, scope string, body []byte) string {
	bodyHash := fnv1a64Hex(body)
	var sb strings.Builder
	sb.WriteString(method)
	sb.WriteByte('|')
	sb.WriteString(path)
	sb.WriteByte('|')
	sb.WriteString(scope)
	sb.WriteByte('|')
	sb.WriteString(bodyHash)
	return keyPrefix + fnv1a64Hex([]byte(sb.String()))
}

// ScopeFromVirtualKey returns the cache scope string for an authenticated
// virtual key.
func ScopeFromVirtualKey(id string) string { return "vk:" + id }

// ScopeFromCredentialHash returns the cache scope string for a raw
// credential that did not resolve to a virtual key, hashed so the scope
// string never leaks the credential itself.
func ScopeFromCredentialHash(headerName, credential string) string {
	return headerName + ":" + fnv1a64Hex([]byte(credential))[:16]
}

// ScopePublic is used when no credential was presented at all.
const ScopePublic = "public"

// Durable is the optional second cache tier, satisfiable by any
// request-scoped KV store (e.g. the storage package's SQLite-backed store).
type Durable interface {
	Get(ctx context.Context, key string) (*gw.CachedResponse, bool, error)
	Set(ctx context.Context, key string, value *gw.CachedResponse) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Cache is the two-tier proxy response cache.
type Cache struct {
	memory  *otter.Cache[string, entry]
	durable Durable
	ttl     time.Duration
}

type entry struct {
	value     gw.CachedResponse
	expiresAt time.Time
}

// New builds a memory-only or memory+durable cache, mirroring the teacher's
// internal/cache/memory.go otter construction.
func New(maxEntries int, ttl time.Duration, durable Durable) *Cache {
	mem := otter.Must(&otter.Options[string, entry]{
		MaximumSize: maxEntries,
	})
	return &Cache{memory: mem, durable: durable, ttl: ttl}
}

// Get looks up a cache entry, checking memory first then the durable tier,
// re-populating memory on a durable hit.
func (c *Cache) Get(ctx context.Context, key string) (*gw.CachedResponse, bool) {
	if e, ok := c.memory.GetIfPresent(key); ok {
		if time.Now().Before(e.expiresAt) {
			v := e.value
			return &v, true
		}
		c.memory.Invalidate(key)
	}

	if c.durable == nil {
		return nil, false
	}
	v, ok, err := c.durable.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	c.memory.Set(key, entry{value: *v, expiresAt: time.Now().Add(c.ttl)})
	return v, true
}

// Set writes memory unconditionally and best-effort writes the durable
// tier, per spec.md §4.6.
func (c *Cache) Set(ctx context.Context, key string, value *gw.CachedResponse) {
	c.memory.Set(key, entry{value: *value, expiresAt: time.Now().Add(c.ttl)})
	if c.durable != nil {
		_ = c.durable.Set(ctx, key, value)
	}
}

// Purge clears one key from both tiers.
func (c *Cache) Purge(ctx context.Context, key string) {
	c.memory.Invalidate(key)
	if c.durable != nil {
		_ = c.durable.Delete(ctx, key)
	}
}

// PurgeAll clears both tiers entirely.
func (c *Cache) PurgeAll(ctx context.Context) {
	c.memory.InvalidateAll()
	if c.durable != nil {
		_ = c.durable.Clear(ctx)
	}
}

// IsReadEligible implements spec.md §4.6 read-eligibility rules.
func IsReadEligible(method string, headers map[string][]string) bool {
	if method != "GET" && method != "POST" {
		return false
	}
	if _, ok := headers["X-Ditto-Cache-Bypass"]; ok {
		return false
	}
	for _, v := range headers["Cache-Control"] {
		lv := strings.ToLower(v)
		if strings.Contains(lv, "no-store") || strings.Contains(lv, "no-cache") {
			return false
		}
	}
	return true
}

// IsStoreEligible implements spec.md §4.6 store-eligibility rules.
func IsStoreEligible(streaming bool, status int, bodyLen int, maxBodyBytes int64) bool {
	if streaming {
		return false
	}
	if status < 200 || status >= 300 {
		return false
	}
	return int64(bodyLen) <= maxBodyBytes
}
