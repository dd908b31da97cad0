// Package storage defines the durable-store contracts the gateway depends
// on. Per spec.md's non-goals, persistent-store drivers are specified only
// as a KV+list contract; internal/storage/sqlite provides one concrete
// implementation grounded in the teacher's storage/sqlite package.
package storage

import (
	"context"
	"encoding/json"

	gw "github.com/omne42/ditto/internal/gateway"
)

// KV is a generic durable key-value contract, satisfied by the cache
// package's Durable interface and reused for any other single-value
// durable lookup the gateway needs.
type KV interface {
	Get(ctx context.Context, key string) (*gw.CachedResponse, bool, error)
	Set(ctx context.Context, key string, value *gw.CachedResponse) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// KeyStore persists the virtual key catalog across restarts.
type KeyStore interface {
	ListKeys(ctx context.Context) ([]*gw.VirtualKey, error)
	PutKey(ctx context.Context, k *gw.VirtualKey) error
	DeleteKey(ctx context.Context, id string) error
}

// RouteStore persists the routing rule table and backend configs.
type RouteStore interface {
	ListRoutes(ctx context.Context) ([]gw.Route, error)
	ListBackends(ctx context.Context) ([]gw.BackendConfig, error)
}

// AuditStore is the append-only audit log contract.
type AuditStore interface {
	Append(ctx context.Context, e gw.AuditEntry) error
	List(ctx context.Context, limit int) ([]gw.AuditEntry, error)
}

// LedgerStore optionally durably persists budget ledger state, for
// multi-process deployments. The in-process budget.Ledger works without
// one; this is the extension point a durable deployment wires in.
type LedgerStore interface {
	LoadLedger(ctx context.Context, scopeKey string) (gw.BudgetLedgerState, error)
	SaveLedger(ctx context.Context, scopeKey string, state gw.BudgetLedgerState) error
}

// Store bundles every durable contract the gateway can use; a
// configuration that omits persistence simply passes nil submembers and
// the pipeline falls back to the in-process-only implementations.
type Store interface {
	KeyStore
	RouteStore
	AuditStore
}

// MarshalPayload is a small helper so callers building an AuditEntry don't
// each need their own json import for the payload field.
func MarshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
