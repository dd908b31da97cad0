// Package sqlite implements internal/storage's contracts over an embedded
// modernc.org/sqlite database, migrated with pressly/goose/v3, following the
// teacher's internal/storage/sqlite package exactly: a split write/read
// connection pair with WAL mode pragmas, since sqlite serializes writers but
// benefits from a dedicated read pool under concurrent request load.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	gw "github.com/omne42/ditto/internal/gateway"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a sqlite-backed implementation of storage.Store and cache.Durable.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens (creating if absent) the sqlite database at dsn and applies
// pending goose migrations.
func New(dsn string) (*Store, error) {
	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open write conn: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open read conn: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := write.Exec(pragma); err != nil {
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("sqlite: goose dialect: %w", err)
	}
	if err := goose.Up(write, "migrations"); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

// Ping checks both connections are reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.write.PingContext(ctx); err != nil {
		return err
	}
	return s.read.PingContext(ctx)
}

// Close closes both connections.
func (s *Store) Close() error {
	werr := s.write.Close()
	rerr := s.read.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// --- KeyStore ---

func (s *Store) ListKeys(ctx context.Context) ([]*gw.VirtualKey, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT token, data FROM virtual_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gw.VirtualKey
	for rows.Next() {
		var token, data string
		if err := rows.Scan(&token, &data); err != nil {
			return nil, err
		}
		var k gw.VirtualKey
		if err := json.Unmarshal([]byte(data), &k); err != nil {
			return nil, err
		}
		// VirtualKey.Token is json:"-" (never persisted in the data blob, so
		// it can't leak into audit dumps or route-rule exports); restore it
		// from its own indexed column.
		k.Token = token
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (s *Store) PutKey(ctx context.Context, k *gw.VirtualKey) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.write.ExecContext(ctx, `
		INSERT INTO virtual_keys (id, token, tenant_id, project_id, user_id, enabled, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token=excluded.token, tenant_id=excluded.tenant_id, project_id=excluded.project_id,
			user_id=excluded.user_id, enabled=excluded.enabled, data=excluded.data, updated_at=excluded.updated_at
	`, k.ID, k.Token, k.TenantID, k.ProjectID, k.UserID, k.Enabled, string(data), now, now)
	return err
}

func (s *Store) DeleteKey(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM virtual_keys WHERE id = ?`, id)
	return err
}

// --- RouteStore ---

func (s *Store) ListRoutes(ctx context.Context) ([]gw.Route, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT data FROM routes ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gw.Route
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r gw.Route
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListBackends(ctx context.Context) ([]gw.BackendConfig, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT data FROM backends`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gw.BackendConfig
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b gw.BackendConfig
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- AuditStore ---

func (s *Store) Append(ctx context.Context, e gw.AuditEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO audit_log (ts_ms, category, payload) VALUES (?, ?, ?)`,
		e.TsMs, e.Category, string(e.Payload))
	return err
}

func (s *Store) List(ctx context.Context, limit int) ([]gw.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT ts_ms, category, payload FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gw.AuditEntry
	for rows.Next() {
		var e gw.AuditEntry
		var payload string
		if err := rows.Scan(&e.TsMs, &e.Category, &payload); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- cache.Durable ---

func (s *Store) Get(ctx context.Context, key string) (*gw.CachedResponse, bool, error) {
	var data string
	err := s.read.QueryRowContext(ctx, `SELECT data FROM cache_entries WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v gw.CachedResponse
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, false, err
	}
	return &v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value *gw.CachedResponse) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx, `
		INSERT INTO cache_entries (key, data, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data=excluded.data, stored_at=excluded.stored_at
	`, key, string(data), value.StoredAtEpochSec)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}
