// Package audit implements the append-only audit log: a bounded in-memory
// channel drained into an optional durable store, following the teacher's
// internal/worker.UsageRecorder buffered-channel/batch-flush idiom for
// async, drop-tolerant writes that never block the request path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	gw "github.com/omne42/ditto/internal/gateway"
	"github.com/omne42/ditto/internal/storage"
)

// RequestRecord captures the fields spec.md §6 requires in one audit entry.
type RequestRecord struct {
	RequestID          string   `json:"request_id"`
	VirtualKeyID       string   `json:"virtual_key_id,omitempty"`
	Backend            string   `json:"backend"`
	AttemptedBackends  []string `json:"attempted_backends"`
	Method             string   `json:"method"`
	Path               string   `json:"path"`
	Model              string   `json:"model,omitempty"`
	Status             int      `json:"status"`
	ChargeTokens       int64    `json:"charge_tokens"`
	SpentTokens        int64    `json:"spent_tokens"`
	ChargeCostUSDMicros int64   `json:"charge_cost_usd_micros,omitempty"`
	SpentCostUSDMicros  int64   `json:"spent_cost_usd_micros,omitempty"`
	BodyLen            int      `json:"body_len"`
}

const flushInterval = 5 * time.Second
const flushBatch = 100
const bufferSize = 4096

// Recorder buffers audit entries and flushes them to a durable store on a
// timer or when the buffer fills, mirroring the teacher's UsageRecorder
// drop-on-full-with-warning behaviour: the audit log must never apply
// backpressure to the request path.
type Recorder struct {
	store  storage.AuditStore
	ch     chan gw.AuditEntry
	logger *slog.Logger
	done   chan struct{}
}

// NewRecorder returns a Recorder. store may be nil, in which case entries
// are accepted and dropped (useful for tests or no-persistence deployments).
func NewRecorder(store storage.AuditStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		ch:     make(chan gw.AuditEntry, bufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Record enqueues a request audit entry. Per spec.md §4.8, the entry is
// written after settlement returns, regardless of settlement's own outcome.
func (r *Recorder) Record(rec RequestRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		r.logger.Warn("audit: marshal failed", slog.String("error", err.Error()))
		return
	}
	entry := gw.AuditEntry{
		TsMs:     time.Now().UnixMilli(),
		Category: "proxy",
		Payload:  payload,
	}
	select {
	case r.ch <- entry:
	default:
		r.logger.LogAttrs(context.Background(), slog.LevelWarn, "audit: buffer full, dropping entry",
			slog.String("request_id", rec.RequestID))
	}
}

// Name implements the worker.Worker interface.
func (r *Recorder) Name() string { return "audit-recorder" }

// Run drains the buffer into the durable store until ctx is cancelled, then
// drains what remains with a bounded grace period.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]gw.AuditEntry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.flush(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			r.drain(batch)
			return nil
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) drain(batch []gw.AuditEntry) {
	deadline := time.Now().Add(30 * time.Second)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for {
		select {
		case e := <-r.ch:
			batch = append(batch, e)
		default:
			r.flush(ctx, batch)
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, batch []gw.AuditEntry) {
	if r.store == nil {
		return
	}
	for _, e := range batch {
		if err := r.store.Append(ctx, e); err != nil {
			r.logger.LogAttrs(ctx, slog.LevelWarn, "audit: append failed", slog.String("error", err.Error()))
		}
	}
}
