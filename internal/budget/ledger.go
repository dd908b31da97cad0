// Package budget implements the two-phase reserve/settle/rollback protocol
// over per-scope token and USD-micros counters, generalizing the teacher's
// ratelimit.QuotaTracker (a single mutex-guarded consumed/limit map) with an
// explicit reservation table so settlement is idempotent by reservation id,
// per spec.md §4.2.
package budget

import (
	"errors"
	"sync"

	gw "github.com/omne42/ditto/internal/gateway"
)

// ErrExceeded is returned by Reserve when spent+reserved+amount would
// exceed the scope's limit.
var ErrExceeded = errors.New("budget: limit exceeded")

// ErrUnknownReservation is returned by Settle/Rollback for an unrecognised
// reservation id. Settling an already-finalized reservation is a no-op and
// returns nil.
var ErrUnknownReservation = errors.New("budget: unknown reservation")

// Dimension selects which counter pair (tokens or USD-micros) a call acts
// on; both share the same reservation table and protocol.
type Dimension int

const (
	DimTokens Dimension = iota
	DimCostMicros
)

type scopeState struct {
	mu    sync.Mutex
	state gw.BudgetLedgerState
}

// Ledger is an in-process, mutex-guarded implementation of the budget
// protocol. A durable implementation satisfying the same Reserve/Settle/
// Rollback contract against an external store is expected to apply the
// identical compare-and-increment semantics atomically (e.g. a Lua script
// against Redis, or a SQL transaction).
type Ledger struct {
	mu           sync.Mutex
	scopes       map[string]*scopeState
	reservations map[string]*reservation
	idSeq        uint64
}

type reservation struct {
	mu        sync.Mutex
	scopeKey  string
	dimension Dimension
	amount    int64
	limit     int64
	status    gw.ReservationStatus
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		scopes:       make(map[string]*scopeState),
		reservations: make(map[string]*reservation),
	}
}

func (l *Ledger) scopeFor(scopeKey string) *scopeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scopes[scopeKey]
	if !ok {
		s = &scopeState{}
		l.scopes[scopeKey] = s
	}
	return s
}

// Reserve attempts to reserve amount against scopeKey's limit for the given
// dimension. On success it returns a reservation id; on failure it returns
// ErrExceeded and leaves all counters untouched.
func (l *Ledger) Reserve(scopeKey string, dim Dimension, limit, amount int64, idHint string) (string, error) {
	if limit <= 0 {
		// Unset limit: unlimited at this scope, still track reservation for
		// bookkeeping/settlement symmetry but never reject.
		limit = 0
	}
	s := l.scopeFor(scopeKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	var spent, reserved int64
	switch dim {
	case DimTokens:
		spent, reserved = s.state.SpentTokens, s.state.ReservedTokens
	case DimCostMicros:
		spent, reserved = s.state.SpentUSDMicros, s.state.ReservedUSDMicros
	}

	if limit > 0 && spent+reserved+amount > limit {
		return "", ErrExceeded
	}

	switch dim {
	case DimTokens:
		s.state.ReservedTokens += amount
	case DimCostMicros:
		s.state.ReservedUSDMicros += amount
	}

	id := idHint
	if id == "" {
		l.mu.Lock()
		l.idSeq++
		id = scopeKey + "-" + itoa(int(l.idSeq))
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.reservations[id] = &reservation{
		scopeKey:  scopeKey,
		dimension: dim,
		amount:    amount,
		limit:     limit,
		status:    gw.ReservationReserved,
	}
	l.mu.Unlock()

	return id, nil
}

// Settle finalizes a reservation: the reserved amount is released and, if
// spentAmount > 0, added to the scope's spent total. Idempotent by id —
// calling Settle twice for the same reservation is a no-op the second time.
func (l *Ledger) Settle(id string, spentAmount int64) error {
	l.mu.Lock()
	r, ok := l.reservations[id]
	l.mu.Unlock()
	if !ok {
		return ErrUnknownReservation
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != gw.ReservationReserved {
		return nil // already settled or rolled back; idempotent.
	}

	s := l.scopeFor(r.scopeKey)
	s.mu.Lock()
	switch r.dimension {
	case DimTokens:
		s.state.ReservedTokens -= r.amount
		if spentAmount > 0 {
			s.state.SpentTokens += spentAmount
		}
	case DimCostMicros:
		s.state.ReservedUSDMicros -= r.amount
		if spentAmount > 0 {
			s.state.SpentUSDMicros += spentAmount
		}
	}
	s.mu.Unlock()

	r.status = gw.ReservationSettled
	return nil
}

// Rollback is Settle with a zero spent amount.
func (l *Ledger) Rollback(id string) error {
	return l.Settle(id, 0)
}

// Snapshot returns a copy of the current ledger state for a scope.
func (l *Ledger) Snapshot(scopeKey string) gw.BudgetLedgerState {
	s := l.scopeFor(scopeKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReserveChain reserves the same amount across scopes in the given order,
// rolling back all earlier reservations (in reverse order) if any scope in
// the chain fails, per spec.md §4.2 ordering guarantee.
func ReserveChain(l *Ledger, scopeKeys []string, dim Dimension, limitFor func(scopeKey string) int64, amount int64, idPrefix string) ([]string, error) {
	ids := make([]string, 0, len(scopeKeys))
	for i, sk := range scopeKeys {
		limit := limitFor(sk)
		id, err := l.Reserve(sk, dim, limit, amount, reservationID(idPrefix, dim, i))
		if err != nil {
			for j := len(ids) - 1; j >= 0; j-- {
				_ = l.Rollback(ids[j])
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func reservationID(prefix string, dim Dimension, idx int) string {
	suffix := "t"
	if dim == DimCostMicros {
		suffix = "c"
	}
	return prefix + "-" + suffix + "-" + itoa(idx)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	p := len(buf)
	for i > 0 {
		p--
		buf[p] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		p--
		buf[p] = '-'
	}
	return string(buf[p:])
}
