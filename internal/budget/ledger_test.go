package budget

import "testing"

func TestReserveExceedingLimitFails(t *testing.T) {
	l := New()
	_, err := l.Reserve("vk-1", DimTokens, 1, 3, "r1")
	if err != ErrExceeded {
		t.Fatalf("expected ErrExceeded, got %v", err)
	}
	snap := l.Snapshot("vk-1")
	if snap.ReservedTokens != 0 {
		t.Fatalf("failed reserve must not mutate reserved total, got %+v", snap)
	}
}

func TestSettleMovesReservedToSpent(t *testing.T) {
	l := New()
	id, err := l.Reserve("vk-1", DimTokens, 100, 10, "r1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := l.Settle(id, 7); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	snap := l.Snapshot("vk-1")
	if snap.ReservedTokens != 0 {
		t.Fatalf("expected reserved to drop to 0, got %d", snap.ReservedTokens)
	}
	if snap.SpentTokens != 7 {
		t.Fatalf("expected spent=7, got %d", snap.SpentTokens)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	l := New()
	id, _ := l.Reserve("vk-1", DimTokens, 100, 10, "r1")
	if err := l.Settle(id, 10); err != nil {
		t.Fatalf("first settle failed: %v", err)
	}
	if err := l.Settle(id, 10); err != nil {
		t.Fatalf("second settle should be a no-op, got error: %v", err)
	}
	snap := l.Snapshot("vk-1")
	if snap.SpentTokens != 10 {
		t.Fatalf("double-settle must not double count, got spent=%d", snap.SpentTokens)
	}
}

func TestRollbackReleasesWithoutSpend(t *testing.T) {
	l := New()
	id, _ := l.Reserve("vk-1", DimTokens, 100, 10, "r1")
	if err := l.Rollback(id); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	snap := l.Snapshot("vk-1")
	if snap.ReservedTokens != 0 || snap.SpentTokens != 0 {
		t.Fatalf("rollback must leave no trace, got %+v", snap)
	}
}

func TestReserveChainRollsBackOnLaterFailure(t *testing.T) {
	l := New()
	limits := map[string]int64{"key:vk-1": 100, "tenant:t1": 1}
	_, err := ReserveChain(l, []string{"key:vk-1", "tenant:t1"}, DimTokens, func(sk string) int64 {
		return limits[sk]
	}, 5, "req-1")
	if err != ErrExceeded {
		t.Fatalf("expected chain to fail at tenant scope, got %v", err)
	}
	snap := l.Snapshot("key:vk-1")
	if snap.ReservedTokens != 0 {
		t.Fatalf("earlier reservation must be rolled back, got reserved=%d", snap.ReservedTokens)
	}
}
