package cost

import (
	"testing"

	"github.com/omne42/ditto/internal/config"
)

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		bodyLen int
		want    int64
	}{
		{0, 0},
		{-5, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{12, 3},
	}
	for _, c := range cases {
		if got := EstimateTokens(c.bodyLen); got != c.want {
			t.Errorf("EstimateTokens(%d) = %d, want %d", c.bodyLen, got, c.want)
		}
	}
}

func TestTableLookup_ExactThenTierFallback(t *testing.T) {
	table := NewTable([]config.PriceEntry{
		{Model: "gpt-4o", ServiceTier: "", InputPerMTokUSD: 5, OutputPerMTokUSD: 15},
		{Model: "gpt-4o", ServiceTier: "flex", InputPerMTokUSD: 2.5, OutputPerMTokUSD: 10},
	})

	p, ok := table.Lookup("gpt-4o", "flex")
	if !ok || p.InputMicrosPerTok != 2 {
		t.Fatalf("exact-tier lookup = %+v, ok=%v, want InputMicrosPerTok=2", p, ok)
	}

	p, ok = table.Lookup("gpt-4o", "priority")
	if !ok || p.InputMicrosPerTok != 5 {
		t.Fatalf("tier-fallback lookup = %+v, ok=%v, want the untiered row", p, ok)
	}

	if _, ok := table.Lookup("unknown-model", ""); ok {
		t.Fatal("expected a miss for an unknown model")
	}
}

func TestTableLookup_NilTableMisses(t *testing.T) {
	var table *Table
	if _, ok := table.Lookup("anything", ""); ok {
		t.Fatal("expected a nil table to always miss")
	}
}

func TestEstimate(t *testing.T) {
	price := Price{
		InputMicrosPerTok:       5,
		CachedInputMicrosPerTok: 1,
		CacheCreateMicrosPerTok: 6,
		OutputMicrosPerTok:      15,
	}
	usage := UsageBreakdown{InputTokens: 100, CachedInputTokens: 50, CacheCreateTokens: 10, OutputTokens: 20}

	got := Estimate(price, usage)
	want := int64(100*5 + 50*1 + 10*6 + 20*15)
	if got != want {
		t.Fatalf("Estimate() = %d, want %d", got, want)
	}
}

func TestNormalizeModel(t *testing.T) {
	if got := NormalizeModel("  gpt-4o  "); got != "gpt-4o" {
		t.Fatalf("NormalizeModel = %q, want trimmed", got)
	}
}
