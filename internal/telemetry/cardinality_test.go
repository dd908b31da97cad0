package telemetry

import "testing"

func TestCapperAllowsDistinctValuesUpToMax(t *testing.T) {
	c := newCapper(2)

	if got := c.Label("a"); got != "a" {
		t.Fatalf("Label(a) = %q, want a", got)
	}
	if got := c.Label("b"); got != "b" {
		t.Fatalf("Label(b) = %q, want b", got)
	}
	if got := c.Label("c"); got != overflowLabel {
		t.Fatalf("Label(c) = %q, want overflow past the cap", got)
	}
	// a previously-seen value keeps its own label even after the cap trips.
	if got := c.Label("a"); got != "a" {
		t.Fatalf("Label(a) = %q, want a to remain stable", got)
	}
}

func TestCapperZeroMaxAlwaysOverflows(t *testing.T) {
	c := newCapper(0)
	if got := c.Label("anything"); got != overflowLabel {
		t.Fatalf("Label() = %q, want overflow when max<=0", got)
	}
}
