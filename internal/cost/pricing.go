// Package cost implements the Usage & Cost Model: character-length token
// estimation and pricing-table driven USD cost accounting.
package cost

import (
	"strings"

	"github.com/omne42/ditto/internal/config"
)

// EstimateTokens approximates token count from byte length, following the
// teacher's tokencount heuristic: ceil(len/4).
func EstimateTokens(bodyLen int) int64 {
	if bodyLen <= 0 {
		return 0
	}
	return int64((bodyLen + 3) / 4)
}

// priceKey identifies one pricing-table row.
type priceKey struct {
	model string
	tier  string
}

// Table maps (model, service_tier) to per-token USD-micros prices.
type Table struct {
	rows map[priceKey]Price
}

// Price holds per-token-category USD-micros-per-token rates. Values are
// expressed in USD-micros per token (1 USD = 1_000_000 micros) to keep cost
// accounting in integer arithmetic.
type Price struct {
	InputMicrosPerTok       int64
	CachedInputMicrosPerTok int64
	CacheCreateMicrosPerTok int64
	OutputMicrosPerTok      int64
}

// NewTable builds a pricing table from configuration entries.
func NewTable(entries []config.PriceEntry) *Table {
	t := &Table{rows: make(map[priceKey]Price, len(entries))}
	for _, e := range entries {
		t.rows[priceKey{model: e.Model, tier: e.ServiceTier}] = Price{
			InputMicrosPerTok:       usdPerMTokToMicrosPerTok(e.InputPerMTokUSD),
			CachedInputMicrosPerTok: usdPerMTokToMicrosPerTok(e.CachedInputPerMTokUSD),
			CacheCreateMicrosPerTok: usdPerMTokToMicrosPerTok(e.CacheCreatePerMTokUSD),
			OutputMicrosPerTok:      usdPerMTokToMicrosPerTok(e.OutputPerMTokUSD),
		}
	}
	return t
}

func usdPerMTokToMicrosPerTok(usdPerMTok float64) int64 {
	// 1 token = 1/1_000_000th of a "million tokens"; 1 USD = 1_000_000 micros.
	// micros_per_tok = usd_per_mtok * 1_000_000 / 1_000_000 = usd_per_mtok.
	return int64(usdPerMTok)
}

// Lookup finds the price row for a model, trying an exact (model,tier) match
// then a (model,"") fallback.
func (t *Table) Lookup(model, tier string) (Price, bool) {
	if t == nil {
		return Price{}, false
	}
	if p, ok := t.rows[priceKey{model: model, tier: tier}]; ok {
		return p, true
	}
	if tier != "" {
		if p, ok := t.rows[priceKey{model: model}]; ok {
			return p, true
		}
	}
	return Price{}, false
}

// UsageBreakdown is the subset of provider-reported usage categories this
// gateway understands, beyond the plain input/output split.
type UsageBreakdown struct {
	InputTokens       int64
	CachedInputTokens int64
	CacheCreateTokens int64
	OutputTokens      int64
}

// Estimate computes USD-micros cost for a usage breakdown against a price
// row. Categories absent from the breakdown contribute zero.
func Estimate(p Price, u UsageBreakdown) int64 {
	return u.InputTokens*p.InputMicrosPerTok +
		u.CachedInputTokens*p.CachedInputMicrosPerTok +
		u.CacheCreateTokens*p.CacheCreateMicrosPerTok +
		u.OutputTokens*p.OutputMicrosPerTok
}

// NormalizeModel trims surrounding whitespace from a model name before a
// pricing lookup. Provider version suffixes are not stripped, so a pricing
// row must name the model exactly as the request does.
func NormalizeModel(model string) string {
	return strings.TrimSpace(model)
}
