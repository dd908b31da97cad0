package pipeline

import (
	"net/http"

	"github.com/omne42/ditto/internal/budget"
	"github.com/omne42/ditto/internal/cost"
	gw "github.com/omne42/ditto/internal/gateway"
)

// resolveRoute implements spec.md §4.4: match the configured route table
// against the request's model and deterministically shuffle its weighted
// backend list, seeded by the request ID for reproducible failover order.
func (p *Pipeline) resolveRoute(rc *reqCtx) ([]string, *gw.Guardrails) {
	candidates, override := p.d.Router.Resolve(rc.model, rc.requestID)
	return candidates, override
}

// estimateCharge implements spec.md §4.8 step 4: a conservative token
// estimate from body size (or, for unbuffered multipart uploads, from
// Content-Length), and a USD-micros cost estimate when a pricing row
// exists for the model.
func (p *Pipeline) estimateCharge(rc *reqCtx) {
	if rc.contentLength > 0 {
		rc.chargeTokens = cost.EstimateTokens(int(rc.contentLength))
	} else {
		rc.chargeTokens = cost.EstimateTokens(len(rc.body))
	}
	if rc.chargeTokens == 0 {
		rc.chargeTokens = 1
	}

	model := cost.NormalizeModel(rc.model)
	if price, ok := p.d.Prices.Lookup(model, ""); ok {
		rc.price = price
		rc.hasPricing = true
		rc.chargeCostMicro = cost.Estimate(price, cost.UsageBreakdown{InputTokens: rc.chargeTokens})
	}
}

// admit implements spec.md §4.8 step 5: per-scope rate limiting followed by
// a two-phase token (and, when pricing is known, cost) budget reservation
// walked in the fixed key→tenant→project→user order, with compensating
// rollback on partial failure.
func (p *Pipeline) admit(rc *reqCtx) (int, *gw.APIError) {
	if rc.vkey == nil {
		return 0, nil
	}
	scopes := gw.ScopeChain(rc.vkey)

	for _, s := range scopes {
		ctrl := controlsFor(rc.vkey, s.Kind)
		res := p.d.Limiter.CheckAndConsume(s.Key(), rc.model, ctrl.Limits, rc.chargeTokens)
		if !res.Allowed {
			if p.d.Metrics != nil {
				p.d.Metrics.ObserveRateLimitReject(s.Kind.String(), s.ID)
			}
			return http.StatusTooManyRequests, gw.NewAPIError(http.StatusTooManyRequests, gw.ErrTypeRateLimit, "rate_limited", "rate limit exceeded", gw.ErrRateLimited)
		}
	}

	scopeKeys := make([]string, len(scopes))
	for i, s := range scopes {
		scopeKeys[i] = s.Key()
	}

	tokenLimit := func(scopeKey string) int64 {
		for _, s := range scopes {
			if s.Key() == scopeKey {
				return controlsFor(rc.vkey, s.Kind).Budget.TotalTokens
			}
		}
		return 0
	}
	tokenIDs, err := budget.ReserveChain(p.d.Ledger, scopeKeys, budget.DimTokens, tokenLimit, rc.chargeTokens, rc.requestID)
	if err != nil {
		if p.d.Metrics != nil {
			p.d.Metrics.ObserveBudgetReject("chain", rc.vkey.ID)
		}
		return http.StatusPaymentRequired, gw.NewAPIError(http.StatusPaymentRequired, gw.ErrTypePolicy, "budget_exceeded", "token budget exceeded", gw.ErrBudgetExceeded)
	}
	rc.tokenReservationIDs = tokenIDs

	if rc.hasPricing {
		costLimit := func(scopeKey string) int64 {
			for _, s := range scopes {
				if s.Key() == scopeKey {
					return controlsFor(rc.vkey, s.Kind).Budget.TotalUSDMicros
				}
			}
			return 0
		}
		costIDs, err := budget.ReserveChain(p.d.Ledger, scopeKeys, budget.DimCostMicros, costLimit, rc.chargeCostMicro, rc.requestID)
		if err != nil {
			for _, id := range tokenIDs {
				_ = p.d.Ledger.Rollback(id)
			}
			rc.tokenReservationIDs = nil
			if p.d.Metrics != nil {
				p.d.Metrics.ObserveBudgetReject("chain", rc.vkey.ID)
			}
			return http.StatusPaymentRequired, gw.NewAPIError(http.StatusPaymentRequired, gw.ErrTypePolicy, "budget_exceeded", "cost budget exceeded", gw.ErrBudgetExceeded)
		}
		rc.costReservationIDs = costIDs
	}

	return 0, nil
}

// settle finalizes both reservation chains with the measured usage,
// implementing spec.md §4.8 step 11. A zero spentTokens/spentCost pair
// settles every open reservation at zero, used on cache hits and aborted
// streams.
func (p *Pipeline) settle(rc *reqCtx, spentTokens, spentCostMicro int64) {
	for _, id := range rc.tokenReservationIDs {
		_ = p.d.Ledger.Settle(id, spentTokens)
	}
	for _, id := range rc.costReservationIDs {
		_ = p.d.Ledger.Settle(id, spentCostMicro)
	}
}
