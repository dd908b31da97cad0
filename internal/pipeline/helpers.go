package pipeline

import (
	"github.com/omne42/ditto/internal/audit"
	"github.com/omne42/ditto/internal/cache"
)

// cacheKeyFor builds the cache key for a request, scoping by virtual key
// when authenticated and falling back to the public scope otherwise.
func cacheKeyFor(rc *reqCtx) string {
	scope := cache.ScopePublic
	if rc.vkey != nil {
		scope = cache.ScopeFromVirtualKey(rc.vkey.ID)
	}
	return cache.Key(rc.method, rc.path, scope, rc.body)
}

func requestRecord(rc *reqCtx, backendName string, status int, spentTokens, spentCostMicro int64, vkID string) audit.RequestRecord {
	return audit.RequestRecord{
		RequestID:           rc.requestID,
		VirtualKeyID:        vkID,
		Backend:             backendName,
		AttemptedBackends:   rc.attempted,
		Method:              rc.method,
		Path:                rc.path,
		Model:               rc.model,
		Status:              status,
		ChargeTokens:        rc.chargeTokens,
		SpentTokens:         spentTokens,
		ChargeCostUSDMicros: rc.chargeCostMicro,
		SpentCostUSDMicros:  spentCostMicro,
		BodyLen:             len(rc.body),
	}
}
