package httpapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTenantLimiters bounds the limiter map so a tenant-ID flood cannot grow
// memory without limit. Eviction is LRU.
const maxTenantLimiters = 10_000

// tenantLimiter applies a per-tenant requests-per-second cap at the HTTP
// edge. perTenant <= 0 disables it entirely.
type tenantLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	order     []string
	perTenant int
}

func newTenantLimiter(perTenant int) *tenantLimiter {
	if perTenant <= 0 {
		return nil
	}
	return &tenantLimiter{
		limiters:  make(map[string]*rate.Limiter),
		perTenant: perTenant,
	}
}

func (l *tenantLimiter) allow(tenantID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[tenantID]
	if ok {
		// Move to end of LRU order.
		for i, k := range l.order {
			if k == tenantID {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
		l.order = append(l.order, tenantID)
		return lim.Allow()
	}

	if len(l.limiters) >= maxTenantLimiters {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.limiters, oldest)
	}

	lim = rate.NewLimiter(rate.Limit(l.perTenant), l.perTenant*2)
	l.limiters[tenantID] = lim
	l.order = append(l.order, tenantID)
	return lim.Allow()
}
