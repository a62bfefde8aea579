package rpc

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Per-class token bucket parameters. Generation is the expensive path and
// gets the tightest budget; anonymous callers share the budget of their
// remote address.
var classLimits = map[RateClass]struct {
	rps   rate.Limit
	burst int
}{
	RateDefault:  {rps: 20, burst: 40},
	RateGenerate: {rps: 1, burst: 5},
	RateMutate:   {rps: 5, burst: 10},
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per (identity, class). Idle entries are
// evicted so the map does not grow with every anonymous address ever seen.
type limiterPool struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	lastGC  time.Time
}

func newLimiterPool() *limiterPool {
	return &limiterPool{
		entries: make(map[string]*limiterEntry),
		lastGC:  time.Now(),
	}
}

func identityKey(ident Identity, class RateClass) string {
	if ident.Authenticated {
		return fmt.Sprintf("u:%d/%s", ident.UserID, class)
	}
	return fmt.Sprintf("a:%s/%s", ident.RemoteAddr, class)
}

func (p *limiterPool) allow(ident Identity, class RateClass) bool {
	limits, ok := classLimits[class]
	if !ok {
		limits = classLimits[RateDefault]
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.lastGC) > 10*time.Minute {
		for k, e := range p.entries {
			if now.Sub(e.lastSeen) > 30*time.Minute {
				delete(p.entries, k)
			}
		}
		p.lastGC = now
	}

	key := identityKey(ident, class)
	entry, ok := p.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(limits.rps, limits.burst)}
		p.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}
