package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	maxConnectionsPerIP   = 32
	connectionsPerSecond  = 10.0
	connectionBurst       = 20
	rateLimiterIdleExpiry = 10 * time.Minute
)

// LimitReason describes why a connection was refused before upgrade.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits guards the websocket endpoint: a global cap on concurrent
// connections, a per-IP cap, and a per-IP token bucket on connection churn.
type ConnectionLimits struct {
	globalCurrent atomic.Int64
	globalMax     int64

	mu       sync.Mutex
	perIP    map[string]int
	limiters map[string]*rateLimiterEntry
	clock    clockwork.Clock
	sweepAt  time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionLimits(globalMax int64, clock clockwork.Clock) *ConnectionLimits {
	return &ConnectionLimits{
		globalMax: globalMax,
		perIP:     make(map[string]int),
		limiters:  make(map[string]*rateLimiterEntry),
		clock:     clock,
		sweepAt:   clock.Now().Add(rateLimiterIdleExpiry),
	}
}

// Acquire claims a connection slot for ip. Returns false and the reason if
// any limit is exceeded; a refused acquire claims nothing.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.allowRate(ip) {
		return false, LimitReasonRate
	}

	for {
		current := l.globalCurrent.Load()
		if current >= l.globalMax {
			return false, LimitReasonGlobal
		}
		if l.globalCurrent.CompareAndSwap(current, current+1) {
			break
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perIP[ip] >= maxConnectionsPerIP {
		l.globalCurrent.Add(-1)
		return false, LimitReasonPerIP
	}
	l.perIP[ip]++
	return true, ""
}

// Release returns the slot claimed by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.globalCurrent.Add(-1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if count := l.perIP[ip]; count > 0 {
		l.perIP[ip] = count - 1
		if l.perIP[ip] == 0 {
			delete(l.perIP, ip)
		}
	}
}

// Current returns the number of live connections.
func (l *ConnectionLimits) Current() int64 {
	return l.globalCurrent.Load()
}

func (l *ConnectionLimits) allowRate(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.sweepAt) {
		l.sweepLocked(now)
		l.sweepAt = now.Add(rateLimiterIdleExpiry)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rate.Limit(connectionsPerSecond), connectionBurst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// sweepLocked drops token buckets for IPs not seen within the expiry window.
func (l *ConnectionLimits) sweepLocked(now time.Time) {
	cutoff := now.Add(-rateLimiterIdleExpiry)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}
