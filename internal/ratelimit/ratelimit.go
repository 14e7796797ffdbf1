// Package ratelimit keeps one token bucket per caller.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Options struct {
	// PerMinute is the sustained rate. Burst defaults to PerMinute.
	PerMinute int
	Burst     int
	// IdleTTL drops buckets not touched for this long. Default 10m.
	IdleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*entry
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
	sweptAt time.Time
}

// New returns nil when PerMinute is not positive, which disables limiting.
func New(opts Options) *Limiter {
	if opts.PerMinute <= 0 {
		return nil
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.PerMinute
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	return &Limiter{
		buckets: map[string]*entry{},
		limit:   rate.Limit(float64(opts.PerMinute) / 60.0),
		burst:   opts.Burst,
		idleTTL: opts.IdleTTL,
		now:     time.Now,
	}
}

// Allow consumes one token for key. A nil Limiter always allows.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.burst
}

func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.sweptAt) < l.idleTTL {
		return
	}
	for key, e := range l.buckets {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
	l.sweptAt = now
}

// ClientKey prefers the authenticated user and falls back to the remote
// address without its port.
func ClientKey(r *http.Request, userID string) string {
	if userID != "" {
		return "user:" + userID
	}
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i > 0 {
		addr = addr[:i]
	}
	return "ip:" + addr
}
