package sidechannel

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultPeerRate  = 20
	DefaultPeerBurst = 40
	limiterIdle      = 10 * time.Minute
)

// peerLimiter is a token bucket per sender key.
type peerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*peerBucket
	sweep   time.Time
}

type peerBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newPeerLimiter(perSec float64, burst int) *peerLimiter {
	if burst <= 0 {
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &peerLimiter{
		limit:   rate.Limit(perSec),
		burst:   burst,
		buckets: make(map[string]*peerBucket),
	}
}

func (l *peerLimiter) Allow(key string, now time.Time) bool {
	if l == nil || l.limit <= 0 || key == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &peerBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	if now.Sub(l.sweep) > limiterIdle {
		for k, other := range l.buckets {
			if now.Sub(other.seen) > limiterIdle {
				delete(l.buckets, k)
			}
		}
		l.sweep = now
	}
	return b.lim.AllowN(now, 1)
}
