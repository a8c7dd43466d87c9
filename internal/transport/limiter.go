package transport

import "sync"

// ipLimiter caps concurrent mesh connections and open streams per remote IP.
// A zero cap disables that limit.
type ipLimiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[string]int
	streamCounts map[string]int
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
	}
}

func acquire(mu *sync.Mutex, counts map[string]int, limit int, ip string) bool {
	if limit <= 0 {
		return true
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[ip] >= limit {
		return false
	}
	counts[ip]++
	return true
}

func release(mu *sync.Mutex, counts map[string]int, limit int, ip string) {
	if limit <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[ip] <= 1 {
		delete(counts, ip)
		return
	}
	counts[ip]--
}

func (l *ipLimiter) acquireConn(ip string) bool {
	return acquire(&l.mu, l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	release(&l.mu, l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) acquireStream(ip string) bool {
	return acquire(&l.mu, l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	release(&l.mu, l.streamCounts, l.maxStreams, ip)
}
