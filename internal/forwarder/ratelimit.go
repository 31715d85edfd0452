package forwarder

import (
	"net"
	"net/http"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// IPLimiter caps concurrent WebSocket connections per client IP.
type IPLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

func NewIPLimiter(maxPerIP int) *IPLimiter {
	return &IPLimiter{counts: make(map[string]int), max: maxPerIP}
}

// Acquire reserves a slot for ip. Returns false at the cap.
func (l *IPLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

// Release frees a slot.
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}

// Count reports the live connections for ip.
func (l *IPLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}

// ConnectionRateLimiter throttles upgrade attempts per client IP with a
// token bucket, separately from the concurrent-connection cap: a reconnect
// storm from one address burns its own bucket instead of the accept loop.
// The per-IP limiter set is LRU-bounded so an address scan cannot grow it
// without bound.
type ConnectionRateLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// NewConnectionRateLimiter allows ratePerSec upgrades per IP with the
// given burst.
func NewConnectionRateLimiter(ratePerSec float64, burst int) (*ConnectionRateLimiter, error) {
	limiters, err := lru.New[string, *rate.Limiter](10000)
	if err != nil {
		return nil, err
	}
	return &ConnectionRateLimiter{
		limiters: limiters,
		rate:     rate.Limit(ratePerSec),
		burst:    burst,
	}, nil
}

// Allow consumes one token for ip.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters.Add(ip, limiter)
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// ClientIP resolves the real client address. X-Forwarded-For is parsed
// right to left, skipping addresses in the trusted-proxy list, so a client
// cannot spoof its way past the per-IP cap by stuffing the header. When the
// direct peer is not a trusted proxy the header is ignored entirely.
func ClientIP(r *http.Request, trustedProxies []string) string {
	remote := remoteIP(r.RemoteAddr)

	trusted := make(map[string]struct{}, len(trustedProxies))
	for _, p := range trustedProxies {
		p = strings.TrimSpace(p)
		if p != "" {
			trusted[p] = struct{}{}
		}
	}

	if _, ok := trusted[remote]; !ok {
		return remote
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remote
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if ip == "" || net.ParseIP(ip) == nil {
			continue
		}
		if _, ok := trusted[ip]; ok {
			continue
		}
		return ip
	}
	return remote
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
