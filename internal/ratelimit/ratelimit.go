// Package ratelimit keeps one token bucket per client key, used to slow down
// password guessing on the login route.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter allows n events per window for each key. Buckets start full,
// so a fresh key gets a burst of n before being throttled.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	window  time.Duration
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// New returns a limiter allowing n events per window and key. n <= 0 disables
// limiting.
func New(n int, window time.Duration) *KeyedLimiter {
	l := &KeyedLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Inf,
		burst:   n,
		window:  window,
		now:     time.Now,
	}
	if n > 0 && window > 0 {
		l.limit = rate.Every(window / time.Duration(n))
	}
	return l
}

// Allow consumes one event for key and reports whether it was within budget.
func (l *KeyedLimiter) Allow(key string) bool {
	if l.limit == rate.Inf {
		return true
	}
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Len is the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep forgets keys idle for longer than a window; their buckets would be
// full again anyway.
func (l *KeyedLimiter) Sweep() int {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Run sweeps idle keys every interval until ctx is done.
func (l *KeyedLimiter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

// ClientIP returns the address to rate limit r by. With trustedProxies == 0
// it is the socket peer and X-Forwarded-For is ignored. Otherwise the peer
// and the last trustedProxies-1 forwarded hops are taken to be proxies, and
// the hop just before them is the client; anything further left was written
// by the client and is never used.
func ClientIP(r *http.Request, trustedProxies int) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if trustedProxies <= 0 {
		return host
	}

	var chain []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				chain = append(chain, hop)
			}
		}
	}
	chain = append(chain, host)
	i := len(chain) - 1 - trustedProxies
	if i < 0 {
		i = 0
	}
	return chain[i]
}
