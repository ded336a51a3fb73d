package httpclient

import (
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// HostRateLimiter hands out a token-bucket rate.Limiter per host, so probing
// many channels against the same upstream provider doesn't look like a burst
// attack to that provider.
type HostRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewHostRateLimiter returns a limiter allowing rps requests/sec per host,
// with burst allowed immediately.
func NewHostRateLimiter(rps float64, burst int) *HostRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &HostRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// For returns the limiter for rawURL's scheme+host, creating one on first use.
func (h *HostRateLimiter) For(rawURL string) *rate.Limiter {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Scheme + "://" + u.Host
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.limiters[host]
	if !ok {
		lim = rate.NewLimiter(h.rps, h.burst)
		h.limiters[host] = lim
	}
	return lim
}
