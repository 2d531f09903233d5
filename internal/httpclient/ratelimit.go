package httpclient

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// HostRateLimiter caps request rate per host, complementing GlobalHostSem's
// concurrency cap with a requests-per-second ceiling. The EPG downloader
// and the gateway's upstream connects share one instance, so a
// misconfigured refresh interval or a burst of tuner opens can't hammer a
// single origin.
type HostRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewHostRateLimiter(rps float64, burst int) *HostRateLimiter {
	return &HostRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (h *HostRateLimiter) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.limiters[host] = l
	}
	return l
}

// Wait blocks until rawURL's host is allowed to make another request, or ctx
// is cancelled. An unparseable URL is never rate-limited here; the caller's
// own request construction rejects it with a better error.
func (h *HostRateLimiter) Wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return h.limiterFor(u.Host).Wait(ctx)
}
