package httpclient

import (
	"net/url"
	"sync"
)

// HostSemaphore caps concurrent in-flight requests per upstream host. The
// EPG downloader and every DoWithRetry caller (playlist imports, source
// reachability checks) share one limiter, so a burst of scheduled refreshes
// cannot dogpile a single IPTV origin. Classifier probes and the gateway's
// upstream connects do not go through it.
type HostSemaphore struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	limit int
}

// GlobalHostSem is the process-wide limiter: at most 4 concurrent requests
// per upstream host.
var GlobalHostSem = NewHostSemaphore(4)

func NewHostSemaphore(limit int) *HostSemaphore {
	if limit < 1 {
		limit = 1
	}
	return &HostSemaphore{slots: make(map[string]chan struct{}), limit: limit}
}

// Acquire blocks until rawURL's host has a free slot and returns the
// release func. Callers release as soon as the response headers arrive;
// long-lived stream bodies must not pin a slot.
func (h *HostSemaphore) Acquire(rawURL string) func() {
	ch := h.slotFor(hostKey(rawURL))
	ch <- struct{}{}
	return func() { <-ch }
}

func (h *HostSemaphore) slotFor(key string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.slots[key]
	if !ok {
		ch = make(chan struct{}, h.limit)
		h.slots[key] = ch
	}
	return ch
}

// hostKey normalizes a URL to its scheme+host so every path on the same
// origin shares one slot pool. An unparseable input keys on itself.
func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}
