// Package httpclient owns the outbound HTTP discipline shared by the
// bridge's upstream-facing components: the EPG downloader, the stream
// classifier's probes, the M3U importer, and the gateway's pass-through
// relay. It bundles preconfigured clients, a per-host concurrency limiter,
// a per-host rate limiter, and a status-aware retry helper.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// connectTimeout bounds the TCP/TLS dial for every upstream; a dead IPTV
// origin must fail a tuner slot fast rather than hang it.
const connectTimeout = 5 * time.Second

func baseTransport(idle time.Duration) *http.Transport {
	return &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       idle,
	}
}

// Default returns a client with an overall timeout, for bounded requests:
// classifier probes, M3U playlist fetches, source reachability checks. The
// EPG downloader wraps it with its own longer per-refresh timeout.
func Default() *http.Client {
	return &http.Client{
		Timeout:   60 * time.Second,
		Transport: baseTransport(30 * time.Second),
	}
}

// ForStreaming returns a client with no overall timeout (a live relay runs
// for hours) but with the same connect and response-header bounds so a
// wedged upstream still gets detected and the session torn down.
func ForStreaming() *http.Client {
	return &http.Client{
		Transport: baseTransport(90 * time.Second),
	}
}
