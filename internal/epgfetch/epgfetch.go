// Package epgfetch implements the EPG ingester's download step: fetching
// an XMLTV source with retries, redirects, and transparent decompression.
// Unlike the shared httpclient retry helper it runs a fixed backoff
// schedule (5s/10s/20s capped at 30s) and enforces a body-size ceiling,
// since a refresh runs unattended on a cron tick with no viewer waiting.
package epgfetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/plexbridge/tuner/internal/apperr"
	"github.com/plexbridge/tuner/internal/httpclient"
)

// Config controls the download step's limits.
type Config struct {
	Timeout       time.Duration // total request timeout, default 120s
	MaxBodyBytes  int64         // default 100 MiB
	MaxRetries    int           // default 3 attempts total
	MaxRedirects  int           // default 10
	UserAgent     string
	RateLimiter   *httpclient.HostRateLimiter
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 100 << 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 10
	}
	if c.UserAgent == "" {
		c.UserAgent = "PlexBridge-EPG/1.0"
	}
	return c
}

// backoffSteps are the fixed wait times between attempts, capped at 30s.
var backoffSteps = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Fetch downloads url, retrying transient failures, and returns the
// decompressed body. Decompression is chosen by the response's
// Content-Encoding, falling back to sniffing the gzip magic number; some
// providers serve gzip bytes with no Content-Encoding header at all.
func Fetch(ctx context.Context, client *http.Client, url string, cfg Config) ([]byte, error) {
	cfg = cfg.withDefaults()
	if client == nil {
		client = httpclient.Default()
	}
	client = withRedirectLimit(client, cfg.MaxRedirects)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffSteps[min(attempt-1, len(backoffSteps)-1)]
			if wait > 30*time.Second {
				wait = 30 * time.Second
			}
			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.ErrUpstream, fmt.Errorf("epg download: %w", ctx.Err()))
			case <-time.After(wait):
			}
		}
		if cfg.RateLimiter != nil {
			if err := cfg.RateLimiter.Wait(ctx, url); err != nil {
				return nil, apperr.Wrap(apperr.ErrUpstream, fmt.Errorf("epg download: %w", err))
			}
		}
		body, err := attemptFetch(ctx, client, url, cfg)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}
	return nil, apperr.Wrap(apperr.ErrUpstream, fmt.Errorf("epg download: %w (after %d attempts)", lastErr, cfg.MaxRetries))
}

func attemptFetch(ctx context.Context, client *http.Client, url string, cfg Config) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	release := httpclient.GlobalHostSem.Acquire(url)
	resp, err := client.Do(req)
	release()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, cfg.MaxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > cfg.MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds max size %d bytes", cfg.MaxBodyBytes)
	}

	return decompress(raw, resp.Header.Get("Content-Encoding"))
}

// decompress honors an explicit Content-Encoding, else sniffs the gzip
// magic number (0x1f 0x8b), else returns the body as-is (plain XML is the
// common case).
func decompress(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "gzip":
		return gunzip(body)
	case "deflate":
		return inflate(body)
	case "br":
		return unbrotli(body)
	}
	if looksGzip(body) {
		return gunzip(body)
	}
	return body, nil
}

func looksGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func inflate(body []byte) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(body))
	defer fr.Close()
	return io.ReadAll(fr)
}

func unbrotli(body []byte) ([]byte, error) {
	br := brotli.NewReader(bytes.NewReader(body))
	return io.ReadAll(br)
}

// withRedirectLimit returns a shallow copy of client with a CheckRedirect
// that refuses to follow more than max hops.
func withRedirectLimit(client *http.Client, max int) *http.Client {
	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return errors.New("stopped after too many redirects")
		}
		return nil
	}
	return &c
}
