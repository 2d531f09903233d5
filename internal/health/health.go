// Package health provides reachability probes for the diagnose endpoint and
// the CLI healthcheck subcommand: upstream EPG/stream source reachability
// and the bridge's own HDHomeRun HTTP surface.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/plexbridge/tuner/internal/httpclient"
)

// CheckSourceURL fetches url (M3U playlist, XMLTV feed, or stream) and reports
// whether it responds with 200 OK within a short timeout. Transient 429/5xx
// answers get one retry so a diagnose call doesn't flag a source that is
// merely rate-limiting.
func CheckSourceURL(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("no source URL configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithRetry(ctx, httpclient.Default(), req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return fmt.Errorf("source unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// CheckEndpoints hits discover/lineup/lineup_status on the bridge's own
// advertised base URL, to verify the HDHomeRun surface it serves to Plex is
// actually reachable at the address it advertises.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/discover.json", "/lineup.json", "/lineup_status.json"} {
		url := baseURL + path
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}

