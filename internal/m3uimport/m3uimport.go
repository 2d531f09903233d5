// Package m3uimport parses an M3U playlist into Channel + Stream rows, one
// Stream per #EXTINF entry, capturing tvg-id as the channel's epg_id. The
// bridge only models live channels, so no movie/series classification is
// attempted; everything lands as an enabled live Channel.
package m3uimport

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/plexbridge/tuner/internal/classify"
	"github.com/plexbridge/tuner/internal/httpclient"
	"github.com/plexbridge/tuner/internal/safeurl"
	"github.com/plexbridge/tuner/internal/store"
)

const maxLineSize = 1 << 20 // 1 MiB per line

type badSchemeError string

func (e badSchemeError) Error() string { return "m3uimport: unsupported URL scheme: " + string(e) }

func errBadScheme(url string) error { return badSchemeError(url) }

// Entry is one playlist row: an #EXTINF line paired with its stream URL.
type Entry struct {
	Name  string
	TVGID string
	Logo  string
	URL   string
}

// Fetch downloads and parses an M3U playlist from url. Provider panels
// commonly answer a burst with 403/429, so the download runs under the
// aggressive upstream retry policy.
func Fetch(ctx context.Context, url string) ([]Entry, error) {
	if !safeurl.IsHTTPOrHTTPS(url) {
		return nil, errBadScheme(url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "PlexBridge-M3U/1.0")
	resp, err := httpclient.DoWithRetry(ctx, httpclient.Default(), req, httpclient.UpstreamRetryPolicy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return Parse(resp.Body)
}

// Parse streams #EXTINF/URL pairs out of r.
func Parse(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, maxLineSize)
	var entries []Entry
	var pending *Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#EXTINF:") {
			e := parseEXTINF(line)
			pending = &e
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if pending != nil {
			pending.URL = line
			entries = append(entries, *pending)
			pending = nil
		}
	}
	return entries, sc.Err()
}

func parseEXTINF(line string) Entry {
	var e Entry
	if i := strings.Index(line, ","); i >= 0 {
		e.Name = strings.TrimSpace(line[i+1:])
		line = line[:i]
	}
	e.TVGID = attrValue(line, "tvg-id")
	e.Logo = attrValue(line, "tvg-logo")
	if e.Name == "" {
		e.Name = attrValue(line, "tvg-name")
	}
	return e
}

// attrValue extracts key="value" from an #EXTINF attribute line.
func attrValue(line, key string) string {
	needle := key + `="`
	i := strings.Index(line, needle)
	if i < 0 {
		return ""
	}
	rest := line[i+len(needle):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// Result reports what Import wrote.
type Result struct {
	ChannelsCreated int
	StreamsCreated  int
	Skipped         int
}

// Import creates one Channel (starting at startNumber, incrementing) and one
// Stream per playlist entry. Channel numbers are assigned sequentially
// rather than parsed from the playlist, since M3U carries no numbering
// convention the store's Channel.Number uniqueness can rely on. A row whose
// channel insert fails (e.g. colliding number) is skipped rather than
// aborting the whole import, matching the per-row tolerance the rest of the
// bridge applies to bulk ingestion (see store.WritePrograms).
func Import(ctx context.Context, entries []Entry, startNumber int, st *store.Store) (Result, error) {
	var res Result
	number := startNumber
	for _, e := range entries {
		if e.URL == "" {
			res.Skipped++
			continue
		}
		name := e.Name
		if name == "" {
			name = e.URL
		}

		ch, err := st.CreateChannel(ctx, store.Channel{
			Number:  number,
			Name:    name,
			Logo:    e.Logo,
			EPGID:   e.TVGID,
			Enabled: true,
		})
		if err != nil {
			res.Skipped++
			continue
		}
		number++
		res.ChannelsCreated++

		if _, err := st.CreateStream(ctx, store.Stream{
			ChannelID: ch.ID,
			URL:       e.URL,
			Kind:      guessKind(e.URL),
			Enabled:   true,
			Position:  0,
		}); err == nil {
			res.StreamsCreated++
		}
	}
	return res, nil
}

// guessKind derives the store.Stream.Kind hint (http, hls, dash, rtsp, rtmp,
// mpegts) from the URL alone, using the classifier's own URL rules so the
// stored hint agrees with what classification will later resolve. The
// classifier still re-probes the live upstream before every play.
func guessKind(rawURL string) string {
	if kind := classify.KindFromURL(rawURL); kind != "" {
		return kind
	}
	return "http"
}
