// Package classify implements the upstream classifier: deciding, for a
// given stream, whether the gateway should pass the upstream through
// untouched, remux it into MPEG-TS with stream copy, or transcode it with a
// real encode. Only ffmpeg ever touches HLS/DASH segments, so classify's
// whole job is picking the right ffmpeg invocation from a cheap HEAD probe
// and the hints already on hand.
package classify

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/plexbridge/tuner/internal/apperr"
	"github.com/plexbridge/tuner/internal/safeurl"
)

type Mode string

const (
	ModeDirect    Mode = "direct"    // container already MPEG-TS, codecs Plex-friendly: pass bytes straight through
	ModeRemux     Mode = "remux"     // ffmpeg -c copy: repackage (e.g. HLS/DASH/RTSP) into MPEG-TS without re-encoding
	ModeTranscode Mode = "transcode" // ffmpeg real encode: incompatible codec, or upstream needs normalizing
)

// ReliabilityFloor is the score below which a stream is always transcoded:
// a flaky upstream gets the full decode/encode treatment so ffmpeg can
// regenerate clean timestamps across its dropouts instead of relaying them.
const ReliabilityFloor = 0.5

type Result struct {
	Mode        Mode
	Kind        string // resolved stream kind: hls, dash, mpegts, rtsp, rtmp, http
	ContentType string
	IsHLS       bool
}

// Input carries everything the decision needs about one play attempt.
type Input struct {
	URL              string
	DeclaredKind     string  // the Stream row's kind column; lowest-priority hint
	ReliabilityScore float64 // 0 when unknown; treated as healthy
	ClientUA         string  // requesting client's User-Agent
	ForceTranscode   bool
}

var plexFriendlyVideoCodecHints = []string{"video/mp2t", "video/mpeg", "application/octet-stream"}

// KindFromURL resolves the stream kind from the URL alone, in the priority
// order the rest of the decision depends on: file extension first, then an
// explicit type=ts query flag, then the scheme for rtsp/rtmp. Returns ""
// when the URL alone is not enough and the caller should fall through to
// the HEAD probe and finally the declared kind.
func KindFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(path, ".m3u8"):
		return "hls"
	case strings.HasSuffix(path, ".mpd"):
		return "dash"
	case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".mpegts"), strings.HasSuffix(path, ".mts"):
		return "mpegts"
	}
	if u.Query().Get("type") == "ts" {
		return "mpegts"
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp":
		return "rtsp"
	case "rtmp":
		return "rtmp"
	}
	return ""
}

func kindFromContentType(ct string) string {
	switch {
	case strings.Contains(ct, "mpegurl"):
		return "hls"
	case strings.Contains(ct, "dash+xml"):
		return "dash"
	case strings.Contains(ct, "video/mp2t"):
		return "mpegts"
	}
	return ""
}

// isBrowserUA reports whether the client is a web browser. Browsers cannot
// play raw MPEG-TS, so .ts upstreams headed for one always transcode.
func isBrowserUA(ua string) bool {
	ua = strings.ToLower(ua)
	if strings.Contains(ua, "plex") || strings.Contains(ua, "lavf") || strings.Contains(ua, "vlc") {
		return false
	}
	return strings.Contains(ua, "mozilla") || strings.Contains(ua, "webkit") || strings.Contains(ua, "gecko")
}

func isPlexUA(ua string) bool {
	return strings.Contains(strings.ToLower(ua), "plex")
}

// Decide resolves the stream kind (extension, then type=ts flag, then HEAD
// Content-Type, then the declared kind) and picks the pipeline mode:
//
//   - transcode when forced, when the reliability score has sunk below the
//     floor, when a .ts upstream is headed for a browser, or when an HLS
//     upstream is headed for a Plex client (codec-quirk normalization);
//   - direct pass only for an mpegts upstream whose probe confirms a TS or
//     octet-stream body;
//   - remux for everything else ffmpeg can repackage without re-encoding.
func Decide(ctx context.Context, client *http.Client, in Input) (Result, error) {
	if !safeurl.IsStreamURL(in.URL) {
		return Result{}, apperr.Wrap(apperr.ErrUpstream, errInvalidScheme(in.URL))
	}

	kind := KindFromURL(in.URL)

	if in.ForceTranscode {
		return Result{Mode: ModeTranscode, Kind: kindOrDeclared(kind, in.DeclaredKind), IsHLS: kind == "hls"}, nil
	}
	if kind == "mpegts" && isBrowserUA(in.ClientUA) {
		return Result{Mode: ModeTranscode, Kind: "mpegts"}, nil
	}
	if in.ReliabilityScore > 0 && in.ReliabilityScore < ReliabilityFloor {
		return Result{Mode: ModeTranscode, Kind: kindOrDeclared(kind, in.DeclaredKind), IsHLS: kind == "hls"}, nil
	}

	// rtsp/rtmp never answer an HTTP probe; ffmpeg ingests them directly.
	if kind == "rtsp" || kind == "rtmp" {
		return Result{Mode: ModeRemux, Kind: kind}, nil
	}

	var ct string
	if kind == "" || kind == "mpegts" {
		// The URL alone was inconclusive, or direct pass needs the probe to
		// confirm the body really is TS before relaying raw bytes.
		probeCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		resp, err := probe(probeCtx, client, in.URL)
		cancel()
		if err == nil {
			ct = strings.ToLower(resp.Header.Get("Content-Type"))
			resp.Body.Close()
			if kind == "" {
				kind = kindFromContentType(ct)
			}
		}
	}
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(in.DeclaredKind))
	}

	switch kind {
	case "hls":
		if isPlexUA(in.ClientUA) {
			return Result{Mode: ModeTranscode, Kind: kind, ContentType: ct, IsHLS: true}, nil
		}
		return Result{Mode: ModeRemux, Kind: kind, ContentType: ct, IsHLS: true}, nil
	case "mpegts":
		if isDirectTSContentType(ct) {
			return Result{Mode: ModeDirect, Kind: kind, ContentType: ct}, nil
		}
		return Result{Mode: ModeRemux, Kind: kind, ContentType: ct}, nil
	default:
		return Result{Mode: ModeRemux, Kind: kind, ContentType: ct}, nil
	}
}

func kindOrDeclared(kind, declared string) string {
	if kind != "" {
		return kind
	}
	return strings.ToLower(strings.TrimSpace(declared))
}

// Classify is the probe-only entry point: no declared kind, no client UA.
// The preview endpoint and tests use it; the gateway's play path goes
// through Decide with the full Input.
func Classify(ctx context.Context, client *http.Client, streamURL string, forceTranscode bool) (Result, error) {
	if !safeurl.IsStreamURL(streamURL) {
		return Result{}, apperr.Wrap(apperr.ErrUpstream, errInvalidScheme(streamURL))
	}
	if forceTranscode {
		return Result{Mode: ModeTranscode, Kind: KindFromURL(streamURL)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	resp, err := probe(ctx, client, streamURL)
	if err != nil {
		// Probing is best-effort: if the upstream rejects HEAD/ranged GET
		// entirely, fall back to remux, which ffmpeg can apply to almost
		// anything it can open.
		return Result{Mode: ModeRemux, Kind: KindFromURL(streamURL)}, nil
	}
	defer resp.Body.Close()

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	isHLS := kindFromContentType(ct) == "hls" || KindFromURL(streamURL) == "hls"

	switch {
	case isHLS:
		return Result{Mode: ModeRemux, Kind: "hls", ContentType: ct, IsHLS: true}, nil
	case isDirectTSContentType(ct):
		return Result{Mode: ModeDirect, Kind: "mpegts", ContentType: ct}, nil
	default:
		return Result{Mode: ModeRemux, Kind: kindFromContentType(ct), ContentType: ct}, nil
	}
}

func probe(ctx context.Context, client *http.Client, streamURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, streamURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err == nil && resp.StatusCode < 400 {
		return resp, nil
	}
	if resp != nil {
		resp.Body.Close()
	}
	// Some origins 405 HEAD; retry with a ranged GET that only reads headers.
	req2, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	req2.Header.Set("Range", "bytes=0-0")
	resp2, err := client.Do(req2)
	if err != nil {
		return nil, err
	}
	if resp2.StatusCode >= 400 {
		resp2.Body.Close()
		return nil, errBadStatus(resp2.StatusCode)
	}
	return resp2, nil
}

func isDirectTSContentType(ct string) bool {
	for _, hint := range plexFriendlyVideoCodecHints {
		if strings.Contains(ct, hint) {
			return true
		}
	}
	return false
}

type invalidSchemeError string

func (e invalidSchemeError) Error() string { return "unsafe or invalid stream URL: " + string(e) }

func errInvalidScheme(url string) error { return invalidSchemeError(url) }

type badStatusError int

func (e badStatusError) Error() string { return "upstream probe returned HTTP " + strconv.Itoa(int(e)) }

func errBadStatus(code int) error { return badStatusError(code) }
