// Package safeurl validates upstream URLs before the bridge connects to
// them: stream URLs arrive from imported playlists and admin input, and EPG
// source URLs from admin input, so anything that isn't a scheme the gateway
// or ingester can legitimately dial is rejected up front.
package safeurl

import "net/url"

// IsHTTPOrHTTPS reports whether u parses and uses http or https. Rejects
// file://, ftp://, and other schemes that could reach local files or
// internal services. EPG sources and M3U playlists must pass this check.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// IsStreamURL reports whether u uses a scheme the streaming pipeline can
// hand to the encoder: http(s) for direct/HLS/DASH/MPEG-TS upstreams, plus
// rtsp/rtmp which ffmpeg ingests natively.
func IsStreamURL(u string) bool {
	if IsHTTPOrHTTPS(u) {
		return true
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return s == "rtsp" || s == "rtmp"
}
