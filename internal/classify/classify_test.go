package classify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassifyDirectTS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	res, err := Classify(context.Background(), srv.Client(), srv.URL, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Mode != ModeDirect {
		t.Fatalf("expected direct mode, got %s", res.Mode)
	}
}

func TestClassifyHLS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	res, err := Classify(context.Background(), srv.Client(), srv.URL, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Mode != ModeRemux || !res.IsHLS {
		t.Fatalf("expected remux+HLS, got %+v", res)
	}
}

func TestClassifyForceTranscode(t *testing.T) {
	res, err := Classify(context.Background(), http.DefaultClient, "http://example.com/x.ts", true)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Mode != ModeTranscode {
		t.Fatalf("expected transcode mode, got %s", res.Mode)
	}
}

func TestClassifyRejectsUnsafeScheme(t *testing.T) {
	if _, err := Classify(context.Background(), http.DefaultClient, "file:///etc/passwd", false); err == nil {
		t.Fatal("expected error for file:// scheme")
	}
}

func TestKindFromURL(t *testing.T) {
	cases := map[string]string{
		"http://x/live.m3u8":          "hls",
		"http://x/manifest.mpd":       "dash",
		"http://x/stream.ts":          "mpegts",
		"http://x/stream.mpegts":      "mpegts",
		"http://x/stream.mts":         "mpegts",
		"http://x/play?type=ts":       "mpegts",
		"rtsp://cam.local/stream":     "rtsp",
		"rtmp://cdn.example/live/ch1": "rtmp",
		"http://x/stream":             "",
		"http://x/live.m3u8?token=a":  "hls",
	}
	for url, want := range cases {
		if got := KindFromURL(url); got != want {
			t.Errorf("KindFromURL(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestDecideBrowserTSAlwaysTranscodes(t *testing.T) {
	res, err := Decide(context.Background(), http.DefaultClient, Input{
		URL:      "http://x/stream.ts",
		ClientUA: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Mode != ModeTranscode {
		t.Fatalf("expected transcode for .ts to a browser, got %s", res.Mode)
	}
}

func TestDecideLowReliabilityTranscodes(t *testing.T) {
	res, err := Decide(context.Background(), http.DefaultClient, Input{
		URL:              "http://x/live.m3u8",
		ReliabilityScore: 0.2,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Mode != ModeTranscode {
		t.Fatalf("expected transcode below the reliability floor, got %s", res.Mode)
	}
}

func TestDecideHLSForPlexTranscodes(t *testing.T) {
	res, err := Decide(context.Background(), http.DefaultClient, Input{
		URL:      "http://x/live.m3u8",
		ClientUA: "Plex/4.15 (Android)",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Mode != ModeTranscode || !res.IsHLS {
		t.Fatalf("expected HLS-for-Plex to transcode, got %+v", res)
	}
}

func TestDecideRTSPRemuxesWithoutProbe(t *testing.T) {
	res, err := Decide(context.Background(), http.DefaultClient, Input{URL: "rtsp://cam.local/stream"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Mode != ModeRemux || res.Kind != "rtsp" {
		t.Fatalf("expected rtsp remux, got %+v", res)
	}
}

func TestDecideFallsBackToDeclaredKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	res, err := Decide(context.Background(), srv.Client(), Input{URL: srv.URL, DeclaredKind: "hls"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Mode != ModeRemux || res.Kind != "hls" {
		t.Fatalf("expected declared-kind fallback to hls remux, got %+v", res)
	}
}

func TestClassifyFallsBackWhenHeadUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()
	res, err := Classify(context.Background(), srv.Client(), srv.URL, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Mode != ModeDirect {
		t.Fatalf("expected direct mode via GET fallback, got %+v", res)
	}
}
