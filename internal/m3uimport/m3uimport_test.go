package m3uimport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParse_empty(t *testing.T) {
	entries, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected 0 entries; got %d", len(entries))
	}
}

func TestParse_basic(t *testing.T) {
	m3u := `#EXTM3U
#EXTINF:-1 tvg-id="bbc1.uk" tvg-logo="http://logo/bbc1.png",BBC One
http://example.com/bbc1
#EXTINF:-1,No Attrs Channel
http://example.com/noattrs
`
	entries, err := Parse(strings.NewReader(m3u))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries; got %d", len(entries))
	}
	if entries[0].Name != "BBC One" || entries[0].TVGID != "bbc1.uk" || entries[0].Logo != "http://logo/bbc1.png" || entries[0].URL != "http://example.com/bbc1" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Name != "No Attrs Channel" || entries[1].TVGID != "" || entries[1].URL != "http://example.com/noattrs" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

// TestParse_postEXTINFURLConsumption exercises the streaming-pairing
// test: each #EXTINF line consumes exactly the next non-blank, non-comment
// line as its URL, tolerating blank lines between entries.
func TestParse_postEXTINFURLConsumption(t *testing.T) {
	m3u := `#EXTM3U

#EXTINF:-1,Channel A
http://example.com/a
#EXTINF:-1,Channel B
http://example.com/b

#EXTINF:-1,Channel C
http://example.com/c
`
	entries, err := Parse(strings.NewReader(m3u))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries; got %d", len(entries))
	}
	wantNames := []string{"Channel A", "Channel B", "Channel C"}
	wantURLs := []string{"http://example.com/a", "http://example.com/b", "http://example.com/c"}
	for i := range wantNames {
		if entries[i].Name != wantNames[i] || entries[i].URL != wantURLs[i] {
			t.Errorf("entries[%d] = %+v; want name=%q url=%q", i, entries[i], wantNames[i], wantURLs[i])
		}
	}
}

func TestParse_danglingEXTINFWithoutURL(t *testing.T) {
	m3u := "#EXTM3U\n#EXTINF:-1,Dangling\n"
	entries, err := Parse(strings.NewReader(m3u))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected a dangling EXTINF with no URL line to yield no entries; got %d", len(entries))
	}
}

func TestFetch_integration(t *testing.T) {
	m3uBody := "#EXTM3U\n#EXTINF:-1 tvg-id=\"x\",Live From Server\nhttp://upstream.example/live\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/x-mpegurl")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(m3uBody))
	}))
	defer server.Close()

	entries, err := Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry; got %d", len(entries))
	}
	if entries[0].Name != "Live From Server" || entries[0].URL != "http://upstream.example/live" || entries[0].TVGID != "x" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
}

func TestGuessKind(t *testing.T) {
	cases := map[string]string{
		"http://x/live.m3u8":   "hls",
		"http://x/live.mpd":    "dash",
		"rtsp://x/stream":      "rtsp",
		"rtmp://x/stream":      "rtmp",
		"http://x/stream.ts":   "mpegts",
		"http://x/stream":      "http",
	}
	for url, want := range cases {
		if got := guessKind(url); got != want {
			t.Errorf("guessKind(%q) = %q, want %q", url, got, want)
		}
	}
}
