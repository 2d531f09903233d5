package hdhomerun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/plexbridge/tuner/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHandleDiscover(t *testing.T) {
	st := openTestStore(t)
	srv := New(Config{DeviceID: "ABCD1234", FriendlyName: "PlexBridge", TunerCount: 4}, st)
	req := httptest.NewRequest(http.MethodGet, "/discover.json", nil)
	req.Host = "192.168.1.10:5004"
	w := httptest.NewRecorder()
	srv.HandleDiscover(w, req)

	var got discoverResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.DeviceID != "ABCD1234" || got.TunerCount != 4 {
		t.Fatalf("unexpected response: %+v", got)
	}
	if got.BaseURL != "http://192.168.1.10:5004" {
		t.Fatalf("BaseURL: got %q", got.BaseURL)
	}
	if got.LineupURL != got.BaseURL+"/lineup.json" {
		t.Fatalf("LineupURL: got %q", got.LineupURL)
	}
	if !got.SupportsEPG || got.EPGURL == "" || got.GuideURL == "" || got.XMLTVGuideDataURL == "" || got.EPGDays == 0 {
		t.Fatalf("expected EPG fields populated: %+v", got)
	}
	if w.Header().Get("Content-Type") != jsonContentType {
		t.Fatalf("unexpected content type: %s", w.Header().Get("Content-Type"))
	}
}

func TestHandleLineupListsEnabledChannels(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	ch, err := st.CreateChannel(ctx, store.Channel{Number: 7, Name: "News", Enabled: true})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := st.CreateStream(ctx, store.Stream{ChannelID: ch.ID, URL: "http://x/a.m3u8", Kind: "hls", Enabled: true}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	srv := New(Config{DeviceID: "ABCD1234", FriendlyName: "PlexBridge"}, st)
	req := httptest.NewRequest(http.MethodGet, "/lineup.json", nil)
	req.Host = "tuner.local:5004"
	w := httptest.NewRecorder()
	srv.HandleLineup(w, req)

	var got []lineupEntry
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].GuideNumber != "7" {
		t.Fatalf("unexpected lineup: %+v", got)
	}
	if got[0].URL != "http://tuner.local:5004/stream/"+ch.ID {
		t.Fatalf("unexpected stream URL: %q", got[0].URL)
	}
	if got[0].HD != 1 || !got[0].EPGAvailable || got[0].EPGChannelID == "" || got[0].GuideURL == "" {
		t.Fatalf("unexpected EPG lineup fields: %+v", got[0])
	}
}

func TestHandleLibraryMetadataStub(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	ch, err := st.CreateChannel(ctx, store.Channel{Number: 3, Name: "Movies", Enabled: true})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	srv := New(Config{DeviceID: "ABCD1234"}, st)
	req := httptest.NewRequest(http.MethodGet, "/library/metadata/"+ch.ID, nil)
	req = withURLParam(req, "id", ch.ID)
	w := httptest.NewRecorder()
	srv.HandleLibraryMetadata(w, req)

	var got struct {
		MediaContainer struct {
			Size     int `json:"size"`
			Metadata []struct {
				Type        string `json:"type"`
				ContentType int    `json:"contentType"`
				Title       string `json:"title"`
			} `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.MediaContainer.Size != 1 || len(got.MediaContainer.Metadata) != 1 {
		t.Fatalf("unexpected container: %+v", got)
	}
	item := got.MediaContainer.Metadata[0]
	if item.Type != "clip" || item.ContentType != liveMetadataContentType || item.Title != "Movies" {
		t.Fatalf("unexpected metadata item: %+v", item)
	}
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleDeviceXML(t *testing.T) {
	st := openTestStore(t)
	srv := New(Config{DeviceID: "ABCD1234", FriendlyName: "PlexBridge"}, st)
	req := httptest.NewRequest(http.MethodGet, "/device.xml", nil)
	w := httptest.NewRecorder()
	srv.HandleDeviceXML(w, req)
	if w.Header().Get("Content-Type") != "application/xml; charset=utf-8" {
		t.Fatalf("unexpected content type: %s", w.Header().Get("Content-Type"))
	}
	if len(w.Body.Bytes()) == 0 {
		t.Fatal("expected non-empty device.xml body")
	}
}
