package epgquery

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/plexbridge/tuner/internal/cache"
	"github.com/plexbridge/tuner/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	return cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestGetCurrent_fallbackWhenNoListing(t *testing.T) {
	st := newTestStore(t)
	c := newTestCache(t)
	ctx := context.Background()

	ch, err := st.CreateChannel(ctx, store.Channel{Number: 1, Name: "Empty Channel", EPGID: "empty.us", Enabled: true})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := st.CreateStream(ctx, store.Stream{ChannelID: ch.ID, URL: "http://x/a.m3u8", Kind: "hls", Enabled: true}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	q := New(st, c)
	p, err := q.GetCurrent(ctx, ch.ID)
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if p.Title != "Empty Channel Live" || p.Category != "Live TV" {
		t.Errorf("expected a synthesized fallback program; got %+v", p)
	}
}

func TestGetCurrent_realListing(t *testing.T) {
	st := newTestStore(t)
	c := newTestCache(t)
	ctx := context.Background()

	ch, err := st.CreateChannel(ctx, store.Channel{Number: 2, Name: "News", EPGID: "news.us", Enabled: true})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := st.CreateStream(ctx, store.Stream{ChannelID: ch.ID, URL: "http://x/b.m3u8", Kind: "hls", Enabled: true}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	now := time.Now().UTC()
	_, err = st.WritePrograms(ctx, []store.EPGProgram{{
		ChannelKey: "news.us",
		Title:      "Live News Now",
		Start:      now.Add(-30 * time.Minute),
		End:        now.Add(30 * time.Minute),
	}})
	if err != nil {
		t.Fatalf("WritePrograms: %v", err)
	}

	q := New(st, c)
	p, err := q.GetCurrent(ctx, ch.ID)
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if p.Title != "Live News Now" {
		t.Errorf("expected the real listing, got %+v", p)
	}

	// Second call should hit the cache and return the same value.
	p2, err := q.GetCurrent(ctx, ch.ID)
	if err != nil {
		t.Fatalf("GetCurrent (cached): %v", err)
	}
	if p2.Title != p.Title {
		t.Errorf("cached GetCurrent diverged: %+v vs %+v", p, p2)
	}
}

func TestSearch(t *testing.T) {
	st := newTestStore(t)
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.WritePrograms(ctx, []store.EPGProgram{
		{ChannelKey: "a", Title: "Breaking Sports News", Start: now, End: now.Add(time.Hour)},
		{ChannelKey: "a", Title: "Cooking Show", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("WritePrograms: %v", err)
	}

	q := New(st, c)
	results, err := q.Search(ctx, "sports", now.Add(-time.Hour), now.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || !strings.Contains(results[0].Title, "Sports") {
		t.Errorf("expected 1 match for 'sports'; got %+v", results)
	}
}

func TestGenerateXMLTV_realAndSynthetic(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	channels := []Channel{
		{ID: "has-data", Number: 1, Name: "Has Data"},
		{ID: "no-data", Number: 2, Name: "No Data"},
	}
	programsByKey := map[string][]store.EPGProgram{
		"has-data": {{
			ChannelKey: "has-data",
			Title:      "Real Show",
			Start:      now,
			End:        now.Add(time.Hour),
		}},
	}
	doc := string(GenerateXMLTV(channels, programsByKey, now))

	if !strings.Contains(doc, `<tv source-info-name="PlexBridge Tuner"`) {
		t.Errorf("missing <tv> root with source-info-name")
	}
	if !strings.Contains(doc, "Real Show") {
		t.Errorf("expected the real program title in the document")
	}
	if !strings.Contains(doc, "No Data Live") {
		t.Errorf("expected a synthesized fallback title for the channel with no programs")
	}
	if strings.Count(doc, `channel="no-data"`) != 7*24 {
		t.Errorf("expected a 7-day, 1-hour-per-slot synthetic grid (168 slots) for no-data")
	}
	if strings.Count(doc, "<keyword>clip</keyword>") != 7*24 {
		t.Errorf("expected every synthetic slot to carry the clip marker")
	}
}

func TestFallbackProgram(t *testing.T) {
	ch := store.Channel{EPGID: "x.us", Name: "X"}
	at := time.Now().UTC()
	p := fallbackProgram(ch, at)
	if p.Title != "X Live" || p.Category != "Live TV" || !p.Flags.Live {
		t.Errorf("unexpected fallback program: %+v", p)
	}
	if p.End.Sub(p.Start) != time.Hour {
		t.Errorf("expected a 1-hour fallback slot; got %v", p.End.Sub(p.Start))
	}
}
