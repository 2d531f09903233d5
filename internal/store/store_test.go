package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChannelLineupInvariant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ch, err := s.CreateChannel(ctx, Channel{Number: 5, Name: "Test", Enabled: true})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if list, _ := s.ListEnabledChannels(ctx); len(list) != 0 {
		t.Fatalf("channel with no stream should not appear in lineup, got %d", len(list))
	}

	if _, err := s.CreateStream(ctx, Stream{ChannelID: ch.ID, URL: "http://x/a.m3u8", Kind: "hls", Enabled: true}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	list, err := s.ListEnabledChannels(ctx)
	if err != nil {
		t.Fatalf("ListEnabledChannels: %v", err)
	}
	if len(list) != 1 || list[0].Number != 5 {
		t.Fatalf("expected one channel numbered 5, got %+v", list)
	}
}

func TestGetChannelByEPGID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ch, err := s.CreateChannel(ctx, Channel{Number: 1, Name: "A", EPGID: "a.us", Enabled: true})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	byID, err := s.GetChannel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("GetChannel(uuid): %v", err)
	}
	byEPG, err := s.GetChannel(ctx, "a.us")
	if err != nil {
		t.Fatalf("GetChannel(epg_id): %v", err)
	}
	if byID.ID != byEPG.ID {
		t.Fatalf("expected same channel resolved by uuid and epg_id")
	}
}

func TestWriteProgramsUpsertIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	programs := []EPGProgram{
		{ChannelKey: "ch1", Title: "Show A", Start: now, End: now.Add(time.Hour)},
		{ChannelKey: "ch1", Title: "Show B", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)},
	}
	if _, err := s.WritePrograms(ctx, programs); err != nil {
		t.Fatalf("WritePrograms: %v", err)
	}
	n1, _ := s.CountPrograms(ctx)
	if _, err := s.WritePrograms(ctx, programs); err != nil {
		t.Fatalf("WritePrograms (rerun): %v", err)
	}
	n2, _ := s.CountPrograms(ctx)
	if n1 != n2 {
		t.Fatalf("refresh not idempotent: %d != %d", n1, n2)
	}

	cur, err := s.CurrentProgram(ctx, "ch1", now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("CurrentProgram: %v", err)
	}
	if cur.Title != "Show A" {
		t.Fatalf("expected Show A, got %q", cur.Title)
	}
}

func TestWriteProgramsPrunesOldRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	if _, err := s.WritePrograms(ctx, []EPGProgram{{ChannelKey: "ch1", Title: "Old", Start: old, End: old.Add(time.Hour)}}); err != nil {
		t.Fatalf("WritePrograms: %v", err)
	}
	if _, err := s.WritePrograms(ctx, []EPGProgram{{ChannelKey: "ch1", Title: "New", Start: time.Now(), End: time.Now().Add(time.Hour)}}); err != nil {
		t.Fatalf("WritePrograms: %v", err)
	}
	n, _ := s.CountPrograms(ctx)
	if n != 1 {
		t.Fatalf("expected old row pruned, got %d rows", n)
	}
}
