package epgsched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseInterval(t *testing.T) {
	cases := map[string]Interval{
		"4h":     {Value: 4, Unit: 'h'},
		"30m":    {Value: 30, Unit: 'm'},
		"2d":     {Value: 2, Unit: 'd'},
		"":       {Value: 4, Unit: 'h'},
		"bogus":  {Value: 4, Unit: 'h'},
		"0h":     {Value: 4, Unit: 'h'},
		"7200":   {Value: 2, Unit: 'h'}, // legacy seconds, rounds to nearest hour
		"1800":   {Value: 1, Unit: 'h'}, // sub-hour legacy value, minimum 1h
	}
	for in, want := range cases {
		got := ParseInterval(in)
		if got != want {
			t.Errorf("ParseInterval(%q) = %+v, want %+v", in, got, want)
		}
	}
}

func TestMinuteOffset_stable(t *testing.T) {
	a := MinuteOffset("source-1")
	b := MinuteOffset("source-1")
	if a != b {
		t.Errorf("MinuteOffset must be stable for the same id: %d != %d", a, b)
	}
	if a < 0 || a > 59 {
		t.Errorf("MinuteOffset out of range: %d", a)
	}
}

func TestIntervalToCron(t *testing.T) {
	expr := IntervalToCron(Interval{Value: 1, Unit: 'm'}, "src")
	if expr != "*/1 * * * *" {
		t.Errorf("unexpected minute cron: %q", expr)
	}
	expr = IntervalToCron(Interval{Value: 30, Unit: 'h'}, "src")
	if expr == "" {
		t.Fatal("expected a non-empty cron expression for a >=24h interval")
	}
}

func TestScheduleAndUnschedule(t *testing.T) {
	s := New(zerolog.Nop(), func(ctx context.Context, sourceID string) {})
	if err := s.Schedule("src-1", Interval{Value: 1, Unit: 'h'}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].SourceID != "src-1" {
		t.Fatalf("expected one scheduled job for src-1; got %+v", jobs)
	}

	// Re-scheduling replaces rather than duplicates the entry.
	if err := s.Schedule("src-1", Interval{Value: 2, Unit: 'h'}); err != nil {
		t.Fatalf("Schedule (replace): %v", err)
	}
	if len(s.Jobs()) != 1 {
		t.Fatalf("expected re-scheduling to replace, not add, an entry")
	}

	s.Unschedule("src-1")
	if len(s.Jobs()) != 0 {
		t.Fatalf("expected no jobs after Unschedule")
	}
}

func TestRefreshFuncInvokedOnDemand(t *testing.T) {
	var mu sync.Mutex
	var called string
	done := make(chan struct{})

	s := New(zerolog.Nop(), func(ctx context.Context, sourceID string) {
		mu.Lock()
		called = sourceID
		mu.Unlock()
		close(done)
	})
	if err := s.Schedule("src-x", Interval{Value: 1, Unit: 'm'}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.Start()
	defer s.Shutdown(context.Background())

	// Directly invoke the registered job instead of waiting up to a minute
	// for cron to fire it.
	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected one job; got %d", len(jobs))
	}
	go s.refresh(context.Background(), "src-x")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for refresh func to run")
	}
	mu.Lock()
	defer mu.Unlock()
	if called != "src-x" {
		t.Errorf("expected refresh to be called with src-x; got %q", called)
	}
}

func TestScheduleCleanup(t *testing.T) {
	s := New(zerolog.Nop(), func(ctx context.Context, sourceID string) {})
	if err := s.ScheduleCleanup(func(ctx context.Context) {}); err != nil {
		t.Fatalf("ScheduleCleanup: %v", err)
	}
}

func TestRecoverPanicDoesNotCrash(t *testing.T) {
	s := New(zerolog.Nop(), func(ctx context.Context, sourceID string) {
		panic("boom")
	})
	func() {
		defer s.recoverPanic("src-panic")
		s.refresh(context.Background(), "src-panic")
	}()
}
