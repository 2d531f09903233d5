// Package epgsched implements the EPG refresh scheduler: parsing refresh
// intervals, building staggered cron expressions so many sources don't all
// refresh in the same instant, and owning the set of scheduled jobs. Cron
// matching is handed to github.com/robfig/cron/v3 rather than a hand-rolled
// ticker loop.
package epgsched

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Interval is a parsed refresh-interval string.
type Interval struct {
	Value int
	Unit  byte // 'h', 'm', or 'd'
}

// ParseInterval parses "4h"/"30m"/"2d", tolerating a legacy bare integer
// (interpreted as seconds, rounded to the nearest hour, minimum 1h).
// Unparseable input falls back to the 4h default rather than failing the
// scheduler; interval strings arrive from admin input and old databases.
func ParseInterval(s string) Interval {
	s = strings.TrimSpace(s)
	if s == "" {
		return Interval{Value: 4, Unit: 'h'}
	}
	if n, err := strconv.Atoi(s); err == nil {
		hours := (n + 1800) / 3600
		if hours < 1 {
			hours = 1
		}
		return Interval{Value: hours, Unit: 'h'}
	}
	unit := s[len(s)-1]
	switch unit {
	case 'h', 'm', 'd':
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n <= 0 {
			return Interval{Value: 4, Unit: 'h'}
		}
		return Interval{Value: n, Unit: unit}
	default:
		return Interval{Value: 4, Unit: 'h'}
	}
}

func (iv Interval) String() string {
	return fmt.Sprintf("%d%c", iv.Value, iv.Unit)
}

// MinuteOffset derives a stable 0-59 minute from sourceID so refreshes
// across many sources spread out instead of firing in the same instant.
// FNV-1a has no process-local seed, so the offset survives restarts.
func MinuteOffset(sourceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sourceID))
	return int(h.Sum32() % 60)
}

// IntervalToCron builds the 5-field cron expression for iv. Hour and day
// intervals are staggered by sourceID's minute offset; minute intervals
// use a plain "*/V" minute field.
func IntervalToCron(iv Interval, sourceID string) string {
	minute := MinuteOffset(sourceID)
	switch iv.Unit {
	case 'm':
		v := iv.Value
		if v < 1 {
			v = 1
		}
		if v > 59 {
			v = 59
		}
		return fmt.Sprintf("*/%d * * * *", v)
	case 'd':
		v := iv.Value
		if v < 1 {
			v = 1
		}
		return fmt.Sprintf("%d 0 */%d * *", minute, v)
	default: // 'h'
		v := iv.Value
		if v < 1 {
			v = 1
		}
		if v >= 24 {
			return fmt.Sprintf("%d 0 */%d * *", minute, v/24)
		}
		return fmt.Sprintf("%d 0-23/%d * * *", minute, v)
	}
}

// RefreshFunc is invoked for a source's scheduled (non-manual) refresh; it
// must never propagate an error to the scheduler (a broken source logs
// and returns) and must be panic-safe.
type RefreshFunc func(ctx context.Context, sourceID string)

// CleanupFunc implements the global daily program-retention sweep.
type CleanupFunc func(ctx context.Context)

type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID // sourceID -> cron entry
	log     zerolog.Logger
	refresh RefreshFunc
}

func New(log zerolog.Logger, refresh RefreshFunc) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		log:     log,
		refresh: refresh,
	}
}

// Start begins running scheduled jobs. Call once at service init.
func (s *Scheduler) Start() { s.cron.Start() }

// Shutdown stops the cron driver and waits for any in-flight job to
// finish, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// Schedule registers (or replaces) the job for sourceID at the given
// interval. The background context passed to refresh is independent of any
// HTTP request context, since jobs outlive the request that scheduled them.
func (s *Scheduler) Schedule(sourceID string, iv Interval) error {
	expr := IntervalToCron(iv, sourceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[sourceID]; ok {
		s.cron.Remove(old)
		delete(s.entries, sourceID)
	}
	id, err := s.cron.AddFunc(expr, func() {
		defer s.recoverPanic(sourceID)
		s.refresh(context.Background(), sourceID)
	})
	if err != nil {
		return fmt.Errorf("epgsched: schedule %s: %w", sourceID, err)
	}
	s.entries[sourceID] = id
	return nil
}

// Unschedule removes sourceID's job, if any (called when a source is
// disabled or deleted).
func (s *Scheduler) Unschedule(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[sourceID]; ok {
		s.cron.Remove(id)
		delete(s.entries, sourceID)
	}
}

// ScheduleCleanup registers the global daily program-retention sweep at
// 02:00.
func (s *Scheduler) ScheduleCleanup(fn CleanupFunc) error {
	_, err := s.cron.AddFunc("0 2 * * *", func() {
		defer s.recoverPanic("cleanup")
		fn(context.Background())
	})
	return err
}

func (s *Scheduler) recoverPanic(sourceID string) {
	if r := recover(); r != nil {
		s.log.Error().Interface("panic", r).Str("source", sourceID).Msg("epgsched: job panicked, scheduler continues")
	}
}

// Jobs lists the currently scheduled source IDs and their next run time, for
// the /epg/debug/jobs endpoint.
type Job struct {
	SourceID string    `json:"source_id"`
	Next     time.Time `json:"next_run"`
}

func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.entries))
	for sourceID, id := range s.entries {
		entry := s.cron.Entry(id)
		out = append(out, Job{SourceID: sourceID, Next: entry.Next})
	}
	return out
}
