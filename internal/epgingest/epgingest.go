// Package epgingest implements the EPG ingester: refresh(source_id) is the
// unit of work: download, validate, parse, write, and verify one
// EPGSource, with per-source bookkeeping so a broken feed is visible to
// operators without taking the scheduler down.
package epgingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/plexbridge/tuner/internal/apperr"
	"github.com/plexbridge/tuner/internal/cache"
	"github.com/plexbridge/tuner/internal/epgfetch"
	"github.com/plexbridge/tuner/internal/epgxml"
	"github.com/plexbridge/tuner/internal/httpclient"
	"github.com/plexbridge/tuner/internal/store"
)

// Prometheus counters exposed at /metrics; registered once by the caller
// via MustRegister.
var (
	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plexbridge_epg_refresh_total",
		Help: "EPG source refresh attempts by outcome.",
	}, []string{"outcome"})
	RefreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "plexbridge_epg_refresh_duration_seconds",
		Help:    "Duration of a single EPG source refresh.",
		Buckets: prometheus.DefBuckets,
	})
)

// Result reports what happened during one refresh (for manual-refresh HTTP
// responses and the debug/diagnose endpoint).
type Result struct {
	SourceID         string
	ChannelsWritten  int
	ProgramsParsed   int
	ProgramsWritten  int
	ProgramsFailed   int
	Duration         time.Duration
	Err              error
}

type Ingester struct {
	store    *store.Store
	cache    *cache.Cache
	client   *http.Client
	fetchCfg epgfetch.Config
	log      zerolog.Logger

	// perSource serializes refreshes of the same source: a second refresh
	// queues behind the running one rather than racing its delete/reinsert
	// transactions. Different sources still refresh in parallel.
	mu        sync.Mutex
	perSource map[string]*sync.Mutex
}

func New(st *store.Store, c *cache.Cache, fetchCfg epgfetch.Config, log zerolog.Logger) *Ingester {
	return &Ingester{
		store:     st,
		cache:     c,
		client:    httpclient.Default(),
		fetchCfg:  fetchCfg,
		log:       log,
		perSource: make(map[string]*sync.Mutex),
	}
}

func (ig *Ingester) sourceLock(sourceID string) *sync.Mutex {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	l, ok := ig.perSource[sourceID]
	if !ok {
		l = &sync.Mutex{}
		ig.perSource[sourceID] = l
	}
	return l
}

// Refresh performs the full unit of work for one source. The manual/
// scheduled distinction lives in the caller: force-refresh handlers
// propagate the returned error, the scheduler logs it and moves on.
func (ig *Ingester) Refresh(ctx context.Context, sourceID string) Result {
	lock := ig.sourceLock(sourceID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	res := Result{SourceID: sourceID}
	defer func() {
		res.Duration = time.Since(start)
		RefreshDuration.Observe(res.Duration.Seconds())
	}()

	src, err := ig.store.GetEPGSource(ctx, sourceID)
	if err != nil {
		res.Err = err
		RefreshTotal.WithLabelValues("not_found").Inc()
		return res
	}
	if !src.Enabled {
		return res // disabled source: no-op
	}

	if err := ig.store.MarkRefreshStarted(ctx, sourceID); err != nil {
		ig.log.Warn().Err(err).Str("source", sourceID).Msg("epg: failed to record refresh start")
	}

	raw, err := epgfetch.Fetch(ctx, ig.client, src.URL, ig.fetchCfg)
	if err != nil {
		res.Err = fmt.Errorf("Download failed: %w", err)
		ig.fail(ctx, sourceID, res.Err)
		return res
	}

	if err := epgxml.Validate(raw); err != nil {
		res.Err = apperr.Wrap(apperr.ErrParse, fmt.Errorf("Parse failed: %w", err))
		ig.fail(ctx, sourceID, res.Err)
		return res
	}

	doc, err := epgxml.Parse(bytes.NewReader(raw))
	if err != nil {
		res.Err = apperr.Wrap(apperr.ErrParse, fmt.Errorf("Parse failed: %w", err))
		ig.fail(ctx, sourceID, res.Err)
		return res
	}
	res.ProgramsParsed = len(doc.Programmes)

	channels := make([]store.EPGChannel, 0, len(doc.Channels))
	for _, ch := range doc.Channels {
		if ch.ID == "" {
			continue
		}
		name := ch.DisplayName
		if name == "" {
			name = ch.ID
		}
		channels = append(channels, store.EPGChannel{SourceID: sourceID, EPGID: ch.ID, DisplayName: name, IconURL: ch.IconURL})
	}
	if err := ig.store.ReplaceEPGChannels(ctx, sourceID, channels); err != nil {
		res.Err = apperr.Wrap(apperr.ErrStorage, fmt.Errorf("Storage failed: %w", err))
		ig.fail(ctx, sourceID, res.Err)
		return res
	}
	res.ChannelsWritten = len(channels)

	programs := make([]store.EPGProgram, 0, len(doc.Programmes))
	for _, p := range doc.Programmes {
		if p.Channel == "" {
			continue
		}
		programs = append(programs, store.EPGProgram{
			ChannelKey:        p.Channel,
			Title:             p.Title,
			Subtitle:          p.Subtitle,
			Description:       p.Description,
			Start:             p.Start,
			End:               p.End,
			Category:          applyCategoryOverride(p.Category, src),
			SecondaryCategory: applySecondaryOverride(p.SecondaryCategory, src),
			Year:              p.Year,
			Country:           p.Country,
			IconURL:           p.IconURL,
			EpisodeNumber:     p.EpisodeNumber,
			SeasonNumber:      p.SeasonNumber,
			SeriesID:          p.SeriesID,
			Keywords:          p.Keywords,
			Rating:            p.Rating,
			Flags: store.ProgramFlags{
				AudioDescription: p.AudioDescription,
				Subtitles:        p.Subtitled,
				HD:               p.HD,
				Premiere:         p.Premiere,
				Finale:           p.Finale,
				Live:             p.Live,
				NewEpisode:       p.NewEpisode,
			},
		})
	}

	writeRes, err := ig.store.WritePrograms(ctx, programs)
	res.ProgramsWritten = writeRes.Succeeded
	res.ProgramsFailed = writeRes.Failed
	if err != nil {
		res.Err = apperr.Wrap(apperr.ErrStorage, fmt.Errorf("Storage failed: %w", err))
		ig.fail(ctx, sourceID, res.Err)
		return res
	}

	if err := ig.verify(ctx, writeRes); err != nil {
		res.Err = apperr.Wrap(apperr.ErrStorage, fmt.Errorf("Storage failed: %w", err))
		ig.fail(ctx, sourceID, res.Err)
		return res
	}

	if err := ig.store.MarkRefreshSucceeded(ctx, sourceID); err != nil {
		ig.log.Warn().Err(err).Str("source", sourceID).Msg("epg: failed to record refresh success")
	}
	if ig.cache != nil {
		if err := ig.cache.DelPattern(ctx, "epg:*"); err != nil {
			ig.log.Warn().Err(err).Msg("epg: cache invalidation failed")
		}
	}
	RefreshTotal.WithLabelValues("success").Inc()
	ig.log.Info().Str("source", sourceID).Int("channels", res.ChannelsWritten).
		Int("programs", res.ProgramsWritten).Dur("duration", res.Duration).Msg("epg: refresh succeeded")
	return res
}

// verify confirms the write landed: an empty parse is trivially fine,
// otherwise at least one program row must exist afterwards. WritePrograms
// already enforces the per-row tolerance, so an unchanged-but-nonzero
// count means the parsed set matched existing rows via upsert.
func (ig *Ingester) verify(ctx context.Context, res store.WriteProgramsResult) error {
	if res.Parsed == 0 {
		return nil
	}
	total, err := ig.store.CountPrograms(ctx)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("verify: no program rows present after a non-empty parse")
	}
	return nil
}

func (ig *Ingester) fail(ctx context.Context, sourceID string, err error) {
	RefreshTotal.WithLabelValues("failure").Inc()
	if markErr := ig.store.MarkRefreshFailed(ctx, sourceID, err.Error()); markErr != nil {
		ig.log.Warn().Err(markErr).Str("source", sourceID).Msg("epg: failed to record refresh failure")
	}
	ig.log.Warn().Err(err).Str("source", sourceID).Msg("epg: refresh failed")
}

// applyCategoryOverride lets an EPGSource's configured Category override
// the parsed primary category when set.
func applyCategoryOverride(parsed string, src store.EPGSource) string {
	if src.Category != "" {
		return src.Category
	}
	return parsed
}

func applySecondaryOverride(parsed string, src store.EPGSource) string {
	if len(src.SecondaryGenres) > 0 {
		return src.SecondaryGenres[0]
	}
	return parsed
}
