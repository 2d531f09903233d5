// Command plexbridge-tuner runs the bridge: it loads channels and EPG
// sources from its SQLite store, serves HDHomeRun device emulation plus
// XMLTV/JSON guide data over HTTP, and proxies/transcodes live streams to
// Plex.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/plexbridge/tuner/internal/cache"
	"github.com/plexbridge/tuner/internal/config"
	"github.com/plexbridge/tuner/internal/encoder"
	"github.com/plexbridge/tuner/internal/epgfetch"
	"github.com/plexbridge/tuner/internal/epgingest"
	"github.com/plexbridge/tuner/internal/epglink"
	"github.com/plexbridge/tuner/internal/epgquery"
	"github.com/plexbridge/tuner/internal/epgsched"
	"github.com/plexbridge/tuner/internal/gateway"
	"github.com/plexbridge/tuner/internal/hdhomerun"
	"github.com/plexbridge/tuner/internal/health"
	"github.com/plexbridge/tuner/internal/httpapi"
	"github.com/plexbridge/tuner/internal/httpclient"
	"github.com/plexbridge/tuner/internal/session"
	"github.com/plexbridge/tuner/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck(cfg))
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("store: open failed")
	}
	defer st.Close()

	applySettingOverrides(log, st, cfg)

	rdb := cache.New(cfg.RedisAddr)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := session.NewManager(cfg.SessionMaxGlobal, cfg.SessionMaxPerChannel, cfg.SessionIdleTimeout, cfg.SessionSweepInterval)
	go sessions.Sweep(ctx)

	hdhr := hdhomerun.New(hdhomerun.Config{
		DeviceID:       cfg.DeviceID,
		FriendlyName:   cfg.FriendlyName,
		TunerCount:     cfg.SessionMaxGlobal, // advertised tuners == session slots
		AdvertisedHost: cfg.AdvertisedHost,
		EPGDays:        7,
	}, st)

	// One per-host pacing budget shared by EPG downloads and upstream stream
	// connects, so many channels on the same origin can't stampede it.
	upstreamLimit := httpclient.NewHostRateLimiter(2, 4)
	fetchCfg := epgfetch.Config{RateLimiter: upstreamLimit}

	gw := gateway.New(gateway.Config{
		FFmpegPath:         cfg.EncoderPath,
		DeferredStartGrace: cfg.DeferredStartGrace,
		DefaultProfile:     cfg.DefaultProfile,
		RateLimiter:        upstreamLimit,
	}, st, sessions, log)

	query := epgquery.New(st, rdb)

	ingester := epgingest.New(st, rdb, fetchCfg, log)
	prometheus.MustRegister(epgingest.RefreshTotal, epgingest.RefreshDuration)

	aliases := newAliasStore(log, cfg.AliasFile)

	// downloadSlots caps how many source refreshes run at once across the
	// whole scheduler, independent of epgfetch's own per-host semaphore.
	maxConcurrent := cfg.EPGMaxConcurrentDownloads
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	downloadSlots := make(chan struct{}, maxConcurrent)

	sched := epgsched.New(log, func(ctx context.Context, sourceID string) {
		downloadSlots <- struct{}{}
		defer func() { <-downloadSlots }()
		res := ingester.Refresh(ctx, sourceID)
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("source", sourceID).Msg("epg: scheduled refresh failed")
		}
	})
	if err := sched.ScheduleCleanup(func(ctx context.Context) {
		n, err := st.PruneProgramsOlderThan(ctx, cfg.EPGRetainDays)
		if err != nil {
			log.Warn().Err(err).Msg("epg: cleanup sweep failed")
			return
		}
		log.Info().Int64("pruned", n).Msg("epg: cleanup sweep complete")
	}); err != nil {
		log.Warn().Err(err).Msg("epg: failed to schedule cleanup job")
	}

	bootSources, err := st.ListEPGSources(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("epg: failed to list sources at startup")
	}
	for _, src := range bootSources {
		if !src.Enabled {
			continue
		}
		iv := epgsched.ParseInterval(src.RefreshInterval)
		if err := sched.Schedule(src.ID, iv); err != nil {
			log.Warn().Err(err).Str("source", src.ID).Msg("epg: failed to schedule source at startup")
			continue
		}
		if src.LastSuccess == "" {
			go func(sourceID string) {
				downloadSlots <- struct{}{}
				defer func() { <-downloadSlots }()
				res := ingester.Refresh(ctx, sourceID)
				if res.Err != nil {
					log.Warn().Err(res.Err).Str("source", sourceID).Msg("epg: initial refresh failed")
				}
			}(src.ID)
		}
	}
	sched.Start()
	defer sched.Shutdown(context.Background())

	if err := config.WatchFile(ctx, log, cfg.AliasFile, aliases.reload); err != nil {
		log.Warn().Err(err).Msg("config: failed to watch alias file")
	}

	reloadProfiles := func() { loadProfileOverrides(log, cfg.ProfileFile) }
	reloadProfiles()
	if err := config.WatchFile(ctx, log, cfg.ProfileFile, reloadProfiles); err != nil {
		log.Warn().Err(err).Msg("config: failed to watch profile override file")
	}

	handler := httpapi.New(httpapi.Deps{
		Store:     st,
		HDHR:      hdhr,
		Gateway:   gw,
		Sessions:  sessions,
		Query:     query,
		Ingester:  ingester,
		Scheduler: sched,
		FetchCfg:  fetchCfg,
		Log:       log,
		Aliases:   aliases.get,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http: listener failed")
		}
	}()

	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.HTTPAddr {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: handler}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics: listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("metrics: listener failed")
			}
		}()
	}

	if cfg.SSDPEnabled {
		ssdp := hdhomerun.NewSSDP(hdhomerun.Config{
			DeviceID:       cfg.DeviceID,
			AdvertisedHost: cfg.AdvertisedHost,
		}, log)
		go func() {
			if err := ssdp.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("ssdp: responder stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http: graceful shutdown failed")
	}
}

// runHealthcheck probes the bridge's own HDHomeRun surface at the
// advertised base URL, for container HEALTHCHECK directives and operators.
func runHealthcheck(cfg *config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := health.CheckEndpoints(ctx, cfg.AdvertisedBaseURL()); err != nil {
		os.Stderr.WriteString("healthcheck failed: " + err.Error() + "\n")
		return 1
	}
	os.Stdout.WriteString("ok\n")
	return 0
}

// applySettingOverrides lets admin-written settings rows override the env
// defaults for the session caps. It runs once at boot, so a changed
// settings row takes effect on the next start.
func applySettingOverrides(log zerolog.Logger, st *store.Store, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if v, err := st.GetSetting(ctx, "max_concurrent_streams"); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionMaxGlobal = n
		} else {
			log.Warn().Str("value", v).Msg("settings: ignoring bad max_concurrent_streams")
		}
	}
	if v, err := st.GetSetting(ctx, "max_per_channel"); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionMaxPerChannel = n
		} else {
			log.Warn().Str("value", v).Msg("settings: ignoring bad max_per_channel")
		}
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.LogFormat != "json" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("service", "plexbridge-tuner").Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "plexbridge-tuner").Logger()
}

// aliasStore caches the parsed channel alias override file, reloading it
// when config.WatchFile reports a change so /epg/match-report/{id} always
// reflects the file on disk without a process restart.
type aliasStore struct {
	log  zerolog.Logger
	path string
	mu   sync.RWMutex
	cur  epglink.AliasOverrides
}

func newAliasStore(log zerolog.Logger, path string) *aliasStore {
	a := &aliasStore{log: log, path: path}
	a.reload()
	return a
}

func (a *aliasStore) reload() {
	if a.path == "" {
		return
	}
	f, err := os.Open(a.path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.log.Warn().Err(err).Str("path", a.path).Msg("config: failed to open alias file")
		}
		return
	}
	defer f.Close()
	overrides, err := epglink.LoadAliasOverrides(f)
	if err != nil {
		a.log.Warn().Err(err).Str("path", a.path).Msg("config: failed to parse alias file")
		return
	}
	a.mu.Lock()
	a.cur = overrides
	a.mu.Unlock()
}

func (a *aliasStore) get() epglink.AliasOverrides {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur
}

// loadProfileOverrides reads the per-channel encoding profile override file
// and installs it into the encoder's profile registry.
func loadProfileOverrides(log zerolog.Logger, path string) {
	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("config: failed to open profile override file")
		}
		return
	}
	defer f.Close()
	m, err := encoder.LoadOverrides(f)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config: failed to parse profile override file")
		return
	}
	encoder.SetOverrides(m)
	log.Info().Int("profiles", len(m)).Str("path", path).Msg("config: encoder profile overrides loaded")
}
