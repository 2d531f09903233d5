// Package httpapi wires every HTTP surface the bridge exposes (the
// HDHomeRun device emulation, the stream gateway, EPG admin and
// client-facing query endpoints, and the M3U import, health, and metrics
// endpoints) onto one chi.Router, so the full route table reads in a
// single place.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/plexbridge/tuner/internal/apperr"
	"github.com/plexbridge/tuner/internal/epgfetch"
	"github.com/plexbridge/tuner/internal/epgingest"
	"github.com/plexbridge/tuner/internal/epglink"
	"github.com/plexbridge/tuner/internal/epgquery"
	"github.com/plexbridge/tuner/internal/epgsched"
	"github.com/plexbridge/tuner/internal/epgxml"
	"github.com/plexbridge/tuner/internal/gateway"
	"github.com/plexbridge/tuner/internal/hdhomerun"
	"github.com/plexbridge/tuner/internal/health"
	"github.com/plexbridge/tuner/internal/httpclient"
	"github.com/plexbridge/tuner/internal/m3uimport"
	"github.com/plexbridge/tuner/internal/session"
	"github.com/plexbridge/tuner/internal/store"
)

// Deps bundles every component a route needs; main constructs exactly one
// of these and passes it to New.
type Deps struct {
	Store     *store.Store
	HDHR      *hdhomerun.Server
	Gateway   *gateway.Gateway
	Sessions  *session.Manager
	Query     *epgquery.Query
	Ingester  *epgingest.Ingester
	Scheduler *epgsched.Scheduler
	// FetchCfg carries the shared download limits and per-host rate limiter
	// for ad-hoc XMLTV fetches (the match-report dry run).
	FetchCfg epgfetch.Config
	Log      zerolog.Logger
	// Aliases is read on every match-report request so the hot-reloaded
	// channel alias override file takes effect without a restart. May be
	// nil.
	Aliases func() epglink.AliasOverrides
}

// New builds the full router. Request logging emits one structured event
// per request, after the handler completes so the logged status/duration
// are accurate.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	// Never serve the router's default plain-text 404/405: Plex's player and
	// strict XMLTV consumers reject anything that doesn't parse as JSON.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperr.WriteJSON(w, apperr.Wrap(apperr.ErrNotFound, errNoRoute(r.URL.Path)), map[string]any{"path": r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperr.WriteJSON(w, apperr.Wrap(apperr.ErrNotFound, errNoRoute(r.Method+" "+r.URL.Path)), map[string]any{"method": r.Method})
	})

	r.Get("/healthz", handleHealthz(d))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/discover.json", d.HDHR.HandleDiscover)
	r.Get("/lineup.json", d.HDHR.HandleLineup)
	r.Get("/lineup_status.json", d.HDHR.HandleLineupStatus)
	r.Post("/lineup.post", d.HDHR.HandleLineupPost)
	r.Get("/device.xml", d.HDHR.HandleDeviceXML)
	r.Get("/library/metadata/{id}", d.HDHR.HandleLibraryMetadata)

	r.Get("/stream/{channel_id}", d.Gateway.ServeHTTP)
	r.Get("/streams/preview/{stream_id}", d.Gateway.ServePreview)
	r.Get("/streams/active", handleStreamsActive(d))

	r.Post("/channels/import/m3u", handleM3UImport(d))

	r.Post("/epg-sources", handleCreateEPGSource(d))
	r.Delete("/epg-sources/{id}", handleDeleteEPGSource(d))
	r.Post("/epg/force-refresh/{id}", handleForceRefresh(d))
	r.Get("/epg/debug/jobs", handleDebugJobs(d))
	r.Get("/epg/debug/diagnose", handleDebugDiagnoseAll(d))
	r.Get("/epg/debug/diagnose/{id}", handleDebugDiagnose(d))
	r.Get("/epg/match-report/{id}", handleMatchReport(d))

	r.Get("/epg/xmltv.xml", handleXMLTVAll(d))
	r.Get("/epg/xmltv/{channel_id}", handleXMLTVChannel(d))
	r.Get("/epg/json/{channel_id}", handleJSONChannel(d))
	r.Get("/epg/now/{channel_id}", handleNow(d))
	r.Get("/epg/next/{channel_id}", handleNext(d))
	r.Get("/epg/grid", handleGrid(d))
	r.Get("/epg/search", handleSearch(d))

	return r
}

// requestLogger emits one structured event per HTTP request: method, path,
// status, duration, remote address.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("http request")
		})
	}
}

func handleHealthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.Ping(r.Context()); err != nil {
			apperr.WriteJSON(w, apperr.Wrap(apperr.ErrStorage, err), map[string]any{"component": "store"})
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func handleStreamsActive(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Sessions.Active())
	}
}

// handleM3UImport implements the supplemented POST /channels/import/m3u?url=...
// feature: fetch, parse, and write Channel+Stream rows starting right after
// the highest channel number in the lineup (enabled channels with at least
// one enabled stream). Disabled or stream-less channels are not counted, so
// an entry landing on a number one of them holds is skipped by Import.
func handleM3UImport(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if url == "" {
			apperr.WriteJSON(w, apperr.Wrap(apperr.ErrNotFound, errMissingParam("url")), nil)
			return
		}
		entries, err := m3uimport.Fetch(r.Context(), url)
		if err != nil {
			apperr.WriteJSON(w, apperr.Wrap(apperr.ErrUpstream, err), nil)
			return
		}
		existing, err := d.Store.ListEnabledChannels(r.Context())
		if err != nil {
			apperr.WriteJSON(w, apperr.Wrap(apperr.ErrStorage, err), nil)
			return
		}
		startNumber := 1
		for _, ch := range existing {
			if ch.Number >= startNumber {
				startNumber = ch.Number + 1
			}
		}
		res, err := m3uimport.Import(r.Context(), entries, startNumber, d.Store)
		if err != nil {
			apperr.WriteJSON(w, apperr.Wrap(apperr.ErrStorage, err), nil)
			return
		}
		writeJSON(w, res)
	}
}

func handleCreateEPGSource(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in store.EPGSource
		if !decodeJSON(w, r, &in) {
			return
		}
		in.Enabled = true
		src, err := d.Store.CreateEPGSource(r.Context(), in)
		if err != nil {
			apperr.WriteJSON(w, err, nil)
			return
		}
		iv := epgsched.ParseInterval(src.RefreshInterval)
		if err := d.Scheduler.Schedule(src.ID, iv); err != nil {
			d.Log.Warn().Err(err).Str("source", src.ID).Msg("epg: failed to schedule new source")
		}
		writeJSON(w, src)
	}
}

func handleDeleteEPGSource(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		d.Scheduler.Unschedule(id)
		if err := d.Store.DeleteEPGSource(r.Context(), id); err != nil {
			apperr.WriteJSON(w, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleForceRefresh implements manual refresh: unlike the scheduled path,
// which only logs, a force-refresh propagates the source's error to the
// caller.
func handleForceRefresh(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res := d.Ingester.Refresh(r.Context(), id)
		if res.Err != nil {
			apperr.WriteJSON(w, res.Err, map[string]any{"source_id": id})
			return
		}
		writeJSON(w, res)
	}
}

func handleDebugJobs(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Scheduler.Jobs())
	}
}

// handleDebugDiagnose reports a source's stored refresh bookkeeping plus a
// live reachability probe of its URL, without performing a full refresh.
func handleDebugDiagnose(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		src, err := d.Store.GetEPGSource(r.Context(), id)
		if err != nil {
			apperr.WriteJSON(w, err, nil)
			return
		}
		reachErr := health.CheckSourceURL(r.Context(), src.URL)
		resp := map[string]any{
			"source":    src,
			"reachable": reachErr == nil,
		}
		if reachErr != nil {
			resp["reachability_error"] = reachErr.Error()
		}
		if chans, err := d.Store.ListEPGChannels(r.Context(), id); err == nil {
			resp["stored_channels"] = len(chans)
		}
		writeJSON(w, resp)
	}
}

// handleDebugDiagnoseAll runs the same diagnosis as handleDebugDiagnose
// across every configured source.
func handleDebugDiagnoseAll(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := d.Store.ListEPGSources(r.Context())
		if err != nil {
			apperr.WriteJSON(w, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(sources))
		for _, src := range sources {
			row := map[string]any{"source": src}
			if src.Enabled {
				if reachErr := health.CheckSourceURL(r.Context(), src.URL); reachErr != nil {
					row["reachable"] = false
					row["reachability_error"] = reachErr.Error()
				} else {
					row["reachable"] = true
				}
			}
			out = append(out, row)
		}
		writeJSON(w, out)
	}
}

// handleMatchReport re-fetches a source's XMLTV document and reports how
// each local channel would resolve against it through the tiered matcher,
// without writing anything: a dry-run for operators curious why a channel
// shows no guide data.
func handleMatchReport(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		src, err := d.Store.GetEPGSource(r.Context(), id)
		if err != nil {
			apperr.WriteJSON(w, err, nil)
			return
		}
		raw, err := epgfetch.Fetch(r.Context(), httpclient.Default(), src.URL, d.FetchCfg)
		if err != nil {
			apperr.WriteJSON(w, apperr.Wrap(apperr.ErrUpstream, err), nil)
			return
		}
		doc, err := epgxml.Parse(bytesReader(raw))
		if err != nil {
			apperr.WriteJSON(w, apperr.Wrap(apperr.ErrParse, err), nil)
			return
		}
		xmltvChannels := make([]epglink.XMLTVChannel, 0, len(doc.Channels))
		for _, ch := range doc.Channels {
			xmltvChannels = append(xmltvChannels, epglink.XMLTVChannel{ID: ch.ID, DisplayNames: []string{ch.DisplayName}})
		}
		channels, err := d.Store.ListEnabledChannels(r.Context())
		if err != nil {
			apperr.WriteJSON(w, err, nil)
			return
		}
		var aliases epglink.AliasOverrides
		if d.Aliases != nil {
			aliases = d.Aliases()
		}
		report := epglink.MatchChannels(channels, xmltvChannels, aliases)
		writeJSON(w, report)
	}
}

// isAndroidUA implements the UA-sniffed guide-depth reduction: Android
// Plex clients get a smaller day cap since they render the whole payload
// in memory. The number of programs per channel is not capped.
func isAndroidUA(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("User-Agent")), "android")
}

func dayParam(r *http.Request, androidCap, defaultDays int) int {
	days := defaultDays
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	if isAndroidUA(r) && days > androidCap {
		days = androidCap
	}
	return days
}

func handleXMLTVAll(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveXMLTV(d, w, r, "")
	}
}

func handleXMLTVChannel(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveXMLTV(d, w, r, chi.URLParam(r, "channel_id"))
	}
}

func serveXMLTV(d Deps, w http.ResponseWriter, r *http.Request, channelID string) {
	days := dayParam(r, 2, 7)
	now := time.Now().UTC()
	end := now.Add(time.Duration(days) * 24 * time.Hour)

	channels, err := d.Store.ListEnabledChannels(r.Context())
	if err != nil {
		apperr.WriteJSON(w, err, nil)
		return
	}
	if channelID != "" {
		filtered := channels[:0]
		for _, ch := range channels {
			if ch.ID == channelID || ch.EPGID == channelID {
				filtered = append(filtered, ch)
			}
		}
		channels = filtered
	}

	epgChannels := make([]epgquery.Channel, 0, len(channels))
	programsByKey := make(map[string][]store.EPGProgram, len(channels))
	for _, ch := range channels {
		key := ch.EPGID
		if key == "" {
			key = ch.ID
		}
		epgChannels = append(epgChannels, epgquery.Channel{ID: key, Number: ch.Number, Name: ch.Name, LogoURL: ch.Logo})
		progs, err := d.Query.GetRange(r.Context(), ch.ID, now, end)
		if err == nil {
			programsByKey[key] = progs
		}
	}

	body := epgquery.GenerateXMLTV(epgChannels, programsByKey, now)
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write(body)
}

func handleJSONChannel(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channel_id")
		days := dayParam(r, 2, 7)
		now := time.Now().UTC()
		end := now.Add(time.Duration(days) * 24 * time.Hour)
		progs, err := d.Query.GetRange(r.Context(), channelID, now, end)
		if err != nil {
			apperr.WriteJSON(w, err, nil)
			return
		}
		writeJSON(w, progs)
	}
}

func handleNow(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := d.Query.GetCurrent(r.Context(), chi.URLParam(r, "channel_id"))
		if err != nil {
			apperr.WriteJSON(w, err, nil)
			return
		}
		writeJSON(w, p)
	}
}

func handleNext(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := d.Query.GetNext(r.Context(), chi.URLParam(r, "channel_id"))
		if err != nil {
			apperr.WriteJSON(w, err, nil)
			return
		}
		writeJSON(w, p)
	}
}

func handleGrid(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, end, ok := parseGridRange(w, r)
		if !ok {
			return
		}
		wanted := splitNonEmpty(r.URL.Query().Get("channels"))
		if len(wanted) == 0 {
			progs, err := d.Query.GetRange(r.Context(), "", start, end)
			if err != nil {
				apperr.WriteJSON(w, err, nil)
				return
			}
			writeJSON(w, progs)
			return
		}
		out := make(map[string][]store.EPGProgram, len(wanted))
		for _, ch := range wanted {
			progs, err := d.Query.GetRange(r.Context(), ch, start, end)
			if err != nil {
				continue
			}
			out[ch] = progs
		}
		writeJSON(w, out)
	}
}

func handleSearch(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		now := time.Now().UTC()
		progs, err := d.Query.Search(r.Context(), q, now.Add(-24*time.Hour), now.Add(7*24*time.Hour))
		if err != nil {
			apperr.WriteJSON(w, err, nil)
			return
		}
		writeJSON(w, progs)
	}
}

func parseGridRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	now := time.Now().UTC()
	start, end := now, now.Add(24*time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apperr.WriteJSON(w, apperr.Wrap(apperr.ErrParse, err), map[string]any{"param": "start"})
			return time.Time{}, time.Time{}, false
		}
		start = t.UTC()
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apperr.WriteJSON(w, apperr.Wrap(apperr.ErrParse, err), map[string]any{"param": "end"})
			return time.Time{}, time.Time{}, false
		}
		end = t.UTC()
	}
	return start, end, true
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = jsonEncode(w, v)
}
