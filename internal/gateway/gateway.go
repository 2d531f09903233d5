// Package gateway implements the stream handler: GET /stream/{channel_id}
// resolves the channel's primary stream, classifies it, admits a session,
// and either copies upstream bytes straight through or pipes them through an
// ffmpeg encoder instance, writing a null-TS keepalive while the encoder
// spins up. Composed against the store/session/classify/encoder packages
// as named collaborators so each piece stays independently testable.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/plexbridge/tuner/internal/apperr"
	"github.com/plexbridge/tuner/internal/classify"
	"github.com/plexbridge/tuner/internal/encoder"
	"github.com/plexbridge/tuner/internal/httpclient"
	"github.com/plexbridge/tuner/internal/session"
	"github.com/plexbridge/tuner/internal/store"
)

// escalationFailures is how many consecutive upstream failures force a
// stream onto the high-reliability profile on its next play.
const escalationFailures = 3

type Config struct {
	FFmpegPath         string
	DeferredStartGrace time.Duration
	StopGrace          time.Duration
	DefaultProfile     string
	// RateLimiter paces upstream connects per host, shared with the EPG
	// downloader so one origin sees one budget. May be nil.
	RateLimiter *httpclient.HostRateLimiter
}

type Gateway struct {
	cfg      Config
	store    *store.Store
	sessions *session.Manager
	client   *http.Client
	log      zerolog.Logger
}

func New(cfg Config, st *store.Store, sessions *session.Manager, log zerolog.Logger) *Gateway {
	if cfg.DeferredStartGrace <= 0 {
		cfg.DeferredStartGrace = 10 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = "direct"
	}
	return &Gateway{cfg: cfg, store: st, sessions: sessions, client: httpclient.ForStreaming(), log: log}
}

// ServeHTTP handles GET /stream/{channel_id}.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channel_id")
	if channelID == "" {
		apperr.WriteJSON(w, apperr.Wrap(apperr.ErrNotFound, errNoChannelID()), nil)
		return
	}

	ctx := r.Context()
	ch, err := g.store.GetChannel(ctx, channelID)
	if err != nil || !ch.Enabled {
		apperr.WriteJSON(w, apperr.Wrap(apperr.ErrNotFound, errNoChannelID()), nil)
		return
	}
	strm, err := g.store.PrimaryStream(ctx, ch.ID)
	if err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.ErrNotFound, err), nil)
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := g.sessions.Admit(ch.ID, cancel)
	if err != nil {
		apperr.WriteJSON(w, err, nil)
		return
	}
	defer g.sessions.Release(sess.ID)

	result, err := classify.Decide(streamCtx, g.client, classify.Input{
		URL:              strm.URL,
		DeclaredKind:     strm.Kind,
		ReliabilityScore: strm.ReliabilityScore,
		ClientUA:         r.Header.Get("User-Agent"),
	})
	ok := err == nil
	defer func() {
		go g.store.RecordStreamResult(context.Background(), strm.ID, ok)
	}()
	if err != nil {
		apperr.WriteJSON(w, err, nil)
		return
	}

	profile := g.pickProfile(ch.EncodingProfile, strm)

	g.serve(streamCtx, w, sess.ID, result.Mode, profile, strm.URL, "video/mp2t", &ok)
}

// pickProfile resolves the effective profile name: an explicit channel or
// stream assignment wins, but a stream that keeps failing escalates to the
// high-reliability profile until it recovers.
func (g *Gateway) pickProfile(channelProfile string, strm store.Stream) string {
	name := channelProfile
	if name == "" {
		name = strm.EncodingProfile
	}
	if name == "" {
		name = g.cfg.DefaultProfile
	}
	if strm.FailureCount >= escalationFailures {
		g.log.Warn().Str("stream", strm.ID).Int("failures", strm.FailureCount).
			Str("from", name).Msg("gateway: escalating to high-reliability profile")
		return "high-reliability"
	}
	return name
}

// ServePreview handles GET /streams/preview/{stream_id}[?transcode=true], an
// admin diagnostic endpoint that plays a single stream directly by id
// without going through channel/lineup resolution. With transcode forced the
// body is fragmented MP4 (browsers cannot play raw MPEG-TS); otherwise it is
// the same MPEG-TS the tuner surface serves.
func (g *Gateway) ServePreview(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")
	if streamID == "" {
		apperr.WriteJSON(w, apperr.Wrap(apperr.ErrNotFound, errNoChannelID()), nil)
		return
	}
	ctx := r.Context()
	strm, err := g.store.GetStream(ctx, streamID)
	if err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.ErrNotFound, err), nil)
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := g.sessions.Admit(strm.ChannelID, cancel)
	if err != nil {
		apperr.WriteJSON(w, err, nil)
		return
	}
	defer g.sessions.Release(sess.ID)

	forceTranscode := r.URL.Query().Get("transcode") == "true"
	result, err := classify.Decide(streamCtx, g.client, classify.Input{
		URL:            strm.URL,
		DeclaredKind:   strm.Kind,
		ClientUA:       r.Header.Get("User-Agent"),
		ForceTranscode: forceTranscode,
	})
	if err != nil {
		apperr.WriteJSON(w, err, nil)
		return
	}

	profile := strm.EncodingProfile
	if profile == "" {
		profile = g.cfg.DefaultProfile
	}
	contentType := "video/mp2t"
	if forceTranscode {
		contentType = "video/mp4"
		profile = previewMP4Profile(profile)
	}

	var ok bool
	g.serve(streamCtx, w, sess.ID, result.Mode, profile, strm.URL, contentType, &ok)
}

// previewMP4Profile derives a transcode-to-MP4 variant of the named profile
// for browser preview. Registered as a transient override name so the rest
// of the pipeline keeps dealing in profile names.
func previewMP4Profile(name string) string {
	p := encoder.ResolveProfile(name)
	if p.VideoCodec == "" || p.VideoCodec == "copy" {
		p = encoder.ResolveProfile("compat")
	}
	p.Container = "mp4"
	p.Name = p.Name + "+mp4"
	encoder.SetTransient(p)
	return p.Name
}

// serve writes the stream response. For direct pass the upstream is opened
// before headers go out so an unreachable upstream can still surface as a
// 502 JSON body; for encoder modes the headers go out first and the null-TS
// keepalive covers ffmpeg's startup.
func (g *Gateway) serve(ctx context.Context, w http.ResponseWriter, sessionID string, mode classify.Mode, profileName, url, contentType string, ok *bool) {
	flusher, _ := w.(http.Flusher)
	writer := &countingFlushWriter{w: w, flusher: flusher, sessions: g.sessions, sessionID: sessionID}

	if mode == classify.ModeDirect {
		body, err := g.openUpstream(ctx, url)
		if err != nil {
			*ok = false
			apperr.WriteJSON(w, apperr.Wrap(apperr.ErrUpstream, err), nil)
			return
		}
		defer body.Close()
		writeStreamHeaders(w, contentType)
		_, err = io.Copy(writer, body)
		*ok = err == nil || apperr.IsClientDisconnect(err)
		return
	}

	writeStreamHeaders(w, contentType)
	*ok = g.serveEncoded(ctx, mode, profileName, url, writer)
}

func writeStreamHeaders(w http.ResponseWriter, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Connection", "close")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) openUpstream(ctx context.Context, url string) (io.ReadCloser, error) {
	if g.cfg.RateLimiter != nil {
		if err := g.cfg.RateLimiter.Wait(ctx, url); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, errUpstreamStatus(resp.StatusCode)
	}
	return resp.Body, nil
}

// serveEncoded runs ffmpeg against the upstream, retrying once when the
// encoder dies before the session's context does (upstream EOF mid-play);
// further failures surface to the caller.
func (g *Gateway) serveEncoded(ctx context.Context, mode classify.Mode, profileName, url string, w io.Writer) bool {
	profile := encoder.ResolveProfile(profileName)
	attempts := 1 + min(profile.RetryAttempts, 1)

	// The null-packet prologue is bounded by DeferredStartGrace so a stuck
	// encoder can't stream filler forever.
	keepaliveCtx, stopKeepalive := context.WithTimeout(ctx, g.cfg.DeferredStartGrace)
	defer stopKeepalive()
	fbw := &firstByteWriter{w: w, onFirstByte: stopKeepalive}
	go encoder.NullTSKeepalive(keepaliveCtx, fbw.keepaliveSide(), 500*time.Millisecond)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if g.cfg.RateLimiter != nil {
			if err = g.cfg.RateLimiter.Wait(ctx, url); err != nil {
				return false
			}
		}
		var inst *encoder.Instance
		inst, err = encoder.Start(ctx, g.cfg.FFmpegPath, mode, profile, url, fbw, g.log)
		if err != nil {
			return false
		}
		err = inst.Wait()
		inst.Stop(g.cfg.StopGrace)
		if err == nil || ctx.Err() != nil || apperr.IsClientDisconnect(err) {
			break
		}
		g.log.Warn().Err(err).Str("profile", profile.Name).Int("attempt", attempt+1).
			Msg("gateway: encoder exited early, retrying")
	}
	return err == nil || apperr.IsClientDisconnect(err) || errors.Is(ctx.Err(), context.Canceled)
}

// firstByteWriter cancels the keepalive the moment the encoder produces its
// first real byte. Both the encoder's stdout pump and the keepalive
// goroutine write the same response writer, so a single mutex serializes
// every write and guards the fired flag; once the first real byte lands the
// keepalive side can never touch the writer again, keeping null packets out
// of ffmpeg's output.
type firstByteWriter struct {
	mu          sync.Mutex
	w           io.Writer
	onFirstByte func()
	fired       bool
}

func (f *firstByteWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fired && len(p) > 0 {
		f.fired = true
		f.onFirstByte()
	}
	return f.w.Write(p)
}

// keepaliveSide returns the writer the null-packet prologue uses: it holds
// the same mutex as the real stream, and goes quiet forever once the
// encoder has produced output.
func (f *firstByteWriter) keepaliveSide() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fired {
			return len(p), nil
		}
		return f.w.Write(p)
	})
}

type writerFunc func(p []byte) (int, error)

func (fn writerFunc) Write(p []byte) (int, error) { return fn(p) }

// countingFlushWriter reports bytes written back to the session manager and
// flushes after every write so Plex sees data as soon as it's available.
type countingFlushWriter struct {
	w         io.Writer
	flusher   http.Flusher
	sessions  *session.Manager
	sessionID string
}

func (c *countingFlushWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.sessions.MarkActive(c.sessionID, int64(n))
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return n, err
}

type noChannelIDError struct{}

func (noChannelIDError) Error() string { return "missing channel_id path parameter" }

func errNoChannelID() error { return noChannelIDError{} }

type upstreamStatusError int

func (e upstreamStatusError) Error() string { return "upstream returned HTTP " + strconv.Itoa(int(e)) }

func errUpstreamStatus(code int) error { return upstreamStatusError(code) }
