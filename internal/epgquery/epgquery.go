// Package epgquery implements the EPG query/synthesis layer: now,
// next, grid, and XMLTV output, including fallback program synthesis for
// channels with no real guide data. Plex hides a channel whose guide is
// empty, so placeholder slots are always synthesized. Query results memoize
// in the cache with per-query TTLs.
package epgquery

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/plexbridge/tuner/internal/cache"
	"github.com/plexbridge/tuner/internal/store"
)

const (
	currentTTL = 30 * time.Second
	rangeChannelTTL = time.Hour
	rangeAllTTL     = 30 * time.Minute
)

type Query struct {
	store *store.Store
	cache *cache.Cache
}

func New(st *store.Store, c *cache.Cache) *Query {
	return &Query{store: st, cache: c}
}

// resolveChannel resolves a channel (by internal id or epg_id) to the
// channel_key programs are stored against: the channel's epg_id when set,
// else the channel's own id. Feeds and admins disagree about which one a
// program row was stored against, so reads accept either.
func (q *Query) resolveChannel(ctx context.Context, channelID string) (store.Channel, string) {
	ch, err := q.store.GetChannel(ctx, channelID)
	if err != nil {
		// Unknown channel: still try the id verbatim as a channel_key so a
		// bare epg_id with no local Channel row can still resolve listings.
		// The feed's registered display name beats echoing the raw id into
		// a synthesized "{name} Live" title.
		name := channelID
		if dn, dnErr := q.store.ResolveEPGDisplayName(ctx, channelID); dnErr == nil && dn != "" {
			name = dn
		}
		return store.Channel{ID: channelID, Name: name}, channelID
	}
	key := ch.EPGID
	if key == "" {
		key = ch.ID
	}
	return ch, key
}

// GetCurrent resolves the program airing now for channelID, synthesizing a
// fallback when no real listing covers "now". Cached 30s per channel.
func (q *Query) GetCurrent(ctx context.Context, channelID string) (store.EPGProgram, error) {
	ch, key := q.resolveChannel(ctx, channelID)
	cacheKey := cache.Key("epg:current_program", channelID)
	if p, ok := q.getCached(ctx, cacheKey); ok {
		return p, nil
	}
	now := time.Now().UTC()
	p, err := q.store.CurrentProgram(ctx, key, now)
	if err != nil {
		p = fallbackProgram(ch, now)
	}
	q.setCached(ctx, cacheKey, p, currentTTL)
	return p, nil
}

// GetNext resolves the earliest program with start > now.
func (q *Query) GetNext(ctx context.Context, channelID string) (store.EPGProgram, error) {
	ch, key := q.resolveChannel(ctx, channelID)
	now := time.Now().UTC()
	p, err := q.store.NextProgram(ctx, key, now)
	if err != nil {
		p = fallbackProgram(ch, now.Add(time.Hour))
	}
	return p, nil
}

// GetRange returns every program overlapping [start,end) for channelID (or
// every channel, when channelID is empty), cached 1h when scoped to a
// channel, 30m across all channels.
func (q *Query) GetRange(ctx context.Context, channelID string, start, end time.Time) ([]store.EPGProgram, error) {
	var key string
	ttl := rangeAllTTL
	if channelID != "" {
		_, key = q.resolveChannel(ctx, channelID)
		ttl = rangeChannelTTL
	}
	cacheKey := cache.Key("epg:range", channelID, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	if cached, ok := q.getCachedList(ctx, cacheKey); ok {
		return cached, nil
	}
	progs, err := q.store.ProgramsInRange(ctx, key, start, end)
	if err != nil {
		return nil, err
	}
	q.setCachedList(ctx, cacheKey, progs, ttl)
	return progs, nil
}

// fallbackProgram synthesizes the placeholder for a channel with no
// listing covering `at`: "{channel.name} Live", category "Live TV",
// spanning one hour from `at`.
func fallbackProgram(ch store.Channel, at time.Time) store.EPGProgram {
	name := ch.Name
	if name == "" {
		name = "Channel"
	}
	return store.EPGProgram{
		ChannelKey: ch.EPGID,
		Title:      name + " Live",
		Category:   "Live TV",
		Start:      at,
		End:        at.Add(time.Hour),
		Flags:      store.ProgramFlags{Live: true},
	}
}

// Search returns programs across all channels whose title or description
// contains q (case-insensitive), the /epg/search endpoint's backing query.
func (q *Query) Search(ctx context.Context, needle string, start, end time.Time) ([]store.EPGProgram, error) {
	progs, err := q.store.ProgramsInRange(ctx, "", start, end)
	if err != nil {
		return nil, err
	}
	needle = strings.ToLower(strings.TrimSpace(needle))
	if needle == "" {
		return progs, nil
	}
	out := make([]store.EPGProgram, 0, len(progs))
	for _, p := range progs {
		if strings.Contains(strings.ToLower(p.Title), needle) || strings.Contains(strings.ToLower(p.Description), needle) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (q *Query) getCached(ctx context.Context, key string) (store.EPGProgram, bool) {
	if q.cache == nil {
		return store.EPGProgram{}, false
	}
	raw, ok, err := q.cache.Get(ctx, key)
	if err != nil || !ok {
		return store.EPGProgram{}, false
	}
	p, ok := decodeProgram(raw)
	return p, ok
}

func (q *Query) setCached(ctx context.Context, key string, p store.EPGProgram, ttl time.Duration) {
	if q.cache == nil {
		return
	}
	_ = q.cache.Set(ctx, key, encodeProgram(p), ttl)
}

func (q *Query) getCachedList(ctx context.Context, key string) ([]store.EPGProgram, bool) {
	if q.cache == nil {
		return nil, false
	}
	raw, ok, err := q.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	return decodeProgramList(raw)
}

func (q *Query) setCachedList(ctx context.Context, key string, progs []store.EPGProgram, ttl time.Duration) {
	if q.cache == nil {
		return
	}
	_ = q.cache.Set(ctx, key, encodeProgramList(progs), ttl)
}

// --- XMLTV synthesis ---

// Channel describes one channel to render in GenerateXMLTV; Number feeds
// both the second <display-name> and <lcn>.
type Channel struct {
	ID      string
	Number  int
	Name    string
	LogoURL string
}

// GenerateXMLTV renders a full XMLTV document for channels using programs
// already resolved to their channel_key. When a channel has no programs at
// all, a deterministic 7-day, 1-hour-per-slot fallback grid is synthesized
// for it, so clients that refuse to enumerate empty guides still see
// something.
func GenerateXMLTV(channels []Channel, programsByKey map[string][]store.EPGProgram, now time.Time) []byte {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<tv source-info-name="PlexBridge Tuner" generator-info-name="plexbridge-tuner">` + "\n")

	for _, ch := range channels {
		b.WriteString(fmt.Sprintf("  <channel id=%s>\n", attr(ch.ID)))
		b.WriteString(fmt.Sprintf("    <display-name>%s</display-name>\n", escape(ch.Name)))
		b.WriteString(fmt.Sprintf("    <display-name>%d</display-name>\n", ch.Number))
		b.WriteString(fmt.Sprintf("    <lcn>%d</lcn>\n", ch.Number))
		if ch.LogoURL != "" {
			b.WriteString(fmt.Sprintf("    <icon src=%s/>\n", attr(ch.LogoURL)))
		}
		b.WriteString("  </channel>\n")
	}

	for _, ch := range channels {
		progs := programsByKey[ch.ID]
		if len(progs) == 0 {
			progs = syntheticWeek(ch, now)
		}
		for _, p := range progs {
			writeProgramme(&b, ch.ID, p)
		}
	}

	b.WriteString("</tv>\n")
	return []byte(b.String())
}

func writeProgramme(b *strings.Builder, channelID string, p store.EPGProgram) {
	fmt.Fprintf(b, "  <programme start=%s stop=%s channel=%s>\n",
		attr(formatXMLTVTime(p.Start)), attr(formatXMLTVTime(p.End)), attr(channelID))
	title := p.Title
	if title == "" {
		title = "No Title"
	}
	fmt.Fprintf(b, "    <title>%s</title>\n", escape(title))
	if p.Subtitle != "" {
		fmt.Fprintf(b, "    <sub-title>%s</sub-title>\n", escape(p.Subtitle))
	}
	desc := p.Description
	if desc == "" {
		desc = title
	}
	fmt.Fprintf(b, "    <desc>%s</desc>\n", escape(desc))

	primary, secondary := categories(p)
	fmt.Fprintf(b, "    <category>%s</category>\n", escape(primary))
	if secondary != "" {
		fmt.Fprintf(b, "    <category>%s</category>\n", escape(secondary))
	}
	if p.IconURL != "" {
		fmt.Fprintf(b, "    <icon src=%s/>\n", attr(p.IconURL))
	}
	if p.EpisodeNumber > 0 || p.SeasonNumber > 0 {
		season := max(p.SeasonNumber-1, 0)
		episode := max(p.EpisodeNumber-1, 0)
		fmt.Fprintf(b, `    <episode-num system="xmltv_ns">%d.%d.0/1</episode-num>`+"\n", season, episode)
		fmt.Fprintf(b, `    <episode-num system="onscreen">S%02dE%02d</episode-num>`+"\n", max(p.SeasonNumber, 1), max(p.EpisodeNumber, 1))
	}
	for _, kw := range strings.Split(p.Keywords, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			fmt.Fprintf(b, "    <keyword>%s</keyword>\n", escape(kw))
		}
	}
	if p.Flags.Live {
		b.WriteString("    <live/>\n")
	}
	if p.Flags.NewEpisode {
		b.WriteString("    <new/>\n")
	}
	if p.Flags.Premiere {
		b.WriteString("    <premiere/>\n")
	}
	if p.Flags.Subtitles {
		b.WriteString(`    <subtitles type="teletext"/>` + "\n")
	}
	quality := "HDTV"
	if !p.Flags.HD {
		quality = "SDTV"
	}
	fmt.Fprintf(b, "    <video>\n      <colour>1</colour>\n      <aspect>16:9</aspect>\n      <quality>%s</quality>\n    </video>\n", quality)
	b.WriteString("    <audio>\n      <stereo>stereo</stereo>\n    </audio>\n")
	b.WriteString("  </programme>\n")
}

// categories derives the primary genre bucket ("Movie"/"Series"/"Sports"/
// "News") plus a genre-specific secondary, honoring an explicit override on
// the program when the source configured one.
func categories(p store.EPGProgram) (primary, secondary string) {
	primary = p.Category
	secondary = p.SecondaryCategory
	if primary == "" {
		primary = "Series"
	}
	if secondary == "" {
		switch strings.ToLower(primary) {
		case "movie", "film":
			secondary = "Movie / Drama"
		case "sport", "sports":
			secondary = "Sports"
		case "news":
			secondary = "News / Current affairs"
		default:
			secondary = "Entertainment"
		}
	}
	return primary, secondary
}

// syntheticWeek synthesizes a deterministic 7-day, 1-hour-per-slot fallback
// grid for a channel with zero real listings, with every slot carrying the
// fields restrictive clients require: non-empty title/description/category
// plus the "clip" type marker (the numeric content type rides on the
// per-channel metadata stub, see hdhomerun.HandleLibraryMetadata).
func syntheticWeek(ch Channel, now time.Time) []store.EPGProgram {
	start := now.Truncate(time.Hour)
	out := make([]store.EPGProgram, 0, 7*24)
	for i := 0; i < 7*24; i++ {
		slotStart := start.Add(time.Duration(i) * time.Hour)
		out = append(out, store.EPGProgram{
			ChannelKey:  ch.ID,
			Title:       ch.Name + " Live",
			Description: "No guide data available for " + ch.Name,
			Category:    "Live TV",
			Keywords:    "clip",
			Start:       slotStart,
			End:         slotStart.Add(time.Hour),
			Flags:       store.ProgramFlags{Live: true},
		})
	}
	return out
}

// formatXMLTVTime renders t as "YYYYMMDDHHMMSS ±ZZZZ" in the process
// locale: a UTC-stored time serialized in a +1200 locale carries that
// offset, which XMLTV consumers expect over bare UTC.
func formatXMLTVTime(t time.Time) string {
	return t.In(time.Local).Format("20060102150405 -0700")
}

func attr(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	_ = xml.EscapeText(&b, []byte(s))
	b.WriteByte('"')
	return b.String()
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
