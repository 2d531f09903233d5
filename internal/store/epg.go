package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/plexbridge/tuner/internal/apperr"
)

type EPGSource struct {
	ID              string
	Name            string
	URL             string
	RefreshInterval string
	Enabled         bool
	LastRefresh     string
	LastSuccess     string
	LastError       string
	Category        string
	SecondaryGenres []string
}

type EPGChannel struct {
	SourceID    string
	EPGID       string
	DisplayName string
	IconURL     string
}

type ProgramFlags struct {
	AudioDescription bool
	Subtitles        bool
	HD               bool
	Premiere         bool
	Finale           bool
	Live             bool
	NewEpisode       bool
}

type EPGProgram struct {
	ChannelKey        string
	Title             string
	Subtitle          string
	Description       string
	Start             time.Time
	End               time.Time
	Category          string
	SecondaryCategory string
	Year              int
	Country           string
	IconURL           string
	EpisodeNumber     int
	SeasonNumber      int
	SeriesID          string
	Keywords          string
	Rating            string
	Flags             ProgramFlags
}

func (p EPGProgram) id() string {
	return p.ChannelKey + "|" + strconv.FormatInt(p.Start.Unix(), 10)
}

func (s *Store) CreateEPGSource(ctx context.Context, src EPGSource) (EPGSource, error) {
	if src.ID == "" {
		src.ID = NewID()
	}
	if src.RefreshInterval == "" {
		src.RefreshInterval = "4h"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epg_sources (id, name, url, refresh_interval, enabled, category, secondary_genres)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.URL, src.RefreshInterval, boolToInt(src.Enabled), src.Category, strings.Join(src.SecondaryGenres, ","))
	if err != nil {
		return EPGSource{}, apperr.Wrap(apperr.ErrStorage, err)
	}
	return src, nil
}

func (s *Store) DeleteEPGSource(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM epg_sources WHERE id = ?`, id)
	return apperr.Wrap(apperr.ErrStorage, err)
}

func (s *Store) GetEPGSource(ctx context.Context, id string) (EPGSource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, refresh_interval, enabled, COALESCE(last_refresh,''),
		       COALESCE(last_success,''), COALESCE(last_error,''), COALESCE(category,''), COALESCE(secondary_genres,'')
		FROM epg_sources WHERE id = ?`, id)
	return scanEPGSource(row)
}

func (s *Store) ListEPGSources(ctx context.Context) ([]EPGSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, refresh_interval, enabled, COALESCE(last_refresh,''),
		       COALESCE(last_success,''), COALESCE(last_error,''), COALESCE(category,''), COALESCE(secondary_genres,'')
		FROM epg_sources ORDER BY name ASC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, err)
	}
	defer rows.Close()
	var out []EPGSource
	for rows.Next() {
		src, err := scanEPGSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEPGSource(row scanner) (EPGSource, error) {
	var src EPGSource
	var enabled int
	var genres string
	if err := row.Scan(&src.ID, &src.Name, &src.URL, &src.RefreshInterval, &enabled,
		&src.LastRefresh, &src.LastSuccess, &src.LastError, &src.Category, &genres); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EPGSource{}, apperr.Wrap(apperr.ErrNotFound, fmt.Errorf("epg source not found"))
		}
		return EPGSource{}, apperr.Wrap(apperr.ErrStorage, err)
	}
	src.Enabled = enabled != 0
	if genres != "" {
		src.SecondaryGenres = strings.Split(genres, ",")
	}
	return src, nil
}

// LatestEPGSuccess returns the most recent last_success across all sources,
// zero when no source has ever refreshed (feeds lineup_status.json's
// EPGLastUpdate field).
func (s *Store) LatestEPGSuccess(ctx context.Context) (time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(last_success) FROM epg_sources`).Scan(&raw)
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.ErrStorage, err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw.String)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

func (s *Store) MarkRefreshStarted(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE epg_sources SET last_refresh = ? WHERE id = ?`, nowRFC3339(), sourceID)
	return apperr.Wrap(apperr.ErrStorage, err)
}

func (s *Store) MarkRefreshSucceeded(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE epg_sources SET last_success = ?, last_error = NULL WHERE id = ?`, nowRFC3339(), sourceID)
	return apperr.Wrap(apperr.ErrStorage, err)
}

func (s *Store) MarkRefreshFailed(ctx context.Context, sourceID string, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE epg_sources SET last_error = ? WHERE id = ?`, msg, sourceID)
	return apperr.Wrap(apperr.ErrStorage, err)
}

// ReplaceEPGChannels deletes and re-inserts the EPGChannel set for a source
// inside one transaction; every successful refresh replaces the set
// wholesale.
func (s *Store) ReplaceEPGChannels(ctx context.Context, sourceID string, channels []EPGChannel) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM epg_channels WHERE source_id = ?`, sourceID); err != nil {
			return apperr.Wrap(apperr.ErrStorage, err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO epg_channels (source_id, epg_id, display_name, icon_url) VALUES (?, ?, ?, ?)
			ON CONFLICT(source_id, epg_id) DO UPDATE SET display_name = excluded.display_name, icon_url = excluded.icon_url`)
		if err != nil {
			return apperr.Wrap(apperr.ErrStorage, err)
		}
		defer stmt.Close()
		for _, ch := range channels {
			if _, err := stmt.ExecContext(ctx, sourceID, ch.EPGID, ch.DisplayName, ch.IconURL); err != nil {
				return apperr.Wrap(apperr.ErrStorage, err)
			}
		}
		return nil
	})
}

// WriteProgramsResult reports row-level outcomes for the tolerance check.
type WriteProgramsResult struct {
	Parsed    int
	Succeeded int
	Failed    int
}

// WritePrograms prunes stale rows and upserts the parsed set inside a single
// transaction, tolerating per-row failures up to the thresholds below.
func (s *Store) WritePrograms(ctx context.Context, programs []EPGProgram) (WriteProgramsResult, error) {
	res := WriteProgramsResult{Parsed: len(programs)}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cutoff := time.Now().UTC().Add(-3 * 24 * time.Hour).Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `DELETE FROM epg_programs WHERE end < ?`, cutoff); err != nil {
			return apperr.Wrap(apperr.ErrStorage, err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO epg_programs (id, channel_key, title, subtitle, description, start, end, category,
				secondary_category, year, country, icon_url, episode_number, season_number, series_id,
				keywords, rating, flag_audio_description, flag_subtitles, flag_hd, flag_premiere, flag_finale,
				flag_live, flag_new_episode)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				title=excluded.title, subtitle=excluded.subtitle, description=excluded.description,
				end=excluded.end, category=excluded.category, secondary_category=excluded.secondary_category,
				year=excluded.year, country=excluded.country, icon_url=excluded.icon_url,
				episode_number=excluded.episode_number, season_number=excluded.season_number,
				series_id=excluded.series_id, keywords=excluded.keywords, rating=excluded.rating,
				flag_audio_description=excluded.flag_audio_description, flag_subtitles=excluded.flag_subtitles,
				flag_hd=excluded.flag_hd, flag_premiere=excluded.flag_premiere, flag_finale=excluded.flag_finale,
				flag_live=excluded.flag_live, flag_new_episode=excluded.flag_new_episode`)
		if err != nil {
			return apperr.Wrap(apperr.ErrStorage, err)
		}
		defer stmt.Close()
		for _, p := range programs {
			p = normalizeProgram(p)
			_, err := stmt.ExecContext(ctx, p.id(), p.ChannelKey, p.Title, nullIfEmpty(p.Subtitle), nullIfEmpty(p.Description),
				p.Start.UTC().Format(time.RFC3339), p.End.UTC().Format(time.RFC3339), nullIfEmpty(p.Category),
				nullIfEmpty(p.SecondaryCategory), nullIfZero(p.Year), nullIfEmpty(p.Country), nullIfEmpty(p.IconURL),
				nullIfZero(p.EpisodeNumber), nullIfZero(p.SeasonNumber), nullIfEmpty(p.SeriesID), nullIfEmpty(p.Keywords),
				nullIfEmpty(p.Rating), boolToInt(p.Flags.AudioDescription), boolToInt(p.Flags.Subtitles), boolToInt(p.Flags.HD),
				boolToInt(p.Flags.Premiere), boolToInt(p.Flags.Finale), boolToInt(p.Flags.Live), boolToInt(p.Flags.NewEpisode))
			if err != nil {
				res.Failed++
				continue
			}
			res.Succeeded++
		}
		return tolerateRowFailures(res)
	})
	return res, err
}

// tolerateRowFailures decides whether a batch with failures commits:
// abort only if >15% of rows fail (40% for sources > 10k rows, 30% for >
// 5k), or if fewer than max(50, 5% of parsed) succeed.
func tolerateRowFailures(res WriteProgramsResult) error {
	if res.Parsed == 0 || res.Failed == 0 {
		return nil
	}
	failRate := float64(res.Failed) / float64(res.Parsed)
	threshold := 0.15
	switch {
	case res.Parsed > 10000:
		threshold = 0.40
	case res.Parsed > 5000:
		threshold = 0.30
	}
	minSucceed := 50
	if want := int(float64(res.Parsed) * 0.05); want > minSucceed {
		minSucceed = want
	}
	if failRate > threshold || res.Succeeded < minSucceed {
		return apperr.Wrap(apperr.ErrStorage, fmt.Errorf("too many row failures: %d/%d failed (succeeded %d, need %d)",
			res.Failed, res.Parsed, res.Succeeded, minSucceed))
	}
	return nil
}

func normalizeProgram(p EPGProgram) EPGProgram {
	p.Title = truncate(p.Title, 255)
	p.Description = truncate(p.Description, 2000)
	if p.EpisodeNumber < 0 {
		p.EpisodeNumber = 0
	}
	if p.SeasonNumber < 0 {
		p.SeasonNumber = 0
	}
	return p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

// PruneProgramsOlderThan deletes programs whose end is before now-days;
// the daily cleanup job drives it.
func (s *Store) PruneProgramsOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `DELETE FROM epg_programs WHERE end < ?`, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountPrograms returns the total row count, used by the refresh verify
// step.
func (s *Store) CountPrograms(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM epg_programs`).Scan(&n)
	return n, apperr.Wrap(apperr.ErrStorage, err)
}

// CurrentProgram returns the program with start <= at < end for channelKey.
func (s *Store) CurrentProgram(ctx context.Context, channelKey string, at time.Time) (EPGProgram, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel_key, title, COALESCE(subtitle,''), COALESCE(description,''), start, end,
		       COALESCE(category,''), COALESCE(secondary_category,''), COALESCE(year,0), COALESCE(country,''),
		       COALESCE(icon_url,''), COALESCE(episode_number,0), COALESCE(season_number,0), COALESCE(series_id,''),
		       COALESCE(keywords,''), COALESCE(rating,''), flag_audio_description, flag_subtitles, flag_hd,
		       flag_premiere, flag_finale, flag_live, flag_new_episode
		FROM epg_programs WHERE channel_key = ? AND start <= ? AND end > ? ORDER BY start DESC LIMIT 1`,
		channelKey, at.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339))
	return scanProgram(row)
}

// NextProgram returns the earliest program with start > at.
func (s *Store) NextProgram(ctx context.Context, channelKey string, at time.Time) (EPGProgram, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel_key, title, COALESCE(subtitle,''), COALESCE(description,''), start, end,
		       COALESCE(category,''), COALESCE(secondary_category,''), COALESCE(year,0), COALESCE(country,''),
		       COALESCE(icon_url,''), COALESCE(episode_number,0), COALESCE(season_number,0), COALESCE(series_id,''),
		       COALESCE(keywords,''), COALESCE(rating,''), flag_audio_description, flag_subtitles, flag_hd,
		       flag_premiere, flag_finale, flag_live, flag_new_episode
		FROM epg_programs WHERE channel_key = ? AND start > ? ORDER BY start ASC LIMIT 1`,
		channelKey, at.UTC().Format(time.RFC3339))
	return scanProgram(row)
}

// ProgramsInRange returns all programs overlapping [start,end) for
// channelKey, or for every channel when channelKey is empty.
func (s *Store) ProgramsInRange(ctx context.Context, channelKey string, start, end time.Time) ([]EPGProgram, error) {
	q := `
		SELECT channel_key, title, COALESCE(subtitle,''), COALESCE(description,''), start, end,
		       COALESCE(category,''), COALESCE(secondary_category,''), COALESCE(year,0), COALESCE(country,''),
		       COALESCE(icon_url,''), COALESCE(episode_number,0), COALESCE(season_number,0), COALESCE(series_id,''),
		       COALESCE(keywords,''), COALESCE(rating,''), flag_audio_description, flag_subtitles, flag_hd,
		       flag_premiere, flag_finale, flag_live, flag_new_episode
		FROM epg_programs WHERE start < ? AND end > ?`
	args := []any{end.UTC().Format(time.RFC3339), start.UTC().Format(time.RFC3339)}
	if channelKey != "" {
		q += " AND channel_key = ?"
		args = append(args, channelKey)
	}
	q += " ORDER BY channel_key ASC, start ASC"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, err)
	}
	defer rows.Close()
	var out []EPGProgram
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProgram(row scanner) (EPGProgram, error) {
	var p EPGProgram
	var start, end string
	var ad, sub, hd, premiere, finale, live, newEp int
	if err := row.Scan(&p.ChannelKey, &p.Title, &p.Subtitle, &p.Description, &start, &end,
		&p.Category, &p.SecondaryCategory, &p.Year, &p.Country, &p.IconURL, &p.EpisodeNumber,
		&p.SeasonNumber, &p.SeriesID, &p.Keywords, &p.Rating, &ad, &sub, &hd, &premiere, &finale, &live, &newEp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EPGProgram{}, apperr.Wrap(apperr.ErrNotFound, fmt.Errorf("no program"))
		}
		return EPGProgram{}, apperr.Wrap(apperr.ErrStorage, err)
	}
	p.Start, _ = time.Parse(time.RFC3339, start)
	p.End, _ = time.Parse(time.RFC3339, end)
	p.Flags = ProgramFlags{
		AudioDescription: ad != 0, Subtitles: sub != 0, HD: hd != 0,
		Premiere: premiere != 0, Finale: finale != 0, Live: live != 0, NewEpisode: newEp != 0,
	}
	return p, nil
}

// ResolveEPGDisplayName finds the display name registered for an epg_id
// across any source (used for fallback program synthesis naming).
func (s *Store) ResolveEPGDisplayName(ctx context.Context, epgID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT display_name FROM epg_channels WHERE epg_id = ? LIMIT 1`, epgID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, apperr.Wrap(apperr.ErrStorage, err)
}

func (s *Store) ListEPGChannels(ctx context.Context, sourceID string) ([]EPGChannel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id, epg_id, display_name, COALESCE(icon_url,'') FROM epg_channels WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, err)
	}
	defer rows.Close()
	var out []EPGChannel
	for rows.Next() {
		var c EPGChannel
		if err := rows.Scan(&c.SourceID, &c.EPGID, &c.DisplayName, &c.IconURL); err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
