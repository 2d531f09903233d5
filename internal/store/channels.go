package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plexbridge/tuner/internal/apperr"
)

type Channel struct {
	ID              string
	Number          int
	Name            string
	Logo            string
	EPGID           string
	Enabled         bool
	EncodingProfile string
}

type Stream struct {
	ID               string
	ChannelID        string
	URL              string
	Kind             string // http, hls, dash, rtsp, rtmp, mpegts
	Enabled          bool
	ReliabilityScore float64
	FailureCount     int
	LastFailure      string
	EncodingProfile  string
	Position         int
}

// CreateChannel inserts a channel, assigning a uuid if id is empty.
func (s *Store) CreateChannel(ctx context.Context, ch Channel) (Channel, error) {
	if ch.ID == "" {
		ch.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, number, name, logo, epg_id, enabled, encoding_profile)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Number, ch.Name, ch.Logo, ch.EPGID, boolToInt(ch.Enabled), ch.EncodingProfile)
	if err != nil {
		return Channel{}, apperr.Wrap(apperr.ErrStorage, err)
	}
	return ch, nil
}

// GetChannel resolves a channel by internal id OR by epg_id; callers hold
// whichever identifier their input happened to carry.
func (s *Store) GetChannel(ctx context.Context, idOrEPGID string) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, number, name, COALESCE(logo,''), COALESCE(epg_id,''), enabled, COALESCE(encoding_profile,'')
		FROM channels WHERE id = ? OR epg_id = ? LIMIT 1`, idOrEPGID, idOrEPGID)
	var ch Channel
	var enabled int
	if err := row.Scan(&ch.ID, &ch.Number, &ch.Name, &ch.Logo, &ch.EPGID, &enabled, &ch.EncodingProfile); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Channel{}, apperr.Wrap(apperr.ErrNotFound, fmt.Errorf("channel %q", idOrEPGID))
		}
		return Channel{}, apperr.Wrap(apperr.ErrStorage, err)
	}
	ch.Enabled = enabled != 0
	return ch, nil
}

// ListEnabledChannels returns every enabled channel that has at least one
// enabled stream (the set the lineup advertises), ordered by number.
func (s *Store) ListEnabledChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.id, c.number, c.name, COALESCE(c.logo,''), COALESCE(c.epg_id,''), c.enabled, COALESCE(c.encoding_profile,'')
		FROM channels c
		JOIN streams st ON st.channel_id = c.id AND st.enabled = 1
		WHERE c.enabled = 1
		ORDER BY c.number ASC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var ch Channel
		var enabled int
		if err := rows.Scan(&ch.ID, &ch.Number, &ch.Name, &ch.Logo, &ch.EPGID, &enabled, &ch.EncodingProfile); err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, err)
		}
		ch.Enabled = enabled != 0
		out = append(out, ch)
	}
	return out, rows.Err()
}

// PrimaryStream returns the first enabled stream for a channel, ordered by
// position and then by insertion order.
func (s *Store) PrimaryStream(ctx context.Context, channelID string) (Stream, error) {
	streams, err := s.ListStreams(ctx, channelID)
	if err != nil {
		return Stream{}, err
	}
	for _, st := range streams {
		if st.Enabled {
			return st, nil
		}
	}
	return Stream{}, apperr.Wrap(apperr.ErrNotFound, fmt.Errorf("no enabled stream for channel %q", channelID))
}

func (s *Store) ListStreams(ctx context.Context, channelID string) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, url, kind, enabled, reliability_score, failure_count,
		       COALESCE(last_failure,''), COALESCE(encoding_profile,''), position
		FROM streams WHERE channel_id = ? ORDER BY position ASC, rowid ASC`, channelID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, err)
	}
	defer rows.Close()
	var out []Stream
	for rows.Next() {
		var st Stream
		var enabled int
		if err := rows.Scan(&st.ID, &st.ChannelID, &st.URL, &st.Kind, &enabled, &st.ReliabilityScore,
			&st.FailureCount, &st.LastFailure, &st.EncodingProfile, &st.Position); err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, err)
		}
		st.Enabled = enabled != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetStream resolves a single stream by its own id, for the stream-preview
// admin endpoint.
func (s *Store) GetStream(ctx context.Context, streamID string) (Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, url, kind, enabled, reliability_score, failure_count,
		       COALESCE(last_failure,''), COALESCE(encoding_profile,''), position
		FROM streams WHERE id = ?`, streamID)
	var st Stream
	var enabled int
	if err := row.Scan(&st.ID, &st.ChannelID, &st.URL, &st.Kind, &enabled, &st.ReliabilityScore,
		&st.FailureCount, &st.LastFailure, &st.EncodingProfile, &st.Position); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Stream{}, apperr.Wrap(apperr.ErrNotFound, fmt.Errorf("stream %q", streamID))
		}
		return Stream{}, apperr.Wrap(apperr.ErrStorage, err)
	}
	st.Enabled = enabled != 0
	return st, nil
}

// CreateStream inserts a stream for channel_id, appending to the ordering.
func (s *Store) CreateStream(ctx context.Context, st Stream) (Stream, error) {
	if st.ID == "" {
		st.ID = NewID()
	}
	if st.ReliabilityScore == 0 {
		st.ReliabilityScore = 1.0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (id, channel_id, url, kind, enabled, reliability_score, failure_count, last_failure, encoding_profile, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ChannelID, st.URL, st.Kind, boolToInt(st.Enabled), st.ReliabilityScore,
		st.FailureCount, st.LastFailure, st.EncodingProfile, st.Position)
	if err != nil {
		return Stream{}, apperr.Wrap(apperr.ErrStorage, err)
	}
	return st, nil
}

// RecordStreamResult updates a stream's reliability counters after an
// attempted play; the classifier's reliability-threshold rule reads them.
func (s *Store) RecordStreamResult(ctx context.Context, streamID string, ok bool) error {
	if ok {
		_, err := s.db.ExecContext(ctx, `
			UPDATE streams SET failure_count = 0, reliability_score = MIN(1.0, reliability_score + 0.05)
			WHERE id = ?`, streamID)
		return apperr.Wrap(apperr.ErrStorage, err)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams SET failure_count = failure_count + 1,
		                    reliability_score = MAX(0.0, reliability_score - 0.2),
		                    last_failure = ?
		WHERE id = ?`, nowRFC3339(), streamID)
	return apperr.Wrap(apperr.ErrStorage, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
