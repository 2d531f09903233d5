// Package store provides typed access to channels, streams, epg_sources,
// epg_channels, epg_programs and settings, backed by an embedded SQLite
// database with transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and applies
// the schema. Safe to call against an existing database; statements are
// idempotent (CREATE TABLE IF NOT EXISTS).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer, serialize through database/sql's pool
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the underlying database connection is still live, used by
// the /healthz readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	number INTEGER NOT NULL UNIQUE,
	name TEXT NOT NULL,
	logo TEXT,
	epg_id TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	encoding_profile TEXT
);
CREATE TABLE IF NOT EXISTS streams (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	kind TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	reliability_score REAL NOT NULL DEFAULT 1.0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_failure TEXT,
	encoding_profile TEXT,
	position INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_streams_channel ON streams(channel_id, position);

CREATE TABLE IF NOT EXISTS epg_sources (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	refresh_interval TEXT NOT NULL DEFAULT '4h',
	enabled INTEGER NOT NULL DEFAULT 1,
	last_refresh TEXT,
	last_success TEXT,
	last_error TEXT,
	category TEXT,
	secondary_genres TEXT
);
CREATE TABLE IF NOT EXISTS epg_channels (
	source_id TEXT NOT NULL REFERENCES epg_sources(id) ON DELETE CASCADE,
	epg_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	icon_url TEXT,
	PRIMARY KEY (source_id, epg_id)
);
CREATE TABLE IF NOT EXISTS epg_programs (
	id TEXT PRIMARY KEY,
	channel_key TEXT NOT NULL,
	title TEXT NOT NULL,
	subtitle TEXT,
	description TEXT,
	start TEXT NOT NULL,
	end TEXT NOT NULL,
	category TEXT,
	secondary_category TEXT,
	year INTEGER,
	country TEXT,
	icon_url TEXT,
	episode_number INTEGER,
	season_number INTEGER,
	series_id TEXT,
	keywords TEXT,
	rating TEXT,
	flag_audio_description INTEGER NOT NULL DEFAULT 0,
	flag_subtitles INTEGER NOT NULL DEFAULT 0,
	flag_hd INTEGER NOT NULL DEFAULT 0,
	flag_premiere INTEGER NOT NULL DEFAULT 0,
	flag_finale INTEGER NOT NULL DEFAULT 0,
	flag_live INTEGER NOT NULL DEFAULT 0,
	flag_new_episode INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_programs_channel_start ON epg_programs(channel_key, start);
CREATE INDEX IF NOT EXISTS idx_programs_end ON epg_programs(end);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// WithTx runs fn inside a single transaction, committing on nil error and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func NewID() string { return uuid.NewString() }

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }
