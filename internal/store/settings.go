package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/plexbridge/tuner/internal/apperr"
)

// GetSetting returns the stored value for key, or "" if unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, apperr.Wrap(apperr.ErrStorage, err)
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return apperr.Wrap(apperr.ErrStorage, err)
}
