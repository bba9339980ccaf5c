package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SyncMark reads a persisted change marker (0 when never set).
func (s *Store) SyncMark(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *Store) SetSyncMark(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// PutOptOut records or refreshes an opt-out entry.
func (s *Store) PutOptOut(ctx context.Context, o OptOut) error {
	if o.OptedOutAt.IsZero() {
		o.OptedOutAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO opt_outs(destination, active, source, opted_out_at) VALUES(?,?,?,?)
		 ON CONFLICT(destination) DO UPDATE SET
		   active = excluded.active, source = excluded.source, opted_out_at = excluded.opted_out_at`,
		o.Destination, o.Active, o.Source, o.OptedOutAt.UnixMilli(),
	)
	return err
}

// OptedOut reports whether the destination has an active opt-out.
func (s *Store) OptedOut(ctx context.Context, destination string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT active FROM opt_outs WHERE destination = ?`, destination).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}
