package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRunInProgress is returned when another live run holds the lock.
var ErrRunInProgress = errors.New("update run already in progress")

// AcquireRunLock takes the named lock for owner. A lock older than ttl is
// considered abandoned and is taken over.
func (s *Store) AcquireRunLock(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO run_locks (name, owner, acquired_at_unix) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, acquired_at_unix = excluded.acquired_at_unix
		 WHERE run_locks.acquired_at_unix < ?`),
		name, owner, now.Unix(), now.Add(-ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("acquire run lock %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire run lock %q: %w", name, err)
	}
	if n == 0 {
		return ErrRunInProgress
	}
	return nil
}

// ReleaseRunLock drops the lock if owner still holds it.
func (s *Store) ReleaseRunLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM run_locks WHERE name = ? AND owner = ?`), name, owner)
	if err != nil {
		return fmt.Errorf("release run lock %q: %w", name, err)
	}
	return nil
}
