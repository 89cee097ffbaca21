package db

import (
	"context"
	"fmt"
)

// TryAcquireAdvisoryLock attempts a non-blocking session advisory lock,
// used to single-flight the score sweep across instances. The lock is
// pinned to one pooled connection for its whole lifetime, so the unlock
// runs on the session that holds it; the returned release func gives the
// connection back to the pool. A nil release with a nil error means
// another session holds the lock.
func (db *DB) TryAcquireAdvisoryLock(ctx context.Context, lockID int64) (func(context.Context) error, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool

	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()

		return nil, fmt.Errorf("try acquire advisory lock: %w", err)
	}

	if !acquired {
		conn.Release()

		return nil, nil
	}

	release := func(ctx context.Context) error {
		defer conn.Release()

		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockID); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}

		return nil
	}

	return release, nil
}
