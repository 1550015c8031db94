// Package distlock serializes list imports across replicas. Redis locks
// (SET NX with TTL) are preferred; without Redis, PostgreSQL advisory locks
// on the shared database provide the same guarantee.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a single-owner distributed lock. A Lock instance belongs to one
// goroutine; concurrent holders need separate instances.
type Lock interface {
	// Acquire tries to take the lock without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if this instance still owns it.
	Release(ctx context.Context) error
}

// Factory builds a lock for a named resource, e.g. one list's import.
type Factory func(key string) Lock

// NewFactory returns a Factory using the best available backend: Redis when
// a client is given, PostgreSQL advisory locks otherwise.
func NewFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) Factory {
	return func(key string) Lock {
		if redisClient != nil {
			return newRedisLock(redisClient, key, ttl)
		}
		return newAdvisoryLock(db, key)
	}
}

// advisoryLock uses pg_try_advisory_lock / pg_advisory_unlock. The lock is
// session-scoped and drops with the connection, so a crashed holder cannot
// wedge a list.
type advisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

func newAdvisoryLock(db *sql.DB, key string) *advisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &advisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire pins a connection and tries the advisory lock on it. Advisory
// locks are per-session; releasing must happen on the same connection.
func (l *advisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *advisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}
