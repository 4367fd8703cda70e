package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking).
// Otherwise falls back to PostgreSQL advisory locks, and finally to an
// in-process lock for single-host and test deployments.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	if db != nil {
		return NewPGAdvisoryLock(db, key)
	}
	return NewMemoryLock(key, ttl)
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// Uses pg_try_advisory_lock / pg_advisory_unlock which are session-scoped.
// The lock is automatically released if the DB connection drops, providing
// crash-safety similar to Redis TTL expiration.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock. Returns true if successful.
// Uses pg_try_advisory_lock which returns immediately (non-blocking).
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release releases the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// =============================================================================
// In-process lock (single-host and test deployments)
// =============================================================================

var (
	memMu    sync.Mutex
	memLocks = map[string]time.Time{} // key → expiry
)

// MemoryLock implements DistLock with a process-wide map and TTL expiry.
// It only guards against concurrent runs within the same process.
type MemoryLock struct {
	key string
	ttl time.Duration
}

// NewMemoryLock creates an in-process lock for the given key.
func NewMemoryLock(key string, ttl time.Duration) *MemoryLock {
	return &MemoryLock{key: key, ttl: ttl}
}

// Acquire tries to acquire the lock. Returns true if successful.
func (l *MemoryLock) Acquire(ctx context.Context) (bool, error) {
	memMu.Lock()
	defer memMu.Unlock()
	if exp, held := memLocks[l.key]; held && time.Now().Before(exp) {
		return false, nil
	}
	memLocks[l.key] = time.Now().Add(l.ttl)
	return true, nil
}

// Release releases the lock.
func (l *MemoryLock) Release(ctx context.Context) error {
	memMu.Lock()
	defer memMu.Unlock()
	delete(memLocks, l.key)
	return nil
}
