package limiter

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed fixed-window limiter shared by all replicas.
type PG struct {
	pool   Querier
	window time.Duration
	limit  int
	now    func() time.Time
}

// Querier is the subset of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter allowing limit hits per window.
func NewPG(q Querier, window time.Duration, limit int) *PG {
	return &PG{pool: q, window: window, limit: limit, now: time.Now}
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Allow increments the hit counter of ipHash, starting a new window when the old one expired.
func (l *PG) Allow(ctx context.Context, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO force_sync_limiter (ip_hash, window_start, hits)
VALUES ($1, now(), 1)
ON CONFLICT (ip_hash) DO UPDATE
SET
  hits = CASE WHEN force_sync_limiter.window_start + $2::interval <= now() THEN 1 ELSE force_sync_limiter.hits + 1 END,
  window_start = CASE WHEN force_sync_limiter.window_start + $2::interval <= now() THEN now() ELSE force_sync_limiter.window_start END
RETURNING hits, window_start`
	var (
		hits        int
		windowStart time.Time
	)
	if err := l.pool.QueryRow(ctx, q, ipHash, l.window).Scan(&hits, &windowStart); err != nil {
		return false, 0, err
	}
	if hits <= l.limit {
		return true, 0, nil
	}
	retry := windowStart.Add(l.window).Sub(l.now())
	if retry < 0 {
		retry = 0
	}
	return false, retry, nil
}

// Sweep deletes windows that ended before olderThan ago.
func (l *PG) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `DELETE FROM force_sync_limiter WHERE window_start + $1::interval < now()`
	tag, err := l.pool.Exec(ctx, q, l.window+olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
