package limiter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed limiter shared by every server replica.
type PG struct {
	pool   pgxExecer
	window time.Duration
}

type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration) *PG {
	return &PG{pool: pool, window: window}
}

// NewPGWithExecer constructs a PostgreSQL-backed limiter over any Exec implementation.
func NewPGWithExecer(q pgxExecer, window time.Duration) *PG {
	return &PG{pool: q, window: window}
}

// Allow claims the key when no notice was sent within the window. The conditional upsert makes
// the claim atomic across replicas.
func (l *PG) Allow(ctx context.Context, key []byte, now time.Time) (bool, error) {
	const q = `
INSERT INTO notice_throttle (key, last_sent_at)
VALUES ($1,$2)
ON CONFLICT (key) DO UPDATE
SET last_sent_at = EXCLUDED.last_sent_at
WHERE notice_throttle.last_sent_at <= $3`
	tag, err := l.pool.Exec(ctx, q, key, now, now.Add(-l.window))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
