package postgres

import (
	"context"
	"time"

	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

// LockRepo implements LockRepository using PostgreSQL.
type LockRepo struct{ q Querier }

// NewLockRepo constructs a checkout lock repository.
func NewLockRepo(q Querier) *LockRepo { return &LockRepo{q: q} }

// GetActive returns the unexpired lock; expired rows read as absent.
func (r *LockRepo) GetActive(ctx context.Context, documentID uuid.UUID, now time.Time) (*model.CheckoutLock, error) {
	const q = `
SELECT document_id, holder_user_id, checked_out_at, expires_at
FROM checkout_locks WHERE document_id=$1 AND expires_at > $2`
	var l model.CheckoutLock
	if err := r.q.QueryRow(ctx, q, documentID, now).Scan(&l.DocumentID, &l.HolderUserID, &l.CheckedOutAt, &l.ExpiresAt); err != nil {
		return nil, notFound(err, "checkout lock")
	}
	return &l, nil
}

// Upsert replaces whatever row the document has, including an expired one.
func (r *LockRepo) Upsert(ctx context.Context, l model.CheckoutLock) error {
	const q = `
INSERT INTO checkout_locks (document_id, holder_user_id, checked_out_at, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (document_id)
DO UPDATE SET holder_user_id=EXCLUDED.holder_user_id, checked_out_at=EXCLUDED.checked_out_at, expires_at=EXCLUDED.expires_at`
	_, err := r.q.Exec(ctx, q, l.DocumentID, l.HolderUserID, l.CheckedOutAt, l.ExpiresAt)
	return err
}

// Delete removes the lock row.
func (r *LockRepo) Delete(ctx context.Context, documentID uuid.UUID) error {
	const q = `DELETE FROM checkout_locks WHERE document_id=$1`
	_, err := r.q.Exec(ctx, q, documentID)
	return err
}
