package postgres

import (
	"context"
	"errors"

	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// AuditRepo stores hash-chained audit records.
type AuditRepo struct{ q Querier }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(q Querier) *AuditRepo { return &AuditRepo{q: q} }

// LastHash returns the newest hash of the document's chain or nil when the chain is empty.
func (r *AuditRepo) LastHash(ctx context.Context, documentID uuid.UUID) ([]byte, error) {
	const q = `SELECT hash FROM audit_log WHERE document_id=$1 ORDER BY seq DESC LIMIT 1`
	var h []byte
	err := r.q.QueryRow(ctx, q, documentID).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Append inserts a record; seq is assigned by the database.
func (r *AuditRepo) Append(ctx context.Context, rec model.AuditRecord) error {
	const q = `
INSERT INTO audit_log (document_id, action, actor_id, detail, at, prev_hash, hash)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.q.Exec(ctx, q, rec.DocumentID, rec.Action, rec.ActorID, rec.Detail, rec.At, rec.PrevHash, rec.Hash)
	return err
}

// List returns the document's chain in append order.
func (r *AuditRepo) List(ctx context.Context, documentID uuid.UUID) ([]model.AuditRecord, error) {
	const q = `
SELECT seq, document_id, action, actor_id, detail, at, prev_hash, hash
FROM audit_log WHERE document_id=$1 ORDER BY seq ASC`
	rows, err := r.q.Query(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		if err = rows.Scan(&rec.Seq, &rec.DocumentID, &rec.Action, &rec.ActorID, &rec.Detail, &rec.At, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
