package postgres

import (
	"context"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DocumentRepo implements DocumentRepository using PostgreSQL.
type DocumentRepo struct{ q Querier }

// NewDocumentRepo constructs a document repository.
func NewDocumentRepo(q Querier) *DocumentRepo { return &DocumentRepo{q: q} }

const docCols = `id, company_id, parent_id, title, status, legal_hold, legal_hold_reason, retention_policy_id, ` +
	`retention_expires_at, owner_user_id, department_id, version, created_at, updated_at, deleted_at`

func scanDocument(row rowScanner) (*model.Document, error) {
	var (
		d      model.Document
		status string
	)
	if err := row.Scan(&d.ID, &d.CompanyID, &d.ParentID, &d.Title, &status, &d.LegalHold, &d.LegalHoldReason,
		&d.RetentionPolicyID, &d.RetentionExpiresAt, &d.OwnerUserID, &d.DepartmentID, &d.Version,
		&d.CreatedAt, &d.UpdatedAt, &d.DeletedAt); err != nil {
		return nil, err
	}
	d.Status = model.DocumentStatus(status)
	return &d, nil
}

// Create inserts a new document row.
func (r *DocumentRepo) Create(ctx context.Context, d *model.Document) error {
	const q = `INSERT INTO documents (` + docCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err := r.q.Exec(ctx, q, d.ID, d.CompanyID, d.ParentID, d.Title, string(d.Status), d.LegalHold, d.LegalHoldReason,
		d.RetentionPolicyID, d.RetentionExpiresAt, d.OwnerUserID, d.DepartmentID, d.Version,
		d.CreatedAt, d.UpdatedAt, d.DeletedAt)
	return err
}

// Get selects a document by ID.
func (r *DocumentRepo) Get(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	const q = `SELECT ` + docCols + ` FROM documents WHERE id=$1`
	d, err := scanDocument(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "document")
	}
	return d, nil
}

// GetForUpdate selects a document and takes its row lock.
func (r *DocumentRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	const q = `SELECT ` + docCols + ` FROM documents WHERE id=$1 FOR UPDATE`
	d, err := scanDocument(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "document")
	}
	return d, nil
}

// Update writes the mutable document fields.
func (r *DocumentRepo) Update(ctx context.Context, d *model.Document) error {
	const q = `
UPDATE documents SET title=$2, status=$3, legal_hold=$4, legal_hold_reason=$5, retention_policy_id=$6,
  retention_expires_at=$7, department_id=$8, version=$9, updated_at=$10, deleted_at=$11
WHERE id=$1`
	tag, err := r.q.Exec(ctx, q, d.ID, d.Title, string(d.Status), d.LegalHold, d.LegalHoldReason, d.RetentionPolicyID,
		d.RetentionExpiresAt, d.DepartmentID, d.Version, d.UpdatedAt, d.DeletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("document")
	}
	return nil
}

// Ancestors walks parent_id up to the root (bounded depth guards against cycles).
func (r *DocumentRepo) Ancestors(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	const q = `
WITH RECURSIVE chain AS (
  SELECT parent_id, 1 AS depth FROM documents WHERE id=$1
  UNION ALL
  SELECT d.parent_id, c.depth+1 FROM documents d JOIN chain c ON d.id=c.parent_id WHERE c.depth < 64
)
SELECT parent_id FROM chain WHERE parent_id IS NOT NULL ORDER BY depth`
	rows, err := r.q.Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var p uuid.UUID
		if err = rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddVersion inserts a document_versions row.
func (r *DocumentRepo) AddVersion(ctx context.Context, v model.DocumentVersion) error {
	const q = `
INSERT INTO document_versions (document_id, version, content_ref, comment, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.q.Exec(ctx, q, v.DocumentID, v.Version, v.ContentRef, v.Comment, v.CreatedBy, v.CreatedAt)
	return err
}

// ListVersions returns the recorded versions in ascending order.
func (r *DocumentRepo) ListVersions(ctx context.Context, id uuid.UUID) ([]model.DocumentVersion, error) {
	const q = `
SELECT document_id, version, content_ref, comment, created_by, created_at
FROM document_versions WHERE document_id=$1 ORDER BY version ASC`
	rows, err := r.q.Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DocumentVersion
	for rows.Next() {
		var v model.DocumentVersion
		if err = rows.Scan(&v.DocumentID, &v.Version, &v.ContentRef, &v.Comment, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListRetentionExpired returns the sweeper's candidates.
func (r *DocumentRepo) ListRetentionExpired(ctx context.Context, companyID uuid.UUID, now time.Time) ([]model.Document, error) {
	const q = `SELECT ` + docCols + ` FROM documents
WHERE company_id=$1 AND deleted_at IS NULL AND legal_hold=false
  AND retention_expires_at IS NOT NULL AND retention_expires_at <= $2
ORDER BY retention_expires_at ASC`
	rows, err := r.q.Query(ctx, q, companyID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
