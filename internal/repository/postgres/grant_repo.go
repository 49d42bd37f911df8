package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

// GrantRepo implements GrantRepository using PostgreSQL.
type GrantRepo struct{ q Querier }

// NewGrantRepo constructs a permission grant repository.
func NewGrantRepo(q Querier) *GrantRepo { return &GrantRepo{q: q} }

const grantCols = `id, document_id, subject_user_id, subject_role, subject_department_id, level, applies_to_children, ` +
	`overrides, granted_by, granted_at, revoked_at, revoked_by`

func scanGrant(row rowScanner) (*model.PermissionGrant, error) {
	var (
		g         model.PermissionGrant
		role      *string
		level     int
		overrides []byte
	)
	if err := row.Scan(&g.ID, &g.DocumentID, &g.Subject.UserID, &role, &g.Subject.DepartmentID, &level,
		&g.AppliesToChildren, &overrides, &g.GrantedByUserID, &g.GrantedAt, &g.RevokedAt, &g.RevokedByUserID); err != nil {
		return nil, err
	}
	if role != nil {
		g.Subject.RoleName = *role
	}
	g.Level = model.Level(level)
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &g.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides: %w", err)
		}
	}
	return &g, nil
}

// Create inserts a grant row. The subject columns are mutually exclusive (CHECK constraint).
func (r *GrantRepo) Create(ctx context.Context, g *model.PermissionGrant) error {
	overrides, err := json.Marshal(g.Overrides)
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	var role *string
	if g.Subject.RoleName != "" {
		role = &g.Subject.RoleName
	}
	const q = `INSERT INTO permission_grants (` + grantCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.q.Exec(ctx, q, g.ID, g.DocumentID, g.Subject.UserID, role, g.Subject.DepartmentID, int(g.Level),
		g.AppliesToChildren, overrides, g.GrantedByUserID, g.GrantedAt, g.RevokedAt, g.RevokedByUserID)
	return err
}

// Get selects a grant by ID.
func (r *GrantRepo) Get(ctx context.Context, id uuid.UUID) (*model.PermissionGrant, error) {
	const q = `SELECT ` + grantCols + ` FROM permission_grants WHERE id=$1`
	g, err := scanGrant(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "permission grant")
	}
	return g, nil
}

// Revoke stamps revoked_at only on a live grant.
func (r *GrantRepo) Revoke(ctx context.Context, id, byUserID uuid.UUID, at time.Time) error {
	const q = `UPDATE permission_grants SET revoked_at=$2, revoked_by=$3 WHERE id=$1 AND revoked_at IS NULL`
	tag, err := r.q.Exec(ctx, q, id, at, byUserID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return errs.State("permission grant %s is already revoked", id)
	}
	return nil
}

// ListForDocuments returns the grants attached to any of the given documents.
func (r *GrantRepo) ListForDocuments(ctx context.Context, documentIDs []uuid.UUID, includeRevoked bool) ([]model.PermissionGrant, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	const q = `SELECT ` + grantCols + ` FROM permission_grants
WHERE document_id = ANY($1::uuid[]) AND ($2 OR revoked_at IS NULL)
ORDER BY granted_at ASC`
	rows, err := r.q.Query(ctx, q, uuidStrings(documentIDs), includeRevoked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PermissionGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
