package postgres

import (
	"context"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DirectoryRepo reads the org tables replicated from the identity service.
type DirectoryRepo struct{ q Querier }

// NewDirectoryRepo constructs a directory reader.
func NewDirectoryRepo(q Querier) *DirectoryRepo { return &DirectoryRepo{q: q} }

// UsersWithRole returns active company users holding role, ordered by ID.
func (r *DirectoryRepo) UsersWithRole(ctx context.Context, companyID uuid.UUID, role string) ([]uuid.UUID, error) {
	const q = `
SELECT u.id FROM org_users u JOIN org_user_roles ur ON ur.user_id=u.id
WHERE u.company_id=$1 AND ur.role=$2 AND u.active
ORDER BY u.id`
	rows, err := r.q.Query(ctx, q, companyID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ManagerOf returns the user's manager; ErrNotFound if none is recorded.
func (r *DirectoryRepo) ManagerOf(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	var m *uuid.UUID
	if err := r.q.QueryRow(ctx, `SELECT manager_id FROM org_users WHERE id=$1`, userID).Scan(&m); err != nil {
		return uuid.Nil, notFound(err, "user")
	}
	if m == nil {
		return uuid.Nil, errs.NotFound("manager of user %s", userID)
	}
	return *m, nil
}

// DepartmentOf returns the user's department; ErrNotFound if none is recorded.
func (r *DirectoryRepo) DepartmentOf(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	var d *uuid.UUID
	if err := r.q.QueryRow(ctx, `SELECT department_id FROM org_users WHERE id=$1`, userID).Scan(&d); err != nil {
		return uuid.Nil, notFound(err, "user")
	}
	if d == nil {
		return uuid.Nil, errs.NotFound("department of user %s", userID)
	}
	return *d, nil
}

// DepartmentHead returns the head of a department; ErrNotFound if unset.
func (r *DirectoryRepo) DepartmentHead(ctx context.Context, departmentID uuid.UUID) (uuid.UUID, error) {
	var h *uuid.UUID
	if err := r.q.QueryRow(ctx, `SELECT head_user_id FROM org_departments WHERE id=$1`, departmentID).Scan(&h); err != nil {
		return uuid.Nil, notFound(err, "department")
	}
	if h == nil {
		return uuid.Nil, errs.NotFound("head of department %s", departmentID)
	}
	return *h, nil
}

// IsActiveUser reports whether userID is an active member of companyID.
func (r *DirectoryRepo) IsActiveUser(ctx context.Context, companyID, userID uuid.UUID) (bool, error) {
	var ok bool
	const q = `SELECT EXISTS (SELECT 1 FROM org_users WHERE id=$1 AND company_id=$2 AND active)`
	if err := r.q.QueryRow(ctx, q, userID, companyID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Principal loads company, department and roles of an active user.
func (r *DirectoryRepo) Principal(ctx context.Context, userID uuid.UUID) (model.Principal, error) {
	const q = `
SELECT u.company_id, u.department_id,
  COALESCE(array_agg(ur.role ORDER BY ur.role) FILTER (WHERE ur.role IS NOT NULL), '{}')
FROM org_users u LEFT JOIN org_user_roles ur ON ur.user_id=u.id
WHERE u.id=$1 AND u.active
GROUP BY u.id`
	p := model.Principal{UserID: userID}
	if err := r.q.QueryRow(ctx, q, userID).Scan(&p.CompanyID, &p.DepartmentID, &p.Roles); err != nil {
		return model.Principal{}, notFound(err, "user")
	}
	return p, nil
}
