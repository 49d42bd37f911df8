package postgres

import (
	"context"

	"github.com/and161185/docgov/internal/model"
	"github.com/jackc/pgx/v5"
)

// OrgRepo writes the org tables read by DirectoryRepo.
type OrgRepo struct{ db *DB }

// NewOrgRepo constructs a directory writer.
func NewOrgRepo(db *DB) *OrgRepo { return &OrgRepo{db: db} }

// SyncDirectory upserts departments and users in one transaction. Managers are linked in a
// second pass so a user may reference a manager synced later in the same batch.
func (r *OrgRepo) SyncDirectory(ctx context.Context, departments []model.Department, users []model.OrgUser) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	const upDept = `
INSERT INTO org_departments (id, company_id, name, head_user_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET company_id=EXCLUDED.company_id, name=EXCLUDED.name, head_user_id=EXCLUDED.head_user_id`
	for _, d := range departments {
		if _, err = tx.Exec(ctx, upDept, d.ID, d.CompanyID, d.Name, d.HeadUserID); err != nil {
			return err
		}
	}

	const upUser = `
INSERT INTO org_users (id, company_id, department_id, active)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET company_id=EXCLUDED.company_id, department_id=EXCLUDED.department_id, active=EXCLUDED.active`
	for _, u := range users {
		if _, err = tx.Exec(ctx, upUser, u.ID, u.CompanyID, u.DepartmentID, u.Active); err != nil {
			return err
		}
		if _, err = tx.Exec(ctx, `DELETE FROM org_user_roles WHERE user_id=$1`, u.ID); err != nil {
			return err
		}
		for _, role := range u.Roles {
			if _, err = tx.Exec(ctx, `INSERT INTO org_user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`, u.ID, role); err != nil {
				return err
			}
		}
	}

	for _, u := range users {
		if _, err = tx.Exec(ctx, `UPDATE org_users SET manager_id=$2 WHERE id=$1`, u.ID, u.ManagerID); err != nil {
			return err
		}
	}
	return nil
}
