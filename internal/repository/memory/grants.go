package memory

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

type grantRepo struct{ v view }

func (r grantRepo) Create(_ context.Context, g *model.PermissionGrant) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.grants[g.ID]; ok {
			return errs.Conflict("permission grant %s already exists", g.ID)
		}
		c := *g
		c.Overrides = maps.Clone(g.Overrides)
		st.grants[g.ID] = c
		st.grantOrder = append(st.grantOrder, g.ID)
		return nil
	})
}

func (r grantRepo) Get(_ context.Context, id uuid.UUID) (*model.PermissionGrant, error) {
	var out model.PermissionGrant
	err := r.v.do(func(st *state) error {
		g, ok := st.grants[id]
		if !ok {
			return errs.NotFound("permission grant")
		}
		out = g
		out.Overrides = maps.Clone(g.Overrides)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r grantRepo) Revoke(_ context.Context, id, byUserID uuid.UUID, at time.Time) error {
	return r.v.do(func(st *state) error {
		g, ok := st.grants[id]
		if !ok {
			return errs.NotFound("permission grant")
		}
		if g.Revoked() {
			return errs.State("permission grant %s is already revoked", id)
		}
		g.RevokedAt, g.RevokedByUserID = &at, &byUserID
		st.grants[id] = g
		return nil
	})
}

func (r grantRepo) ListForDocuments(_ context.Context, documentIDs []uuid.UUID, includeRevoked bool) ([]model.PermissionGrant, error) {
	var out []model.PermissionGrant
	err := r.v.do(func(st *state) error {
		for _, id := range st.grantOrder {
			g := st.grants[id]
			if !slices.Contains(documentIDs, g.DocumentID) || (g.Revoked() && !includeRevoked) {
				continue
			}
			g.Overrides = maps.Clone(g.Overrides)
			out = append(out, g)
		}
		return nil
	})
	slices.SortStableFunc(out, func(a, b model.PermissionGrant) int { return a.GrantedAt.Compare(b.GrantedAt) })
	return out, err
}

type directoryRepo struct{ v view }

func (r directoryRepo) UsersWithRole(_ context.Context, companyID uuid.UUID, role string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := r.v.do(func(st *state) error {
		for _, u := range st.users {
			if u.CompanyID == companyID && u.Active && slices.Contains(u.Roles, role) {
				out = append(out, u.ID)
			}
		}
		return nil
	})
	slices.SortFunc(out, compareUUID)
	return out, err
}

func (r directoryRepo) ManagerOf(_ context.Context, userID uuid.UUID) (uuid.UUID, error) {
	var out uuid.UUID
	err := r.v.do(func(st *state) error {
		u, ok := st.users[userID]
		if !ok {
			return errs.NotFound("user")
		}
		if u.ManagerID == nil {
			return errs.NotFound("manager of user %s", userID)
		}
		out = *u.ManagerID
		return nil
	})
	return out, err
}

func (r directoryRepo) DepartmentOf(_ context.Context, userID uuid.UUID) (uuid.UUID, error) {
	var out uuid.UUID
	err := r.v.do(func(st *state) error {
		u, ok := st.users[userID]
		if !ok {
			return errs.NotFound("user")
		}
		if u.DepartmentID == nil {
			return errs.NotFound("department of user %s", userID)
		}
		out = *u.DepartmentID
		return nil
	})
	return out, err
}

func (r directoryRepo) DepartmentHead(_ context.Context, departmentID uuid.UUID) (uuid.UUID, error) {
	var out uuid.UUID
	err := r.v.do(func(st *state) error {
		d, ok := st.depts[departmentID]
		if !ok {
			return errs.NotFound("department")
		}
		if d.HeadUserID == nil {
			return errs.NotFound("head of department %s", departmentID)
		}
		out = *d.HeadUserID
		return nil
	})
	return out, err
}

func (r directoryRepo) IsActiveUser(_ context.Context, companyID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.v.do(func(st *state) error {
		u, found := st.users[userID]
		ok = found && u.Active && u.CompanyID == companyID
		return nil
	})
	return ok, err
}

func (r directoryRepo) Principal(_ context.Context, userID uuid.UUID) (model.Principal, error) {
	var out model.Principal
	err := r.v.do(func(st *state) error {
		u, ok := st.users[userID]
		if !ok || !u.Active {
			return errs.NotFound("user")
		}
		out = model.Principal{UserID: u.ID, CompanyID: u.CompanyID, DepartmentID: u.DepartmentID, Roles: slices.Clone(u.Roles)}
		return nil
	})
	return out, err
}

func compareUUID(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) }
