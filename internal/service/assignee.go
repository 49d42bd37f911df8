package service

import (
	"context"
	"errors"
	"strings"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// AssigneeTarget is what a resolver may look at: the company and, at activation time, the document.
type AssigneeTarget struct {
	CompanyID    uuid.UUID
	OwnerUserID  uuid.UUID
	DepartmentID *uuid.UUID
}

func targetOf(d *model.Document) AssigneeTarget {
	return AssigneeTarget{CompanyID: d.CompanyID, OwnerUserID: d.OwnerUserID, DepartmentID: d.DepartmentID}
}

// AssigneeResolver turns one assignee variant into concrete users.
type AssigneeResolver interface {
	Resolve(ctx context.Context, dir repository.Directory, t AssigneeTarget, spec model.AssigneeSpec) ([]uuid.UUID, error)
}

// ResolverFunc adapts a function to AssigneeResolver.
type ResolverFunc func(ctx context.Context, dir repository.Directory, t AssigneeTarget, spec model.AssigneeSpec) ([]uuid.UUID, error)

func (f ResolverFunc) Resolve(ctx context.Context, dir repository.Directory, t AssigneeTarget, spec model.AssigneeSpec) ([]uuid.UUID, error) {
	return f(ctx, dir, t, spec)
}

// Resolvers dispatches on the assignee type.
type Resolvers map[model.AssigneeType]AssigneeResolver

// DefaultResolvers returns the built-in strategies.
func DefaultResolvers() Resolvers {
	return Resolvers{
		model.AssigneeUser:           ResolverFunc(resolveUser),
		model.AssigneeRole:           ResolverFunc(resolveRole),
		model.AssigneeManager:        ResolverFunc(resolveManager),
		model.AssigneeDepartmentHead: ResolverFunc(resolveDepartmentHead),
	}
}

// Resolve returns the deduplicated user set for spec.
func (rs Resolvers) Resolve(ctx context.Context, dir repository.Directory, t AssigneeTarget, spec model.AssigneeSpec) ([]uuid.UUID, error) {
	res, ok := rs[spec.Type]
	if !ok {
		return nil, errs.Validation("unknown assignee type %q", spec.Type)
	}
	users, err := res.Resolve(ctx, dir, t, spec)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(users))
	out := make([]uuid.UUID, 0, len(users))
	for _, u := range users {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out, nil
}

func resolveUser(ctx context.Context, dir repository.Directory, t AssigneeTarget, spec model.AssigneeSpec) ([]uuid.UUID, error) {
	id, err := uuid.FromString(strings.TrimSpace(spec.Value))
	if err != nil || id == uuid.Nil {
		return nil, errs.Validation("user assignee needs a user id, got %q", spec.Value)
	}
	return activeOnly(ctx, dir, t, id)
}

// activeOnly rejects a resolved user who is inactive or outside the document's company.
func activeOnly(ctx context.Context, dir repository.Directory, t AssigneeTarget, id uuid.UUID) ([]uuid.UUID, error) {
	ok, err := dir.IsActiveUser(ctx, t.CompanyID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Validation("assignee %s is not an active member of the company", id)
	}
	return []uuid.UUID{id}, nil
}

func resolveRole(ctx context.Context, dir repository.Directory, t AssigneeTarget, spec model.AssigneeSpec) ([]uuid.UUID, error) {
	role := strings.TrimSpace(spec.Value)
	if role == "" {
		return nil, errs.Validation("role assignee needs a role name")
	}
	return dir.UsersWithRole(ctx, t.CompanyID, role)
}

func resolveManager(ctx context.Context, dir repository.Directory, t AssigneeTarget, _ model.AssigneeSpec) ([]uuid.UUID, error) {
	m, err := dir.ManagerOf(ctx, t.OwnerUserID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Validation("document owner %s has no manager", t.OwnerUserID)
	}
	if err != nil {
		return nil, err
	}
	return activeOnly(ctx, dir, t, m)
}

// resolveDepartmentHead uses the document's department, falling back to the owner's.
func resolveDepartmentHead(ctx context.Context, dir repository.Directory, t AssigneeTarget, _ model.AssigneeSpec) ([]uuid.UUID, error) {
	var dept uuid.UUID
	if t.DepartmentID != nil {
		dept = *t.DepartmentID
	} else {
		d, err := dir.DepartmentOf(ctx, t.OwnerUserID)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Validation("document has no owning department")
		}
		if err != nil {
			return nil, err
		}
		dept = d
	}
	h, err := dir.DepartmentHead(ctx, dept)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Validation("department %s has no head", dept)
	}
	if err != nil {
		return nil, err
	}
	return activeOnly(ctx, dir, t, h)
}
