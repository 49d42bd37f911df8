package repository

import (
	"context"
	"time"

	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

// GrantRepository stores permission grants. Revocation is a soft delete.
type GrantRepository interface {
	// Create inserts a grant.
	Create(ctx context.Context, g *model.PermissionGrant) error
	// Get loads a grant by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.PermissionGrant, error)
	// Revoke stamps revoked_at on a live grant; ErrState if it is already revoked.
	Revoke(ctx context.Context, id, byUserID uuid.UUID, at time.Time) error
	// ListForDocuments returns grants attached to any of documentIDs.
	ListForDocuments(ctx context.Context, documentIDs []uuid.UUID, includeRevoked bool) ([]model.PermissionGrant, error)
}

// Directory is the read side of the identity/org service.
type Directory interface {
	// UsersWithRole returns active users of the company holding role.
	UsersWithRole(ctx context.Context, companyID uuid.UUID, role string) ([]uuid.UUID, error)
	// ManagerOf returns the direct manager of a user.
	ManagerOf(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
	// DepartmentOf returns the department of a user.
	DepartmentOf(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
	// DepartmentHead returns the head of a department.
	DepartmentHead(ctx context.Context, departmentID uuid.UUID) (uuid.UUID, error)
	// IsActiveUser reports whether the user belongs to the company and is active.
	IsActiveUser(ctx context.Context, companyID, userID uuid.UUID) (bool, error)
	// Principal builds the identity of an active user; ErrNotFound for unknown or inactive users.
	Principal(ctx context.Context, userID uuid.UUID) (model.Principal, error)
}
