package repository

import (
	"context"

	"github.com/and161185/docgov/internal/model"
)

// DirectorySync is the write side of the directory: it upserts departments and users pushed
// from the identity service or a static seed.
type DirectorySync interface {
	// SyncDirectory upserts every department, then every user. Roles of a synced user are
	// replaced by the given set.
	SyncDirectory(ctx context.Context, departments []model.Department, users []model.OrgUser) error
}
