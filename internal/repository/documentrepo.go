package repository

import (
	"context"
	"time"

	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DocumentRepository stores governed documents and their versions.
type DocumentRepository interface {
	// Create inserts a new document.
	Create(ctx context.Context, d *model.Document) error
	// Get loads a document by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Document, error)
	// GetForUpdate loads a document and locks its row until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Document, error)
	// Update writes all mutable fields of d.
	Update(ctx context.Context, d *model.Document) error
	// Ancestors returns the container chain of a document, nearest parent first.
	Ancestors(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
	// AddVersion records a content revision.
	AddVersion(ctx context.Context, v model.DocumentVersion) error
	// ListVersions returns revisions in ascending order.
	ListVersions(ctx context.Context, id uuid.UUID) ([]model.DocumentVersion, error)
	// ListRetentionExpired returns live, unheld documents whose retention expired before now.
	ListRetentionExpired(ctx context.Context, companyID uuid.UUID, now time.Time) ([]model.Document, error)
}

// LockRepository stores checkout locks (at most one row per document).
type LockRepository interface {
	// GetActive returns the lock if it has not expired at now; ErrNotFound otherwise.
	GetActive(ctx context.Context, documentID uuid.UUID, now time.Time) (*model.CheckoutLock, error)
	// Upsert creates or replaces the document's lock row.
	Upsert(ctx context.Context, l model.CheckoutLock) error
	// Delete removes the document's lock row, if any.
	Delete(ctx context.Context, documentID uuid.UUID) error
}
