package repository

import (
	"context"
	"time"

	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DefinitionRepository stores workflow definitions.
type DefinitionRepository interface {
	Create(ctx context.Context, d *model.WorkflowDefinition) error
	Get(ctx context.Context, id uuid.UUID) (*model.WorkflowDefinition, error)
	// GetForUpdate loads a definition and locks its row.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*model.WorkflowDefinition, error)
	Update(ctx context.Context, d *model.WorkflowDefinition) error
	Delete(ctx context.Context, id uuid.UUID) error
	// GetDefault returns the company's default definition.
	GetDefault(ctx context.Context, companyID uuid.UUID) (*model.WorkflowDefinition, error)
	// ClearDefault unsets is_default on every company definition except keepID.
	ClearDefault(ctx context.Context, companyID, keepID uuid.UUID) error
	List(ctx context.Context, companyID uuid.UUID) ([]model.WorkflowDefinition, error)
}

// InstanceRepository stores workflow instances.
type InstanceRepository interface {
	// Create inserts an instance; ErrConflict if the document already has one in progress.
	Create(ctx context.Context, i *model.WorkflowInstance) error
	Get(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error)
	// GetForUpdate loads an instance and locks its row.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error)
	Update(ctx context.Context, i *model.WorkflowInstance) error
	// ActiveForDocument returns the document's in-progress instance or ErrNotFound.
	ActiveForDocument(ctx context.Context, documentID uuid.UUID) (*model.WorkflowInstance, error)
}

// TaskRepository stores workflow tasks.
type TaskRepository interface {
	// CreateBatch inserts a step's task set.
	CreateBatch(ctx context.Context, tasks []model.WorkflowTask) error
	Get(ctx context.Context, id uuid.UUID) (*model.WorkflowTask, error)
	// GetForUpdate loads a task and locks its row.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*model.WorkflowTask, error)
	// Decide records a decision on a task.
	Decide(ctx context.Context, t *model.WorkflowTask) error
	ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]model.WorkflowTask, error)
	ListByStep(ctx context.Context, instanceID uuid.UUID, stepOrder int) ([]model.WorkflowTask, error)
	// ListPendingForUser returns the user's pending tasks of in-progress instances.
	ListPendingForUser(ctx context.Context, userID uuid.UUID) ([]model.WorkflowTask, error)
	// ListOverdueForCompany returns pending tasks of the company's in-progress instances due before now,
	// flagged or not.
	ListOverdueForCompany(ctx context.Context, companyID uuid.UUID, now time.Time, limit int) ([]model.WorkflowTask, error)
	// ListOverdue returns pending tasks of in-progress instances due before now and not yet flagged,
	// across companies.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]model.WorkflowTask, error)
	// MarkOverdueNotified flags tasks so they are surfaced once.
	MarkOverdueNotified(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// EventRepository is the notification outbox.
type EventRepository interface {
	Append(ctx context.Context, e model.Event) error
	// ListPending returns undispatched events, oldest first.
	ListPending(ctx context.Context, limit int) ([]model.Event, error)
	MarkDispatched(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// AuditRepository stores the per-document audit chain.
type AuditRepository interface {
	// LastHash returns the newest hash of the document's chain, nil for an empty chain.
	LastHash(ctx context.Context, documentID uuid.UUID) ([]byte, error)
	Append(ctx context.Context, r model.AuditRecord) error
	List(ctx context.Context, documentID uuid.UUID) ([]model.AuditRecord, error)
}
