package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// EventType names a notification emitted by the core. Delivery is external.
type EventType string

const (
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskOverdue       EventType = "task_overdue"
	EventLockConflict      EventType = "lock_conflict"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowRejected  EventType = "workflow_rejected"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Event is an outbox entry. UserID is the intended recipient.
type Event struct {
	ID           uuid.UUID
	Type         EventType
	CompanyID    uuid.UUID
	DocumentID   uuid.UUID
	UserID       uuid.UUID
	Payload      map[string]string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}
