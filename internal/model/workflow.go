package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// StepType is the kind of work a step asks for.
type StepType string

const (
	StepApproval       StepType = "approval"
	StepReview         StepType = "review"
	StepAcknowledgment StepType = "acknowledgment"
)

// Valid reports whether t is known.
func (t StepType) Valid() bool {
	return t == StepApproval || t == StepReview || t == StepAcknowledgment
}

// AssigneeType selects the assignee resolution strategy.
type AssigneeType string

const (
	AssigneeRole           AssigneeType = "role"
	AssigneeUser           AssigneeType = "user"
	AssigneeManager        AssigneeType = "manager"
	AssigneeDepartmentHead AssigneeType = "department_head"
)

// AssigneeSpec is a tagged variant: Value is a role name for role, a user id for user, unused otherwise.
type AssigneeSpec struct {
	Type  AssigneeType `json:"type"`
	Value string       `json:"value,omitempty"`
}

// WorkflowStep is one ordered stage of a definition.
type WorkflowStep struct {
	Order        int          `json:"order"`
	Name         string       `json:"name,omitempty"`
	Type         StepType     `json:"type"`
	Assignee     AssigneeSpec `json:"assignee"`
	Parallel     bool         `json:"parallel"`
	TimeoutHours int          `json:"timeout_hours"`
}

// WorkflowDefinition is an ordered approval pipeline. Steps are numbered 1..N.
type WorkflowDefinition struct {
	ID        uuid.UUID
	CompanyID uuid.UUID
	Code      string
	Name      string
	Steps     []WorkflowStep
	IsDefault bool
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDefinition is the create-definition command.
type NewDefinition struct {
	Code      string
	Name      string
	Steps     []WorkflowStep
	IsDefault bool
}

// DefinitionPatch updates a definition; nil fields are left untouched.
type DefinitionPatch struct {
	Code      *string
	Name      *string
	Steps     []WorkflowStep
	IsDefault *bool
}

// StepMove is the only reordering a definition supports.
type StepMove string

const (
	MoveUp   StepMove = "up"
	MoveDown StepMove = "down"
)

// InstanceStatus is the workflow instance state machine.
type InstanceStatus string

const (
	InstanceInProgress InstanceStatus = "in_progress"
	InstanceCompleted  InstanceStatus = "completed"
	InstanceRejected   InstanceStatus = "rejected"
	InstanceCancelled  InstanceStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s InstanceStatus) Terminal() bool { return s != InstanceInProgress }

// WorkflowInstance drives one document through a snapshot of a definition's steps.
type WorkflowInstance struct {
	ID               uuid.UUID
	DocumentID       uuid.UUID
	DefinitionID     uuid.UUID
	CompanyID        uuid.UUID
	Steps            []WorkflowStep
	Status           InstanceStatus
	CurrentStepOrder int
	StartedBy        uuid.UUID
	StartedAt        time.Time
	CompletedAt      *time.Time
	Outcome          string
	CancelReason     string
}

// Step returns the snapshot step with the given order.
func (i WorkflowInstance) Step(order int) (WorkflowStep, bool) {
	if order < 1 || order > len(i.Steps) {
		return WorkflowStep{}, false
	}
	return i.Steps[order-1], true
}

// Decision is a task's disposition.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// WorkflowTask is one resolved user's unit of work within a step.
type WorkflowTask struct {
	ID                uuid.UUID
	InstanceID        uuid.UUID
	DocumentID        uuid.UUID
	StepOrder         int
	AssignedUserID    uuid.UUID
	Decision          Decision
	Notes             string
	DecidedAt         *time.Time
	DueAt             *time.Time
	CreatedAt         time.Time
	OverdueNotifiedAt *time.Time
}

// OverdueAt reports whether a pending task passed its due time.
func (t WorkflowTask) OverdueAt(now time.Time) bool {
	return t.Decision == DecisionPending && t.DueAt != nil && now.After(*t.DueAt)
}

// TaskDecision is the canonical result of a decide command.
type TaskDecision struct {
	Task     WorkflowTask
	Instance WorkflowInstance
}
