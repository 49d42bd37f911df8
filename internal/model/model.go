// Package model defines domain entities used by services and repositories.
package model

import (
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Principal is the request-scoped caller identity threaded through every command.
type Principal struct {
	UserID       uuid.UUID
	CompanyID    uuid.UUID
	DepartmentID *uuid.UUID
	Roles        []string
}

// HasRole reports whether the principal holds role.
func (p Principal) HasRole(role string) bool { return slices.Contains(p.Roles, role) }

// DocumentStatus is the lifecycle state of a document.
type DocumentStatus string

const (
	StatusDraft         DocumentStatus = "draft"
	StatusPendingReview DocumentStatus = "pending_review"
	StatusApproved      DocumentStatus = "approved"
	StatusPublished     DocumentStatus = "published"
	StatusArchived      DocumentStatus = "archived"
	StatusRejected      DocumentStatus = "rejected"
)

// Document is a governed document. Folders are documents too; ParentID links a document to its container.
type Document struct {
	ID                 uuid.UUID
	CompanyID          uuid.UUID
	ParentID           *uuid.UUID
	Title              string
	Status             DocumentStatus
	LegalHold          bool
	LegalHoldReason    string
	RetentionPolicyID  string
	RetentionExpiresAt *time.Time
	OwnerUserID        uuid.UUID
	DepartmentID       *uuid.UUID
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// NewDocument describes a document registration.
type NewDocument struct {
	Title             string
	ParentID          *uuid.UUID
	DepartmentID      *uuid.UUID
	RetentionPolicyID string
}

// DocumentVersion is a content revision recorded by checkin. ContentRef is opaque to the core.
type DocumentVersion struct {
	DocumentID uuid.UUID
	Version    int64
	ContentRef string
	Comment    string
	CreatedBy  uuid.UUID
	CreatedAt  time.Time
}

// CheckoutLock is the exclusive, time-bounded edit lock on a document.
type CheckoutLock struct {
	DocumentID   uuid.UUID
	HolderUserID uuid.UUID
	CheckedOutAt time.Time
	ExpiresAt    time.Time
}

// ActiveAt reports whether the lock is still in force at now.
func (l CheckoutLock) ActiveAt(now time.Time) bool { return now.Before(l.ExpiresAt) }

// CheckinRequest releases a lock, optionally recording a new version when ContentRef is set.
type CheckinRequest struct {
	ContentRef string
	Comment    string
}

// RetentionPolicy is a retention rule from the configured catalogue.
type RetentionPolicy struct {
	ID        string
	Name      string
	RetainFor time.Duration
	// FromApplied computes expiry from the time the policy is applied instead of the document's creation.
	FromApplied bool
}

// AuditRecord is one link of a document's hash-chained audit trail.
type AuditRecord struct {
	Seq        int64
	DocumentID uuid.UUID
	Action     string
	ActorID    uuid.UUID
	Detail     string
	At         time.Time
	PrevHash   []byte
	Hash       []byte
}
