package service

import (
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
)

// Action is an operation the retention and legal-hold guard gates.
type Action string

const (
	ActionRead            Action = "read"
	ActionDelete          Action = "delete"
	ActionModifyContent   Action = "modify_content"
	ActionCheckout        Action = "checkout"
	ActionRetentionExpiry Action = "retention_expiry"
	ActionManageHold      Action = "manage_hold"
	ActionStartWorkflow   Action = "start_workflow"
	ActionArchive         Action = "archive"
)

// heldActions are refused while a legal hold is active.
var heldActions = map[Action]bool{
	ActionDelete:          true,
	ActionModifyContent:   true,
	ActionCheckout:        true,
	ActionRetentionExpiry: true,
	ActionStartWorkflow:   true,
	ActionArchive:         true,
}

// Authorize is the pure retention and legal-hold gate. It never touches storage.
func Authorize(d model.Document, a Action, now time.Time) error {
	switch a {
	case ActionRead, ActionManageHold, ActionDelete, ActionModifyContent, ActionCheckout,
		ActionRetentionExpiry, ActionStartWorkflow, ActionArchive:
	default:
		return errs.Validation("unknown action %q", a)
	}
	if d.DeletedAt != nil && a != ActionRead {
		return errs.State("document is deleted")
	}
	if d.LegalHold && heldActions[a] {
		return errs.Forbidden("legal hold active")
	}
	switch a {
	case ActionDelete:
		if d.RetentionExpiresAt != nil && now.Before(*d.RetentionExpiresAt) {
			return errs.Forbidden("retention period active until %s", d.RetentionExpiresAt.Format(time.RFC3339))
		}
	case ActionRetentionExpiry:
		if d.RetentionExpiresAt == nil || now.Before(*d.RetentionExpiresAt) {
			return errs.State("retention has not expired")
		}
	}
	return nil
}

// RetentionExpiry computes the expiry a policy assigns to a document.
func RetentionExpiry(d model.Document, p model.RetentionPolicy, appliedAt time.Time) time.Time {
	base := d.CreatedAt
	if p.FromApplied {
		base = appliedAt
	}
	return base.Add(p.RetainFor)
}
