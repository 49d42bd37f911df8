package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/and161185/docgov/internal/audit"
	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// DocumentService registers documents and applies retention and legal-hold changes.
type DocumentService interface {
	Create(ctx context.Context, p model.Principal, req model.NewDocument) (*model.Document, error)
	Get(ctx context.Context, p model.Principal, id uuid.UUID) (*model.Document, error)
	// Delete soft-deletes a document the guard allows to be deleted.
	Delete(ctx context.Context, p model.Principal, id uuid.UUID) (*model.Document, error)
	ListVersions(ctx context.Context, p model.Principal, id uuid.UUID) ([]model.DocumentVersion, error)
	// SetLegalHold toggles the hold; a reason is required to place one.
	SetLegalHold(ctx context.Context, p model.Principal, id uuid.UUID, on bool, reason string) (*model.Document, error)
	// ApplyRetentionPolicy computes and stores retentionExpiresAt from a catalogue policy.
	ApplyRetentionPolicy(ctx context.Context, p model.Principal, id uuid.UUID, policyID string) (*model.Document, error)
	// ListRetentionExpired returns documents whose retention passed without a hold.
	ListRetentionExpired(ctx context.Context, p model.Principal) ([]model.Document, error)
	// Publish moves an approved document to published.
	Publish(ctx context.Context, p model.Principal, id uuid.UUID) (*model.Document, error)
	// Archive moves an approved or published document to archived.
	Archive(ctx context.Context, p model.Principal, id uuid.UUID) (*model.Document, error)
	// History returns the document's audit chain after verifying it.
	History(ctx context.Context, p model.Principal, id uuid.UUID) ([]model.AuditRecord, error)
}

type DocumentServiceImpl struct {
	d Deps
}

// NewDocumentService constructs DocumentService.
func NewDocumentService(d Deps) *DocumentServiceImpl {
	return &DocumentServiceImpl{d: d.normalize()}
}

// Create registers a draft document owned by the caller. A parent container requires contributor level.
func (s *DocumentServiceImpl) Create(ctx context.Context, p model.Principal, req model.NewDocument) (*model.Document, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, errs.Validation("empty title")
	}
	var policy *model.RetentionPolicy
	if req.RetentionPolicyID != "" {
		pol, ok := s.d.Settings.Retention[req.RetentionPolicyID]
		if !ok {
			return nil, errs.Validation("unknown retention policy %q", req.RetentionPolicyID)
		}
		policy = &pol
	}

	var out *model.Document
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		if req.ParentID != nil {
			parent, err := loadDocument(ctx, r, p, *req.ParentID, false)
			if err != nil {
				return err
			}
			if err := requireLevel(ctx, r, p, parent, model.LevelContributor); err != nil {
				return err
			}
		}
		now := s.d.Now()
		doc := &model.Document{
			ID:           newID(),
			CompanyID:    p.CompanyID,
			ParentID:     req.ParentID,
			Title:        title,
			Status:       model.StatusDraft,
			OwnerUserID:  p.UserID,
			DepartmentID: req.DepartmentID,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if doc.DepartmentID == nil {
			doc.DepartmentID = p.DepartmentID
		}
		if policy != nil {
			exp := RetentionExpiry(*doc, *policy, now)
			doc.RetentionPolicyID, doc.RetentionExpiresAt = policy.ID, &exp
		}
		if err := r.Documents.Create(ctx, doc); err != nil {
			return err
		}
		out = doc
		return record(ctx, r, doc.ID, "document_created", p.UserID, title, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a document the caller can view.
func (s *DocumentServiceImpl) Get(ctx context.Context, p model.Principal, id uuid.UUID) (*model.Document, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	r := s.d.Tx.Repos()
	doc, err := loadDocument(ctx, r, p, id, false)
	if err != nil {
		return nil, err
	}
	if err := requireCapability(ctx, r, p, doc, model.CanView); err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete soft-deletes the document. It is refused under legal hold, before retention expiry, while
// someone else holds the checkout and while a workflow is running.
func (s *DocumentServiceImpl) Delete(ctx context.Context, p model.Principal, id uuid.UUID) (*model.Document, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	var out *model.Document
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		doc, err := loadDocument(ctx, r, p, id, true)
		if err != nil {
			return err
		}
		now := s.d.Now()
		if err := Authorize(*doc, ActionDelete, now); err != nil {
			return err
		}
		if err := requireCapability(ctx, r, p, doc, model.CanDelete); err != nil {
			return err
		}
		if l, err := r.Locks.GetActive(ctx, doc.ID, now); err == nil && l.HolderUserID != p.UserID {
			return errs.LockConflict(l.HolderUserID)
		} else if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if _, err := r.Instances.ActiveForDocument(ctx, doc.ID); err == nil {
			return errs.State("document is in an active workflow")
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if err := r.Locks.Delete(ctx, doc.ID); err != nil {
			return err
		}
		doc.DeletedAt, doc.UpdatedAt = &now, now
		if err := r.Documents.Update(ctx, doc); err != nil {
			return err
		}
		out = doc
		return record(ctx, r, doc.ID, "document_deleted", p.UserID, "", now)
	})
	if err != nil {
		return nil, err
	}
	s.d.Log.Info("document deleted", zap.String("document", id.String()))
	return out, nil
}

// ListVersions returns recorded versions of a document the caller can view.
func (s *DocumentServiceImpl) ListVersions(ctx context.Context, p model.Principal, id uuid.UUID) ([]model.DocumentVersion, error) {
	doc, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return s.d.Tx.Repos().Documents.ListVersions(ctx, doc.ID)
}

// SetLegalHold requires manager level. Hold management stays allowed while a hold is active.
func (s *DocumentServiceImpl) SetLegalHold(ctx context.Context, p model.Principal, id uuid.UUID, on bool, reason string) (*model.Document, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if on && reason == "" {
		return nil, errs.Validation("legal hold reason is required")
	}
	var out *model.Document
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		doc, err := loadDocument(ctx, r, p, id, true)
		if err != nil {
			return err
		}
		now := s.d.Now()
		if err := Authorize(*doc, ActionManageHold, now); err != nil {
			return err
		}
		if err := requireLevel(ctx, r, p, doc, model.LevelManager); err != nil {
			return err
		}
		doc.LegalHold, doc.UpdatedAt = on, now
		action := "legal_hold_released"
		if on {
			doc.LegalHoldReason, action = reason, "legal_hold_placed"
		} else {
			doc.LegalHoldReason = ""
		}
		if err := r.Documents.Update(ctx, doc); err != nil {
			return err
		}
		out = doc
		return record(ctx, r, doc.ID, action, p.UserID, reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.d.Log.Info("legal hold changed", zap.String("document", id.String()), zap.Bool("on", on))
	return out, nil
}

// ApplyRetentionPolicy stores the expiry computed from the policy; the guard enforces it later.
func (s *DocumentServiceImpl) ApplyRetentionPolicy(ctx context.Context, p model.Principal, id uuid.UUID, policyID string) (*model.Document, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	policy, ok := s.d.Settings.Retention[policyID]
	if !ok {
		return nil, errs.Validation("unknown retention policy %q", policyID)
	}
	var out *model.Document
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		doc, err := loadDocument(ctx, r, p, id, true)
		if err != nil {
			return err
		}
		if err := requireLevel(ctx, r, p, doc, model.LevelManager); err != nil {
			return err
		}
		now := s.d.Now()
		exp := RetentionExpiry(*doc, policy, now)
		doc.RetentionPolicyID, doc.RetentionExpiresAt, doc.UpdatedAt = policy.ID, &exp, now
		if err := r.Documents.Update(ctx, doc); err != nil {
			return err
		}
		out = doc
		return record(ctx, r, doc.ID, "retention_applied", p.UserID, policy.ID+" until "+exp.Format(time.RFC3339), now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListRetentionExpired is the lifecycle sweeper's feed. Admin only.
func (s *DocumentServiceImpl) ListRetentionExpired(ctx context.Context, p model.Principal) ([]model.Document, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if !s.d.isAdmin(p) {
		return nil, errs.Forbidden("admin role required")
	}
	now := s.d.Now()
	docs, err := s.d.Tx.Repos().Documents.ListRetentionExpired(ctx, p.CompanyID, now)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if Authorize(d, ActionRetentionExpiry, now) == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// Publish requires editor level and an approved document.
func (s *DocumentServiceImpl) Publish(ctx context.Context, p model.Principal, id uuid.UUID) (*model.Document, error) {
	return s.transition(ctx, p, id, "document_published", model.LevelEditor, ActionModifyContent,
		[]model.DocumentStatus{model.StatusApproved}, model.StatusPublished)
}

// Archive requires manager level; it is refused under legal hold.
func (s *DocumentServiceImpl) Archive(ctx context.Context, p model.Principal, id uuid.UUID) (*model.Document, error) {
	return s.transition(ctx, p, id, "document_archived", model.LevelManager, ActionArchive,
		[]model.DocumentStatus{model.StatusApproved, model.StatusPublished}, model.StatusArchived)
}

func (s *DocumentServiceImpl) transition(ctx context.Context, p model.Principal, id uuid.UUID, action string, level model.Level,
	guard Action, from []model.DocumentStatus, to model.DocumentStatus) (*model.Document, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	var out *model.Document
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		doc, err := loadDocument(ctx, r, p, id, true)
		if err != nil {
			return err
		}
		now := s.d.Now()
		if err := Authorize(*doc, guard, now); err != nil {
			return err
		}
		if err := requireLevel(ctx, r, p, doc, level); err != nil {
			return err
		}
		if !slices.Contains(from, doc.Status) {
			return errs.State("cannot move a %s document to %s", doc.Status, to)
		}
		if l, err := r.Locks.GetActive(ctx, doc.ID, now); err == nil {
			return errs.LockConflict(l.HolderUserID)
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		doc.Status, doc.UpdatedAt = to, now
		if err := r.Documents.Update(ctx, doc); err != nil {
			return err
		}
		out = doc
		return record(ctx, r, doc.ID, action, p.UserID, "", now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the verified audit chain. A broken chain is reported as an error.
func (s *DocumentServiceImpl) History(ctx context.Context, p model.Principal, id uuid.UUID) ([]model.AuditRecord, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	r := s.d.Tx.Repos()
	doc, err := loadDocument(ctx, r, p, id, false)
	if err != nil {
		return nil, err
	}
	if err := requireLevel(ctx, r, p, doc, model.LevelManager); err != nil {
		return nil, err
	}
	recs, err := r.Audit.List(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if err := audit.Verify(recs); err != nil {
		s.d.Log.Error("audit chain verification failed", zap.String("document", doc.ID.String()), zap.Error(err))
		return nil, err
	}
	return recs, nil
}
