package service

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/limiter"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// LockService manages exclusive, time-bounded checkout locks.
type LockService interface {
	// Checkout acquires or extends the caller's lock. durationHours <= 0 selects the default.
	Checkout(ctx context.Context, p model.Principal, documentID uuid.UUID, durationHours int) (*model.CheckoutLock, error)
	// Checkin releases the caller's lock, recording a new version when a content reference is given.
	Checkin(ctx context.Context, p model.Principal, documentID uuid.UUID, req model.CheckinRequest) (*model.Document, error)
	// CancelCheckout releases the caller's lock without a version change.
	CancelCheckout(ctx context.Context, p model.Principal, documentID uuid.UUID) (*model.Document, error)
	// GetLock returns the active lock; an expired lock reads as NotFound.
	GetLock(ctx context.Context, p model.Principal, documentID uuid.UUID) (*model.CheckoutLock, error)
}

type LockServiceImpl struct {
	d Deps
}

// NewLockService constructs LockService.
func NewLockService(d Deps) *LockServiceImpl {
	return &LockServiceImpl{d: d.normalize()}
}

func (s *LockServiceImpl) duration(hours int) (time.Duration, error) {
	if hours < 0 {
		return 0, errs.Validation("negative checkout duration")
	}
	if hours == 0 {
		return s.d.Settings.DefaultCheckout, nil
	}
	d := time.Duration(hours) * time.Hour
	if d > s.d.Settings.MaxCheckout {
		return 0, errs.Validation("checkout duration exceeds %s", s.d.Settings.MaxCheckout)
	}
	return d, nil
}

// Checkout runs under the document row lock, so two concurrent checkouts cannot both succeed.
// A repeated checkout by the holder only extends expiresAt.
func (s *LockServiceImpl) Checkout(ctx context.Context, p model.Principal, documentID uuid.UUID, durationHours int) (*model.CheckoutLock, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	dur, err := s.duration(durationHours)
	if err != nil {
		return nil, err
	}

	var (
		out      model.CheckoutLock
		conflict *model.Document
	)
	err = s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		doc, err := loadDocument(ctx, r, p, documentID, true)
		if err != nil {
			return err
		}
		now := s.d.Now()
		if err := Authorize(*doc, ActionCheckout, now); err != nil {
			return err
		}
		if err := requireCapability(ctx, r, p, doc, model.CanEdit); err != nil {
			return err
		}

		cur, err := r.Locks.GetActive(ctx, doc.ID, now)
		switch {
		case err == nil && cur.HolderUserID != p.UserID:
			conflict = doc
			return errs.LockConflict(cur.HolderUserID)
		case err == nil:
			out = *cur
			if exp := now.Add(dur); exp.After(out.ExpiresAt) {
				out.ExpiresAt = exp
			}
		case errors.Is(err, errs.ErrNotFound):
			if _, err := r.Instances.ActiveForDocument(ctx, doc.ID); err == nil {
				return errs.State("document is in an active workflow")
			} else if !errors.Is(err, errs.ErrNotFound) {
				return err
			}
			out = model.CheckoutLock{DocumentID: doc.ID, HolderUserID: p.UserID, CheckedOutAt: now, ExpiresAt: now.Add(dur)}
		default:
			return err
		}

		if err := r.Locks.Upsert(ctx, out); err != nil {
			return err
		}
		return record(ctx, r, doc.ID, "checkout", p.UserID, out.ExpiresAt.Format(time.RFC3339), now)
	})
	if err != nil {
		if conflict != nil {
			s.notifyConflict(ctx, p, conflict, err)
		}
		return nil, err
	}
	s.d.Log.Info("document checked out", zap.String("document", documentID.String()),
		zap.String("holder", p.UserID.String()), zap.Time("expires_at", out.ExpiresAt))
	return &out, nil
}

// notifyConflict emits lock_conflict to the holder outside the failed transaction. Best effort.
func (s *LockServiceImpl) notifyConflict(ctx context.Context, p model.Principal, doc *model.Document, cause error) {
	holder, ok := errs.HolderOf(cause)
	if !ok {
		return
	}
	now := s.d.Now()
	if s.d.Throttle != nil {
		ok, err := s.d.Throttle.Allow(ctx, limiter.Key(doc.ID.String(), holder.String(), p.UserID.String()), now)
		if err != nil {
			s.d.Log.Warn("conflict notice throttle unavailable", zap.Error(err))
		} else if !ok {
			return
		}
	}
	payload := map[string]string{"requested_by": p.UserID.String()}
	if err := emit(ctx, s.d.Tx.Repos(), model.EventLockConflict, doc, holder, payload, now); err != nil {
		s.d.Log.Warn("lock_conflict event not stored", zap.Error(err))
	}
	s.d.Log.Debug("checkout refused", zap.String("document", doc.ID.String()), zap.String("holder", holder.String()))
}

// Checkin releases the caller's lock. With a content reference it bumps the version and returns an
// approved, published or rejected document to draft.
func (s *LockServiceImpl) Checkin(ctx context.Context, p model.Principal, documentID uuid.UUID, req model.CheckinRequest) (*model.Document, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	var out *model.Document
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		doc, now, err := s.holderDocument(ctx, r, p, documentID)
		if err != nil {
			return err
		}
		if req.ContentRef != "" {
			if err := Authorize(*doc, ActionModifyContent, now); err != nil {
				return err
			}
			doc.Version++
			if err := r.Documents.AddVersion(ctx, model.DocumentVersion{
				DocumentID: doc.ID,
				Version:    doc.Version,
				ContentRef: req.ContentRef,
				Comment:    req.Comment,
				CreatedBy:  p.UserID,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			switch doc.Status {
			case model.StatusApproved, model.StatusPublished, model.StatusRejected:
				doc.Status = model.StatusDraft
			}
			doc.UpdatedAt = now
			if err := r.Documents.Update(ctx, doc); err != nil {
				return err
			}
		}
		if err := r.Locks.Delete(ctx, doc.ID); err != nil {
			return err
		}
		if err := record(ctx, r, doc.ID, "checkin", p.UserID, req.ContentRef, now); err != nil {
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.d.Log.Info("document checked in", zap.String("document", documentID.String()), zap.Int64("version", out.Version))
	return out, nil
}

// CancelCheckout releases the lock early; only the holder may call it.
func (s *LockServiceImpl) CancelCheckout(ctx context.Context, p model.Principal, documentID uuid.UUID) (*model.Document, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	var out *model.Document
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		doc, now, err := s.holderDocument(ctx, r, p, documentID)
		if err != nil {
			return err
		}
		if err := r.Locks.Delete(ctx, doc.ID); err != nil {
			return err
		}
		out = doc
		return record(ctx, r, doc.ID, "checkout_cancelled", p.UserID, "", now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// holderDocument locks the document and checks that the caller holds its active lock.
func (s *LockServiceImpl) holderDocument(ctx context.Context, r repository.Repos, p model.Principal,
	documentID uuid.UUID) (*model.Document, time.Time, error) {
	doc, err := loadDocument(ctx, r, p, documentID, true)
	if err != nil {
		return nil, time.Time{}, err
	}
	now := s.d.Now()
	l, err := r.Locks.GetActive(ctx, doc.ID, now)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, now, errs.State("document is not checked out")
	}
	if err != nil {
		return nil, now, err
	}
	if l.HolderUserID != p.UserID {
		return nil, now, errs.Forbidden("only the lock holder may release the checkout")
	}
	return doc, now, nil
}

// GetLock returns the active lock of a document the caller can view.
func (s *LockServiceImpl) GetLock(ctx context.Context, p model.Principal, documentID uuid.UUID) (*model.CheckoutLock, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	r := s.d.Tx.Repos()
	doc, err := loadDocument(ctx, r, p, documentID, false)
	if err != nil {
		return nil, err
	}
	if err := requireCapability(ctx, r, p, doc, model.CanView); err != nil {
		return nil, err
	}
	return r.Locks.GetActive(ctx, doc.ID, s.d.Now())
}
