// Package service implements the governance commands: locks, permissions, documents, retention and
// workflows. Every command runs as one transaction and returns the canonical entity.
package service

import (
	"context"
	"slices"
	"time"

	"github.com/and161185/docgov/internal/audit"
	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/limiter"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Settings carries the configurable policy knobs.
type Settings struct {
	DefaultCheckout time.Duration
	MaxCheckout     time.Duration
	// AdminRoles may manage workflow definitions and query company-wide lists.
	AdminRoles []string
	Retention  map[string]model.RetentionPolicy
}

// Deps are the collaborators shared by all services.
type Deps struct {
	Tx       repository.TxManager
	Log      *zap.Logger
	Now      func() time.Time
	Settings Settings
	// Throttle suppresses repeated lock_conflict notices. Nil sends every notice.
	Throttle limiter.Limiter
}

func (d Deps) normalize() Deps {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Settings.DefaultCheckout <= 0 {
		d.Settings.DefaultCheckout = 24 * time.Hour
	}
	if d.Settings.MaxCheckout < d.Settings.DefaultCheckout {
		d.Settings.MaxCheckout = 7 * 24 * time.Hour
		if d.Settings.MaxCheckout < d.Settings.DefaultCheckout {
			d.Settings.MaxCheckout = d.Settings.DefaultCheckout
		}
	}
	if len(d.Settings.AdminRoles) == 0 {
		d.Settings.AdminRoles = []string{"admin"}
	}
	return d
}

func (d Deps) isAdmin(p model.Principal) bool {
	return slices.ContainsFunc(d.Settings.AdminRoles, p.HasRole)
}

// Services bundles every command surface over one store.
type Services struct {
	Documents   *DocumentServiceImpl
	Locks       *LockServiceImpl
	Permissions *PermissionServiceImpl
	Definitions *DefinitionServiceImpl
	Workflows   *WorkflowEngineImpl
}

// New wires all services.
func New(d Deps) *Services {
	d = d.normalize()
	return &Services{
		Documents:   NewDocumentService(d),
		Locks:       NewLockService(d),
		Permissions: NewPermissionService(d),
		Definitions: NewDefinitionService(d),
		Workflows:   NewWorkflowEngine(d),
	}
}

func newID() uuid.UUID { return uuid.Must(uuid.NewV4()) }

func requirePrincipal(p model.Principal) error {
	if p.UserID == uuid.Nil || p.CompanyID == uuid.Nil {
		return errs.ErrUnauthorized
	}
	return nil
}

// loadDocument reads a live document of the caller's company. Other tenants' documents read as absent.
func loadDocument(ctx context.Context, r repository.Repos, p model.Principal, id uuid.UUID, forUpdate bool) (*model.Document, error) {
	if id == uuid.Nil {
		return nil, errs.Validation("empty document id")
	}
	var (
		d   *model.Document
		err error
	)
	if forUpdate {
		d, err = r.Documents.GetForUpdate(ctx, id)
	} else {
		d, err = r.Documents.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if d.CompanyID != p.CompanyID || d.DeletedAt != nil {
		return nil, errs.NotFound("document")
	}
	return d, nil
}

func emit(ctx context.Context, r repository.Repos, typ model.EventType, doc *model.Document, to uuid.UUID,
	payload map[string]string, now time.Time) error {
	return r.Events.Append(ctx, model.Event{
		ID:         newID(),
		Type:       typ,
		CompanyID:  doc.CompanyID,
		DocumentID: doc.ID,
		UserID:     to,
		Payload:    payload,
		CreatedAt:  now,
	})
}

func record(ctx context.Context, r repository.Repos, docID uuid.UUID, action string, actor uuid.UUID, detail string, now time.Time) error {
	_, err := audit.Append(ctx, r.Audit, model.AuditRecord{
		DocumentID: docID,
		Action:     action,
		ActorID:    actor,
		Detail:     detail,
		At:         now,
	})
	return err
}
