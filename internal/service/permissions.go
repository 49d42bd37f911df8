package service

import (
	"context"
	"slices"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// PermissionService grants, revokes and resolves document permissions.
type PermissionService interface {
	// Grant creates a grant; exactly one subject kind is required.
	Grant(ctx context.Context, p model.Principal, req model.GrantRequest) (*model.PermissionGrant, error)
	// Revoke soft-deletes a grant and returns it.
	Revoke(ctx context.Context, p model.Principal, grantID uuid.UUID) (*model.PermissionGrant, error)
	// ResolveEffective aggregates the grants applying to target on a document.
	ResolveEffective(ctx context.Context, p model.Principal, documentID uuid.UUID, target model.Principal) (model.EffectivePermission, error)
	// ListGrants returns the grants attached directly to a document.
	ListGrants(ctx context.Context, p model.Principal, documentID uuid.UUID, includeRevoked bool) ([]model.PermissionGrant, error)
}

type PermissionServiceImpl struct {
	d Deps
}

// NewPermissionService constructs PermissionService.
func NewPermissionService(d Deps) *PermissionServiceImpl {
	return &PermissionServiceImpl{d: d.normalize()}
}

// Grant validates the request and stores the grant. The caller needs manage_permissions on the document.
func (s *PermissionServiceImpl) Grant(ctx context.Context, p model.Principal, req model.GrantRequest) (*model.PermissionGrant, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	req.Subject = req.Subject.Normalized()
	kind, err := req.Subject.Kind()
	if err != nil {
		return nil, errs.Validation("%s", err.Error())
	}
	if !req.Level.Valid() {
		return nil, errs.Validation("invalid permission level %d", int(req.Level))
	}
	for c := range req.Overrides {
		if !model.ValidCapability(c) {
			return nil, errs.Validation("unknown capability override %q", c)
		}
	}

	var out *model.PermissionGrant
	err = s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		doc, err := loadDocument(ctx, r, p, req.DocumentID, true)
		if err != nil {
			return err
		}
		if err := requireCapability(ctx, r, p, doc, model.CanManagePermissions); err != nil {
			return err
		}
		if kind == model.SubjectUser {
			ok, err := r.Directory.IsActiveUser(ctx, p.CompanyID, *req.Subject.UserID)
			if err != nil {
				return err
			}
			if !ok {
				return errs.Validation("user %s is not an active member of the company", *req.Subject.UserID)
			}
		}
		now := s.d.Now()
		g := &model.PermissionGrant{
			ID:                newID(),
			DocumentID:        doc.ID,
			Subject:           req.Subject,
			Level:             req.Level,
			AppliesToChildren: req.AppliesToChildren,
			Overrides:         req.Overrides,
			GrantedByUserID:   p.UserID,
			GrantedAt:         now,
		}
		if err := r.Grants.Create(ctx, g); err != nil {
			return err
		}
		if err := record(ctx, r, doc.ID, "permission_granted", p.UserID, string(kind)+":"+g.Level.String(), now); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.d.Log.Info("permission granted", zap.String("grant", out.ID.String()), zap.String("document", out.DocumentID.String()),
		zap.Stringer("level", out.Level))
	return out, nil
}

// Revoke stamps revokedAt; history is kept.
func (s *PermissionServiceImpl) Revoke(ctx context.Context, p model.Principal, grantID uuid.UUID) (*model.PermissionGrant, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if grantID == uuid.Nil {
		return nil, errs.Validation("empty grant id")
	}
	var out *model.PermissionGrant
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		g, err := r.Grants.Get(ctx, grantID)
		if err != nil {
			return err
		}
		doc, err := loadDocument(ctx, r, p, g.DocumentID, true)
		if err != nil {
			return err
		}
		if err := requireCapability(ctx, r, p, doc, model.CanManagePermissions); err != nil {
			return err
		}
		now := s.d.Now()
		if err := r.Grants.Revoke(ctx, grantID, p.UserID, now); err != nil {
			return err
		}
		if err := record(ctx, r, doc.ID, "permission_revoked", p.UserID, grantID.String(), now); err != nil {
			return err
		}
		out, err = r.Grants.Get(ctx, grantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveEffective recomputes the effective permission on every call. Resolving for another user
// requires manage_permissions; a target given by id alone is completed from the directory.
func (s *PermissionServiceImpl) ResolveEffective(ctx context.Context, p model.Principal, documentID uuid.UUID,
	target model.Principal) (model.EffectivePermission, error) {
	if err := requirePrincipal(p); err != nil {
		return model.EffectivePermission{}, err
	}
	if target.UserID == uuid.Nil {
		target = p
	}
	r := s.d.Tx.Repos()
	doc, err := loadDocument(ctx, r, p, documentID, false)
	if err != nil {
		return model.EffectivePermission{}, err
	}
	if target.UserID != p.UserID {
		if err := requireCapability(ctx, r, p, doc, model.CanManagePermissions); err != nil {
			return model.EffectivePermission{}, err
		}
		if target.CompanyID == uuid.Nil {
			t, err := r.Directory.Principal(ctx, target.UserID)
			if err != nil {
				return model.EffectivePermission{}, err
			}
			target = t
		}
		if target.CompanyID != p.CompanyID {
			return model.EffectivePermission{}, errs.NotFound("user")
		}
	}
	return effectiveFor(ctx, r, doc.ID, target)
}

// ListGrants returns direct grants of a document. Viewing grants requires manage_permissions.
func (s *PermissionServiceImpl) ListGrants(ctx context.Context, p model.Principal, documentID uuid.UUID,
	includeRevoked bool) ([]model.PermissionGrant, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	r := s.d.Tx.Repos()
	doc, err := loadDocument(ctx, r, p, documentID, false)
	if err != nil {
		return nil, err
	}
	if err := requireCapability(ctx, r, p, doc, model.CanManagePermissions); err != nil {
		return nil, err
	}
	return r.Grants.ListForDocuments(ctx, []uuid.UUID{doc.ID}, includeRevoked)
}

func effectiveFor(ctx context.Context, r repository.Repos, documentID uuid.UUID, target model.Principal) (model.EffectivePermission, error) {
	ancestors, err := r.Documents.Ancestors(ctx, documentID)
	if err != nil {
		return model.EffectivePermission{}, err
	}
	grants, err := r.Grants.ListForDocuments(ctx, append([]uuid.UUID{documentID}, ancestors...), false)
	if err != nil {
		return model.EffectivePermission{}, err
	}
	return ComputeEffective(documentID, ancestors, grants, target), nil
}

// requireCapability fails with Forbidden unless the caller owns the document or holds capability c.
func requireCapability(ctx context.Context, r repository.Repos, p model.Principal, doc *model.Document, c model.Capability) error {
	if doc.OwnerUserID == p.UserID {
		return nil
	}
	eff, err := effectiveFor(ctx, r, doc.ID, p)
	if err != nil {
		return err
	}
	if !eff.Allows(c) {
		return errs.Forbidden("%s permission required", c)
	}
	return nil
}

// requireLevel fails with Forbidden unless the caller owns the document or holds at least want.
func requireLevel(ctx context.Context, r repository.Repos, p model.Principal, doc *model.Document, want model.Level) error {
	if doc.OwnerUserID == p.UserID {
		return nil
	}
	eff, err := effectiveFor(ctx, r, doc.ID, p)
	if err != nil {
		return err
	}
	if eff.Level < want {
		return errs.Forbidden("%s level required", want)
	}
	return nil
}

// ComputeEffective aggregates grants into an effective permission for target on documentID.
// A grant applies if it is live, its subject matches target, and it is attached either to the
// document or to an ancestor with appliesToChildren. The level is the maximum over applying
// grants; flags derive from that level, then overrides carried by grants at that level apply
// (a false override beats a true one).
func ComputeEffective(documentID uuid.UUID, ancestors []uuid.UUID, grants []model.PermissionGrant,
	target model.Principal) model.EffectivePermission {
	eff := model.EffectivePermission{Sources: []model.PermissionSource{}}
	var applying []model.PermissionGrant
	for _, g := range grants {
		if g.Revoked() || !subjectMatches(g.Subject, target) {
			continue
		}
		inherited := g.DocumentID != documentID
		if inherited && (!g.AppliesToChildren || !slices.Contains(ancestors, g.DocumentID)) {
			continue
		}
		applying = append(applying, g)
		eff.Sources = append(eff.Sources, model.PermissionSource{
			GrantID:    g.ID,
			DocumentID: g.DocumentID,
			Subject:    g.Subject,
			Level:      g.Level,
			Inherited:  inherited,
		})
		if g.Level > eff.Level {
			eff.Level = g.Level
		}
	}

	caps := model.CapabilitiesFor(eff.Level)
	overrides := map[model.Capability]bool{}
	for _, g := range applying {
		if g.Level != eff.Level {
			continue
		}
		for c, v := range g.Overrides {
			if prev, seen := overrides[c]; seen {
				overrides[c] = prev && v
			} else {
				overrides[c] = v
			}
		}
	}
	for c, v := range overrides {
		caps[c] = v
	}
	eff.SetFlags(caps)
	return eff
}

func subjectMatches(s model.Subject, t model.Principal) bool {
	switch {
	case s.UserID != nil:
		return *s.UserID == t.UserID
	case s.RoleName != "":
		return t.HasRole(s.RoleName)
	case s.DepartmentID != nil:
		return t.DepartmentID != nil && *s.DepartmentID == *t.DepartmentID
	}
	return false
}
