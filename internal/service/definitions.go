package service

import (
	"context"
	"slices"
	"strings"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// DefinitionService manages workflow definitions. Mutations require an admin role.
type DefinitionService interface {
	Create(ctx context.Context, p model.Principal, req model.NewDefinition) (*model.WorkflowDefinition, error)
	// Update applies a patch; the code cannot change once set.
	Update(ctx context.Context, p model.Principal, id uuid.UUID, patch model.DefinitionPatch) (*model.WorkflowDefinition, error)
	Delete(ctx context.Context, p model.Principal, id uuid.UUID) error
	Activate(ctx context.Context, p model.Principal, id uuid.UUID) (*model.WorkflowDefinition, error)
	Deactivate(ctx context.Context, p model.Principal, id uuid.UUID) (*model.WorkflowDefinition, error)
	// MoveStep swaps a step with its neighbour and renumbers 1..N.
	MoveStep(ctx context.Context, p model.Principal, id uuid.UUID, order int, dir model.StepMove) (*model.WorkflowDefinition, error)
	// AddStep appends a step as N+1.
	AddStep(ctx context.Context, p model.Principal, id uuid.UUID, step model.WorkflowStep) (*model.WorkflowDefinition, error)
	// RemoveStep removes a step and renumbers 1..N; the last step cannot be removed.
	RemoveStep(ctx context.Context, p model.Principal, id uuid.UUID, order int) (*model.WorkflowDefinition, error)
	Get(ctx context.Context, p model.Principal, id uuid.UUID) (*model.WorkflowDefinition, error)
	List(ctx context.Context, p model.Principal) ([]model.WorkflowDefinition, error)
}

type DefinitionServiceImpl struct {
	d         Deps
	resolvers Resolvers
}

// NewDefinitionService constructs DefinitionService.
func NewDefinitionService(d Deps) *DefinitionServiceImpl {
	return &DefinitionServiceImpl{d: d.normalize(), resolvers: DefaultResolvers()}
}

func (s *DefinitionServiceImpl) requireAdmin(p model.Principal) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	if !s.d.isAdmin(p) {
		return errs.Forbidden("admin role required")
	}
	return nil
}

// Create validates and stores a new active definition.
func (s *DefinitionServiceImpl) Create(ctx context.Context, p model.Principal, req model.NewDefinition) (*model.WorkflowDefinition, error) {
	if err := s.requireAdmin(p); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errs.Validation("empty definition name")
	}
	var out *model.WorkflowDefinition
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		steps, err := s.validateSteps(ctx, r.Directory, p.CompanyID, req.Steps)
		if err != nil {
			return err
		}
		now := s.d.Now()
		def := &model.WorkflowDefinition{
			ID:        newID(),
			CompanyID: p.CompanyID,
			Code:      strings.TrimSpace(req.Code),
			Name:      name,
			Steps:     steps,
			IsDefault: req.IsDefault,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if def.IsDefault {
			if err := r.Definitions.ClearDefault(ctx, p.CompanyID, def.ID); err != nil {
				return err
			}
		}
		if err := r.Definitions.Create(ctx, def); err != nil {
			return err
		}
		out = def
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.d.Log.Info("workflow definition created", zap.String("definition", out.ID.String()), zap.Int("steps", len(out.Steps)))
	return out, nil
}

// mutate loads the definition under its row lock, applies fn and stores the result.
func (s *DefinitionServiceImpl) mutate(ctx context.Context, p model.Principal, id uuid.UUID,
	fn func(ctx context.Context, r repository.Repos, def *model.WorkflowDefinition) error) (*model.WorkflowDefinition, error) {
	if err := s.requireAdmin(p); err != nil {
		return nil, err
	}
	var out *model.WorkflowDefinition
	err := s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		def, err := r.Definitions.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if def.CompanyID != p.CompanyID {
			return errs.NotFound("workflow definition")
		}
		if err := fn(ctx, r, def); err != nil {
			return err
		}
		if def.IsDefault && !def.IsActive {
			return errs.Validation("an inactive definition cannot be the default")
		}
		if def.IsDefault {
			if err := r.Definitions.ClearDefault(ctx, def.CompanyID, def.ID); err != nil {
				return err
			}
		}
		def.UpdatedAt = s.d.Now()
		if err := r.Definitions.Update(ctx, def); err != nil {
			return err
		}
		out = def
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies the non-nil patch fields.
func (s *DefinitionServiceImpl) Update(ctx context.Context, p model.Principal, id uuid.UUID, patch model.DefinitionPatch) (*model.WorkflowDefinition, error) {
	return s.mutate(ctx, p, id, func(ctx context.Context, r repository.Repos, def *model.WorkflowDefinition) error {
		if patch.Code != nil {
			code := strings.TrimSpace(*patch.Code)
			if def.Code != "" && code != def.Code {
				return errs.Validation("definition code is immutable once set")
			}
			def.Code = code
		}
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return errs.Validation("empty definition name")
			}
			def.Name = name
		}
		if patch.Steps != nil {
			steps, err := s.validateSteps(ctx, r.Directory, def.CompanyID, patch.Steps)
			if err != nil {
				return err
			}
			def.Steps = steps
		}
		if patch.IsDefault != nil {
			def.IsDefault = *patch.IsDefault
		}
		return nil
	})
}

// Delete removes the definition. Running instances keep their snapshot.
func (s *DefinitionServiceImpl) Delete(ctx context.Context, p model.Principal, id uuid.UUID) error {
	if err := s.requireAdmin(p); err != nil {
		return err
	}
	return s.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		def, err := r.Definitions.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if def.CompanyID != p.CompanyID {
			return errs.NotFound("workflow definition")
		}
		return r.Definitions.Delete(ctx, id)
	})
}

// Activate makes the definition startable.
func (s *DefinitionServiceImpl) Activate(ctx context.Context, p model.Principal, id uuid.UUID) (*model.WorkflowDefinition, error) {
	return s.mutate(ctx, p, id, func(_ context.Context, _ repository.Repos, def *model.WorkflowDefinition) error {
		def.IsActive = true
		return nil
	})
}

// Deactivate stops new starts; a default definition loses its default flag.
func (s *DefinitionServiceImpl) Deactivate(ctx context.Context, p model.Principal, id uuid.UUID) (*model.WorkflowDefinition, error) {
	return s.mutate(ctx, p, id, func(_ context.Context, _ repository.Repos, def *model.WorkflowDefinition) error {
		def.IsActive, def.IsDefault = false, false
		return nil
	})
}

// MoveStep swaps adjacent steps only.
func (s *DefinitionServiceImpl) MoveStep(ctx context.Context, p model.Principal, id uuid.UUID, order int, dir model.StepMove) (*model.WorkflowDefinition, error) {
	return s.mutate(ctx, p, id, func(ctx context.Context, r repository.Repos, def *model.WorkflowDefinition) error {
		steps, err := MoveStep(def.Steps, order, dir)
		if err != nil {
			return err
		}
		def.Steps = steps
		return nil
	})
}

// AddStep appends and validates the whole sequence.
func (s *DefinitionServiceImpl) AddStep(ctx context.Context, p model.Principal, id uuid.UUID, step model.WorkflowStep) (*model.WorkflowDefinition, error) {
	return s.mutate(ctx, p, id, func(ctx context.Context, r repository.Repos, def *model.WorkflowDefinition) error {
		step.Order = len(def.Steps) + 1
		steps, err := s.validateSteps(ctx, r.Directory, def.CompanyID, append(slices.Clone(def.Steps), step))
		if err != nil {
			return err
		}
		def.Steps = steps
		return nil
	})
}

// RemoveStep drops one step and renumbers.
func (s *DefinitionServiceImpl) RemoveStep(ctx context.Context, p model.Principal, id uuid.UUID, order int) (*model.WorkflowDefinition, error) {
	return s.mutate(ctx, p, id, func(_ context.Context, _ repository.Repos, def *model.WorkflowDefinition) error {
		steps, err := RemoveStep(def.Steps, order)
		if err != nil {
			return err
		}
		def.Steps = steps
		return nil
	})
}

// Get returns a company definition.
func (s *DefinitionServiceImpl) Get(ctx context.Context, p model.Principal, id uuid.UUID) (*model.WorkflowDefinition, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	def, err := s.d.Tx.Repos().Definitions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.CompanyID != p.CompanyID {
		return nil, errs.NotFound("workflow definition")
	}
	return def, nil
}

// List returns the company's definitions.
func (s *DefinitionServiceImpl) List(ctx context.Context, p model.Principal) ([]model.WorkflowDefinition, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return s.d.Tx.Repos().Definitions.List(ctx, p.CompanyID)
}

// validateSteps normalizes and checks a step list. Orders are either all zero (numbered by
// position) or exactly 1..N. A non-parallel role step must resolve to a single user.
func (s *DefinitionServiceImpl) validateSteps(ctx context.Context, dir repository.Directory, companyID uuid.UUID,
	in []model.WorkflowStep) ([]model.WorkflowStep, error) {
	if len(in) == 0 {
		return nil, errs.Validation("workflow definition must contain at least one step")
	}
	steps := slices.Clone(in)
	allZero := !slices.ContainsFunc(steps, func(st model.WorkflowStep) bool { return st.Order != 0 })
	if allZero {
		renumber(steps)
	} else {
		slices.SortStableFunc(steps, func(a, b model.WorkflowStep) int { return a.Order - b.Order })
		for i, st := range steps {
			if st.Order != i+1 {
				return nil, errs.Validation("step orders must be contiguous 1..%d", len(steps))
			}
		}
	}

	target := AssigneeTarget{CompanyID: companyID}
	for i := range steps {
		st := &steps[i]
		st.Name = strings.TrimSpace(st.Name)
		if !st.Type.Valid() {
			return nil, errs.Validation("step %d: unknown step type %q", st.Order, st.Type)
		}
		if st.TimeoutHours < 0 {
			return nil, errs.Validation("step %d: negative timeout", st.Order)
		}
		switch st.Assignee.Type {
		case model.AssigneeUser, model.AssigneeRole:
			users, err := s.resolvers.Resolve(ctx, dir, target, st.Assignee)
			if err != nil {
				return nil, err
			}
			if !st.Parallel && len(users) > 1 {
				return nil, errs.Validation("step %d: role %q resolves to %d users; a non-parallel step needs exactly one",
					st.Order, st.Assignee.Value, len(users))
			}
		case model.AssigneeManager, model.AssigneeDepartmentHead:
			st.Assignee.Value = ""
		default:
			return nil, errs.Validation("step %d: unknown assignee type %q", st.Order, st.Assignee.Type)
		}
	}
	return steps, nil
}

// MoveStep returns a copy of steps with the step at order swapped with its neighbour, renumbered 1..N.
func MoveStep(steps []model.WorkflowStep, order int, dir model.StepMove) ([]model.WorkflowStep, error) {
	if order < 1 || order > len(steps) {
		return nil, errs.Validation("no step with order %d", order)
	}
	i := order - 1
	var j int
	switch dir {
	case model.MoveUp:
		j = i - 1
	case model.MoveDown:
		j = i + 1
	default:
		return nil, errs.Validation("unknown move %q", dir)
	}
	if j < 0 || j >= len(steps) {
		return nil, errs.Validation("step %d cannot move %s", order, dir)
	}
	out := slices.Clone(steps)
	out[i], out[j] = out[j], out[i]
	renumber(out)
	return out, nil
}

// RemoveStep returns a copy of steps without the step at order, renumbered 1..N.
func RemoveStep(steps []model.WorkflowStep, order int) ([]model.WorkflowStep, error) {
	if order < 1 || order > len(steps) {
		return nil, errs.Validation("no step with order %d", order)
	}
	if len(steps) == 1 {
		return nil, errs.Validation("workflow definition must contain at least one step")
	}
	out := slices.Delete(slices.Clone(steps), order-1, order)
	renumber(out)
	return out, nil
}

func renumber(steps []model.WorkflowStep) {
	for i := range steps {
		steps[i].Order = i + 1
	}
}
