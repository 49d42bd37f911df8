package memory

import (
	"context"
	"slices"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

type definitionRepo struct{ v view }

func checkDefinitionUnique(st *state, d *model.WorkflowDefinition) error {
	for _, o := range st.defs {
		if o.ID == d.ID || o.CompanyID != d.CompanyID {
			continue
		}
		if d.Code != "" && o.Code == d.Code {
			return errs.Conflict("workflow definition code %q already exists", d.Code)
		}
		if d.IsDefault && o.IsDefault {
			return errs.Conflict("company already has a default workflow definition")
		}
	}
	return nil
}

func (r definitionRepo) Create(_ context.Context, d *model.WorkflowDefinition) error {
	return r.v.do(func(st *state) error {
		if err := checkDefinitionUnique(st, d); err != nil {
			return err
		}
		c := *d
		c.Steps = slices.Clone(d.Steps)
		st.defs[d.ID] = c
		return nil
	})
}

func (r definitionRepo) Get(_ context.Context, id uuid.UUID) (*model.WorkflowDefinition, error) {
	var out model.WorkflowDefinition
	err := r.v.do(func(st *state) error {
		d, ok := st.defs[id]
		if !ok {
			return errs.NotFound("workflow definition")
		}
		out = d
		out.Steps = slices.Clone(d.Steps)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r definitionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.WorkflowDefinition, error) {
	return r.Get(ctx, id)
}

func (r definitionRepo) Update(_ context.Context, d *model.WorkflowDefinition) error {
	return r.v.do(func(st *state) error {
		cur, ok := st.defs[d.ID]
		if !ok {
			return errs.NotFound("workflow definition")
		}
		if err := checkDefinitionUnique(st, d); err != nil {
			return err
		}
		c := *d
		c.CompanyID, c.CreatedAt = cur.CompanyID, cur.CreatedAt
		c.Steps = slices.Clone(d.Steps)
		st.defs[d.ID] = c
		return nil
	})
}

func (r definitionRepo) Delete(_ context.Context, id uuid.UUID) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.defs[id]; !ok {
			return errs.NotFound("workflow definition")
		}
		delete(st.defs, id)
		return nil
	})
}

func (r definitionRepo) GetDefault(_ context.Context, companyID uuid.UUID) (*model.WorkflowDefinition, error) {
	var out *model.WorkflowDefinition
	err := r.v.do(func(st *state) error {
		for _, d := range st.defs {
			if d.CompanyID == companyID && d.IsDefault {
				c := d
				c.Steps = slices.Clone(d.Steps)
				out = &c
				return nil
			}
		}
		return errs.NotFound("default workflow definition")
	})
	return out, err
}

func (r definitionRepo) ClearDefault(_ context.Context, companyID, keepID uuid.UUID) error {
	return r.v.do(func(st *state) error {
		for id, d := range st.defs {
			if d.CompanyID == companyID && id != keepID && d.IsDefault {
				d.IsDefault = false
				st.defs[id] = d
			}
		}
		return nil
	})
}

func (r definitionRepo) List(_ context.Context, companyID uuid.UUID) ([]model.WorkflowDefinition, error) {
	var out []model.WorkflowDefinition
	err := r.v.do(func(st *state) error {
		for _, d := range st.defs {
			if d.CompanyID == companyID {
				d.Steps = slices.Clone(d.Steps)
				out = append(out, d)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b model.WorkflowDefinition) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return compareUUID(a.ID, b.ID)
	})
	return out, err
}

type instanceRepo struct{ v view }

func (r instanceRepo) Create(_ context.Context, i *model.WorkflowInstance) error {
	return r.v.do(func(st *state) error {
		for _, o := range st.insts {
			if o.DocumentID == i.DocumentID && o.Status == model.InstanceInProgress {
				return errs.Conflict("document %s already has an active workflow", i.DocumentID)
			}
		}
		c := *i
		c.Steps = slices.Clone(i.Steps)
		st.insts[i.ID] = c
		return nil
	})
}

func (r instanceRepo) Get(_ context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	var out model.WorkflowInstance
	err := r.v.do(func(st *state) error {
		i, ok := st.insts[id]
		if !ok {
			return errs.NotFound("workflow instance")
		}
		out = i
		out.Steps = slices.Clone(i.Steps)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r instanceRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	return r.Get(ctx, id)
}

func (r instanceRepo) Update(_ context.Context, i *model.WorkflowInstance) error {
	return r.v.do(func(st *state) error {
		cur, ok := st.insts[i.ID]
		if !ok {
			return errs.NotFound("workflow instance")
		}
		cur.Status, cur.CurrentStepOrder, cur.CompletedAt = i.Status, i.CurrentStepOrder, i.CompletedAt
		cur.Outcome, cur.CancelReason = i.Outcome, i.CancelReason
		st.insts[i.ID] = cur
		return nil
	})
}

func (r instanceRepo) ActiveForDocument(_ context.Context, documentID uuid.UUID) (*model.WorkflowInstance, error) {
	var out *model.WorkflowInstance
	err := r.v.do(func(st *state) error {
		for _, i := range st.insts {
			if i.DocumentID == documentID && i.Status == model.InstanceInProgress {
				c := i
				c.Steps = slices.Clone(i.Steps)
				out = &c
				return nil
			}
		}
		return errs.NotFound("active workflow instance")
	})
	return out, err
}

type taskRepo struct{ v view }

func (r taskRepo) CreateBatch(_ context.Context, tasks []model.WorkflowTask) error {
	return r.v.do(func(st *state) error {
		for _, t := range tasks {
			if _, ok := st.tasks[t.ID]; ok {
				return errs.Conflict("workflow task %s already exists", t.ID)
			}
		}
		for _, t := range tasks {
			st.tasks[t.ID] = t
			st.taskOrder = append(st.taskOrder, t.ID)
		}
		return nil
	})
}

func (r taskRepo) Get(_ context.Context, id uuid.UUID) (*model.WorkflowTask, error) {
	var out model.WorkflowTask
	err := r.v.do(func(st *state) error {
		t, ok := st.tasks[id]
		if !ok {
			return errs.NotFound("workflow task")
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r taskRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.WorkflowTask, error) {
	return r.Get(ctx, id)
}

func (r taskRepo) Decide(_ context.Context, t *model.WorkflowTask) error {
	return r.v.do(func(st *state) error {
		cur, ok := st.tasks[t.ID]
		if !ok {
			return errs.NotFound("workflow task")
		}
		if cur.Decision != model.DecisionPending {
			return errs.State("task %s is not pending", t.ID)
		}
		cur.Decision, cur.Notes, cur.DecidedAt = t.Decision, t.Notes, t.DecidedAt
		st.tasks[t.ID] = cur
		return nil
	})
}

func (r taskRepo) filter(keep func(st *state, t model.WorkflowTask) bool) ([]model.WorkflowTask, error) {
	var out []model.WorkflowTask
	err := r.v.do(func(st *state) error {
		for _, id := range st.taskOrder {
			if t := st.tasks[id]; keep(st, t) {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (r taskRepo) ListByInstance(_ context.Context, instanceID uuid.UUID) ([]model.WorkflowTask, error) {
	out, err := r.filter(func(_ *state, t model.WorkflowTask) bool { return t.InstanceID == instanceID })
	slices.SortStableFunc(out, func(a, b model.WorkflowTask) int { return a.StepOrder - b.StepOrder })
	return out, err
}

func (r taskRepo) ListByStep(_ context.Context, instanceID uuid.UUID, stepOrder int) ([]model.WorkflowTask, error) {
	return r.filter(func(_ *state, t model.WorkflowTask) bool {
		return t.InstanceID == instanceID && t.StepOrder == stepOrder
	})
}

func inProgress(st *state, t model.WorkflowTask) bool {
	return st.insts[t.InstanceID].Status == model.InstanceInProgress
}

func (r taskRepo) ListPendingForUser(_ context.Context, userID uuid.UUID) ([]model.WorkflowTask, error) {
	out, err := r.filter(func(st *state, t model.WorkflowTask) bool {
		return t.AssignedUserID == userID && t.Decision == model.DecisionPending && inProgress(st, t)
	})
	slices.SortStableFunc(out, func(a, b model.WorkflowTask) int {
		switch {
		case a.DueAt == nil && b.DueAt == nil:
			return 0
		case a.DueAt == nil:
			return 1
		case b.DueAt == nil:
			return -1
		}
		return a.DueAt.Compare(*b.DueAt)
	})
	return out, err
}

func (r taskRepo) ListOverdueForCompany(_ context.Context, companyID uuid.UUID, now time.Time, limit int) ([]model.WorkflowTask, error) {
	out, err := r.filter(func(st *state, t model.WorkflowTask) bool {
		return t.OverdueAt(now) && inProgress(st, t) && st.insts[t.InstanceID].CompanyID == companyID
	})
	slices.SortStableFunc(out, func(a, b model.WorkflowTask) int { return a.DueAt.Compare(*b.DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r taskRepo) ListOverdue(_ context.Context, now time.Time, limit int) ([]model.WorkflowTask, error) {
	out, err := r.filter(func(st *state, t model.WorkflowTask) bool {
		return t.OverdueAt(now) && t.OverdueNotifiedAt == nil && inProgress(st, t)
	})
	slices.SortStableFunc(out, func(a, b model.WorkflowTask) int { return a.DueAt.Compare(*b.DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r taskRepo) MarkOverdueNotified(_ context.Context, ids []uuid.UUID, at time.Time) error {
	return r.v.do(func(st *state) error {
		for _, id := range ids {
			if t, ok := st.tasks[id]; ok {
				t.OverdueNotifiedAt = &at
				st.tasks[id] = t
			}
		}
		return nil
	})
}
