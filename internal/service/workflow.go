package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// WorkflowEngine drives documents through approval pipelines.
type WorkflowEngine interface {
	// Start opens an instance on the document and activates step 1. A nil definition selects the company default.
	Start(ctx context.Context, p model.Principal, documentID uuid.UUID, definitionID *uuid.UUID) (*model.WorkflowInstance, error)
	// Decide records the assignee's decision and advances the instance at most once.
	Decide(ctx context.Context, p model.Principal, taskID uuid.UUID, decision model.Decision, notes string) (*model.TaskDecision, error)
	// Cancel ends an in-progress instance, abandoning its pending tasks.
	Cancel(ctx context.Context, p model.Principal, instanceID uuid.UUID, reason string) (*model.WorkflowInstance, error)
	GetInstance(ctx context.Context, p model.Principal, id uuid.UUID) (*model.WorkflowInstance, error)
	ListTasks(ctx context.Context, p model.Principal, instanceID uuid.UUID) ([]model.WorkflowTask, error)
	// ListMyTasks returns the caller's pending tasks.
	ListMyTasks(ctx context.Context, p model.Principal) ([]model.WorkflowTask, error)
	// ListOverdueTasks returns pending tasks past dueAt. Admin only.
	ListOverdueTasks(ctx context.Context, p model.Principal, limit int) ([]model.WorkflowTask, error)
}

type WorkflowEngineImpl struct {
	d         Deps
	resolvers Resolvers
}

// NewWorkflowEngine constructs WorkflowEngine with the built-in assignee resolvers.
func NewWorkflowEngine(d Deps) *WorkflowEngineImpl {
	return &WorkflowEngineImpl{d: d.normalize(), resolvers: DefaultResolvers()}
}

// WithResolver replaces the strategy for one assignee type.
func (e *WorkflowEngineImpl) WithResolver(t model.AssigneeType, r AssigneeResolver) *WorkflowEngineImpl {
	rs := make(Resolvers, len(e.resolvers)+1)
	for k, v := range e.resolvers {
		rs[k] = v
	}
	rs[t] = r
	return &WorkflowEngineImpl{d: e.d, resolvers: rs}
}

// Start runs in one transaction: instance, step-1 task set, document status and events commit together.
func (e *WorkflowEngineImpl) Start(ctx context.Context, p model.Principal, documentID uuid.UUID, definitionID *uuid.UUID) (*model.WorkflowInstance, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	var out *model.WorkflowInstance
	err := e.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		doc, err := loadDocument(ctx, r, p, documentID, true)
		if err != nil {
			return err
		}
		now := e.d.Now()
		if err := Authorize(*doc, ActionStartWorkflow, now); err != nil {
			return err
		}
		if err := requireLevel(ctx, r, p, doc, model.LevelContributor); err != nil {
			return err
		}
		if doc.Status == model.StatusArchived {
			return errs.State("an archived document cannot enter a workflow")
		}
		if _, err := r.Instances.ActiveForDocument(ctx, doc.ID); err == nil {
			return errs.Conflict("document already has an active workflow")
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if l, err := r.Locks.GetActive(ctx, doc.ID, now); err == nil {
			return errs.LockConflict(l.HolderUserID)
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}

		def, err := e.definition(ctx, r, p, definitionID)
		if err != nil {
			return err
		}
		inst := &model.WorkflowInstance{
			ID:               newID(),
			DocumentID:       doc.ID,
			DefinitionID:     def.ID,
			CompanyID:        doc.CompanyID,
			Steps:            def.Steps,
			Status:           model.InstanceInProgress,
			CurrentStepOrder: 1,
			StartedBy:        p.UserID,
			StartedAt:        now,
		}
		if err := r.Instances.Create(ctx, inst); err != nil {
			return err
		}
		if err := e.activateStep(ctx, r, inst, doc, 1, now); err != nil {
			return err
		}
		doc.Status, doc.UpdatedAt = model.StatusPendingReview, now
		if err := r.Documents.Update(ctx, doc); err != nil {
			return err
		}
		if err := record(ctx, r, doc.ID, "workflow_started", p.UserID, inst.ID.String(), now); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.d.Log.Info("workflow started", zap.String("instance", out.ID.String()), zap.String("document", documentID.String()))
	return out, nil
}

func (e *WorkflowEngineImpl) definition(ctx context.Context, r repository.Repos, p model.Principal, id *uuid.UUID) (*model.WorkflowDefinition, error) {
	var (
		def *model.WorkflowDefinition
		err error
	)
	if id == nil || *id == uuid.Nil {
		def, err = r.Definitions.GetDefault(ctx, p.CompanyID)
	} else {
		def, err = r.Definitions.Get(ctx, *id)
		if err == nil && def.CompanyID != p.CompanyID {
			err = errs.NotFound("workflow definition")
		}
	}
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, errs.State("workflow definition %s is inactive", def.ID)
	}
	if len(def.Steps) == 0 {
		return nil, errs.Validation("workflow definition has no steps")
	}
	return def, nil
}

// activateStep resolves the step's assignees and creates the whole task set in the caller's transaction.
func (e *WorkflowEngineImpl) activateStep(ctx context.Context, r repository.Repos, inst *model.WorkflowInstance,
	doc *model.Document, order int, now time.Time) error {
	step, ok := inst.Step(order)
	if !ok {
		return errs.State("instance has no step %d", order)
	}
	users, err := e.resolvers.Resolve(ctx, r.Directory, targetOf(doc), step.Assignee)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return errs.Validation("step %d: assignee resolves to no active user", order)
	}
	if !step.Parallel && len(users) > 1 {
		return errs.Validation("step %d: assignee resolves to %d users; a non-parallel step needs exactly one", order, len(users))
	}
	var due *time.Time
	if step.TimeoutHours > 0 {
		d := now.Add(time.Duration(step.TimeoutHours) * time.Hour)
		due = &d
	}
	tasks := make([]model.WorkflowTask, 0, len(users))
	for _, u := range users {
		tasks = append(tasks, model.WorkflowTask{
			ID:             newID(),
			InstanceID:     inst.ID,
			DocumentID:     doc.ID,
			StepOrder:      order,
			AssignedUserID: u,
			Decision:       model.DecisionPending,
			DueAt:          due,
			CreatedAt:      now,
		})
	}
	if err := r.Tasks.CreateBatch(ctx, tasks); err != nil {
		return err
	}
	for _, t := range tasks {
		payload := map[string]string{
			"instance_id": inst.ID.String(),
			"task_id":     t.ID.String(),
			"step_order":  strconv.Itoa(order),
			"step_type":   string(step.Type),
		}
		if due != nil {
			payload["due_at"] = due.Format(time.RFC3339)
		}
		if err := emit(ctx, r, model.EventTaskAssigned, doc, t.AssignedUserID, payload, now); err != nil {
			return err
		}
	}
	return nil
}

// Decide locks document, instance and task in that order. The instance row lock makes the
// "does this decision complete the step" check and the advance happen exactly once.
func (e *WorkflowEngineImpl) Decide(ctx context.Context, p model.Principal, taskID uuid.UUID, decision model.Decision, notes string) (*model.TaskDecision, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if decision != model.DecisionApproved && decision != model.DecisionRejected {
		return nil, errs.Validation("decision must be approved or rejected")
	}
	var out *model.TaskDecision
	err := e.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		peek, err := r.Tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		doc, err := loadDocument(ctx, r, p, peek.DocumentID, true)
		if err != nil {
			return err
		}
		inst, err := r.Instances.GetForUpdate(ctx, peek.InstanceID)
		if err != nil {
			return err
		}
		task, err := r.Tasks.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if task.AssignedUserID != p.UserID {
			return errs.Forbidden("task is assigned to another user")
		}
		if inst.Status != model.InstanceInProgress {
			return errs.State("workflow instance is %s", inst.Status)
		}
		if task.Decision != model.DecisionPending {
			return errs.State("task is already %s", task.Decision)
		}
		if task.StepOrder != inst.CurrentStepOrder {
			return errs.State("task belongs to step %d, current step is %d", task.StepOrder, inst.CurrentStepOrder)
		}
		step, _ := inst.Step(task.StepOrder)
		if step.Type == model.StepAcknowledgment && decision == model.DecisionRejected {
			return errs.Validation("an acknowledgment step cannot be rejected")
		}

		now := e.d.Now()
		task.Decision, task.Notes, task.DecidedAt = decision, strings.TrimSpace(notes), &now
		if err := r.Tasks.Decide(ctx, task); err != nil {
			return err
		}
		if err := record(ctx, r, doc.ID, "task_decided", p.UserID, task.ID.String()+" "+string(decision), now); err != nil {
			return err
		}
		if err := e.advance(ctx, r, inst, doc, task, now); err != nil {
			return err
		}
		out = &model.TaskDecision{Task: *task, Instance: *inst}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.d.Log.Info("task decided", zap.String("task", taskID.String()), zap.String("decision", string(decision)),
		zap.String("instance_status", string(out.Instance.Status)))
	return out, nil
}

// advance applies the step completion rule after task was decided: any rejection rejects the
// instance at once; an all-approved step activates the next step or completes the instance.
func (e *WorkflowEngineImpl) advance(ctx context.Context, r repository.Repos, inst *model.WorkflowInstance,
	doc *model.Document, task *model.WorkflowTask, now time.Time) error {
	if task.Decision == model.DecisionRejected {
		return e.finish(ctx, r, inst, doc, model.InstanceRejected, now)
	}
	stepTasks, err := r.Tasks.ListByStep(ctx, inst.ID, task.StepOrder)
	if err != nil {
		return err
	}
	for _, t := range stepTasks {
		if t.Decision != model.DecisionApproved {
			return nil
		}
	}
	if task.StepOrder < len(inst.Steps) {
		inst.CurrentStepOrder = task.StepOrder + 1
		if err := e.activateStep(ctx, r, inst, doc, inst.CurrentStepOrder, now); err != nil {
			return err
		}
		return r.Instances.Update(ctx, inst)
	}
	return e.finish(ctx, r, inst, doc, model.InstanceCompleted, now)
}

// finish moves the instance to a terminal status and sets the document status. The checkout lock
// is re-checked so a status change never lands under someone's active edit.
func (e *WorkflowEngineImpl) finish(ctx context.Context, r repository.Repos, inst *model.WorkflowInstance,
	doc *model.Document, status model.InstanceStatus, now time.Time) error {
	if l, err := r.Locks.GetActive(ctx, doc.ID, now); err == nil {
		return errs.LockConflict(l.HolderUserID)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	inst.Status, inst.CompletedAt = status, &now
	event, action := model.EventWorkflowCompleted, "workflow_completed"
	switch status {
	case model.InstanceCompleted:
		inst.Outcome, doc.Status = "approved", model.StatusApproved
	case model.InstanceRejected:
		inst.Outcome, doc.Status = "rejected", model.StatusRejected
		event, action = model.EventWorkflowRejected, "workflow_rejected"
	}
	doc.UpdatedAt = now
	if err := r.Instances.Update(ctx, inst); err != nil {
		return err
	}
	if err := r.Documents.Update(ctx, doc); err != nil {
		return err
	}
	payload := map[string]string{"instance_id": inst.ID.String(), "outcome": inst.Outcome}
	if err := emit(ctx, r, event, doc, inst.StartedBy, payload, now); err != nil {
		return err
	}
	return record(ctx, r, doc.ID, action, inst.StartedBy, inst.ID.String(), now)
}

// Cancel is allowed to the initiator, a manager-level user on the document, or an admin.
func (e *WorkflowEngineImpl) Cancel(ctx context.Context, p model.Principal, instanceID uuid.UUID, reason string) (*model.WorkflowInstance, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errs.Validation("cancel reason is required")
	}
	var out *model.WorkflowInstance
	err := e.d.Tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		peek, err := r.Instances.Get(ctx, instanceID)
		if err != nil {
			return err
		}
		doc, err := loadDocument(ctx, r, p, peek.DocumentID, true)
		if err != nil {
			return err
		}
		inst, err := r.Instances.GetForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.StartedBy != p.UserID && !e.d.isAdmin(p) {
			if err := requireLevel(ctx, r, p, doc, model.LevelManager); err != nil {
				return err
			}
		}
		if inst.Status != model.InstanceInProgress {
			return errs.State("workflow instance is %s", inst.Status)
		}
		now := e.d.Now()
		inst.Status, inst.CompletedAt, inst.CancelReason, inst.Outcome = model.InstanceCancelled, &now, reason, "cancelled"
		if err := r.Instances.Update(ctx, inst); err != nil {
			return err
		}
		if doc.Status == model.StatusPendingReview {
			doc.Status, doc.UpdatedAt = model.StatusDraft, now
			if err := r.Documents.Update(ctx, doc); err != nil {
				return err
			}
		}
		payload := map[string]string{"instance_id": inst.ID.String(), "reason": reason, "cancelled_by": p.UserID.String()}
		if err := emit(ctx, r, model.EventWorkflowCancelled, doc, inst.StartedBy, payload, now); err != nil {
			return err
		}
		if err := record(ctx, r, doc.ID, "workflow_cancelled", p.UserID, reason, now); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.d.Log.Info("workflow cancelled", zap.String("instance", instanceID.String()))
	return out, nil
}

// GetInstance returns an instance of a document the caller can view.
func (e *WorkflowEngineImpl) GetInstance(ctx context.Context, p model.Principal, id uuid.UUID) (*model.WorkflowInstance, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	r := e.d.Tx.Repos()
	inst, err := r.Instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.CompanyID != p.CompanyID {
		return nil, errs.NotFound("workflow instance")
	}
	doc, err := loadDocument(ctx, r, p, inst.DocumentID, false)
	if err != nil {
		return nil, err
	}
	if err := requireCapability(ctx, r, p, doc, model.CanView); err != nil {
		return nil, err
	}
	return inst, nil
}

// ListTasks returns every task of an instance.
func (e *WorkflowEngineImpl) ListTasks(ctx context.Context, p model.Principal, instanceID uuid.UUID) ([]model.WorkflowTask, error) {
	inst, err := e.GetInstance(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}
	return e.d.Tx.Repos().Tasks.ListByInstance(ctx, inst.ID)
}

// ListMyTasks returns the caller's open tasks.
func (e *WorkflowEngineImpl) ListMyTasks(ctx context.Context, p model.Principal) ([]model.WorkflowTask, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return e.d.Tx.Repos().Tasks.ListPendingForUser(ctx, p.UserID)
}

// ListOverdueTasks surfaces the caller's company's overdue tasks, whether or not the scanner has
// already flagged them; nothing is decided automatically.
func (e *WorkflowEngineImpl) ListOverdueTasks(ctx context.Context, p model.Principal, limit int) ([]model.WorkflowTask, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if !e.d.isAdmin(p) {
		return nil, errs.Forbidden("admin role required")
	}
	if limit <= 0 {
		limit = 100
	}
	return e.d.Tx.Repos().Tasks.ListOverdueForCompany(ctx, p.CompanyID, e.d.Now(), limit)
}
