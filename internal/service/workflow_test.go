package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/notify"
	"github.com/and161185/docgov/internal/repository/memory"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (e *env) definition(t *testing.T, steps ...model.WorkflowStep) *model.WorkflowDefinition {
	t.Helper()
	def, err := e.svc.Definitions.Create(context.Background(), e.admin(), model.NewDefinition{Name: "Review", Steps: steps})
	require.NoError(t, err)
	return def
}

func (e *env) start(t *testing.T, p model.Principal, doc uuid.UUID, def *model.WorkflowDefinition) *model.WorkflowInstance {
	t.Helper()
	inst, err := e.svc.Workflows.Start(context.Background(), p, doc, &def.ID)
	require.NoError(t, err)
	return inst
}

func (e *env) tasksOf(t *testing.T, p model.Principal, inst uuid.UUID, step int) []model.WorkflowTask {
	t.Helper()
	all, err := e.svc.Workflows.ListTasks(context.Background(), p, inst)
	require.NoError(t, err)
	var out []model.WorkflowTask
	for _, task := range all {
		if task.StepOrder == step {
			out = append(out, task)
		}
	}
	return out
}

func principalOf(e *env, id uuid.UUID) model.Principal {
	return model.Principal{UserID: id, CompanyID: e.company}
}

// approveDirectly runs a one-step workflow to completion.
func approveDirectly(t *testing.T, e *env, owner model.Principal, docID uuid.UUID) {
	t.Helper()
	reviewer := e.user()
	inst := e.start(t, owner, docID, e.definition(t, userStep(reviewer)))
	task := e.tasksOf(t, owner, inst.ID, 1)[0]
	res, err := e.svc.Workflows.Decide(context.Background(), reviewer, task.ID, model.DecisionApproved, "")
	require.NoError(t, err)
	require.Equal(t, model.InstanceCompleted, res.Instance.Status)
}

func TestWorkflow_ParallelRejectionShortCircuits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.user()
	for range 3 {
		e.user("reviewer")
	}
	doc := e.document(t, owner)
	def := e.definition(t, roleStep("reviewer", true), roleStep("reviewer", true))
	inst := e.start(t, owner, doc.ID, def)

	tasks := e.tasksOf(t, owner, inst.ID, 1)
	require.Len(t, tasks, 3)

	for _, task := range tasks[:2] {
		res, err := e.svc.Workflows.Decide(ctx, principalOf(e, task.AssignedUserID), task.ID, model.DecisionApproved, "ok")
		require.NoError(t, err)
		require.Equal(t, model.InstanceInProgress, res.Instance.Status)
		require.Equal(t, 1, res.Instance.CurrentStepOrder)
	}
	last := tasks[2]
	res, err := e.svc.Workflows.Decide(ctx, principalOf(e, last.AssignedUserID), last.ID, model.DecisionRejected, "missing annex")
	require.NoError(t, err)
	require.Equal(t, model.InstanceRejected, res.Instance.Status)
	require.Equal(t, "rejected", res.Instance.Outcome)
	require.Empty(t, e.tasksOf(t, owner, inst.ID, 2))

	got, err := e.svc.Documents.Get(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRejected, got.Status)
	require.Len(t, e.events(t, model.EventWorkflowRejected), 1)
}

func TestWorkflow_FirstRejectionEndsStepWithPendingTasks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.user()
	for range 3 {
		e.user("reviewer")
	}
	doc := e.document(t, owner)
	inst := e.start(t, owner, doc.ID, e.definition(t, roleStep("reviewer", true)))
	tasks := e.tasksOf(t, owner, inst.ID, 1)

	res, err := e.svc.Workflows.Decide(ctx, principalOf(e, tasks[0].AssignedUserID), tasks[0].ID, model.DecisionRejected, "")
	require.NoError(t, err)
	require.Equal(t, model.InstanceRejected, res.Instance.Status)

	_, err = e.svc.Workflows.Decide(ctx, principalOf(e, tasks[1].AssignedUserID), tasks[1].ID, model.DecisionApproved, "")
	require.ErrorIs(t, err, errs.ErrState)
}

func TestWorkflow_SequentialStepsComplete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	dept := uuid.Must(uuid.NewV4())
	head := e.user()
	boss := e.user()
	e.store.AddDepartment(memory.Department{ID: dept, CompanyID: e.company, HeadUserID: &head.UserID})
	ownerID := uuid.Must(uuid.NewV4())
	e.store.AddUser(memory.User{ID: ownerID, CompanyID: e.company, DepartmentID: &dept, ManagerID: &boss.UserID, Active: true})
	owner := model.Principal{UserID: ownerID, CompanyID: e.company, DepartmentID: &dept}
	doc := e.document(t, owner)
	require.Equal(t, dept, *doc.DepartmentID)

	def := e.definition(t,
		model.WorkflowStep{Type: model.StepReview, Assignee: model.AssigneeSpec{Type: model.AssigneeManager}, TimeoutHours: 24},
		model.WorkflowStep{Type: model.StepApproval, Assignee: model.AssigneeSpec{Type: model.AssigneeDepartmentHead}},
		model.WorkflowStep{Type: model.StepAcknowledgment, Assignee: model.AssigneeSpec{Type: model.AssigneeUser, Value: ownerID.String()}},
	)
	inst := e.start(t, owner, doc.ID, def)
	require.Equal(t, 1, inst.CurrentStepOrder)

	got, err := e.svc.Documents.Get(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPendingReview, got.Status)

	step1 := e.tasksOf(t, owner, inst.ID, 1)
	require.Len(t, step1, 1)
	require.Equal(t, boss.UserID, step1[0].AssignedUserID)
	require.Equal(t, e.clock.Now().Add(24*time.Hour), *step1[0].DueAt)

	mine, err := e.svc.Workflows.ListMyTasks(ctx, boss)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	_, err = e.svc.Workflows.Decide(ctx, head, step1[0].ID, model.DecisionApproved, "")
	require.ErrorIs(t, err, errs.ErrForbidden)

	res, err := e.svc.Workflows.Decide(ctx, boss, step1[0].ID, model.DecisionApproved, "fine")
	require.NoError(t, err)
	require.Equal(t, 2, res.Instance.CurrentStepOrder)

	_, err = e.svc.Workflows.Decide(ctx, boss, step1[0].ID, model.DecisionApproved, "")
	require.ErrorIs(t, err, errs.ErrState)

	step2 := e.tasksOf(t, owner, inst.ID, 2)
	require.Len(t, step2, 1)
	require.Equal(t, head.UserID, step2[0].AssignedUserID)
	require.Nil(t, step2[0].DueAt)
	_, err = e.svc.Workflows.Decide(ctx, head, step2[0].ID, model.DecisionApproved, "")
	require.NoError(t, err)

	step3 := e.tasksOf(t, owner, inst.ID, 3)
	require.Len(t, step3, 1)
	_, err = e.svc.Workflows.Decide(ctx, owner, step3[0].ID, model.DecisionRejected, "")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.svc.Workflows.Decide(ctx, owner, step3[0].ID, model.DecisionPending, "")
	require.ErrorIs(t, err, errs.ErrValidation)

	res, err = e.svc.Workflows.Decide(ctx, owner, step3[0].ID, model.DecisionApproved, "read")
	require.NoError(t, err)
	require.Equal(t, model.InstanceCompleted, res.Instance.Status)
	require.NotNil(t, res.Instance.CompletedAt)

	got, err = e.svc.Documents.Get(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, got.Status)
	require.Len(t, e.events(t, model.EventTaskAssigned), 3)
	require.Len(t, e.events(t, model.EventWorkflowCompleted), 1)
}

func TestWorkflow_StartPreconditions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.user()
	stranger := e.user()
	reviewer := e.user()
	doc := e.document(t, owner)
	def := e.definition(t, userStep(reviewer))

	_, err := e.svc.Workflows.Start(ctx, owner, doc.ID, nil)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.svc.Workflows.Start(ctx, stranger, doc.ID, &def.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)

	_, err = e.svc.Locks.Checkout(ctx, owner, doc.ID, 0)
	require.NoError(t, err)
	_, err = e.svc.Workflows.Start(ctx, owner, doc.ID, &def.ID)
	require.ErrorIs(t, err, errs.ErrConflict)
	_, err = e.svc.Locks.CancelCheckout(ctx, owner, doc.ID)
	require.NoError(t, err)

	_, err = e.svc.Documents.SetLegalHold(ctx, owner, doc.ID, true, "subpoena")
	require.NoError(t, err)
	_, err = e.svc.Workflows.Start(ctx, owner, doc.ID, &def.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = e.svc.Documents.SetLegalHold(ctx, owner, doc.ID, false, "")
	require.NoError(t, err)

	admin := e.admin()
	_, err = e.svc.Definitions.Deactivate(ctx, admin, def.ID)
	require.NoError(t, err)
	_, err = e.svc.Workflows.Start(ctx, owner, doc.ID, &def.ID)
	require.ErrorIs(t, err, errs.ErrState)
	_, err = e.svc.Definitions.Activate(ctx, admin, def.ID)
	require.NoError(t, err)

	e.start(t, owner, doc.ID, def)
	_, err = e.svc.Workflows.Start(ctx, owner, doc.ID, &def.ID)
	require.ErrorIs(t, err, errs.ErrConflict)

	// edits are frozen while the workflow runs
	_, err = e.svc.Locks.Checkout(ctx, owner, doc.ID, 0)
	require.ErrorIs(t, err, errs.ErrState)
	_, err = e.svc.Documents.Delete(ctx, owner, doc.ID)
	require.ErrorIs(t, err, errs.ErrState)
}

func TestWorkflow_StartUsesDefaultDefinition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.user()
	reviewer := e.user()
	doc := e.document(t, owner)
	def, err := e.svc.Definitions.Create(ctx, e.admin(), model.NewDefinition{
		Name: "Default", Steps: []model.WorkflowStep{userStep(reviewer)}, IsDefault: true,
	})
	require.NoError(t, err)

	inst, err := e.svc.Workflows.Start(ctx, owner, doc.ID, nil)
	require.NoError(t, err)
	require.Equal(t, def.ID, inst.DefinitionID)

	// later definition edits do not touch the running snapshot
	_, err = e.svc.Definitions.AddStep(ctx, e.admin(), def.ID, userStep(owner))
	require.NoError(t, err)
	got, err := e.svc.Workflows.GetInstance(ctx, owner, inst.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
}

func TestWorkflow_UnresolvableStepFailsStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.user()
	doc := e.document(t, owner)
	def := e.definition(t, roleStep("legal", true))

	_, err := e.svc.Workflows.Start(ctx, owner, doc.ID, &def.ID)
	require.ErrorIs(t, err, errs.ErrValidation)

	got, err := e.svc.Documents.Get(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDraft, got.Status)
}

func TestWorkflow_Cancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.user()
	reviewer := e.user()
	stranger := e.user()
	doc := e.document(t, owner)
	e.grant(t, owner, doc.ID, stranger, model.LevelEditor)
	inst := e.start(t, owner, doc.ID, e.definition(t, userStep(reviewer)))

	_, err := e.svc.Workflows.Cancel(ctx, owner, inst.ID, " ")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.svc.Workflows.Cancel(ctx, stranger, inst.ID, "not mine")
	require.ErrorIs(t, err, errs.ErrForbidden)

	got, err := e.svc.Workflows.Cancel(ctx, owner, inst.ID, "wrong attachment")
	require.NoError(t, err)
	require.Equal(t, model.InstanceCancelled, got.Status)
	require.Equal(t, "wrong attachment", got.CancelReason)

	_, err = e.svc.Workflows.Cancel(ctx, owner, inst.ID, "again")
	require.ErrorIs(t, err, errs.ErrState)

	task := e.tasksOf(t, owner, inst.ID, 1)[0]
	_, err = e.svc.Workflows.Decide(ctx, reviewer, task.ID, model.DecisionApproved, "")
	require.ErrorIs(t, err, errs.ErrState)

	mine, err := e.svc.Workflows.ListMyTasks(ctx, reviewer)
	require.NoError(t, err)
	require.Empty(t, mine)

	d, err := e.svc.Documents.Get(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDraft, d.Status)
	require.Len(t, e.events(t, model.EventWorkflowCancelled), 1)
}

func TestWorkflow_ConcurrentApprovalsAdvanceOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.user()
	for range 6 {
		e.user("board")
	}
	final := e.user()
	doc := e.document(t, owner)
	inst := e.start(t, owner, doc.ID, e.definition(t, roleStep("board", true), userStep(final)))
	tasks := e.tasksOf(t, owner, inst.ID, 1)
	require.Len(t, tasks, 6)

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task model.WorkflowTask) {
			defer wg.Done()
			if _, err := e.svc.Workflows.Decide(ctx, principalOf(e, task.AssignedUserID), task.ID, model.DecisionApproved, ""); err != nil {
				t.Errorf("decide %s: %v", task.ID, err)
			}
		}(task)
	}
	wg.Wait()

	require.Len(t, e.tasksOf(t, owner, inst.ID, 2), 1)
	got, err := e.svc.Workflows.GetInstance(ctx, owner, inst.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.CurrentStepOrder)
	require.Equal(t, model.InstanceInProgress, got.Status)
}

func TestWorkflow_ListOverdueTasks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.user()
	reviewer := e.user()
	admin := e.admin()
	doc := e.document(t, owner)
	step := userStep(reviewer)
	step.TimeoutHours = 2
	e.start(t, owner, doc.ID, e.definition(t, step))

	_, err := e.svc.Workflows.ListOverdueTasks(ctx, owner, 0)
	require.ErrorIs(t, err, errs.ErrForbidden)

	got, err := e.svc.Workflows.ListOverdueTasks(ctx, admin, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	e.clock.Advance(3 * time.Hour)
	got, err = e.svc.Workflows.ListOverdueTasks(ctx, admin, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, reviewer.UserID, got[0].AssignedUserID)

	// another company's admin sees nothing
	outsider := model.Principal{UserID: uuid.Must(uuid.NewV4()), CompanyID: uuid.Must(uuid.NewV4()), Roles: []string{"admin"}}
	got, err = e.svc.Workflows.ListOverdueTasks(ctx, outsider, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestWorkflow_ListOverdueTasks_AfterScan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.user()
	reviewer := e.user()
	doc := e.document(t, owner)
	step := userStep(reviewer)
	step.TimeoutHours = 2
	e.start(t, owner, doc.ID, e.definition(t, step))
	e.clock.Advance(3 * time.Hour)

	n, err := notify.NewOverdueScanner(e.store, zap.NewNop(), e.clock.Now, 10).ScanOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := e.svc.Workflows.ListOverdueTasks(ctx, e.admin(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].OverdueNotifiedAt)
}
