package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DefinitionRepo implements DefinitionRepository using PostgreSQL. Steps are stored as a JSONB array.
type DefinitionRepo struct{ q Querier }

// NewDefinitionRepo constructs a workflow definition repository.
func NewDefinitionRepo(q Querier) *DefinitionRepo { return &DefinitionRepo{q: q} }

const defCols = `id, company_id, code, name, steps, is_default, is_active, created_at, updated_at`

func scanDefinition(row rowScanner) (*model.WorkflowDefinition, error) {
	var (
		d     model.WorkflowDefinition
		steps []byte
	)
	if err := row.Scan(&d.ID, &d.CompanyID, &d.Code, &d.Name, &steps, &d.IsDefault, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &d.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return &d, nil
}

// Create inserts a definition; a duplicate code or second default maps to ErrConflict.
func (r *DefinitionRepo) Create(ctx context.Context, d *model.WorkflowDefinition) error {
	steps, err := json.Marshal(d.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	const q = `INSERT INTO workflow_definitions (` + defCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = r.q.Exec(ctx, q, d.ID, d.CompanyID, d.Code, d.Name, steps, d.IsDefault, d.IsActive, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Conflict("workflow definition code %q already exists", d.Code)
	}
	return err
}

// Get selects a definition by ID.
func (r *DefinitionRepo) Get(ctx context.Context, id uuid.UUID) (*model.WorkflowDefinition, error) {
	const q = `SELECT ` + defCols + ` FROM workflow_definitions WHERE id=$1`
	d, err := scanDefinition(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "workflow definition")
	}
	return d, nil
}

// GetForUpdate selects a definition and takes its row lock.
func (r *DefinitionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.WorkflowDefinition, error) {
	const q = `SELECT ` + defCols + ` FROM workflow_definitions WHERE id=$1 FOR UPDATE`
	d, err := scanDefinition(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "workflow definition")
	}
	return d, nil
}

// Update writes the mutable definition fields.
func (r *DefinitionRepo) Update(ctx context.Context, d *model.WorkflowDefinition) error {
	steps, err := json.Marshal(d.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	const q = `UPDATE workflow_definitions SET code=$2, name=$3, steps=$4, is_default=$5, is_active=$6, updated_at=$7 WHERE id=$1`
	tag, err := r.q.Exec(ctx, q, d.ID, d.Code, d.Name, steps, d.IsDefault, d.IsActive, d.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Conflict("workflow definition code %q already exists", d.Code)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("workflow definition")
	}
	return nil
}

// Delete removes a definition. Instances keep their step snapshot.
func (r *DefinitionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM workflow_definitions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("workflow definition")
	}
	return nil
}

// GetDefault selects the company's default definition.
func (r *DefinitionRepo) GetDefault(ctx context.Context, companyID uuid.UUID) (*model.WorkflowDefinition, error) {
	const q = `SELECT ` + defCols + ` FROM workflow_definitions WHERE company_id=$1 AND is_default`
	d, err := scanDefinition(r.q.QueryRow(ctx, q, companyID))
	if err != nil {
		return nil, notFound(err, "default workflow definition")
	}
	return d, nil
}

// ClearDefault unsets the default flag on all other company definitions.
func (r *DefinitionRepo) ClearDefault(ctx context.Context, companyID, keepID uuid.UUID) error {
	const q = `UPDATE workflow_definitions SET is_default=false WHERE company_id=$1 AND id<>$2 AND is_default`
	_, err := r.q.Exec(ctx, q, companyID, keepID)
	return err
}

// List returns the company's definitions by name.
func (r *DefinitionRepo) List(ctx context.Context, companyID uuid.UUID) ([]model.WorkflowDefinition, error) {
	const q = `SELECT ` + defCols + ` FROM workflow_definitions WHERE company_id=$1 ORDER BY name ASC`
	rows, err := r.q.Query(ctx, q, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// InstanceRepo implements InstanceRepository using PostgreSQL.
type InstanceRepo struct{ q Querier }

// NewInstanceRepo constructs a workflow instance repository.
func NewInstanceRepo(q Querier) *InstanceRepo { return &InstanceRepo{q: q} }

const instCols = `id, document_id, definition_id, company_id, steps, status, current_step_order, started_by, ` +
	`started_at, completed_at, outcome, cancel_reason`

func scanInstance(row rowScanner) (*model.WorkflowInstance, error) {
	var (
		i      model.WorkflowInstance
		steps  []byte
		status string
	)
	if err := row.Scan(&i.ID, &i.DocumentID, &i.DefinitionID, &i.CompanyID, &steps, &status, &i.CurrentStepOrder,
		&i.StartedBy, &i.StartedAt, &i.CompletedAt, &i.Outcome, &i.CancelReason); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &i.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	i.Status = model.InstanceStatus(status)
	return &i, nil
}

// Create inserts an instance. The partial unique index on in-progress instances turns a
// concurrent second start into ErrConflict.
func (r *InstanceRepo) Create(ctx context.Context, i *model.WorkflowInstance) error {
	steps, err := json.Marshal(i.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	const q = `INSERT INTO workflow_instances (` + instCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.q.Exec(ctx, q, i.ID, i.DocumentID, i.DefinitionID, i.CompanyID, steps, string(i.Status), i.CurrentStepOrder,
		i.StartedBy, i.StartedAt, i.CompletedAt, i.Outcome, i.CancelReason)
	if isUniqueViolation(err) {
		return errs.Conflict("document %s already has an active workflow", i.DocumentID)
	}
	return err
}

// Get selects an instance by ID.
func (r *InstanceRepo) Get(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	const q = `SELECT ` + instCols + ` FROM workflow_instances WHERE id=$1`
	i, err := scanInstance(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "workflow instance")
	}
	return i, nil
}

// GetForUpdate selects an instance and takes its row lock.
func (r *InstanceRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	const q = `SELECT ` + instCols + ` FROM workflow_instances WHERE id=$1 FOR UPDATE`
	i, err := scanInstance(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "workflow instance")
	}
	return i, nil
}

// Update writes the state machine fields.
func (r *InstanceRepo) Update(ctx context.Context, i *model.WorkflowInstance) error {
	const q = `
UPDATE workflow_instances SET status=$2, current_step_order=$3, completed_at=$4, outcome=$5, cancel_reason=$6
WHERE id=$1`
	tag, err := r.q.Exec(ctx, q, i.ID, string(i.Status), i.CurrentStepOrder, i.CompletedAt, i.Outcome, i.CancelReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("workflow instance")
	}
	return nil
}

// ActiveForDocument selects the document's in-progress instance.
func (r *InstanceRepo) ActiveForDocument(ctx context.Context, documentID uuid.UUID) (*model.WorkflowInstance, error) {
	const q = `SELECT ` + instCols + ` FROM workflow_instances WHERE document_id=$1 AND status='in_progress'`
	i, err := scanInstance(r.q.QueryRow(ctx, q, documentID))
	if err != nil {
		return nil, notFound(err, "active workflow instance")
	}
	return i, nil
}

// TaskRepo implements TaskRepository using PostgreSQL.
type TaskRepo struct{ q Querier }

// NewTaskRepo constructs a workflow task repository.
func NewTaskRepo(q Querier) *TaskRepo { return &TaskRepo{q: q} }

const taskCols = `id, instance_id, document_id, step_order, assigned_user_id, decision, notes, decided_at, due_at, ` +
	`created_at, overdue_notified_at`

func scanTask(row rowScanner) (*model.WorkflowTask, error) {
	var (
		t        model.WorkflowTask
		decision string
	)
	if err := row.Scan(&t.ID, &t.InstanceID, &t.DocumentID, &t.StepOrder, &t.AssignedUserID, &decision, &t.Notes,
		&t.DecidedAt, &t.DueAt, &t.CreatedAt, &t.OverdueNotifiedAt); err != nil {
		return nil, err
	}
	t.Decision = model.Decision(decision)
	return &t, nil
}

func collectTasks(rows interface {
	rowScanner
	Next() bool
	Err() error
	Close()
}) ([]model.WorkflowTask, error) {
	defer rows.Close()
	var out []model.WorkflowTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CreateBatch inserts the task set; callers run it inside the activating transaction.
func (r *TaskRepo) CreateBatch(ctx context.Context, tasks []model.WorkflowTask) error {
	const q = `INSERT INTO workflow_tasks (` + taskCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	for i, t := range tasks {
		if _, err := r.q.Exec(ctx, q, t.ID, t.InstanceID, t.DocumentID, t.StepOrder, t.AssignedUserID, string(t.Decision),
			t.Notes, t.DecidedAt, t.DueAt, t.CreatedAt, t.OverdueNotifiedAt); err != nil {
			return fmt.Errorf("task[%d]: %w", i, err)
		}
	}
	return nil
}

// Get selects a task by ID.
func (r *TaskRepo) Get(ctx context.Context, id uuid.UUID) (*model.WorkflowTask, error) {
	const q = `SELECT ` + taskCols + ` FROM workflow_tasks WHERE id=$1`
	t, err := scanTask(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "workflow task")
	}
	return t, nil
}

// GetForUpdate selects a task and takes its row lock.
func (r *TaskRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.WorkflowTask, error) {
	const q = `SELECT ` + taskCols + ` FROM workflow_tasks WHERE id=$1 FOR UPDATE`
	t, err := scanTask(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "workflow task")
	}
	return t, nil
}

// Decide records a decision only while the task is still pending.
func (r *TaskRepo) Decide(ctx context.Context, t *model.WorkflowTask) error {
	const q = `UPDATE workflow_tasks SET decision=$2, notes=$3, decided_at=$4 WHERE id=$1 AND decision='pending'`
	tag, err := r.q.Exec(ctx, q, t.ID, string(t.Decision), t.Notes, t.DecidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.State("task %s is not pending", t.ID)
	}
	return nil
}

// ListByInstance returns all tasks of an instance by step.
func (r *TaskRepo) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]model.WorkflowTask, error) {
	const q = `SELECT ` + taskCols + ` FROM workflow_tasks WHERE instance_id=$1 ORDER BY step_order ASC, created_at ASC`
	rows, err := r.q.Query(ctx, q, instanceID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListByStep returns the task set of one step.
func (r *TaskRepo) ListByStep(ctx context.Context, instanceID uuid.UUID, stepOrder int) ([]model.WorkflowTask, error) {
	const q = `SELECT ` + taskCols + ` FROM workflow_tasks WHERE instance_id=$1 AND step_order=$2 ORDER BY created_at ASC`
	rows, err := r.q.Query(ctx, q, instanceID, stepOrder)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListPendingForUser returns a user's open tasks.
func (r *TaskRepo) ListPendingForUser(ctx context.Context, userID uuid.UUID) ([]model.WorkflowTask, error) {
	const q = `SELECT t.id, t.instance_id, t.document_id, t.step_order, t.assigned_user_id, t.decision, t.notes,
  t.decided_at, t.due_at, t.created_at, t.overdue_notified_at
FROM workflow_tasks t JOIN workflow_instances i ON i.id=t.instance_id
WHERE t.assigned_user_id=$1 AND t.decision='pending' AND i.status='in_progress'
ORDER BY t.due_at ASC NULLS LAST, t.created_at ASC`
	rows, err := r.q.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListOverdueForCompany returns the company's overdue pending tasks, including already flagged ones.
func (r *TaskRepo) ListOverdueForCompany(ctx context.Context, companyID uuid.UUID, now time.Time, limit int) ([]model.WorkflowTask, error) {
	const q = `SELECT t.id, t.instance_id, t.document_id, t.step_order, t.assigned_user_id, t.decision, t.notes,
  t.decided_at, t.due_at, t.created_at, t.overdue_notified_at
FROM workflow_tasks t JOIN workflow_instances i ON i.id=t.instance_id
WHERE i.company_id=$1 AND t.decision='pending' AND i.status='in_progress' AND t.due_at < $2
ORDER BY t.due_at ASC
LIMIT $3`
	rows, err := r.q.Query(ctx, q, companyID, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListOverdue returns overdue tasks that have not been surfaced yet.
func (r *TaskRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]model.WorkflowTask, error) {
	const q = `SELECT t.id, t.instance_id, t.document_id, t.step_order, t.assigned_user_id, t.decision, t.notes,
  t.decided_at, t.due_at, t.created_at, t.overdue_notified_at
FROM workflow_tasks t JOIN workflow_instances i ON i.id=t.instance_id
WHERE t.decision='pending' AND i.status='in_progress' AND t.due_at < $1 AND t.overdue_notified_at IS NULL
ORDER BY t.due_at ASC
LIMIT $2`
	rows, err := r.q.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// MarkOverdueNotified stamps overdue_notified_at.
func (r *TaskRepo) MarkOverdueNotified(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE workflow_tasks SET overdue_notified_at=$2 WHERE id = ANY($1::uuid[])`
	_, err := r.q.Exec(ctx, q, uuidStrings(ids), at)
	return err
}
