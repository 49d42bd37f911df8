package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func newID() uuid.UUID { return uuid.Must(uuid.NewV4()) }

func TestWithinTx_RollbackDiscardsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	doc := model.Document{ID: newID(), CompanyID: newID(), Status: model.StatusDraft}
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		require.NoError(t, r.Documents.Create(ctx, &doc))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Repos().Documents.Get(ctx, doc.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestWithinTx_CommitPublishes(t *testing.T) {
	s := New()
	ctx := context.Background()
	doc := model.Document{ID: newID(), CompanyID: newID(), Status: model.StatusDraft, Title: "a"}

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		return r.Documents.Create(ctx, &doc)
	}))
	got, err := s.Repos().Documents.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "a", got.Title)

	// returned copies are detached
	got.Title = "b"
	again, _ := s.Repos().Documents.Get(ctx, doc.ID)
	require.Equal(t, "a", again.Title)
}

func TestDocuments_Ancestors(t *testing.T) {
	s := New()
	ctx := context.Background()
	r := s.Repos()
	root := model.Document{ID: newID()}
	mid := model.Document{ID: newID(), ParentID: &root.ID}
	leaf := model.Document{ID: newID(), ParentID: &mid.ID}
	for _, d := range []model.Document{root, mid, leaf} {
		require.NoError(t, r.Documents.Create(ctx, &d))
	}
	got, err := r.Documents.Ancestors(ctx, leaf.ID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{mid.ID, root.ID}, got)
}

func TestLocks_ExpiredReadsAsAbsent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	l := model.CheckoutLock{DocumentID: newID(), HolderUserID: newID(), CheckedOutAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.Repos().Locks.Upsert(ctx, l))

	_, err := s.Repos().Locks.GetActive(ctx, l.DocumentID, now)
	require.NoError(t, err)
	_, err = s.Repos().Locks.GetActive(ctx, l.DocumentID, now.Add(time.Hour))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGrants_RevokeTwice(t *testing.T) {
	s := New()
	ctx := context.Background()
	r := s.Repos()
	g := &model.PermissionGrant{ID: newID(), DocumentID: newID(), Level: model.LevelViewer}
	require.NoError(t, r.Grants.Create(ctx, g))
	require.NoError(t, r.Grants.Revoke(ctx, g.ID, newID(), time.Now()))
	require.ErrorIs(t, r.Grants.Revoke(ctx, g.ID, newID(), time.Now()), errs.ErrState)
	require.ErrorIs(t, r.Grants.Revoke(ctx, newID(), newID(), time.Now()), errs.ErrNotFound)

	live, err := r.Grants.ListForDocuments(ctx, []uuid.UUID{g.DocumentID}, false)
	require.NoError(t, err)
	require.Empty(t, live)
	all, err := r.Grants.ListForDocuments(ctx, []uuid.UUID{g.DocumentID}, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestInstances_OneActivePerDocument(t *testing.T) {
	s := New()
	ctx := context.Background()
	r := s.Repos()
	doc := newID()
	first := &model.WorkflowInstance{ID: newID(), DocumentID: doc, Status: model.InstanceInProgress}
	require.NoError(t, r.Instances.Create(ctx, first))
	err := r.Instances.Create(ctx, &model.WorkflowInstance{ID: newID(), DocumentID: doc, Status: model.InstanceInProgress})
	require.ErrorIs(t, err, errs.ErrConflict)

	first.Status = model.InstanceCancelled
	require.NoError(t, r.Instances.Update(ctx, first))
	require.NoError(t, r.Instances.Create(ctx, &model.WorkflowInstance{ID: newID(), DocumentID: doc, Status: model.InstanceInProgress}))
}

func TestTasks_DecideOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	r := s.Repos()
	task := model.WorkflowTask{ID: newID(), InstanceID: newID(), Decision: model.DecisionPending}
	require.NoError(t, r.Tasks.CreateBatch(ctx, []model.WorkflowTask{task}))

	task.Decision = model.DecisionApproved
	require.NoError(t, r.Tasks.Decide(ctx, &task))
	require.ErrorIs(t, r.Tasks.Decide(ctx, &task), errs.ErrState)
}

func TestTasks_ListOverdue(t *testing.T) {
	s := New()
	ctx := context.Background()
	r := s.Repos()
	now := time.Now()
	inst := &model.WorkflowInstance{ID: newID(), DocumentID: newID(), CompanyID: newID(), Status: model.InstanceInProgress}
	require.NoError(t, r.Instances.Create(ctx, inst))
	past, future := now.Add(-time.Hour), now.Add(time.Hour)
	overdue := model.WorkflowTask{ID: newID(), InstanceID: inst.ID, Decision: model.DecisionPending, DueAt: &past}
	onTime := model.WorkflowTask{ID: newID(), InstanceID: inst.ID, Decision: model.DecisionPending, DueAt: &future}
	noDue := model.WorkflowTask{ID: newID(), InstanceID: inst.ID, Decision: model.DecisionPending}
	require.NoError(t, r.Tasks.CreateBatch(ctx, []model.WorkflowTask{overdue, onTime, noDue}))

	got, err := r.Tasks.ListOverdue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, overdue.ID, got[0].ID)

	require.NoError(t, r.Tasks.MarkOverdueNotified(ctx, []uuid.UUID{overdue.ID}, now))
	got, err = r.Tasks.ListOverdue(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, got)

	// the company listing keeps flagged tasks and stays inside the company
	got, err = r.Tasks.ListOverdueForCompany(ctx, inst.CompanyID, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	got, err = r.Tasks.ListOverdueForCompany(ctx, newID(), now, 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDirectory(t *testing.T) {
	s := New()
	ctx := context.Background()
	company, dept := newID(), newID()
	head, mgr, a, b := newID(), newID(), newID(), newID()
	s.AddDepartment(Department{ID: dept, CompanyID: company, HeadUserID: &head})
	s.AddUser(User{ID: mgr, CompanyID: company, Active: true})
	s.AddUser(User{ID: a, CompanyID: company, DepartmentID: &dept, ManagerID: &mgr, Roles: []string{"legal"}, Active: true})
	s.AddUser(User{ID: b, CompanyID: company, Roles: []string{"legal"}, Active: false})

	r := s.Repos().Directory
	users, err := r.UsersWithRole(ctx, company, "legal")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a}, users)

	got, err := r.ManagerOf(ctx, a)
	require.NoError(t, err)
	require.Equal(t, mgr, got)
	_, err = r.ManagerOf(ctx, mgr)
	require.ErrorIs(t, err, errs.ErrNotFound)

	d, err := r.DepartmentOf(ctx, a)
	require.NoError(t, err)
	h, err := r.DepartmentHead(ctx, d)
	require.NoError(t, err)
	require.Equal(t, head, h)

	ok, err := r.IsActiveUser(ctx, company, b)
	require.NoError(t, err)
	require.False(t, ok)

	p, err := r.Principal(ctx, a)
	require.NoError(t, err)
	require.Equal(t, company, p.CompanyID)
	require.Equal(t, dept, *p.DepartmentID)
	require.Equal(t, []string{"legal"}, p.Roles)
	_, err = r.Principal(ctx, b)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEvents_Outbox(t *testing.T) {
	s := New()
	ctx := context.Background()
	r := s.Repos().Events
	e1 := model.Event{ID: newID(), Type: model.EventTaskAssigned}
	e2 := model.Event{ID: newID(), Type: model.EventLockConflict}
	require.NoError(t, r.Append(ctx, e1))
	require.NoError(t, r.Append(ctx, e2))

	pending, err := r.ListPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, e1.ID, pending[0].ID)

	require.NoError(t, r.MarkDispatched(ctx, []uuid.UUID{e1.ID}, time.Now()))
	pending, err = r.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, e2.ID, pending[0].ID)
}
