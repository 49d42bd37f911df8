package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/and161185/docgov/internal/repository/memory"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newID() uuid.UUID { return uuid.Must(uuid.NewV4()) }

type recorder struct {
	mu   sync.Mutex
	got  []model.Event
	fail map[uuid.UUID]bool
}

func (r *recorder) Notify(_ context.Context, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[e.ID] {
		return errors.New("smtp down")
	}
	r.got = append(r.got, e)
	return nil
}

func TestDispatcher_DeliversAndMarks(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	events := s.Repos().Events
	ok1, bad, ok2 := model.Event{ID: newID(), Type: model.EventTaskAssigned}, model.Event{ID: newID(), Type: model.EventLockConflict},
		model.Event{ID: newID(), Type: model.EventWorkflowCompleted}
	for _, e := range []model.Event{ok1, bad, ok2} {
		require.NoError(t, events.Append(ctx, e))
	}

	rec := &recorder{fail: map[uuid.UUID]bool{bad.ID: true}}
	d := NewDispatcher(events, rec, zaptest.NewLogger(t), 10)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, rec.got, 2)

	pending, err := events.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, bad.ID, pending[0].ID)

	rec.fail = nil
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	s := memory.New()
	events := s.Repos().Events
	require.NoError(t, events.Append(context.Background(), model.Event{ID: newID(), Type: model.EventTaskAssigned}))

	delivered := make(chan model.Event, 1)
	d := NewDispatcher(events, NotifierFunc(func(_ context.Context, e model.Event) error {
		delivered <- e
		return nil
	}), nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := LogNotifier{Log: zap.New(core)}
	e := model.Event{ID: newID(), Type: model.EventTaskOverdue, DocumentID: newID(), UserID: newID(),
		Payload: map[string]string{"task_id": "t1", "due_at": "2026-03-02T09:00:00Z"}}

	require.NoError(t, n.Notify(context.Background(), e))
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "task_overdue", fields["event"])
	require.Equal(t, "t1", fields["task_id"])
}

func seedTask(t *testing.T, s *memory.Store, due time.Time) (model.Document, model.WorkflowTask) {
	t.Helper()
	ctx := context.Background()
	doc := model.Document{ID: newID(), CompanyID: newID(), Status: model.StatusPendingReview}
	inst := model.WorkflowInstance{ID: newID(), DocumentID: doc.ID, CompanyID: doc.CompanyID, Status: model.InstanceInProgress,
		CurrentStepOrder: 1, Steps: []model.WorkflowStep{{Order: 1, Type: model.StepApproval}}}
	task := model.WorkflowTask{ID: newID(), InstanceID: inst.ID, DocumentID: doc.ID, StepOrder: 1,
		AssignedUserID: newID(), Decision: model.DecisionPending, DueAt: &due}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		if err := r.Documents.Create(ctx, &doc); err != nil {
			return err
		}
		if err := r.Instances.Create(ctx, &inst); err != nil {
			return err
		}
		return r.Tasks.CreateBatch(ctx, []model.WorkflowTask{task})
	}))
	return doc, task
}

func TestOverdueScanner_FlagsOnce(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	doc, task := seedTask(t, s, now.Add(-time.Hour))
	seedTask(t, s, now.Add(time.Hour))

	scanner := NewOverdueScanner(s, zaptest.NewLogger(t), func() time.Time { return now }, 10)
	n, err := scanner.ScanOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := s.Repos().Events.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	ev := pending[0]
	require.Equal(t, model.EventTaskOverdue, ev.Type)
	require.Equal(t, task.AssignedUserID, ev.UserID)
	require.Equal(t, doc.CompanyID, ev.CompanyID)
	require.Equal(t, task.ID.String(), ev.Payload["task_id"])

	got, err := s.Repos().Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.DecisionPending, got.Decision)
	require.NotNil(t, got.OverdueNotifiedAt)

	n, err = scanner.ScanOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
