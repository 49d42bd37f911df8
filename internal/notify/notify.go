// Package notify moves outbox events to a Notifier and flags overdue workflow tasks.
// Delivery channels live outside the core; a Notifier is the seam.
package notify

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Notifier delivers one event to its recipient.
type Notifier interface {
	Notify(ctx context.Context, e model.Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e model.Event) error

func (f NotifierFunc) Notify(ctx context.Context, e model.Event) error { return f(ctx, e) }

// LogNotifier writes every event to the log. It is the server's default sink.
type LogNotifier struct{ Log *zap.Logger }

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, e model.Event) error {
	fields := []zap.Field{
		zap.String("event", string(e.Type)),
		zap.String("document", e.DocumentID.String()),
		zap.String("recipient", e.UserID.String()),
	}
	for _, k := range slices.Sorted(maps.Keys(e.Payload)) {
		fields = append(fields, zap.String(k, e.Payload[k]))
	}
	n.Log.Info("notification", fields...)
	return nil
}

// Dispatcher drains the outbox.
type Dispatcher struct {
	events   repository.EventRepository
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
	batch    int
}

// NewDispatcher constructs a Dispatcher over the autocommit event repository.
func NewDispatcher(events repository.EventRepository, n Notifier, log *zap.Logger, batch int) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Dispatcher{events: events, notifier: n, log: log, now: func() time.Time { return time.Now().UTC() }, batch: batch}
}

// DispatchOnce delivers one batch. Events whose delivery failed stay pending and are retried
// on the next pass; delivery is at least once.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := d.events.ListPending(ctx, d.batch)
	if err != nil {
		return 0, err
	}
	done := make([]uuid.UUID, 0, len(pending))
	for _, e := range pending {
		if err := d.notifier.Notify(ctx, e); err != nil {
			d.log.Warn("notification failed", zap.String("event", e.ID.String()), zap.Error(err))
			continue
		}
		done = append(done, e.ID)
	}
	if len(done) == 0 {
		return 0, nil
	}
	if err := d.events.MarkDispatched(ctx, done, d.now()); err != nil {
		return 0, err
	}
	return len(done), nil
}

// Run dispatches every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	run(ctx, interval, d.log, "dispatcher", d.DispatchOnce)
}

// OverdueScanner surfaces pending tasks past their due time. It never decides a task.
type OverdueScanner struct {
	tx    repository.TxManager
	log   *zap.Logger
	now   func() time.Time
	batch int
}

// NewOverdueScanner constructs an OverdueScanner.
func NewOverdueScanner(tx repository.TxManager, log *zap.Logger, now func() time.Time, batch int) *OverdueScanner {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if batch <= 0 {
		batch = 100
	}
	return &OverdueScanner{tx: tx, log: log, now: now, batch: batch}
}

// ScanOnce flags one batch of overdue tasks and emits task_overdue for each, in one transaction.
func (s *OverdueScanner) ScanOnce(ctx context.Context) (int, error) {
	now := s.now()
	var n int
	err := s.tx.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		tasks, err := r.Tasks.ListOverdue(ctx, now, s.batch)
		if err != nil || len(tasks) == 0 {
			return err
		}
		companies := map[uuid.UUID]uuid.UUID{}
		ids := make([]uuid.UUID, 0, len(tasks))
		for _, t := range tasks {
			company, ok := companies[t.DocumentID]
			if !ok {
				doc, err := r.Documents.Get(ctx, t.DocumentID)
				if err != nil {
					return err
				}
				company = doc.CompanyID
				companies[t.DocumentID] = company
			}
			payload := map[string]string{
				"instance_id": t.InstanceID.String(),
				"task_id":     t.ID.String(),
			}
			if t.DueAt != nil {
				payload["due_at"] = t.DueAt.Format(time.RFC3339)
			}
			if err := r.Events.Append(ctx, model.Event{
				ID:         uuid.Must(uuid.NewV4()),
				Type:       model.EventTaskOverdue,
				CompanyID:  company,
				DocumentID: t.DocumentID,
				UserID:     t.AssignedUserID,
				Payload:    payload,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			ids = append(ids, t.ID)
		}
		n = len(ids)
		return r.Tasks.MarkOverdueNotified(ctx, ids, now)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("overdue tasks flagged", zap.Int("count", n))
	}
	return n, nil
}

// Run scans every interval until ctx is done.
func (s *OverdueScanner) Run(ctx context.Context, interval time.Duration) {
	run(ctx, interval, s.log, "overdue scanner", s.ScanOnce)
}

func run(ctx context.Context, interval time.Duration, log *zap.Logger, name string, pass func(context.Context) (int, error)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := pass(ctx); err != nil && ctx.Err() == nil {
				log.Error(name+" pass failed", zap.Error(err))
			}
		}
	}
}
