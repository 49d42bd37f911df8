package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

// EventRepo is the outbox table. Rows are written in the command's transaction and
// drained by the dispatcher.
type EventRepo struct{ q Querier }

// NewEventRepo constructs an outbox repository.
func NewEventRepo(q Querier) *EventRepo { return &EventRepo{q: q} }

// Append inserts an event.
func (r *EventRepo) Append(ctx context.Context, e model.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	const q = `
INSERT INTO outbox_events (id, type, company_id, document_id, user_id, payload, created_at, dispatched_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err = r.q.Exec(ctx, q, e.ID, string(e.Type), e.CompanyID, e.DocumentID, e.UserID, payload, e.CreatedAt, e.DispatchedAt)
	return err
}

// ListPending returns undispatched events oldest first.
func (r *EventRepo) ListPending(ctx context.Context, limit int) ([]model.Event, error) {
	const q = `
SELECT id, type, company_id, document_id, user_id, payload, created_at, dispatched_at
FROM outbox_events WHERE dispatched_at IS NULL
ORDER BY created_at ASC
LIMIT $1`
	rows, err := r.q.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			e       model.Event
			typ     string
			payload []byte
		)
		if err = rows.Scan(&e.ID, &typ, &e.CompanyID, &e.DocumentID, &e.UserID, &payload, &e.CreatedAt, &e.DispatchedAt); err != nil {
			return nil, err
		}
		e.Type = model.EventType(typ)
		if len(payload) > 0 {
			if err = json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDispatched stamps dispatched_at on the given events.
func (r *EventRepo) MarkDispatched(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE outbox_events SET dispatched_at=$2 WHERE id = ANY($1::uuid[])`
	_, err := r.q.Exec(ctx, q, uuidStrings(ids), at)
	return err
}
