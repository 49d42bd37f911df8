package memory

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

type eventRepo struct{ v view }

func (r eventRepo) Append(_ context.Context, e model.Event) error {
	return r.v.do(func(st *state) error {
		e.Payload = maps.Clone(e.Payload)
		st.events = append(st.events, e)
		return nil
	})
}

func (r eventRepo) ListPending(_ context.Context, limit int) ([]model.Event, error) {
	var out []model.Event
	err := r.v.do(func(st *state) error {
		for _, e := range st.events {
			if e.DispatchedAt != nil {
				continue
			}
			e.Payload = maps.Clone(e.Payload)
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r eventRepo) MarkDispatched(_ context.Context, ids []uuid.UUID, at time.Time) error {
	return r.v.do(func(st *state) error {
		for i := range st.events {
			if slices.Contains(ids, st.events[i].ID) {
				st.events[i].DispatchedAt = &at
			}
		}
		return nil
	})
}

type auditRepo struct{ v view }

func (r auditRepo) LastHash(_ context.Context, documentID uuid.UUID) ([]byte, error) {
	var out []byte
	err := r.v.do(func(st *state) error {
		if recs := st.audit[documentID]; len(recs) > 0 {
			out = slices.Clone(recs[len(recs)-1].Hash)
		}
		return nil
	})
	return out, err
}

func (r auditRepo) Append(_ context.Context, rec model.AuditRecord) error {
	return r.v.do(func(st *state) error {
		st.auditSeq++
		rec.Seq = st.auditSeq
		st.audit[rec.DocumentID] = append(st.audit[rec.DocumentID], rec)
		return nil
	})
}

func (r auditRepo) List(_ context.Context, documentID uuid.UUID) ([]model.AuditRecord, error) {
	var out []model.AuditRecord
	err := r.v.do(func(st *state) error {
		out = slices.Clone(st.audit[documentID])
		return nil
	})
	return out, err
}
