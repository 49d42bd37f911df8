package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
)

const maxAncestorDepth = 64

type documentRepo struct{ v view }

func (r documentRepo) Create(_ context.Context, d *model.Document) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.docs[d.ID]; ok {
			return errs.Conflict("document %s already exists", d.ID)
		}
		st.docs[d.ID] = *d
		return nil
	})
}

func (r documentRepo) Get(_ context.Context, id uuid.UUID) (*model.Document, error) {
	var out model.Document
	err := r.v.do(func(st *state) error {
		d, ok := st.docs[id]
		if !ok {
			return errs.NotFound("document")
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetForUpdate is Get; the store mutex already serializes transactions.
func (r documentRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	return r.Get(ctx, id)
}

func (r documentRepo) Update(_ context.Context, d *model.Document) error {
	return r.v.do(func(st *state) error {
		cur, ok := st.docs[d.ID]
		if !ok {
			return errs.NotFound("document")
		}
		// immutable columns
		next := *d
		next.CompanyID, next.OwnerUserID, next.ParentID, next.CreatedAt = cur.CompanyID, cur.OwnerUserID, cur.ParentID, cur.CreatedAt
		st.docs[d.ID] = next
		return nil
	})
}

func (r documentRepo) Ancestors(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := r.v.do(func(st *state) error {
		d, ok := st.docs[id]
		if !ok {
			return nil
		}
		for p := d.ParentID; p != nil && len(out) < maxAncestorDepth; {
			out = append(out, *p)
			parent, ok := st.docs[*p]
			if !ok {
				break
			}
			p = parent.ParentID
		}
		return nil
	})
	return out, err
}

func (r documentRepo) AddVersion(_ context.Context, ver model.DocumentVersion) error {
	return r.v.do(func(st *state) error {
		for _, x := range st.versions[ver.DocumentID] {
			if x.Version == ver.Version {
				return errs.Conflict("version %d already recorded", ver.Version)
			}
		}
		st.versions[ver.DocumentID] = append(st.versions[ver.DocumentID], ver)
		return nil
	})
}

func (r documentRepo) ListVersions(_ context.Context, id uuid.UUID) ([]model.DocumentVersion, error) {
	var out []model.DocumentVersion
	err := r.v.do(func(st *state) error {
		out = slices.Clone(st.versions[id])
		return nil
	})
	slices.SortFunc(out, func(a, b model.DocumentVersion) int { return cmp.Compare(a.Version, b.Version) })
	return out, err
}

func (r documentRepo) ListRetentionExpired(_ context.Context, companyID uuid.UUID, now time.Time) ([]model.Document, error) {
	var out []model.Document
	err := r.v.do(func(st *state) error {
		for _, d := range st.docs {
			if d.CompanyID != companyID || d.DeletedAt != nil || d.LegalHold || d.RetentionExpiresAt == nil {
				continue
			}
			if !d.RetentionExpiresAt.After(now) {
				out = append(out, d)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b model.Document) int { return a.RetentionExpiresAt.Compare(*b.RetentionExpiresAt) })
	return out, err
}

type lockRepo struct{ v view }

func (r lockRepo) GetActive(_ context.Context, documentID uuid.UUID, now time.Time) (*model.CheckoutLock, error) {
	var out model.CheckoutLock
	err := r.v.do(func(st *state) error {
		l, ok := st.locks[documentID]
		if !ok || !l.ActiveAt(now) {
			return errs.NotFound("checkout lock")
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r lockRepo) Upsert(_ context.Context, l model.CheckoutLock) error {
	return r.v.do(func(st *state) error {
		st.locks[l.DocumentID] = l
		return nil
	})
}

func (r lockRepo) Delete(_ context.Context, documentID uuid.UUID) error {
	return r.v.do(func(st *state) error {
		delete(st.locks, documentID)
		return nil
	})
}
