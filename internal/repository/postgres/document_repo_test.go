package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var docColNames = []string{"id", "company_id", "parent_id", "title", "status", "legal_hold", "legal_hold_reason",
	"retention_policy_id", "retention_expires_at", "owner_user_id", "department_id", "version", "created_at",
	"updated_at", "deleted_at"}

func docRow(id, company, owner uuid.UUID, status string, hold bool, now time.Time) []any {
	return []any{id, company, (*uuid.UUID)(nil), "Policy", status, hold, "", "", (*time.Time)(nil), owner,
		(*uuid.UUID)(nil), int64(3), now, now, (*time.Time)(nil)}
}

func TestDocumentRepo_GetForUpdate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDocumentRepo(db.Pool)
	ctx := context.Background()
	id, company, owner := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM documents WHERE id=\$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(docColNames).AddRow(docRow(id, company, owner, "approved", true, now)...))
	d, err := r.GetForUpdate(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, d.Status)
	require.True(t, d.LegalHold)
	require.Equal(t, int64(3), d.Version)
	require.Nil(t, d.ParentID)

	mock.ExpectQuery(`SELECT .* FROM documents WHERE id=\$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetForUpdate(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepo_Update_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDocumentRepo(db.Pool)
	d := &model.Document{ID: uuid.Must(uuid.NewV4()), Status: model.StatusDraft}

	mock.ExpectExec(`UPDATE documents SET title=\$2, status=\$3`).
		WithArgs(d.ID, d.Title, "draft", false, "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), int64(0),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := r.Update(context.Background(), d)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDocumentRepo_Ancestors(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDocumentRepo(db.Pool)
	id, p1, p2 := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`WITH RECURSIVE chain AS`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"parent_id"}).AddRow(p1).AddRow(p2))
	got, err := r.Ancestors(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{p1, p2}, got)
}

func TestDocumentRepo_ListVersions(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDocumentRepo(db.Pool)
	id, by := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM document_versions WHERE document_id=\$1 ORDER BY version ASC`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"document_id", "version", "content_ref", "comment", "created_by", "created_at"}).
			AddRow(id, int64(1), "s3://a", "", by, now).
			AddRow(id, int64(2), "s3://b", "fix", by, now))
	vs, err := r.ListVersions(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	require.Equal(t, "s3://b", vs[1].ContentRef)
}

func TestLockRepo_GetActive_ExpiredIsAbsent(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLockRepo(db.Pool)
	id, holder := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM checkout_locks WHERE document_id=\$1 AND expires_at > \$2`).
		WithArgs(id, now).
		WillReturnRows(pgxmock.NewRows([]string{"document_id", "holder_user_id", "checked_out_at", "expires_at"}).
			AddRow(id, holder, now, now.Add(time.Hour)))
	l, err := r.GetActive(context.Background(), id, now)
	require.NoError(t, err)
	require.Equal(t, holder, l.HolderUserID)

	mock.ExpectQuery(`FROM checkout_locks WHERE document_id=\$1 AND expires_at > \$2`).
		WithArgs(id, now).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetActive(context.Background(), id, now)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLockRepo_Upsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLockRepo(db.Pool)
	now := time.Now().UTC()
	l := model.CheckoutLock{DocumentID: uuid.Must(uuid.NewV4()), HolderUserID: uuid.Must(uuid.NewV4()),
		CheckedOutAt: now, ExpiresAt: now.Add(24 * time.Hour)}

	mock.ExpectExec(`INSERT INTO checkout_locks .* ON CONFLICT \(document_id\)`).
		WithArgs(l.DocumentID, l.HolderUserID, l.CheckedOutAt, l.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Upsert(context.Background(), l))
}
