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

func TestDirectoryRepo_UsersWithRole(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDirectoryRepo(db.Pool)
	company, a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`FROM org_users u JOIN org_user_roles ur`).
		WithArgs(company, "legal").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a).AddRow(b))
	ids, err := r.UsersWithRole(context.Background(), company, "legal")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a, b}, ids)
}

func TestDirectoryRepo_ManagerOf(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDirectoryRepo(db.Pool)
	ctx := context.Background()
	user, mgr := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT manager_id FROM org_users WHERE id=\$1`).
		WithArgs(user).
		WillReturnRows(pgxmock.NewRows([]string{"manager_id"}).AddRow(&mgr))
	got, err := r.ManagerOf(ctx, user)
	require.NoError(t, err)
	require.Equal(t, mgr, got)

	mock.ExpectQuery(`SELECT manager_id FROM org_users WHERE id=\$1`).
		WithArgs(user).
		WillReturnRows(pgxmock.NewRows([]string{"manager_id"}).AddRow((*uuid.UUID)(nil)))
	_, err = r.ManagerOf(ctx, user)
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectQuery(`SELECT manager_id FROM org_users WHERE id=\$1`).
		WithArgs(user).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.ManagerOf(ctx, user)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDirectoryRepo_IsActiveUser(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDirectoryRepo(db.Pool)
	company, user := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(user, company).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := r.IsActiveUser(context.Background(), company, user)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDirectoryRepo_Principal(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDirectoryRepo(db.Pool)
	ctx := context.Background()
	user, company, dept := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`FROM org_users u LEFT JOIN org_user_roles ur`).
		WithArgs(user).
		WillReturnRows(pgxmock.NewRows([]string{"company_id", "department_id", "roles"}).
			AddRow(company, &dept, []string{"admin", "legal"}))
	p, err := r.Principal(ctx, user)
	require.NoError(t, err)
	require.Equal(t, user, p.UserID)
	require.Equal(t, company, p.CompanyID)
	require.Equal(t, dept, *p.DepartmentID)
	require.Equal(t, []string{"admin", "legal"}, p.Roles)

	mock.ExpectQuery(`FROM org_users u LEFT JOIN org_user_roles ur`).
		WithArgs(user).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Principal(ctx, user)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepo_AppendAndListPending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db.Pool)
	ctx := context.Background()
	now := time.Now().UTC()
	e := model.Event{ID: uuid.Must(uuid.NewV4()), Type: model.EventTaskAssigned, CompanyID: uuid.Must(uuid.NewV4()),
		DocumentID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()), Payload: map[string]string{"step": "1"},
		CreatedAt: now}

	mock.ExpectExec(`INSERT INTO outbox_events`).
		WithArgs(e.ID, "task_assigned", e.CompanyID, e.DocumentID, e.UserID, []byte(`{"step":"1"}`), now, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Append(ctx, e))

	mock.ExpectQuery(`FROM outbox_events WHERE dispatched_at IS NULL`).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "type", "company_id", "document_id", "user_id", "payload", "created_at", "dispatched_at"}).
			AddRow(e.ID, "task_assigned", e.CompanyID, e.DocumentID, e.UserID, []byte(`{"step":"1"}`), now, (*time.Time)(nil)))
	got, err := r.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, model.EventTaskAssigned, got[0].Type)
	require.Equal(t, "1", got[0].Payload["step"])

	mock.ExpectExec(`UPDATE outbox_events SET dispatched_at=\$2`).
		WithArgs([]string{e.ID.String()}, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.MarkDispatched(ctx, []uuid.UUID{e.ID}, now))
}

func TestAuditRepo_LastHash(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAuditRepo(db.Pool)
	ctx := context.Background()
	doc := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT hash FROM audit_log WHERE document_id=\$1 ORDER BY seq DESC LIMIT 1`).
		WithArgs(doc).
		WillReturnError(pgx.ErrNoRows)
	h, err := r.LastHash(ctx, doc)
	require.NoError(t, err)
	require.Nil(t, h)

	mock.ExpectQuery(`SELECT hash FROM audit_log`).
		WithArgs(doc).
		WillReturnRows(pgxmock.NewRows([]string{"hash"}).AddRow([]byte{1, 2, 3}))
	h, err = r.LastHash(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, h)
}
