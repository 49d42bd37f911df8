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

var grantColNames = []string{"id", "document_id", "subject_user_id", "subject_role", "subject_department_id", "level",
	"applies_to_children", "overrides", "granted_by", "granted_at", "revoked_at", "revoked_by"}

func TestGrantRepo_Create_RoleSubject(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db.Pool)
	g := &model.PermissionGrant{
		ID:              uuid.Must(uuid.NewV4()),
		DocumentID:      uuid.Must(uuid.NewV4()),
		Subject:         model.Subject{RoleName: "legal"},
		Level:           model.LevelEditor,
		GrantedByUserID: uuid.Must(uuid.NewV4()),
		GrantedAt:       time.Now().UTC(),
	}
	role := "legal"

	mock.ExpectExec(`INSERT INTO permission_grants`).
		WithArgs(g.ID, g.DocumentID, (*uuid.UUID)(nil), &role, (*uuid.UUID)(nil), int(model.LevelEditor), false,
			[]byte("null"), g.GrantedByUserID, g.GrantedAt, (*time.Time)(nil), (*uuid.UUID)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(context.Background(), g))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepo_Revoke(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db.Pool)
	ctx := context.Background()
	id, by, doc := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE permission_grants SET revoked_at=\$2, revoked_by=\$3 WHERE id=\$1 AND revoked_at IS NULL`).
		WithArgs(id, now, by).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.Revoke(ctx, id, by, now))

	// already revoked
	mock.ExpectExec(`UPDATE permission_grants SET revoked_at`).
		WithArgs(id, now, by).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .* FROM permission_grants WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(grantColNames).AddRow(id, doc, &by, (*string)(nil), (*uuid.UUID)(nil),
			int(model.LevelViewer), false, []byte(`{"download":false}`), by, now, &now, &by))
	require.ErrorIs(t, r.Revoke(ctx, id, by, now), errs.ErrState)

	// missing
	mock.ExpectExec(`UPDATE permission_grants SET revoked_at`).
		WithArgs(id, now, by).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .* FROM permission_grants WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	require.ErrorIs(t, r.Revoke(ctx, id, by, now), errs.ErrNotFound)
}

func TestGrantRepo_ListForDocuments(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db.Pool)
	doc, user, by := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	gid := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()
	role := "auditor"

	mock.ExpectQuery(`FROM permission_grants\s+WHERE document_id = ANY\(\$1::uuid\[\]\)`).
		WithArgs([]string{doc.String()}, false).
		WillReturnRows(pgxmock.NewRows(grantColNames).
			AddRow(gid, doc, &user, (*string)(nil), (*uuid.UUID)(nil), int(model.LevelEditor), true,
				[]byte(`{"share":true}`), by, now, (*time.Time)(nil), (*uuid.UUID)(nil)).
			AddRow(gid, doc, (*uuid.UUID)(nil), &role, (*uuid.UUID)(nil), int(model.LevelViewer), false,
				[]byte("null"), by, now, (*time.Time)(nil), (*uuid.UUID)(nil)))
	gs, err := r.ListForDocuments(context.Background(), []uuid.UUID{doc}, false)
	require.NoError(t, err)
	require.Len(t, gs, 2)
	require.Equal(t, user, *gs[0].Subject.UserID)
	require.True(t, gs[0].Overrides[model.CanShare])
	require.Equal(t, "auditor", gs[1].Subject.RoleName)
	require.Nil(t, gs[1].Overrides)

	empty, err := r.ListForDocuments(context.Background(), nil, false)
	require.NoError(t, err)
	require.Empty(t, empty)
}
