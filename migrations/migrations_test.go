package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFS_ContainsSchema(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	for _, n := range names {
		raw, err := fs.ReadFile(FS, n)
		require.NoError(t, err)
		sql := string(raw)
		require.Contains(t, sql, "-- +goose Up", n)
		require.Contains(t, sql, "-- +goose Down", n)
	}

	raw, err := fs.ReadFile(FS, "00001_init.sql")
	require.NoError(t, err)
	schema := string(raw)
	for _, table := range []string{
		"documents", "document_versions", "checkout_locks", "permission_grants",
		"workflow_definitions", "workflow_instances", "workflow_tasks",
		"org_users", "org_user_roles", "org_departments",
		"outbox_events", "audit_log", "notice_throttle",
	} {
		require.True(t, strings.Contains(schema, "CREATE TABLE "+table+" ("), "missing table %s", table)
		require.True(t, strings.Contains(schema, "DROP TABLE "+table+";"), "missing drop of %s", table)
	}
	require.Contains(t, schema, "workflow_instances_one_active")
	require.Contains(t, schema, "workflow_definitions_one_default")
}
