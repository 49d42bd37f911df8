package service

import (
	"testing"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/stretchr/testify/require"
)

func TestAuthorize(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	deleted := now.Add(-time.Minute)

	tests := []struct {
		name string
		doc  model.Document
		act  Action
		want error
	}{
		{"plain read", model.Document{}, ActionRead, nil},
		{"plain delete", model.Document{}, ActionDelete, nil},
		{"unknown action", model.Document{}, Action("rename"), errs.ErrValidation},
		{"hold blocks delete", model.Document{LegalHold: true}, ActionDelete, errs.ErrForbidden},
		{"hold blocks checkout", model.Document{LegalHold: true}, ActionCheckout, errs.ErrForbidden},
		{"hold blocks content", model.Document{LegalHold: true}, ActionModifyContent, errs.ErrForbidden},
		{"hold blocks workflow start", model.Document{LegalHold: true}, ActionStartWorkflow, errs.ErrForbidden},
		{"hold blocks archive", model.Document{LegalHold: true}, ActionArchive, errs.ErrForbidden},
		{"hold blocks expiry", model.Document{LegalHold: true, RetentionExpiresAt: &past}, ActionRetentionExpiry, errs.ErrForbidden},
		{"hold allows read", model.Document{LegalHold: true}, ActionRead, nil},
		{"hold allows hold management", model.Document{LegalHold: true}, ActionManageHold, nil},
		{"retention blocks delete", model.Document{RetentionExpiresAt: &future}, ActionDelete, errs.ErrForbidden},
		{"expired retention allows delete", model.Document{RetentionExpiresAt: &past}, ActionDelete, nil},
		{"expiry before due", model.Document{RetentionExpiresAt: &future}, ActionRetentionExpiry, errs.ErrState},
		{"expiry without policy", model.Document{}, ActionRetentionExpiry, errs.ErrState},
		{"expiry due", model.Document{RetentionExpiresAt: &past}, ActionRetentionExpiry, nil},
		{"deleted refuses checkout", model.Document{DeletedAt: &deleted}, ActionCheckout, errs.ErrState},
		{"deleted allows read", model.Document{DeletedAt: &deleted}, ActionRead, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.doc, tt.act, now)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAuthorize_HoldMessage(t *testing.T) {
	err := Authorize(model.Document{LegalHold: true}, ActionDelete, time.Now())
	require.EqualError(t, err, "forbidden: legal hold active")
}

func TestRetentionExpiry(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	applied := created.AddDate(0, 2, 0)
	d := model.Document{CreatedAt: created}

	got := RetentionExpiry(d, model.RetentionPolicy{RetainFor: 24 * time.Hour}, applied)
	require.Equal(t, created.Add(24*time.Hour), got)

	got = RetentionExpiry(d, model.RetentionPolicy{RetainFor: 24 * time.Hour, FromApplied: true}, applied)
	require.Equal(t, applied.Add(24*time.Hour), got)
}
