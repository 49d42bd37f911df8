package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/and161185/docgov/internal/errs"
	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus_Codes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want codes.Code
	}{
		{errs.Validation("empty title"), codes.InvalidArgument},
		{errs.Conflict("active workflow"), codes.Aborted},
		{errs.Forbidden("edit permission required"), codes.PermissionDenied},
		{errs.NotFound("document"), codes.NotFound},
		{errs.State("not checked out"), codes.FailedPrecondition},
		{errs.ErrUnauthorized, codes.Unauthenticated},
		{fmt.Errorf("wrap: %w", errs.ErrNotFound), codes.NotFound},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("db down"), codes.Internal},
	}
	for _, tc := range cases {
		st, _ := status.FromError(toStatus(tc.err))
		if st.Code() != tc.want {
			t.Fatalf("%v: want %s, got %s", tc.err, tc.want, st.Code())
		}
	}

	if toStatus(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	st, _ := status.FromError(toStatus(errors.New("password=hunter2")))
	if st.Message() != "internal" {
		t.Fatalf("internal errors must not leak details: %q", st.Message())
	}
}

func TestLockHolder(t *testing.T) {
	t.Parallel()

	holder := uuid.Must(uuid.NewV4())
	got, ok := LockHolder(toStatus(errs.LockConflict(holder)))
	if !ok || got != holder {
		t.Fatalf("holder mismatch: %v %v", got, ok)
	}

	if _, ok := LockHolder(toStatus(errs.Conflict("active workflow"))); ok {
		t.Fatalf("plain conflict has no holder")
	}
	if _, ok := LockHolder(errors.New("x")); ok {
		t.Fatalf("non-status error has no holder")
	}
}
