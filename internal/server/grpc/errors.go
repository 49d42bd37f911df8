package grpcserver

import (
	"context"
	"errors"

	"github.com/and161185/docgov/internal/errs"
	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// codeOf maps the error taxonomy onto gRPC codes.
func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, errs.ErrConflict):
		return codes.Aborted
	case errors.Is(err, errs.ErrForbidden):
		return codes.PermissionDenied
	case errors.Is(err, errs.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, errs.ErrState):
		return codes.FailedPrecondition
	case errors.Is(err, errs.ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// toStatus converts a service error. Lock conflicts carry the holder as a status detail so
// clients can name who holds the document.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codeOf(err)
	msg := err.Error()
	if code == codes.Internal {
		msg = "internal"
	}
	st := status.New(code, msg)
	if holder, ok := errs.HolderOf(err); ok {
		detail := &structpb.Struct{Fields: map[string]*structpb.Value{
			"holderUserId": structpb.NewStringValue(holder.String()),
		}}
		if withDetail, derr := st.WithDetails(detail); derr == nil {
			st = withDetail
		}
	}
	return st.Err()
}

// LockHolder extracts the lock holder from a status returned by the server.
func LockHolder(err error) (uuid.UUID, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return uuid.Nil, false
	}
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		if id, err := uuid.FromString(s.GetFields()["holderUserId"].GetStringValue()); err == nil {
			return id, true
		}
	}
	return uuid.Nil, false
}
