package main

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
	"github.com/PaulBabatuyi/realtime-conversations/internal/subscription"
)

// toStatus maps the store and service error classes onto gRPC codes.
// Unclassified errors become Internal without leaking their text.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, data.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, data.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, data.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, data.ErrArchived):
		code = codes.FailedPrecondition
	case errors.Is(err, data.ErrTransient),
		errors.Is(err, data.ErrUnavailable),
		errors.Is(err, data.ErrStale),
		errors.Is(err, subscription.ErrHubClosed):
		code = codes.Unavailable
	case errors.Is(err, data.ErrPreconditionFailed):
		code = codes.Aborted
	}
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}
