package data

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Error taxonomy shared by every store implementation. Store errors are
// wrapped so that errors.Is matches both the class and the driver cause.
var (
	// ErrInvalidArgument is never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is surfaced to the caller.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed means a transaction lost a race; retry the operation.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrTransient is a recoverable store error (timeouts, elections).
	ErrTransient = errors.New("transient store error")
	// ErrUnavailable means the store cannot be reached at all.
	ErrUnavailable = errors.New("store unavailable")
	// ErrStale means a change feed can no longer be resumed and the view must be rebuilt.
	ErrStale = errors.New("change feed history lost")
	// ErrPermissionDenied is fatal for the operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrArchived rejects sends into an archived conversation.
	ErrArchived = errors.New("conversation is archived")
)

var classes = []error{
	ErrInvalidArgument, ErrNotFound, ErrPreconditionFailed, ErrTransient,
	ErrUnavailable, ErrStale, ErrPermissionDenied, ErrArchived,
}

// Server error codes, from the MongoDB error code list.
const (
	codeHostUnreachable                 = 6
	codeHostNotFound                    = 7
	codeUnauthorized                    = 13
	codeAuthenticationFailed            = 18
	codeMaxTimeMSExpired                = 50
	codeNetworkTimeout                  = 89
	codeShutdownInProgress              = 91
	codeWriteConflict                   = 112
	codePrimarySteppedDown              = 189
	codeNoSuchTransaction               = 251
	codeExceededTimeLimit               = 262
	codeIndexBuildAborted               = 276
	codeChangeStreamFatalError          = 280
	codeChangeStreamHistoryLost         = 286
	codeSocketException                 = 9001
	codeNotWritablePrimary              = 10107
	codeInterruptedAtShutdown           = 11600
	codeInterruptedDueToReplStateChange = 11602
	codeNotPrimaryNoSecondaryOk         = 13435
	codeNotPrimaryOrSecondary           = 13436
)

var transientCodes = []int{
	codeMaxTimeMSExpired, codeShutdownInProgress, codePrimarySteppedDown,
	codeExceededTimeLimit, codeIndexBuildAborted, codeNotWritablePrimary,
	codeInterruptedAtShutdown, codeInterruptedDueToReplStateChange,
	codeNotPrimaryNoSecondaryOk, codeNotPrimaryOrSecondary,
}

var unreachableCodes = []int{
	codeHostUnreachable, codeHostNotFound, codeNetworkTimeout, codeSocketException,
}

// Classify maps a MongoDB driver error onto the taxonomy. Nil, context
// errors and already classified errors are returned unchanged.
func Classify(err error) error {
	if err == nil || classified(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return wrap(ErrNotFound, err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return wrap(ErrPreconditionFailed, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorLabel("TransientTransactionError"),
			se.HasErrorCode(codeWriteConflict),
			se.HasErrorCode(codeNoSuchTransaction):
			return wrap(ErrPreconditionFailed, err)
		case se.HasErrorCode(codeUnauthorized), se.HasErrorCode(codeAuthenticationFailed):
			return wrap(ErrPermissionDenied, err)
		case se.HasErrorCode(codeChangeStreamHistoryLost), se.HasErrorCode(codeChangeStreamFatalError):
			return wrap(ErrStale, err)
		case hasAnyCode(se, unreachableCodes):
			return wrap(ErrUnavailable, err)
		case hasAnyCode(se, transientCodes):
			return wrap(ErrTransient, err)
		}
	}

	switch {
	case errors.Is(err, mongo.ErrClientDisconnected), mongo.IsNetworkError(err):
		return wrap(ErrUnavailable, err)
	case mongo.IsTimeout(err):
		return wrap(ErrTransient, err)
	}
	return err
}

// IsRetryable reports whether the operation may succeed when repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrUnavailable)
}

// Invalid wraps a validation failure as ErrInvalidArgument.
func Invalid(err error) error {
	return wrap(ErrInvalidArgument, err)
}

func wrap(class, err error) error {
	return fmt.Errorf("%w: %w", class, err)
}

func classified(err error) bool {
	for _, c := range classes {
		if errors.Is(err, c) {
			return true
		}
	}
	return false
}

func hasAnyCode(se mongo.ServerError, codes []int) bool {
	for _, c := range codes {
		if se.HasErrorCode(c) {
			return true
		}
	}
	return false
}
