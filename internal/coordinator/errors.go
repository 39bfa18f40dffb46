package coordinator

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a coordinator outcome that is not a fresh success.
type Kind string

const (
	InvalidInput          Kind = "invalid_input"
	DuplicateInProgress   Kind = "duplicate_in_progress"
	DuplicateCompleted    Kind = "duplicate_completed"
	DuplicatePriorFailure Kind = "duplicate_prior_failure"
	DuplicateConflict     Kind = "duplicate_conflict"
	LeaseHeld             Kind = "lease_held"
	LeaseUnavailable      Kind = "lease_unavailable"
	DownstreamTimeout     Kind = "downstream_timeout"
	DownstreamError       Kind = "downstream_error"
	StorageError          Kind = "storage_error"
	NotFound              Kind = "not_found"
)

// HTTPStatus maps a kind to the inbound API status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case DuplicateInProgress, DuplicateConflict, LeaseHeld:
		return http.StatusConflict
	case DuplicateCompleted:
		return http.StatusOK
	case DuplicatePriorFailure, DownstreamError:
		return http.StatusBadGateway
	case DownstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may resend the same request later.
func (k Kind) Retryable() bool {
	switch k {
	case DuplicateInProgress, DuplicateConflict, LeaseHeld, StorageError:
		return true
	default:
		return false
	}
}

// Error is returned by Handle for every non-success outcome.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind carried by err, or StorageError for any other
// non-nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return StorageError
}
