package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidDuration = errors.New("invalid video duration")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnknownVideo    = errors.New("unknown video")
	// ErrStorageUnavailable is transient: the caller should keep its batch
	// and flush again later.
	ErrStorageUnavailable = errors.New("progress storage unavailable")
)

// ValidationError names the offending field of a rejected update.
type ValidationError struct {
	Field  string
	Reason string
	err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.err }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, err: ErrInvalidRequest}
}

func invalidDuration(reason string) error {
	return &ValidationError{Field: "videoDuration", Reason: reason, err: ErrInvalidDuration}
}

// Retryable reports whether err is a transient failure worth another flush.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
