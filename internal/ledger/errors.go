package ledger

import (
	"errors"
	"fmt"
)

// RejectedError means the caller declined before broadcast (for example the
// signer refused). It is never retried automatically.
type RejectedError struct {
	Method string
	Reason string
	// HTTPStatus is set when the rejection came from a gateway response.
	HTTPStatus int
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("submission of %s rejected", e.Method)
	}
	return fmt.Sprintf("submission of %s rejected: %s", e.Method, e.Reason)
}

// UnavailableError means there was no path to the ledger's entry point.
type UnavailableError struct {
	Method string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger unavailable for %s", e.Method)
	}
	return fmt.Sprintf("ledger unavailable for %s: %v", e.Method, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
