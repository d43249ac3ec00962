package interrupt

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by CallStateSource.CheckPermission when the
	// user hasn't granted access to call state. It is never fatal: the module
	// keeps running on focus and route signals only.
	ErrPermissionDenied = errors.New("call state permission denied")

	// ErrAlreadyUnsubscribed may be returned by Subscription.Unsubscribe and
	// AudioFocusSource.Abandon for registrations that are already gone.
	// Teardown swallows it.
	ErrAlreadyUnsubscribed = errors.New("already unsubscribed")

	// ErrQueryFailed marks a failed collaborator query
	ErrQueryFailed = errors.New("collaborator query failed")
)

// QueryErrorCode is the generic code surfaced to callers of CheckMicrophoneAvailability
const QueryErrorCode = "ERROR"

// QueryError is the rejected result of CheckMicrophoneAvailability
type QueryError struct {
	Code    string
	Message string
	Err     error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *QueryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrQueryFailed}
	}
	return []error{ErrQueryFailed, e.Err}
}
