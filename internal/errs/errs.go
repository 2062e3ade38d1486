package errs

import (
	"errors"
)

// Validation errors are returned before any transaction opens.
var ErrValidation = errors.New("validation failed")

// Precondition errors: business rules rejected the operation and nothing was written.
var (
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrTitleNotFound        = errors.New("title not found")
	ErrUnavailable          = errors.New("no copies available")
	ErrDuplicateLoan        = errors.New("title already issued to member")
	ErrLoanNotFound         = errors.New("open loan not found")
	ErrMemberNotFound       = errors.New("member not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrInvalidSignature     = errors.New("invalid payment signature")
	ErrRequestNotFound      = errors.New("request not found")
	ErrRequestNotPending    = errors.New("request already reviewed")
)

// ErrContention means a row lock could not be taken in time, or the database
// aborted the transaction to resolve a conflict. The whole operation is safe to retry.
var ErrContention = errors.New("resource busy, retry")

// IsRetryable reports whether the caller may retry the operation as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}

// Invalid wraps ErrValidation with a reason.
func Invalid(reason string) error {
	return &validationError{reason: reason}
}

type validationError struct {
	reason string
}

func (e *validationError) Error() string { return ErrValidation.Error() + ": " + e.reason }

func (e *validationError) Unwrap() error { return ErrValidation }
