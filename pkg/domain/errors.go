package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a DomainError so transports can map it to a status.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeInvalidState       ErrorCode = "INVALID_STATE_TRANSITION"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeInsufficientSeats  ErrorCode = "INSUFFICIENT_SEATS"
	CodeTripNotActive      ErrorCode = "TRIP_NOT_ACTIVE"
	CodePaymentNotCaptured ErrorCode = "PAYMENT_NOT_CAPTURED"
	CodePaymentDeclined    ErrorCode = "PAYMENT_DECLINED"
	CodeUpstreamFailure    ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeCompensationFailed ErrorCode = "COMPENSATION_FAILED"
)

// DomainError is a typed failure carrying a stable code.
type DomainError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewValidationError reports input rejected before any side effect.
func NewValidationError(message string) *DomainError {
	return &DomainError{Code: CodeValidation, Message: message}
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(entity, id string) *DomainError {
	return &DomainError{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// NewConflictError reports a lost optimistic-locking race.
func NewConflictError(message string) *DomainError {
	return &DomainError{Code: CodeConflict, Message: message}
}

// NewInvalidStateError reports an illegal lifecycle transition.
func NewInvalidStateError(from, to string) *DomainError {
	return &DomainError{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("cannot transition from %s to %s", from, to),
	}
}

// NewForbiddenError reports an authenticated caller acting outside its rights.
func NewForbiddenError(message string) *DomainError {
	return &DomainError{Code: CodeForbidden, Message: message}
}

// NewUnauthorizedError reports a missing or invalid identity.
func NewUnauthorizedError(message string) *DomainError {
	return &DomainError{Code: CodeUnauthorized, Message: message}
}

// NewInsufficientSeatsError reports a reservation that did not fit.
func NewInsufficientSeatsError(requested, available int) *DomainError {
	return &DomainError{
		Code:    CodeInsufficientSeats,
		Message: fmt.Sprintf("requested %d seats, %d available", requested, available),
	}
}

// NewTripNotActiveError reports a reservation against a closed trip.
func NewTripNotActiveError(status string) *DomainError {
	return &DomainError{
		Code:    CodeTripNotActive,
		Message: fmt.Sprintf("trip is %s", status),
	}
}

// NewPaymentNotCapturedError reports a confirmation attempted without money.
func NewPaymentNotCapturedError(bookingID string) *DomainError {
	return &DomainError{
		Code:    CodePaymentNotCaptured,
		Message: fmt.Sprintf("booking %s has no captured payment", bookingID),
	}
}

// NewPaymentDeclinedError reports a definitive refusal by the authorizer.
func NewPaymentDeclinedError(reason string) *DomainError {
	return &DomainError{Code: CodePaymentDeclined, Message: reason}
}

// NewUpstreamError reports a collaborator that could not be reached.
// The operation is safe to retry.
func NewUpstreamError(collaborator string, err error) *DomainError {
	return &DomainError{
		Code:    CodeUpstreamFailure,
		Message: fmt.Sprintf("%s unavailable", collaborator),
		Err:     err,
	}
}

// NewCompensationError reports a compensating action that did not complete.
func NewCompensationError(message string, err error) *DomainError {
	return &DomainError{Code: CodeCompensationFailed, Message: message, Err: err}
}

// CodeOf returns the code of the first DomainError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
