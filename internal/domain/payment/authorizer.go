package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// IntentStatus is the authorizer's view of an intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCaptured  IntentStatus = "captured"
	IntentRefunded  IntentStatus = "refunded"
	IntentCancelled IntentStatus = "cancelled"
	IntentFailed    IntentStatus = "failed"
)

// Intent is a payment authorization held by the third-party API.
type Intent struct {
	ID          string
	Status      IntentStatus
	AmountCents int64
	Currency    string
}

// IntentRequest creates an intent.
type IntentRequest struct {
	IdempotencyKey string
	BookingID      uuid.UUID
	AmountCents    int64
	Currency       string
}

// Authorizer wraps the third-party charge API. Every mutating call is safe
// to retry with the same idempotency key. Capture is valid only on a
// pending intent, Refund only on a captured one, Cancel only on a pending one.
type Authorizer interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Capture(ctx context.Context, intentID, idempotencyKey string) (*Intent, error)
	Refund(ctx context.Context, intentID, idempotencyKey string) (*Intent, error)
	Cancel(ctx context.Context, intentID, idempotencyKey string) (*Intent, error)
	Get(ctx context.Context, intentID string) (*Intent, error)
	// Lookup finds the intent created under an idempotency key; it returns
	// an ErrorNotFound AuthorizerError when none exists.
	Lookup(ctx context.Context, idempotencyKey string) (*Intent, error)
}

// ErrorKind classifies an authorizer failure by what it says about upstream
// side effects.
type ErrorKind string

const (
	// ErrorUnavailable means the request never took effect upstream.
	ErrorUnavailable ErrorKind = "unavailable"
	// ErrorTimeout means the outcome is unknown; query before deciding.
	ErrorTimeout ErrorKind = "timeout"
	// ErrorDeclined is a definitive business refusal.
	ErrorDeclined ErrorKind = "declined"
	// ErrorInvalidState means the intent is not in a state allowing the call.
	ErrorInvalidState ErrorKind = "invalid_state"
	// ErrorNotFound means the intent does not exist.
	ErrorNotFound ErrorKind = "not_found"
)

// AuthorizerError is the typed result of a failed authorizer call.
type AuthorizerError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *AuthorizerError) Error() string {
	msg := fmt.Sprintf("authorizer %s: %s", e.Op, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthorizerError) Unwrap() error { return e.Err }

// NewAuthorizerError builds an AuthorizerError.
func NewAuthorizerError(kind ErrorKind, op, message string, err error) *AuthorizerError {
	return &AuthorizerError{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of an authorizer error, or ErrorUnavailable for
// untyped errors (nothing is known to have happened upstream).
func KindOf(err error) ErrorKind {
	var ae *AuthorizerError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrorUnavailable
}
