package payment

import "fmt"

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCaptured  Status = "captured"
	StatusRefunded  Status = "refunded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status][]Status{
	StatusPending:   {StatusCaptured, StatusFailed, StatusCancelled},
	StatusCaptured:  {StatusRefunded},
	StatusRefunded:  {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// IsValid returns true for a recognized status.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo returns true if moving to target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid payment status: %s", s)
	}
	return status, nil
}
