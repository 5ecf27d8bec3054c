package dao

import "errors"

// Proposal lifecycle states.
const (
	StatusDraft     = "DRAFT"
	StatusActive    = "ACTIVE"
	StatusPassed    = "PASSED"
	StatusRejected  = "REJECTED"
	StatusQueued    = "QUEUED"
	StatusExecuted  = "EXECUTED"
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
)

var ErrInvalidTransition = errors.New("invalid proposal transition")

func CanTransition(from, to string) bool {
	switch from {
	case StatusDraft:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusPassed || to == StatusRejected || to == StatusExpired || to == StatusCancelled
	case StatusPassed:
		return to == StatusQueued || to == StatusCancelled
	case StatusQueued:
		return to == StatusExecuted || to == StatusCancelled
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(status string) bool {
	switch status {
	case StatusExecuted, StatusRejected, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}
