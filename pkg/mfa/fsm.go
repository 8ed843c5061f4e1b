package mfa

import "errors"

// Ceremony states. Expired and Failed are terminal alongside Consumed.
const (
	Issued    = "ISSUED"
	Completed = "COMPLETED"
	Consumed  = "CONSUMED"
	Expired   = "EXPIRED"
	Failed    = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid mfa transition")

type Event string

const (
	EventComplete Event = "COMPLETE"
	EventConsume  Event = "CONSUME"
	EventExpire   Event = "EXPIRE"
	EventFail     Event = "FAIL"
)

func CanTransition(from, to string) bool {
	switch from {
	case Issued:
		return to == Completed || to == Expired || to == Failed
	case Completed:
		return to == Consumed || to == Failed
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

func Next(from string, event Event) (string, error) {
	switch event {
	case EventComplete:
		return Transition(from, Completed)
	case EventConsume:
		return Transition(from, Consumed)
	case EventExpire:
		return Transition(from, Expired)
	case EventFail:
		return Transition(from, Failed)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status string) bool {
	switch status {
	case Consumed, Expired, Failed:
		return true
	default:
		return false
	}
}
