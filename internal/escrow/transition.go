package escrow

import (
	"errors"
	"fmt"
)

// ErrInvalidStateTransition is matched by every *TransitionError.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// TransitionError names the current and the attempted status.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidStateTransition }

var transitions = map[Status][]Status{
	StatusCreated:    {StatusFunded, StatusCancelled, StatusRefunded, StatusDisputed},
	StatusFunded:     {StatusInProgress, StatusDelivered, StatusRefunded, StatusCancelled, StatusDisputed},
	StatusInProgress: {StatusDelivered, StatusRefunded, StatusDisputed},
	StatusDelivered:  {StatusReleased, StatusDisputed},
	StatusDisputed:   {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns a *TransitionError when from -> to is illegal.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusInProgress, StatusDelivered,
		StatusReleased, StatusRefunded, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}
