package escrow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusCreated, StatusFunded, StatusInProgress, StatusDelivered,
	StatusReleased, StatusRefunded, StatusDisputed, StatusCancelled,
}

func TestTransitionTable(t *testing.T) {
	legal := map[Status][]Status{
		StatusCreated:    {StatusFunded, StatusCancelled, StatusRefunded, StatusDisputed},
		StatusFunded:     {StatusInProgress, StatusDelivered, StatusRefunded, StatusCancelled, StatusDisputed},
		StatusInProgress: {StatusDelivered, StatusRefunded, StatusDisputed},
		StatusDelivered:  {StatusReleased, StatusDisputed},
		StatusDisputed:   {StatusReleased, StatusRefunded},
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := false
			for _, s := range legal[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, s := range allStatuses {
		want := s == StatusReleased || s == StatusRefunded || s == StatusCancelled
		assert.Equal(t, want, s.Terminal(), string(s))
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("LOST").Valid())
}

func TestTransitionErrorNamesBothStates(t *testing.T) {
	err := Transition(StatusCreated, StatusReleased)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidStateTransition))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusCreated, te.From)
	assert.Equal(t, StatusReleased, te.To)
	assert.Contains(t, err.Error(), "CREATED")
	assert.Contains(t, err.Error(), "RELEASED")

	assert.NoError(t, Transition(StatusDelivered, StatusReleased))
}
