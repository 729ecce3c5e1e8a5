package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalancesLockAndUnlock(t *testing.T) {
	var b Balances
	require.NoError(t, b.CreditAvailable(1000))
	require.NoError(t, b.Lock(600))
	assert.Equal(t, Balances{Available: 400, Locked: 600}, b)

	require.ErrorIs(t, b.Lock(401), ErrInsufficientBalance)
	require.ErrorIs(t, b.DebitLocked(601), ErrInsufficientBalance)

	require.NoError(t, b.Unlock(100))
	require.NoError(t, b.DebitLocked(500))
	assert.Equal(t, Balances{Available: 500, Locked: 0}, b)
	assert.Equal(t, int64(500), b.Total())
}

func TestBalancesRejectNonPositiveAmounts(t *testing.T) {
	var b Balances
	assert.Error(t, b.CreditAvailable(0))
	assert.Error(t, b.DebitAvailable(-1))
	assert.Error(t, b.DebitLocked(0))
}

func TestCheckInvariants(t *testing.T) {
	assert.NoError(t, Balances{}.CheckInvariants())
	assert.ErrorIs(t, Balances{Available: -1}.CheckInvariants(), ErrInvariantViolation)
	assert.ErrorIs(t, Balances{Locked: -1}.CheckInvariants(), ErrInvariantViolation)
}
