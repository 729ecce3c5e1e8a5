package wallet_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/escrow/internal/storage/memory"
	"github.com/congo-pay/escrow/internal/wallet"
)

func TestServiceCreateAndGet(t *testing.T) {
	svc := wallet.NewService(memory.New().Wallets())
	ctx := context.Background()
	userID := uuid.NewString()

	w, err := svc.Create(ctx, wallet.CreateInput{TenantID: "t1", UserID: userID, Currency: " xaf "})
	require.NoError(t, err)
	assert.Equal(t, "XAF", w.Currency)
	assert.Equal(t, int64(0), w.Total())

	fetched, err := svc.Get(ctx, "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, fetched.ID)
	assert.Equal(t, userID, fetched.UserID)

	byUser, err := svc.GetByUser(ctx, "t1", userID, "xaf")
	require.NoError(t, err)
	assert.Equal(t, w.ID, byUser.ID)

	_, err = svc.Get(ctx, "t2", w.ID)
	require.ErrorIs(t, err, wallet.ErrNotFound)
}

func TestServiceCreateReturnsExistingWallet(t *testing.T) {
	svc := wallet.NewService(memory.New().Wallets())
	ctx := context.Background()

	first, err := svc.Create(ctx, wallet.CreateInput{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "XAF", first.Currency)

	second, err := svc.Create(ctx, wallet.CreateInput{TenantID: "t1", UserID: "u1", Currency: "XAF"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	usd, err := svc.Create(ctx, wallet.CreateInput{TenantID: "t1", UserID: "u1", Currency: "USD"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, usd.ID)
}

func TestServiceCreateValidatesInput(t *testing.T) {
	svc := wallet.NewService(memory.New().Wallets())
	ctx := context.Background()

	_, err := svc.Create(ctx, wallet.CreateInput{UserID: "u1"})
	require.Error(t, err)
	_, err = svc.Create(ctx, wallet.CreateInput{TenantID: "t1"})
	require.Error(t, err)
	_, err = svc.Create(ctx, wallet.CreateInput{TenantID: "t1", UserID: "u1", Currency: "EURO"})
	require.Error(t, err)
}
