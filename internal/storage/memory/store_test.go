package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/escrow/internal/escrow"
	"github.com/congo-pay/escrow/internal/ledger"
	"github.com/congo-pay/escrow/internal/wallet"
)

func seedWallet(t *testing.T, db *DB, tenantID, userID string) wallet.Wallet {
	t.Helper()
	w := wallet.Wallet{ID: uuid.New(), TenantID: tenantID, UserID: userID, Currency: "XAF"}
	require.NoError(t, db.Wallets().Create(context.Background(), w))
	return w
}

func TestFailedTransactionRestoresState(t *testing.T) {
	db := New()
	ctx := context.Background()
	w := seedWallet(t, db, "t1", "u1")
	boom := errors.New("boom")

	err := db.Ledger().InTx(ctx, func(tx ledger.Tx) error {
		locked, err := tx.LockWallet(ctx, "t1", w.ID)
		require.NoError(t, err)
		locked.Available = 500
		require.NoError(t, tx.SaveWallet(ctx, locked))
		_, err = tx.ApplyBalance(ctx, "t1", ledger.WalletAvailable(w.ID), "XAF", 500, uuid.New(), time.Now())
		require.NoError(t, err)
		require.NoError(t, tx.SaveHead(ctx, ledger.Head{TenantID: "t1", Sequence: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := db.Wallets().Get(ctx, "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Available)

	ab, err := db.Ledger().AccountBalance(ctx, "t1", ledger.WalletAvailable(w.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(0), ab.Balance)

	require.NoError(t, db.Ledger().InTx(ctx, func(tx ledger.Tx) error {
		h, err := tx.LockHead(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), h.Sequence)
		return nil
	}))
}

func TestConflictingTransactionIsRerun(t *testing.T) {
	db := New()
	ctx := context.Background()
	w := seedWallet(t, db, "t1", "u1")

	attempts := 0
	err := db.Ledger().InTx(ctx, func(tx ledger.Tx) error {
		attempts++
		locked, err := tx.LockWallet(ctx, "t1", w.ID)
		require.NoError(t, err)
		locked.Available += 100
		require.NoError(t, tx.SaveWallet(ctx, locked))
		if attempts < 3 {
			return ledger.ErrConcurrencyConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	got, err := db.Wallets().Get(ctx, "t1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Available, "failed attempts must leave nothing behind")
}

func TestCancelledContextSkipsTransaction(t *testing.T) {
	db := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := db.Ledger().InTx(ctx, func(ledger.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestWalletsAreTenantScoped(t *testing.T) {
	db := New()
	ctx := context.Background()
	w := seedWallet(t, db, "t1", "u1")

	_, err := db.Wallets().Get(ctx, "t2", w.ID)
	require.ErrorIs(t, err, wallet.ErrNotFound)

	err = db.Wallets().Create(ctx, wallet.Wallet{ID: uuid.New(), TenantID: "t1", UserID: "u1", Currency: "XAF"})
	require.ErrorIs(t, err, wallet.ErrExists)

	other := seedWallet(t, db, "t2", "u1")
	assert.NotEqual(t, w.ID, other.ID)

	_, err = db.Wallets().Platform(ctx, "t1", "XAF")
	require.ErrorIs(t, err, wallet.ErrNotFound)
}

func TestPlatformWalletCreatedOnFirstLock(t *testing.T) {
	db := New()
	ctx := context.Background()

	var first uuid.UUID
	require.NoError(t, db.Ledger().InTx(ctx, func(tx ledger.Tx) error {
		p, err := tx.LockPlatformWallet(ctx, "t1", "XAF")
		if err != nil {
			return err
		}
		first = p.ID
		return nil
	}))

	p, err := db.Wallets().Platform(ctx, "t1", "XAF")
	require.NoError(t, err)
	assert.Equal(t, first, p.ID)
}

func TestDueQueriesOrderByDeadline(t *testing.T) {
	db := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	insert := func(status escrow.Status, refundAt, releaseAt time.Time) uuid.UUID {
		e := &escrow.Escrow{
			ID:               uuid.New(),
			TenantID:         "t1",
			Status:           status,
			SLAAutoRefundAt:  refundAt,
			SLAAutoReleaseAt: releaseAt,
			IdempotencyKey:   uuid.NewString(),
		}
		require.NoError(t, db.Escrows().InTx(ctx, func(tx escrow.Tx) error {
			return tx.InsertEscrow(ctx, e)
		}))
		return e.ID
	}

	later := insert(escrow.StatusFunded, now.Add(-time.Minute), now.Add(time.Hour))
	earlier := insert(escrow.StatusCreated, now.Add(-time.Hour), now.Add(time.Hour))
	insert(escrow.StatusInProgress, now.Add(time.Minute), now.Add(time.Hour))
	insert(escrow.StatusDelivered, now.Add(-time.Hour), now.Add(time.Hour))
	released := insert(escrow.StatusDelivered, now.Add(time.Hour), now)
	insert(escrow.StatusReleased, now.Add(-time.Hour), now.Add(-time.Hour))

	refunds, err := db.Escrows().DueForRefund(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	assert.Equal(t, earlier, refunds[0].ID)
	assert.Equal(t, later, refunds[1].ID)

	limited, err := db.Escrows().DueForRefund(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	releases, err := db.Escrows().DueForRelease(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, released, releases[0].ID)
	assert.Equal(t, escrow.StatusDelivered, releases[0].Status)
}

func TestInsertEscrowRejectsDuplicateKey(t *testing.T) {
	db := New()
	ctx := context.Background()
	e := &escrow.Escrow{ID: uuid.New(), TenantID: "t1", IdempotencyKey: "k"}

	require.NoError(t, db.Escrows().InTx(ctx, func(tx escrow.Tx) error { return tx.InsertEscrow(ctx, e) }))
	dup := &escrow.Escrow{ID: uuid.New(), TenantID: "t1", IdempotencyKey: "k"}
	err := db.Escrows().InTx(ctx, func(tx escrow.Tx) error { return tx.InsertEscrow(ctx, dup) })
	require.ErrorIs(t, err, escrow.ErrDuplicate)

	other := &escrow.Escrow{ID: uuid.New(), TenantID: "t2", IdempotencyKey: "k"}
	require.NoError(t, db.Escrows().InTx(ctx, func(tx escrow.Tx) error { return tx.InsertEscrow(ctx, other) }))
}
