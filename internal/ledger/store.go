package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/wallet"
)

// Tx is the unit of work a posting runs in. Every method observes and writes
// the same transaction; nothing is visible to other callers until commit.
type Tx interface {
	// LockWallet takes a row lock on the wallet. Callers acquire wallet locks
	// in ascending id order.
	LockWallet(ctx context.Context, tenantID string, id uuid.UUID) (*wallet.Wallet, error)
	SaveWallet(ctx context.Context, w *wallet.Wallet) error

	// LockPlatformWallet locks the tenant's fee wallet, creating it on first use.
	LockPlatformWallet(ctx context.Context, tenantID, currency string) (*wallet.PlatformWallet, error)
	SavePlatformWallet(ctx context.Context, w *wallet.PlatformWallet) error

	// LockHead locks the tenant chain tip, creating an empty one on first use.
	LockHead(ctx context.Context, tenantID string) (Head, error)
	SaveHead(ctx context.Context, head Head) error

	FindBatch(ctx context.Context, tenantID string, op Operation, idempotencyKey string) (*PostingBatch, error)
	GetBatch(ctx context.Context, tenantID string, id uuid.UUID) (*PostingBatch, error)
	InsertBatch(ctx context.Context, batch *PostingBatch) error

	// ApplyBalance adds delta to the cached account balance and returns the new balance.
	ApplyBalance(ctx context.Context, tenantID string, ref AccountRef, currency string, delta int64, batchID uuid.UUID, at time.Time) (int64, error)
}

// Store is the persistence boundary of the ledger.
type Store interface {
	// InTx runs fn in a serializable transaction. Transient conflicts are
	// retried; exhausting retries surfaces ErrConcurrencyConflict.
	InTx(ctx context.Context, fn func(Tx) error) error

	Batch(ctx context.Context, tenantID string, id uuid.UUID) (*PostingBatch, error)
	AccountBalance(ctx context.Context, tenantID string, ref AccountRef) (AccountBalance, error)
	AccountBalances(ctx context.Context, tenantID string) ([]AccountBalance, error)
	AccountLines(ctx context.Context, tenantID string, ref AccountRef, limit int) ([]LedgerLine, error)
	// ChainBatches returns batches with sequence > afterSeq in sequence order.
	ChainBatches(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]*PostingBatch, error)
}
