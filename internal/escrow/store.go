package escrow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/ledger"
	"github.com/congo-pay/escrow/internal/wallet"
)

// Tx extends the ledger unit of work with escrow rows so a transition and
// its posting commit together. The escrow row is always locked before any
// wallet.
type Tx interface {
	ledger.Tx

	Wallet(ctx context.Context, tenantID string, id uuid.UUID) (*wallet.Wallet, error)
	WalletByUser(ctx context.Context, tenantID, userID, currency string) (*wallet.Wallet, error)

	InsertEscrow(ctx context.Context, e *Escrow) error
	EscrowByIdempotencyKey(ctx context.Context, tenantID, key string) (*Escrow, error)
	LockEscrow(ctx context.Context, tenantID string, id uuid.UUID) (*Escrow, error)
	SaveEscrow(ctx context.Context, e *Escrow) error

	AppendTimeline(ctx context.Context, entry TimelineEntry) error
	// TimelineEntryByKey returns the entry recording event under the given
	// idempotency key, or ErrNotFound.
	TimelineEntryByKey(ctx context.Context, escrowID uuid.UUID, event Event, key string) (TimelineEntry, error)
}

// Store is the persistence boundary of the escrow service.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error

	Get(ctx context.Context, tenantID string, id uuid.UUID) (*Escrow, error)
	Timeline(ctx context.Context, tenantID string, id uuid.UUID) ([]TimelineEntry, error)

	// DueForRefund lists CREATED, FUNDED and IN_PROGRESS escrows whose refund
	// deadline is at or before now, oldest deadline first, across all tenants.
	DueForRefund(ctx context.Context, now time.Time, limit int) ([]Ref, error)
	// DueForRelease lists DELIVERED escrows whose release deadline is at or
	// before now, oldest deadline first, across all tenants.
	DueForRelease(ctx context.Context, now time.Time, limit int) ([]Ref, error)
}
