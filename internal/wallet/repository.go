package wallet

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists wallet metadata and exposes read paths. Balance writes
// are not part of this interface; they belong to the ledger transaction.
type Repository interface {
	Create(ctx context.Context, wallet Wallet) error
	Get(ctx context.Context, tenantID string, id uuid.UUID) (Wallet, error)
	GetByUser(ctx context.Context, tenantID, userID, currency string) (Wallet, error)
	Platform(ctx context.Context, tenantID, currency string) (PlatformWallet, error)
}
