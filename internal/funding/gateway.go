package funding

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/money"
)

var (
	// ErrPayoutDeclined is returned when the gateway refuses a payout.
	ErrPayoutDeclined = errors.New("payout declined by gateway")
	// ErrUnauthorized is returned when the caller does not own the wallet.
	ErrUnauthorized = errors.New("unauthorized")
)

// Gateway represents a connector to the external payment processor that
// moves money out of the platform.
type Gateway interface {
	Payout(ctx context.Context, req PayoutRequest) (PayoutDecision, error)
}

// PayoutRequest carries a withdrawal already debited in the ledger. The
// gateway must treat IdempotencyKey as its own dedupe key so a retried
// withdrawal never pays out twice.
type PayoutRequest struct {
	TenantID       string
	WalletID       uuid.UUID
	Amount         money.Money
	Destination    string
	RRN            string
	IdempotencyKey string
}

// PayoutDecision captures the gateway response.
type PayoutDecision struct {
	Reference string
	Status    string
}

// StaticGateway simulates a gateway that approves every payout.
type StaticGateway struct{}

// Payout approves the payout with a reference derived from the idempotency key.
func (StaticGateway) Payout(_ context.Context, req PayoutRequest) (PayoutDecision, error) {
	ref := uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.TenantID+"/"+req.IdempotencyKey))
	return PayoutDecision{Reference: ref.String(), Status: "approved"}, nil
}
