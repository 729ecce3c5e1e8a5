// Package funding moves money across the platform boundary: deposits
// reported by the payment gateway and withdrawals paid out through it.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/ledger"
	"github.com/congo-pay/escrow/internal/metrics"
	"github.com/congo-pay/escrow/internal/money"
	"github.com/congo-pay/escrow/internal/wallet"
)

const (
	StatusCompleted = "completed"
	StatusPaidOut   = "paid_out"
)

// Service coordinates deposits and withdrawals using the ledger and the payout gateway.
type Service struct {
	ledger  *ledger.Service
	wallets *wallet.Service
	gateway Gateway
	logger  *slog.Logger
}

// NewService prepares a funding service. A nil gateway approves every payout.
func NewService(ledgerSvc *ledger.Service, wallets *wallet.Service, gateway Gateway, logger *slog.Logger) (*Service, error) {
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service is required")
	}
	if wallets == nil {
		return nil, fmt.Errorf("wallet service is required")
	}
	if gateway == nil {
		gateway = StaticGateway{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledgerSvc, wallets: wallets, gateway: gateway, logger: logger}, nil
}

// DepositInput is a gateway notification that money reached a wallet.
type DepositInput struct {
	TenantID       string
	WalletID       uuid.UUID
	Amount         int64
	Currency       string
	Reference      string
	IdempotencyKey string
}

// Caller is the principal asking for a withdrawal.
type Caller struct {
	UserID string
	Admin  bool
}

// WithdrawInput asks to pay out part of a wallet's available balance. Only
// the wallet owner or an admin may withdraw.
type WithdrawInput struct {
	TenantID       string
	WalletID       uuid.UUID
	Amount         int64
	Currency       string
	Destination    string
	IdempotencyKey string
	Caller         Caller
}

// Result represents the domain outcome of a funding operation.
type Result struct {
	Batch            *ledger.PostingBatch
	Wallet           wallet.Wallet
	Status           string
	GatewayReference string
}

// Deposit records a deposit confirmed by the gateway. The gateway reference
// is stored on the ADJUSTMENT batch.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (Result, error) {
	if strings.TrimSpace(in.Reference) == "" {
		return Result{}, fmt.Errorf("%w: gateway reference is required", ledger.ErrInvalidAmount)
	}
	w, amount, err := s.resolve(ctx, in.TenantID, in.WalletID, in.Amount, in.Currency)
	if err != nil {
		return Result{}, err
	}

	batch, err := s.ledger.RecordDeposit(ctx, ledger.DepositRequest{
		TenantID:       in.TenantID,
		WalletID:       w.ID,
		Amount:         amount,
		Reference:      in.Reference,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return Result{}, err
	}
	return s.result(ctx, w.ID, batch, StatusCompleted, in.Reference)
}

// Withdraw debits the wallet, then asks the gateway to pay out. A declined
// payout is reversed back to the wallet. A transport failure leaves the debit
// in place because the payout may still have happened. A retry with the same
// key replays the debit and re-sends the payout under that key.
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput) (Result, error) {
	if strings.TrimSpace(in.Destination) == "" {
		return Result{}, fmt.Errorf("%w: payout destination is required", ledger.ErrInvalidAmount)
	}
	w, amount, err := s.resolve(ctx, in.TenantID, in.WalletID, in.Amount, in.Currency)
	if err != nil {
		return Result{}, err
	}
	if !in.Caller.Admin && (in.Caller.UserID == "" || w.UserID != in.Caller.UserID) {
		return Result{}, fmt.Errorf("%w: wallet %s belongs to another user", ErrUnauthorized, w.ID)
	}

	batch, err := s.ledger.RecordWithdrawal(ctx, ledger.WithdrawalRequest{
		TenantID:       in.TenantID,
		WalletID:       w.ID,
		Amount:         amount,
		Reference:      in.Destination,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return Result{}, err
	}
	if batch.Replayed {
		rev, err := s.ledger.FindBatch(ctx, in.TenantID, ledger.OpPayoutReversal, in.IdempotencyKey)
		switch {
		case err == nil:
			return Result{}, fmt.Errorf("%w: withdrawal %s was reversed: %s", ErrPayoutDeclined, batch.ID, rev.Metadata[ledger.MetaReference])
		case !errors.Is(err, ledger.ErrBatchNotFound):
			return Result{}, err
		}
	}

	log := s.logger.With(
		"tenant_id", in.TenantID,
		"wallet_id", w.ID,
		"batch_id", batch.ID,
		"rrn", batch.RRN,
		"idempotency_key", in.IdempotencyKey,
	)
	decision, err := s.gateway.Payout(ctx, PayoutRequest{
		TenantID:       in.TenantID,
		WalletID:       w.ID,
		Amount:         amount,
		Destination:    in.Destination,
		RRN:            batch.RRN,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		metrics.PayoutsTotal.WithLabelValues("error").Inc()
		log.Error("payout outcome unknown after ledger debit", "error", err)
		return Result{}, err
	}
	if decision.Status != "approved" {
		metrics.PayoutsTotal.WithLabelValues("declined").Inc()
		declined := fmt.Errorf("%w: %s", ErrPayoutDeclined, decision.Status)
		rev, err := s.ledger.ReversePayout(ctx, ledger.PayoutReversalRequest{
			TenantID:          in.TenantID,
			WalletID:          w.ID,
			WithdrawalBatchID: batch.ID,
			Reason:            decision.Status,
		})
		if err != nil {
			log.Error("reverse declined payout", "status", decision.Status, "error", err)
			return Result{}, errors.Join(declined, err)
		}
		log.Warn("payout declined, withdrawal reversed", "status", decision.Status, "reversal_batch_id", rev.ID)
		return Result{}, declined
	}
	metrics.PayoutsTotal.WithLabelValues("approved").Inc()
	return s.result(ctx, w.ID, batch, StatusPaidOut, decision.Reference)
}

func (s *Service) resolve(ctx context.Context, tenantID string, walletID uuid.UUID, amount int64, currency string) (wallet.Wallet, money.Money, error) {
	w, err := s.wallets.Get(ctx, tenantID, walletID)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return wallet.Wallet{}, money.Money{}, fmt.Errorf("%w: wallet %s", ledger.ErrInsufficientContext, walletID)
		}
		return wallet.Wallet{}, money.Money{}, err
	}
	cur := money.NormalizeCurrency(currency)
	if cur == "" {
		cur = w.Currency
	}
	m, err := money.New(amount, cur)
	if err != nil {
		return wallet.Wallet{}, money.Money{}, err
	}
	return w, m, nil
}

func (s *Service) result(ctx context.Context, walletID uuid.UUID, batch *ledger.PostingBatch, status, ref string) (Result, error) {
	w, err := s.wallets.Get(ctx, batch.TenantID, walletID)
	if err != nil {
		return Result{}, err
	}
	return Result{Batch: batch, Wallet: w, Status: status, GatewayReference: ref}, nil
}
