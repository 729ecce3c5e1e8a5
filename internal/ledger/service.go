package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/congo-pay/escrow/internal/metrics"
	"github.com/congo-pay/escrow/internal/money"
	"github.com/congo-pay/escrow/internal/traces"
	"github.com/congo-pay/escrow/internal/wallet"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Service posts balanced batches and keeps wallets and the account balance
// cache in step with them. Each public posting runs in its own transaction;
// the InTx variants join a transaction owned by the caller.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	rrn    func(time.Time) (string, error)
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source used for posting timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRRNSource overrides how retrieval reference numbers are generated.
func WithRRNSource(fn func(time.Time) (string, error)) Option {
	return func(s *Service) { s.rrn = fn }
}

// NewService builds a ledger service on top of the given store.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, logger: logger, now: time.Now, rrn: NewRRN}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DepositRequest credits a wallet with money received by a payment gateway.
type DepositRequest struct {
	TenantID       string
	WalletID       uuid.UUID
	Amount         money.Money
	Reference      string
	IdempotencyKey string
}

// WithdrawalRequest debits a wallet for a payout leaving the platform.
type WithdrawalRequest struct {
	TenantID       string
	WalletID       uuid.UUID
	Amount         money.Money
	Reference      string
	IdempotencyKey string
}

// PayoutReversalRequest returns the amount of a declined withdrawal to the
// wallet it left.
type PayoutReversalRequest struct {
	TenantID          string
	WalletID          uuid.UUID
	WithdrawalBatchID uuid.UUID
	Reason            string
}

// LockRequest moves funds from a wallet's available to its locked balance.
type LockRequest struct {
	TenantID       string
	WalletID       uuid.UUID
	Amount         money.Money
	EscrowID       string
	IdempotencyKey string
}

// ReleaseRequest settles locked funds to a destination wallet, minus a platform fee.
type ReleaseRequest struct {
	TenantID       string
	SourceWalletID uuid.UUID
	DestWalletID   uuid.UUID
	Amount         money.Money
	Fee            money.Money
	EscrowID       string
	AuthBatchID    uuid.UUID
	IdempotencyKey string
}

// RefundRequest returns locked funds to the wallet's available balance.
type RefundRequest struct {
	TenantID       string
	WalletID       uuid.UUID
	Amount         money.Money
	EscrowID       string
	AuthBatchID    uuid.UUID
	IdempotencyKey string
}

// RecordDeposit debits clearing suspense and credits the wallet's available balance.
func (s *Service) RecordDeposit(ctx context.Context, req DepositRequest) (*PostingBatch, error) {
	return s.run(ctx, OpDeposit, req.TenantID, func(ctx context.Context, tx Tx) (*PostingBatch, error) {
		return s.RecordDepositInTx(ctx, tx, req)
	})
}

// RecordWithdrawal debits the wallet's available balance and credits clearing suspense.
func (s *Service) RecordWithdrawal(ctx context.Context, req WithdrawalRequest) (*PostingBatch, error) {
	return s.run(ctx, OpWithdrawal, req.TenantID, func(ctx context.Context, tx Tx) (*PostingBatch, error) {
		return s.RecordWithdrawalInTx(ctx, tx, req)
	})
}

// ReversePayout debits clearing suspense and credits the wallet with the
// amount of the referenced withdrawal. Repeating it replays the first reversal.
func (s *Service) ReversePayout(ctx context.Context, req PayoutReversalRequest) (*PostingBatch, error) {
	return s.run(ctx, OpPayoutReversal, req.TenantID, func(ctx context.Context, tx Tx) (*PostingBatch, error) {
		return s.ReversePayoutInTx(ctx, tx, req)
	})
}

// FindBatch looks a batch up by operation and idempotency key.
func (s *Service) FindBatch(ctx context.Context, tenantID string, op Operation, key string) (*PostingBatch, error) {
	var out *PostingBatch
	err := s.store.InTx(ctx, func(tx Tx) error {
		b, err := tx.FindBatch(ctx, tenantID, op, key)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LockFunds posts an AUTH batch holding funds for an escrow.
func (s *Service) LockFunds(ctx context.Context, req LockRequest) (*PostingBatch, error) {
	return s.run(ctx, OpLock, req.TenantID, func(ctx context.Context, tx Tx) (*PostingBatch, error) {
		return s.LockFundsInTx(ctx, tx, req)
	})
}

// ReleaseFunds posts a PRESENTMENT batch settling an earlier AUTH.
func (s *Service) ReleaseFunds(ctx context.Context, req ReleaseRequest) (*PostingBatch, error) {
	return s.run(ctx, OpRelease, req.TenantID, func(ctx context.Context, tx Tx) (*PostingBatch, error) {
		return s.ReleaseFundsInTx(ctx, tx, req)
	})
}

// RefundFunds posts a REVERSAL batch unwinding an earlier AUTH.
func (s *Service) RefundFunds(ctx context.Context, req RefundRequest) (*PostingBatch, error) {
	return s.run(ctx, OpRefund, req.TenantID, func(ctx context.Context, tx Tx) (*PostingBatch, error) {
		return s.RefundFundsInTx(ctx, tx, req)
	})
}

// RecordDepositInTx is RecordDeposit inside a caller-owned transaction.
func (s *Service) RecordDepositInTx(ctx context.Context, tx Tx, req DepositRequest) (*PostingBatch, error) {
	if err := checkRequest(req.TenantID, req.IdempotencyKey, req.Amount); err != nil {
		return nil, err
	}
	wallets, err := lockWallets(ctx, tx, req.TenantID, req.WalletID)
	if err != nil {
		return nil, err
	}
	w := wallets[0]

	fp := fingerprint(OpDeposit, req.Amount, req.WalletID)
	if b, err := findReplay(ctx, tx, req.TenantID, OpDeposit, req.IdempotencyKey, fp); b != nil || err != nil {
		return b, err
	}
	if err := sameCurrency(req.Amount, w.Currency); err != nil {
		return nil, err
	}
	if err := w.CreditAvailable(req.Amount.Amount); err != nil {
		return nil, err
	}

	amt := req.Amount.Amount
	return s.post(ctx, tx, plan{
		tenantID: req.TenantID,
		op:       OpDeposit,
		phase:    PhaseAdjustment,
		key:      req.IdempotencyKey,
		currency: req.Amount.Currency,
		metadata: map[string]string{MetaReference: req.Reference, MetaFingerprint: fp},
		legs: []leg{
			{account: ClearingSuspense(req.Amount.Currency), debit: amt, description: "deposit received"},
			{account: WalletAvailable(w.ID), credit: amt, description: "deposit credited"},
		},
	}, wallets, nil)
}

// RecordWithdrawalInTx is RecordWithdrawal inside a caller-owned transaction.
func (s *Service) RecordWithdrawalInTx(ctx context.Context, tx Tx, req WithdrawalRequest) (*PostingBatch, error) {
	if err := checkRequest(req.TenantID, req.IdempotencyKey, req.Amount); err != nil {
		return nil, err
	}
	wallets, err := lockWallets(ctx, tx, req.TenantID, req.WalletID)
	if err != nil {
		return nil, err
	}
	w := wallets[0]

	fp := fingerprint(OpWithdrawal, req.Amount, req.WalletID)
	if b, err := findReplay(ctx, tx, req.TenantID, OpWithdrawal, req.IdempotencyKey, fp); b != nil || err != nil {
		return b, err
	}
	if err := sameCurrency(req.Amount, w.Currency); err != nil {
		return nil, err
	}
	if err := w.DebitAvailable(req.Amount.Amount); err != nil {
		return nil, err
	}

	amt := req.Amount.Amount
	return s.post(ctx, tx, plan{
		tenantID: req.TenantID,
		op:       OpWithdrawal,
		phase:    PhaseAdjustment,
		key:      req.IdempotencyKey,
		currency: req.Amount.Currency,
		metadata: map[string]string{MetaReference: req.Reference, MetaFingerprint: fp},
		legs: []leg{
			{account: WalletAvailable(w.ID), debit: amt, description: "withdrawal debited"},
			{account: ClearingSuspense(req.Amount.Currency), credit: amt, description: "withdrawal paid out"},
		},
	}, wallets, nil)
}

// ReversePayoutInTx is ReversePayout inside a caller-owned transaction.
func (s *Service) ReversePayoutInTx(ctx context.Context, tx Tx, req PayoutReversalRequest) (*PostingBatch, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInsufficientContext)
	}
	if req.WithdrawalBatchID == uuid.Nil {
		return nil, fmt.Errorf("%w: withdrawal batch id is required", ErrInsufficientContext)
	}
	wd, err := tx.GetBatch(ctx, req.TenantID, req.WithdrawalBatchID)
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			return nil, fmt.Errorf("%w: withdrawal batch %s: %w", ErrInsufficientContext, req.WithdrawalBatchID, err)
		}
		return nil, err
	}
	if wd.Operation != OpWithdrawal {
		return nil, fmt.Errorf("%w: batch %s is a %s, not a withdrawal", ErrInsufficientContext, wd.ID, wd.Operation)
	}
	var amt int64
	available := WalletAvailable(req.WalletID)
	for _, l := range wd.Lines {
		if l.Account() == available && l.Debit > 0 {
			amt = l.Debit
		}
	}
	if amt == 0 {
		return nil, fmt.Errorf("%w: withdrawal %s did not debit wallet %s", ErrInsufficientContext, wd.ID, req.WalletID)
	}
	amount := money.Money{Amount: amt, Currency: wd.Currency}

	wallets, err := lockWallets(ctx, tx, req.TenantID, req.WalletID)
	if err != nil {
		return nil, err
	}
	w := wallets[0]

	fp := fingerprint(OpPayoutReversal, amount, req.WalletID)
	if b, err := findReplay(ctx, tx, req.TenantID, OpPayoutReversal, wd.IdempotencyKey, fp); b != nil || err != nil {
		return b, err
	}
	if err := sameCurrency(amount, w.Currency); err != nil {
		return nil, err
	}
	if err := w.CreditAvailable(amt); err != nil {
		return nil, err
	}

	return s.post(ctx, tx, plan{
		tenantID: req.TenantID,
		op:       OpPayoutReversal,
		phase:    PhaseAdjustment,
		key:      wd.IdempotencyKey,
		currency: amount.Currency,
		metadata: map[string]string{
			MetaReference:         req.Reason,
			MetaWithdrawalBatchID: wd.ID.String(),
			MetaFingerprint:       fp,
		},
		legs: []leg{
			{account: ClearingSuspense(amount.Currency), debit: amt, description: "payout reversed"},
			{account: WalletAvailable(w.ID), credit: amt, description: "withdrawal returned"},
		},
	}, wallets, nil)
}

// LockFundsInTx is LockFunds inside a caller-owned transaction.
func (s *Service) LockFundsInTx(ctx context.Context, tx Tx, req LockRequest) (*PostingBatch, error) {
	if err := checkRequest(req.TenantID, req.IdempotencyKey, req.Amount); err != nil {
		return nil, err
	}
	wallets, err := lockWallets(ctx, tx, req.TenantID, req.WalletID)
	if err != nil {
		return nil, err
	}
	w := wallets[0]

	fp := fingerprint(OpLock, req.Amount, req.WalletID)
	if b, err := findReplay(ctx, tx, req.TenantID, OpLock, req.IdempotencyKey, fp); b != nil || err != nil {
		return b, err
	}
	if err := sameCurrency(req.Amount, w.Currency); err != nil {
		return nil, err
	}
	if err := w.Lock(req.Amount.Amount); err != nil {
		return nil, err
	}

	amt := req.Amount.Amount
	return s.post(ctx, tx, plan{
		tenantID: req.TenantID,
		op:       OpLock,
		phase:    PhaseAuth,
		key:      req.IdempotencyKey,
		currency: req.Amount.Currency,
		metadata: map[string]string{MetaEscrowID: req.EscrowID, MetaFingerprint: fp},
		legs: []leg{
			{account: WalletAvailable(w.ID), debit: amt, description: "funds held for escrow"},
			{account: WalletLocked(w.ID), credit: amt, description: "funds held for escrow"},
		},
	}, wallets, nil)
}

// ReleaseFundsInTx is ReleaseFunds inside a caller-owned transaction.
func (s *Service) ReleaseFundsInTx(ctx context.Context, tx Tx, req ReleaseRequest) (*PostingBatch, error) {
	if err := checkRequest(req.TenantID, req.IdempotencyKey, req.Amount); err != nil {
		return nil, err
	}
	fee := req.Fee
	if fee.Currency == "" {
		fee.Currency = req.Amount.Currency
	}
	if err := sameCurrency(fee, req.Amount.Currency); err != nil {
		return nil, err
	}
	if fee.Amount < 0 || fee.Amount > req.Amount.Amount {
		return nil, fmt.Errorf("%w: fee %d outside [0, %d]", ErrInvalidAmount, fee.Amount, req.Amount.Amount)
	}
	if req.SourceWalletID == req.DestWalletID {
		return nil, fmt.Errorf("%w: source and destination wallet are the same", ErrInvalidAmount)
	}

	wallets, err := lockWallets(ctx, tx, req.TenantID, req.SourceWalletID, req.DestWalletID)
	if err != nil {
		return nil, err
	}
	src, dst := wallets[0], wallets[1]

	fp := fingerprint(OpRelease, req.Amount, req.SourceWalletID, req.DestWalletID) + fmt.Sprintf(":fee=%d", fee.Amount)
	if b, err := findReplay(ctx, tx, req.TenantID, OpRelease, req.IdempotencyKey, fp); b != nil || err != nil {
		return b, err
	}
	if err := checkAuth(ctx, tx, req.TenantID, req.AuthBatchID, src.ID, req.Amount.Amount); err != nil {
		return nil, err
	}
	if err := sameCurrency(req.Amount, src.Currency); err != nil {
		return nil, err
	}
	if err := sameCurrency(req.Amount, dst.Currency); err != nil {
		return nil, err
	}

	amt := req.Amount.Amount
	net := amt - fee.Amount
	if err := src.DebitLocked(amt); err != nil {
		return nil, err
	}
	legs := []leg{{account: WalletLocked(src.ID), debit: amt, description: "escrow settled"}}
	if net > 0 {
		if err := dst.CreditAvailable(net); err != nil {
			return nil, err
		}
		legs = append(legs, leg{account: WalletAvailable(dst.ID), credit: net, description: "escrow payout"})
	}

	var platform *wallet.PlatformWallet
	if fee.Amount > 0 {
		platform, err = tx.LockPlatformWallet(ctx, req.TenantID, req.Amount.Currency)
		if err != nil {
			return nil, err
		}
		if err := platform.CreditAvailable(fee.Amount); err != nil {
			return nil, err
		}
		legs = append(legs, leg{account: FeesRevenue(platform.ID), credit: fee.Amount, description: "platform fee"})
	}

	return s.post(ctx, tx, plan{
		tenantID: req.TenantID,
		op:       OpRelease,
		phase:    PhasePresentment,
		key:      req.IdempotencyKey,
		currency: req.Amount.Currency,
		metadata: map[string]string{
			MetaEscrowID:    req.EscrowID,
			MetaAuthBatchID: req.AuthBatchID.String(),
			MetaFingerprint: fp,
		},
		legs: legs,
	}, wallets, platform)
}

// RefundFundsInTx is RefundFunds inside a caller-owned transaction.
func (s *Service) RefundFundsInTx(ctx context.Context, tx Tx, req RefundRequest) (*PostingBatch, error) {
	if err := checkRequest(req.TenantID, req.IdempotencyKey, req.Amount); err != nil {
		return nil, err
	}
	wallets, err := lockWallets(ctx, tx, req.TenantID, req.WalletID)
	if err != nil {
		return nil, err
	}
	w := wallets[0]

	fp := fingerprint(OpRefund, req.Amount, req.WalletID)
	if b, err := findReplay(ctx, tx, req.TenantID, OpRefund, req.IdempotencyKey, fp); b != nil || err != nil {
		return b, err
	}
	if err := checkAuth(ctx, tx, req.TenantID, req.AuthBatchID, w.ID, req.Amount.Amount); err != nil {
		return nil, err
	}
	if err := sameCurrency(req.Amount, w.Currency); err != nil {
		return nil, err
	}
	if err := w.Unlock(req.Amount.Amount); err != nil {
		return nil, err
	}

	amt := req.Amount.Amount
	return s.post(ctx, tx, plan{
		tenantID: req.TenantID,
		op:       OpRefund,
		phase:    PhaseReversal,
		key:      req.IdempotencyKey,
		currency: req.Amount.Currency,
		metadata: map[string]string{
			MetaEscrowID:    req.EscrowID,
			MetaAuthBatchID: req.AuthBatchID.String(),
			MetaFingerprint: fp,
		},
		legs: []leg{
			{account: WalletLocked(w.ID), debit: amt, description: "escrow hold reversed"},
			{account: WalletAvailable(w.ID), credit: amt, description: "escrow hold reversed"},
		},
	}, wallets, nil)
}

// Batch returns a posting batch with its lines.
func (s *Service) Batch(ctx context.Context, tenantID string, id uuid.UUID) (*PostingBatch, error) {
	return s.store.Batch(ctx, tenantID, id)
}

// AccountBalance returns the cached balance of an account. Accounts that
// were never posted to report zero.
func (s *Service) AccountBalance(ctx context.Context, tenantID string, ref AccountRef) (AccountBalance, error) {
	if !ref.Type.Valid() {
		return AccountBalance{}, fmt.Errorf("unknown account type %q", ref.Type)
	}
	return s.store.AccountBalance(ctx, tenantID, ref)
}

// AccountHistory returns the most recent lines posted to an account, newest first.
func (s *Service) AccountHistory(ctx context.Context, tenantID string, ref AccountRef, limit int) ([]LedgerLine, error) {
	if !ref.Type.Valid() {
		return nil, fmt.Errorf("unknown account type %q", ref.Type)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.AccountLines(ctx, tenantID, ref, limit)
}

// Observe records metrics and a log line for a batch committed by a caller-owned transaction.
func (s *Service) Observe(b *PostingBatch) {
	if b == nil {
		return
	}
	if b.Replayed {
		metrics.PostingReplaysTotal.WithLabelValues(string(b.Operation)).Inc()
		s.logger.Info("posting replayed",
			"tenant_id", b.TenantID,
			"operation", b.Operation,
			"batch_id", b.ID,
			"idempotency_key", b.IdempotencyKey,
		)
		return
	}
	metrics.PostingsTotal.WithLabelValues(string(b.Operation), string(b.Phase)).Inc()
	s.logger.Info("posting committed",
		"tenant_id", b.TenantID,
		"operation", b.Operation,
		"phase", b.Phase,
		"batch_id", b.ID,
		"sequence", b.Sequence,
		"rrn", b.RRN,
		"stan", b.STAN,
		"amount", b.TotalDebits,
		"currency", b.Currency,
	)
}

// ObserveFailure records a rejected posting.
func (s *Service) ObserveFailure(op Operation, tenantID string, err error) {
	metrics.PostingFailuresTotal.WithLabelValues(string(op), FailureReason(err)).Inc()
	if errors.Is(err, ErrInvariantViolation) {
		s.logger.Error("ledger invariant violated", "tenant_id", tenantID, "operation", op, "error", err)
		return
	}
	s.logger.Warn("posting rejected", "tenant_id", tenantID, "operation", op, "error", err)
}

// FailureReason maps an error to a low-cardinality label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrIdempotencyMismatch):
		return "idempotency_mismatch"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	case errors.Is(err, ErrInsufficientContext), errors.Is(err, ErrBatchNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMissingIdempotencyKey), errors.Is(err, money.ErrCurrencyMismatch):
		return "invalid"
	default:
		return "other"
	}
}

func (s *Service) run(ctx context.Context, op Operation, tenantID string, fn func(context.Context, Tx) (*PostingBatch, error)) (*PostingBatch, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "ledger."+string(op), traces.TenantID(tenantID), traces.Operation(string(op)))
	defer span.End()

	var out *PostingBatch
	err := s.store.InTx(ctx, func(tx Tx) error {
		b, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	metrics.PostingDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.ObserveFailure(op, tenantID, err)
		return nil, err
	}
	s.Observe(out)
	return out, nil
}

type leg struct {
	account     AccountRef
	debit       int64
	credit      int64
	description string
}

type plan struct {
	tenantID string
	op       Operation
	phase    Phase
	key      string
	currency string
	metadata map[string]string
	legs     []leg
}

// post writes the batch, its lines, the account balance deltas, the chain
// head and the already mutated wallets. Wallets must be locked by the caller.
func (s *Service) post(ctx context.Context, tx Tx, p plan, wallets []*wallet.Wallet, platform *wallet.PlatformWallet) (*PostingBatch, error) {
	expected := make(map[AccountRef]int64, 2*len(wallets)+1)
	for _, w := range wallets {
		if err := w.CheckInvariants(); err != nil {
			return nil, fmt.Errorf("%w: wallet %s: %v", ErrInvariantViolation, w.ID, err)
		}
		expected[WalletAvailable(w.ID)] = w.Available
		expected[WalletLocked(w.ID)] = w.Locked
	}
	if platform != nil {
		if err := platform.CheckInvariants(); err != nil {
			return nil, fmt.Errorf("%w: platform wallet %s: %v", ErrInvariantViolation, platform.ID, err)
		}
		expected[FeesRevenue(platform.ID)] = platform.Available
	}

	head, err := tx.LockHead(ctx, p.tenantID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	rrn, err := s.rrn(now)
	if err != nil {
		return nil, err
	}
	stan := NextSTAN(head.STAN)
	batch := &PostingBatch{
		ID:             uuid.New(),
		TenantID:       p.tenantID,
		Sequence:       head.Sequence + 1,
		RRN:            rrn,
		STAN:           FormatSTAN(stan),
		Phase:          p.phase,
		Operation:      p.op,
		IdempotencyKey: p.key,
		Currency:       p.currency,
		Metadata:       p.metadata,
		PrevHash:       head.Hash,
		PostedAt:       now,
	}

	for _, l := range p.legs {
		line := LedgerLine{
			ID:             uuid.New(),
			PostingBatchID: batch.ID,
			TenantID:       p.tenantID,
			AccountType:    l.account.Type,
			AccountID:      l.account.ID,
			Debit:          l.debit,
			Credit:         l.credit,
			Description:    l.description,
			CreatedAt:      now,
		}
		bal, err := tx.ApplyBalance(ctx, p.tenantID, l.account, p.currency, line.Delta(), batch.ID, now)
		if err != nil {
			return nil, err
		}
		if want, ok := expected[l.account]; ok && want != bal {
			return nil, fmt.Errorf("%w: account %s/%s cached %d, wallet %d",
				ErrInvariantViolation, l.account.Type, l.account.ID, bal, want)
		}
		line.BalanceAfter = bal
		batch.TotalDebits += l.debit
		batch.TotalCredits += l.credit
		batch.Lines = append(batch.Lines, line)
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	batch.Hash = ComputeHash(head.Hash, batch)

	if err := tx.InsertBatch(ctx, batch); err != nil {
		if errors.Is(err, ErrDuplicateBatch) {
			return nil, fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
		}
		return nil, err
	}

	head.Sequence = batch.Sequence
	head.STAN = stan
	head.Hash = batch.Hash
	if err := tx.SaveHead(ctx, head); err != nil {
		return nil, err
	}
	for _, w := range wallets {
		w.UpdatedAt = now
		if err := tx.SaveWallet(ctx, w); err != nil {
			return nil, err
		}
	}
	if platform != nil {
		platform.UpdatedAt = now
		if err := tx.SavePlatformWallet(ctx, platform); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// lockWallets locks the wallets in ascending id order and returns them in
// argument order.
func lockWallets(ctx context.Context, tx Tx, tenantID string, ids ...uuid.UUID) ([]*wallet.Wallet, error) {
	ordered := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return bytes.Compare(ordered[i][:], ordered[j][:]) < 0 })

	locked := make(map[uuid.UUID]*wallet.Wallet, len(ordered))
	for _, id := range ordered {
		w, err := tx.LockWallet(ctx, tenantID, id)
		if err != nil {
			if errors.Is(err, wallet.ErrNotFound) {
				return nil, fmt.Errorf("%w: wallet %s: %w", ErrInsufficientContext, id, err)
			}
			return nil, err
		}
		locked[id] = w
	}

	out := make([]*wallet.Wallet, len(ids))
	for i, id := range ids {
		out[i] = locked[id]
	}
	return out, nil
}

func findReplay(ctx context.Context, tx Tx, tenantID string, op Operation, key, fp string) (*PostingBatch, error) {
	existing, err := tx.FindBatch(ctx, tenantID, op, key)
	if errors.Is(err, ErrBatchNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Metadata[MetaFingerprint] != fp {
		return nil, fmt.Errorf("%w: %s key %q", ErrIdempotencyMismatch, op, key)
	}
	existing.Replayed = true
	return existing, nil
}

// checkAuth confirms the AUTH batch exists, held funds on the wallet and
// covers the settled amount.
func checkAuth(ctx context.Context, tx Tx, tenantID string, authID, walletID uuid.UUID, amount int64) error {
	if authID == uuid.Nil {
		return fmt.Errorf("%w: auth batch id is required", ErrInsufficientContext)
	}
	auth, err := tx.GetBatch(ctx, tenantID, authID)
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			return fmt.Errorf("%w: auth batch %s: %w", ErrInsufficientContext, authID, err)
		}
		return err
	}
	if auth.Phase != PhaseAuth {
		return fmt.Errorf("%w: batch %s is %s, not AUTH", ErrInsufficientContext, authID, auth.Phase)
	}
	locked := WalletLocked(walletID)
	for _, l := range auth.Lines {
		if l.Account() == locked && l.Credit > 0 {
			if l.Credit != amount {
				return fmt.Errorf("%w: auth held %d, settling %d", ErrInvalidAmount, l.Credit, amount)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: auth batch %s did not hold funds on wallet %s", ErrInsufficientContext, authID, walletID)
}

func checkRequest(tenantID, key string, amount money.Money) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInsufficientContext)
	}
	if strings.TrimSpace(key) == "" {
		return ErrMissingIdempotencyKey
	}
	if err := money.ValidateCurrency(amount.Currency); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount.Amount)
	}
	return nil
}

func sameCurrency(m money.Money, currency string) error {
	if m.Currency != currency {
		return fmt.Errorf("%w: %s vs %s", money.ErrCurrencyMismatch, m.Currency, currency)
	}
	return nil
}

func fingerprint(op Operation, amount money.Money, wallets ...uuid.UUID) string {
	parts := make([]string, 0, len(wallets)+2)
	parts = append(parts, string(op), fmt.Sprintf("%d%s", amount.Amount, amount.Currency))
	for _, id := range wallets {
		parts = append(parts, id.String())
	}
	return strings.Join(parts, ":")
}
