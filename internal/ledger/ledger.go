// Package ledger is the append-only double-entry accounting engine. Every
// movement of money is a PostingBatch of balanced LedgerLines tagged with a
// card-network style phase: AUTH locks funds, PRESENTMENT settles them,
// REVERSAL unwinds a lock and ADJUSTMENT moves money across the platform
// boundary (deposits and withdrawals).
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/wallet"
)

var (
	// ErrInsufficientBalance occurs when a wallet lacks the balance a posting needs.
	ErrInsufficientBalance = wallet.ErrInsufficientBalance

	// ErrInsufficientContext is returned when a posting references a wallet
	// that does not exist in the tenant.
	ErrInsufficientContext = errors.New("insufficient context")

	// ErrBatchNotFound is returned when a posting batch is missing or belongs to another tenant.
	ErrBatchNotFound = errors.New("posting batch not found")

	// ErrDuplicateBatch is returned by stores when the idempotency key is already taken.
	ErrDuplicateBatch = errors.New("duplicate posting batch")

	// ErrIdempotencyMismatch indicates an idempotency key reused for a different request.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different parameters")

	// ErrConcurrencyConflict is a transient failure (serialization failure,
	// deadlock, lock wait timeout). Retrying with the same idempotency key is safe.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvariantViolation means a posting would break double-entry or
	// non-negativity. It is never expected through the public API.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrInvalidAmount is returned for non-positive or inconsistent amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrMissingIdempotencyKey is returned when a posting request carries no key.
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
)

// AccountType names a class of ledger account.
type AccountType string

const (
	AccountCustomerAvailable AccountType = "CUSTOMER_AVAILABLE"
	AccountCustomerLocked    AccountType = "CUSTOMER_LOCKED"
	AccountClearingSuspense  AccountType = "CLEARING_SUSPENSE"
	AccountFeesRevenue       AccountType = "FEES_REVENUE"
)

// DebitNormal reports whether the account's balance grows with debits.
// Clearing suspense mirrors money held at the payment provider, so it is an
// asset; customer and fee accounts are liabilities/revenue and grow with credits.
func (t AccountType) DebitNormal() bool {
	return t == AccountClearingSuspense
}

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountCustomerAvailable, AccountCustomerLocked, AccountClearingSuspense, AccountFeesRevenue:
		return true
	}
	return false
}

// Phase is the message phase of a posting batch.
type Phase string

const (
	PhaseAuth        Phase = "AUTH"
	PhasePresentment Phase = "PRESENTMENT"
	PhaseReversal    Phase = "REVERSAL"
	PhaseAdjustment  Phase = "ADJUSTMENT"
)

// Operation names the service call that produced a batch. Idempotency keys
// are unique per tenant and operation.
type Operation string

const (
	OpDeposit    Operation = "deposit"
	OpWithdrawal Operation = "withdrawal"
	OpLock       Operation = "lock"
	OpRelease    Operation = "release"
	OpRefund     Operation = "refund"
	// OpPayoutReversal returns a withdrawal the gateway declined. It shares
	// the withdrawal's idempotency key.
	OpPayoutReversal Operation = "payout_reversal"
)

// Metadata keys written on batches.
const (
	MetaReference   = "reference"
	MetaEscrowID    = "escrow_id"
	MetaAuthBatchID = "auth_batch_id"
	MetaFingerprint = "request_fingerprint"

	MetaWithdrawalBatchID = "withdrawal_batch_id"
)

// AccountRef identifies one ledger account within a tenant.
type AccountRef struct {
	Type AccountType `json:"account_type"`
	ID   string      `json:"account_id"`
}

// WalletAvailable is the CUSTOMER_AVAILABLE account of a wallet.
func WalletAvailable(id uuid.UUID) AccountRef {
	return AccountRef{Type: AccountCustomerAvailable, ID: id.String()}
}

// WalletLocked is the CUSTOMER_LOCKED account of a wallet.
func WalletLocked(id uuid.UUID) AccountRef {
	return AccountRef{Type: AccountCustomerLocked, ID: id.String()}
}

// FeesRevenue is the FEES_REVENUE account backed by a platform wallet.
func FeesRevenue(platformWalletID uuid.UUID) AccountRef {
	return AccountRef{Type: AccountFeesRevenue, ID: platformWalletID.String()}
}

// ClearingSuspense is the per-currency clearing account of a tenant.
func ClearingSuspense(currency string) AccountRef {
	return AccountRef{Type: AccountClearingSuspense, ID: "clearing:" + currency}
}

// LedgerLine is a single debit or credit. Exactly one of Debit and Credit is positive.
type LedgerLine struct {
	ID             uuid.UUID   `json:"id"`
	PostingBatchID uuid.UUID   `json:"posting_batch_id"`
	TenantID       string      `json:"tenant_id"`
	AccountType    AccountType `json:"account_type"`
	AccountID      string      `json:"account_id"`
	Debit          int64       `json:"debit_amount"`
	Credit         int64       `json:"credit_amount"`
	BalanceAfter   int64       `json:"balance_after"`
	Description    string      `json:"description"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Account returns the account the line posts to.
func (l LedgerLine) Account() AccountRef {
	return AccountRef{Type: l.AccountType, ID: l.AccountID}
}

// Delta is the signed change the line applies to the account's normal balance.
func (l LedgerLine) Delta() int64 {
	if l.AccountType.DebitNormal() {
		return l.Debit - l.Credit
	}
	return l.Credit - l.Debit
}

// PostingBatch is an atomic, balanced group of ledger lines. It is immutable
// once written.
type PostingBatch struct {
	ID             uuid.UUID         `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Sequence       int64             `json:"sequence"`
	RRN            string            `json:"rrn"`
	STAN           string            `json:"stan"`
	Phase          Phase             `json:"mti_phase"`
	Operation      Operation         `json:"operation"`
	IdempotencyKey string            `json:"idempotency_key"`
	Currency       string            `json:"currency"`
	TotalDebits    int64             `json:"total_debits"`
	TotalCredits   int64             `json:"total_credits"`
	Metadata       map[string]string `json:"metadata"`
	PrevHash       []byte            `json:"prev_hash"`
	Hash           []byte            `json:"hash"`
	PostedAt       time.Time         `json:"posted_at"`
	Lines          []LedgerLine      `json:"lines"`

	// Replayed is set when the batch was returned for a repeated idempotency key
	// instead of being posted by this call. It is not persisted.
	Replayed bool `json:"replayed,omitempty"`
}

// AccountBalance is the cached running balance of one account, kept in sync
// with every posting. Ledger lines remain the source of truth.
type AccountBalance struct {
	TenantID           string      `json:"tenant_id"`
	AccountType        AccountType `json:"account_type"`
	AccountID          string      `json:"account_id"`
	Currency           string      `json:"currency"`
	Balance            int64       `json:"balance"`
	LastPostingBatchID uuid.UUID   `json:"last_posting_batch_id"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Head is the per-tenant chain tip: the last sequence, STAN and batch hash.
// Locking it serializes batch sequencing within a tenant.
type Head struct {
	TenantID string
	Sequence int64
	STAN     int64
	Hash     []byte
}
