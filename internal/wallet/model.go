package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a wallet does not exist within the tenant.
	ErrNotFound = errors.New("wallet not found")
	// ErrExists is returned when a wallet already exists for the tenant, user and currency.
	ErrExists = errors.New("wallet already exists")
	// ErrInsufficientBalance is returned when a debit would take a balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidInput is returned for malformed provisioning requests.
	ErrInvalidInput = errors.New("invalid wallet request")
	// ErrInvariantViolation signals a wallet observed in an impossible state.
	ErrInvariantViolation = errors.New("wallet invariant violation")
)

// Balances is the available/locked pair shared by customer and platform wallets.
// Both sides are independently non-negative; the economic balance is their sum.
type Balances struct {
	Available int64 `json:"available_balance"`
	Locked    int64 `json:"locked_balance"`
}

// Wallet is a user's custodial balance within a tenant. Balances change only
// through the ledger service, inside the transaction that writes the
// matching ledger lines.
type Wallet struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`
	UserID   string    `json:"user_id"`
	Currency string    `json:"currency"`
	Balances
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlatformWallet is the per-tenant system account that collects fees.
type PlatformWallet struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`
	Currency string    `json:"currency"`
	Balances
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total returns available + locked.
func (b Balances) Total() int64 { return b.Available + b.Locked }

// CheckInvariants reports ErrInvariantViolation if either side is negative.
func (b Balances) CheckInvariants() error {
	if b.Available < 0 || b.Locked < 0 {
		return fmt.Errorf("%w: available=%d locked=%d", ErrInvariantViolation, b.Available, b.Locked)
	}
	return nil
}

// CreditAvailable adds amount to the available balance.
func (b *Balances) CreditAvailable(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	b.Available += amount
	return nil
}

// DebitAvailable removes amount from the available balance.
func (b *Balances) DebitAvailable(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive")
	}
	if b.Available < amount {
		return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientBalance, b.Available, amount)
	}
	b.Available -= amount
	return nil
}

// Lock moves amount from available to locked.
func (b *Balances) Lock(amount int64) error {
	if err := b.DebitAvailable(amount); err != nil {
		return err
	}
	b.Locked += amount
	return nil
}

// Unlock moves amount from locked back to available.
func (b *Balances) Unlock(amount int64) error {
	if err := b.DebitLocked(amount); err != nil {
		return err
	}
	b.Available += amount
	return nil
}

// DebitLocked removes amount from the locked balance.
func (b *Balances) DebitLocked(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive")
	}
	if b.Locked < amount {
		return fmt.Errorf("%w: locked %d, requested %d", ErrInsufficientBalance, b.Locked, amount)
	}
	b.Locked -= amount
	return nil
}
