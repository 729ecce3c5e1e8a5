package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/money"
)

const defaultCurrency = "XAF"

// Service exposes wallet provisioning and read operations.
type Service struct {
	repo Repository
}

// NewService builds a wallet service instance.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	TenantID string
	UserID   string
	Currency string
}

// Create provisions a zero-balance wallet for the user. Registering the same
// user and currency twice returns the existing wallet.
func (s *Service) Create(ctx context.Context, input CreateInput) (Wallet, error) {
	if strings.TrimSpace(input.TenantID) == "" {
		return Wallet{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(input.UserID) == "" {
		return Wallet{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	currency := money.NormalizeCurrency(input.Currency)
	if currency == "" {
		currency = defaultCurrency
	}
	if err := money.ValidateCurrency(currency); err != nil {
		return Wallet{}, err
	}

	now := time.Now().UTC()
	wallet := Wallet{
		ID:        uuid.New(),
		TenantID:  input.TenantID,
		UserID:    input.UserID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, wallet); err != nil {
		if errors.Is(err, ErrExists) {
			return s.repo.GetByUser(ctx, input.TenantID, input.UserID, currency)
		}
		return Wallet{}, err
	}
	return wallet, nil
}

// Get retrieves a wallet scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID string, id uuid.UUID) (Wallet, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// GetByUser retrieves the user's wallet in the given currency.
func (s *Service) GetByUser(ctx context.Context, tenantID, userID, currency string) (Wallet, error) {
	return s.repo.GetByUser(ctx, tenantID, userID, money.NormalizeCurrency(currency))
}

// Platform returns the tenant's fee wallet for the currency.
func (s *Service) Platform(ctx context.Context, tenantID, currency string) (PlatformWallet, error) {
	return s.repo.Platform(ctx, tenantID, money.NormalizeCurrency(currency))
}
