package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/congo-pay/escrow/internal/wallet"
)

const walletColumns = `id, tenant_id, user_id, currency, available_balance, locked_balance, created_at, updated_at`

const platformColumns = `id, tenant_id, currency, available_balance, locked_balance, created_at, updated_at`

type walletRepository struct {
	db *DB
}

func (r walletRepository) Create(ctx context.Context, w wallet.Wallet) error {
	_, err := r.db.pool.Exec(ctx, `
        INSERT INTO wallets (id, tenant_id, user_id, currency, available_balance, locked_balance, created_at, updated_at)
        VALUES ($1, $2, $3, $4, 0, 0, $5, $6)`,
		w.ID, w.TenantID, w.UserID, w.Currency, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return wallet.ErrExists
		}
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

func (r walletRepository) Get(ctx context.Context, tenantID string, id uuid.UUID) (wallet.Wallet, error) {
	w, err := scanWallet(r.db.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return wallet.Wallet{}, err
	}
	return *w, nil
}

func (r walletRepository) GetByUser(ctx context.Context, tenantID, userID, currency string) (wallet.Wallet, error) {
	w, err := scanWallet(r.db.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tenant_id = $1 AND user_id = $2 AND currency = $3`,
		tenantID, userID, currency))
	if err != nil {
		return wallet.Wallet{}, err
	}
	return *w, nil
}

func (r walletRepository) Platform(ctx context.Context, tenantID, currency string) (wallet.PlatformWallet, error) {
	p, err := scanPlatform(r.db.pool.QueryRow(ctx,
		`SELECT `+platformColumns+` FROM platform_wallets WHERE tenant_id = $1 AND currency = $2`, tenantID, currency))
	if err != nil {
		return wallet.PlatformWallet{}, err
	}
	return *p, nil
}

func (t *tx) LockWallet(ctx context.Context, tenantID string, id uuid.UUID) (*wallet.Wallet, error) {
	return scanWallet(t.q.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
}

func (t *tx) Wallet(ctx context.Context, tenantID string, id uuid.UUID) (*wallet.Wallet, error) {
	return scanWallet(t.q.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (t *tx) WalletByUser(ctx context.Context, tenantID, userID, currency string) (*wallet.Wallet, error) {
	return scanWallet(t.q.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tenant_id = $1 AND user_id = $2 AND currency = $3`,
		tenantID, userID, currency))
}

func (t *tx) SaveWallet(ctx context.Context, w *wallet.Wallet) error {
	if err := w.CheckInvariants(); err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
        UPDATE wallets SET available_balance = $3, locked_balance = $4, updated_at = now()
        WHERE tenant_id = $1 AND id = $2`,
		w.TenantID, w.ID, w.Available, w.Locked)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wallet.ErrNotFound
	}
	return nil
}

func (t *tx) LockPlatformWallet(ctx context.Context, tenantID, currency string) (*wallet.PlatformWallet, error) {
	if _, err := t.q.Exec(ctx, `
        INSERT INTO platform_wallets (id, tenant_id, currency) VALUES ($1, $2, $3)
        ON CONFLICT (tenant_id, currency) DO NOTHING`,
		uuid.New(), tenantID, currency); err != nil {
		return nil, fmt.Errorf("ensure platform wallet: %w", err)
	}
	return scanPlatform(t.q.QueryRow(ctx,
		`SELECT `+platformColumns+` FROM platform_wallets WHERE tenant_id = $1 AND currency = $2 FOR UPDATE`,
		tenantID, currency))
}

func (t *tx) SavePlatformWallet(ctx context.Context, p *wallet.PlatformWallet) error {
	if err := p.CheckInvariants(); err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
        UPDATE platform_wallets SET available_balance = $3, locked_balance = $4, updated_at = now()
        WHERE tenant_id = $1 AND id = $2`,
		p.TenantID, p.ID, p.Available, p.Locked)
	if err != nil {
		return fmt.Errorf("update platform wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return wallet.ErrNotFound
	}
	return nil
}

func scanWallet(row pgx.Row) (*wallet.Wallet, error) {
	var w wallet.Wallet
	if err := row.Scan(&w.ID, &w.TenantID, &w.UserID, &w.Currency, &w.Available, &w.Locked, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wallet.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

func scanPlatform(row pgx.Row) (*wallet.PlatformWallet, error) {
	var p wallet.PlatformWallet
	if err := row.Scan(&p.ID, &p.TenantID, &p.Currency, &p.Available, &p.Locked, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wallet.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
