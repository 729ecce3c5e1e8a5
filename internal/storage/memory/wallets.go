package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/wallet"
)

type walletRepository struct {
	db *DB
}

func (r walletRepository) Create(ctx context.Context, w wallet.Wallet) error {
	return r.db.inTx(ctx, func(t *tx) error {
		k := userKey{tenantID: w.TenantID, userID: w.UserID, currency: w.Currency}
		if _, ok := t.st.walletUsers[k]; ok {
			return wallet.ErrExists
		}
		if _, ok := t.st.wallets[w.ID]; ok {
			return wallet.ErrExists
		}
		t.st.wallets[w.ID] = w
		t.st.walletUsers[k] = w.ID
		return nil
	})
}

func (r walletRepository) Get(_ context.Context, tenantID string, id uuid.UUID) (wallet.Wallet, error) {
	var (
		w  wallet.Wallet
		ok bool
	)
	r.db.read(func(st *state) {
		w, ok = st.wallets[id]
	})
	if !ok || w.TenantID != tenantID {
		return wallet.Wallet{}, wallet.ErrNotFound
	}
	return w, nil
}

func (r walletRepository) GetByUser(_ context.Context, tenantID, userID, currency string) (wallet.Wallet, error) {
	var (
		w  wallet.Wallet
		ok bool
	)
	r.db.read(func(st *state) {
		var id uuid.UUID
		if id, ok = st.walletUsers[userKey{tenantID: tenantID, userID: userID, currency: currency}]; ok {
			w = st.wallets[id]
		}
	})
	if !ok {
		return wallet.Wallet{}, wallet.ErrNotFound
	}
	return w, nil
}

func (r walletRepository) Platform(_ context.Context, tenantID, currency string) (wallet.PlatformWallet, error) {
	var (
		p  wallet.PlatformWallet
		ok bool
	)
	r.db.read(func(st *state) {
		p, ok = st.platforms[platformKey{tenantID: tenantID, currency: currency}]
	})
	if !ok {
		return wallet.PlatformWallet{}, wallet.ErrNotFound
	}
	return p, nil
}

func (t *tx) LockWallet(ctx context.Context, tenantID string, id uuid.UUID) (*wallet.Wallet, error) {
	return t.Wallet(ctx, tenantID, id)
}

func (t *tx) Wallet(_ context.Context, tenantID string, id uuid.UUID) (*wallet.Wallet, error) {
	w, ok := t.st.wallets[id]
	if !ok || w.TenantID != tenantID {
		return nil, wallet.ErrNotFound
	}
	return &w, nil
}

func (t *tx) WalletByUser(ctx context.Context, tenantID, userID, currency string) (*wallet.Wallet, error) {
	id, ok := t.st.walletUsers[userKey{tenantID: tenantID, userID: userID, currency: currency}]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	return t.Wallet(ctx, tenantID, id)
}

func (t *tx) SaveWallet(_ context.Context, w *wallet.Wallet) error {
	if _, ok := t.st.wallets[w.ID]; !ok {
		return wallet.ErrNotFound
	}
	if err := w.CheckInvariants(); err != nil {
		return err
	}
	t.st.wallets[w.ID] = *w
	return nil
}

func (t *tx) LockPlatformWallet(_ context.Context, tenantID, currency string) (*wallet.PlatformWallet, error) {
	k := platformKey{tenantID: tenantID, currency: currency}
	p, ok := t.st.platforms[k]
	if !ok {
		now := time.Now().UTC()
		p = wallet.PlatformWallet{
			ID:        uuid.New(),
			TenantID:  tenantID,
			Currency:  currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.st.platforms[k] = p
	}
	return &p, nil
}

func (t *tx) SavePlatformWallet(_ context.Context, p *wallet.PlatformWallet) error {
	k := platformKey{tenantID: p.TenantID, currency: p.Currency}
	if _, ok := t.st.platforms[k]; !ok {
		return wallet.ErrNotFound
	}
	if err := p.CheckInvariants(); err != nil {
		return err
	}
	t.st.platforms[k] = *p
	return nil
}
