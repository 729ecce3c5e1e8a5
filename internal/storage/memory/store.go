// Package memory is an in-process implementation of the wallet, ledger and
// escrow stores. A single mutex serializes every transaction, which gives the
// same isolation the Postgres store gets from row locks; a failed
// transaction restores the snapshot taken when it began.
package memory

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/escrow"
	"github.com/congo-pay/escrow/internal/ledger"
	"github.com/congo-pay/escrow/internal/retry"
	"github.com/congo-pay/escrow/internal/wallet"
)

type platformKey struct {
	tenantID string
	currency string
}

type userKey struct {
	tenantID string
	userID   string
	currency string
}

type batchKey struct {
	tenantID string
	op       ledger.Operation
	key      string
}

type balanceKey struct {
	tenantID string
	ref      ledger.AccountRef
}

type escrowKey struct {
	tenantID string
	key      string
}

type state struct {
	wallets     map[uuid.UUID]wallet.Wallet
	walletUsers map[userKey]uuid.UUID
	platforms   map[platformKey]wallet.PlatformWallet
	heads       map[string]ledger.Head
	batches     map[uuid.UUID]*ledger.PostingBatch
	chains      map[string][]uuid.UUID
	batchKeys   map[batchKey]uuid.UUID
	rrns        map[string]struct{}
	balances    map[balanceKey]ledger.AccountBalance
	escrows     map[uuid.UUID]escrow.Escrow
	escrowKeys  map[escrowKey]uuid.UUID
	timelines   map[uuid.UUID][]escrow.TimelineEntry
}

func newState() *state {
	return &state{
		wallets:     make(map[uuid.UUID]wallet.Wallet),
		walletUsers: make(map[userKey]uuid.UUID),
		platforms:   make(map[platformKey]wallet.PlatformWallet),
		heads:       make(map[string]ledger.Head),
		batches:     make(map[uuid.UUID]*ledger.PostingBatch),
		chains:      make(map[string][]uuid.UUID),
		batchKeys:   make(map[batchKey]uuid.UUID),
		rrns:        make(map[string]struct{}),
		balances:    make(map[balanceKey]ledger.AccountBalance),
		escrows:     make(map[uuid.UUID]escrow.Escrow),
		escrowKeys:  make(map[escrowKey]uuid.UUID),
		timelines:   make(map[uuid.UUID][]escrow.TimelineEntry),
	}
}

// snapshot copies the maps. Stored batches and timeline slices are never
// mutated in place, so sharing them between snapshots is safe.
func (s *state) snapshot() *state {
	chains := make(map[string][]uuid.UUID, len(s.chains))
	for k, v := range s.chains {
		chains[k] = v[:len(v):len(v)]
	}
	timelines := make(map[uuid.UUID][]escrow.TimelineEntry, len(s.timelines))
	for k, v := range s.timelines {
		timelines[k] = v[:len(v):len(v)]
	}
	return &state{
		wallets:     maps.Clone(s.wallets),
		walletUsers: maps.Clone(s.walletUsers),
		platforms:   maps.Clone(s.platforms),
		heads:       maps.Clone(s.heads),
		batches:     maps.Clone(s.batches),
		chains:      chains,
		batchKeys:   maps.Clone(s.batchKeys),
		rrns:        maps.Clone(s.rrns),
		balances:    maps.Clone(s.balances),
		escrows:     maps.Clone(s.escrows),
		escrowKeys:  maps.Clone(s.escrowKeys),
		timelines:   timelines,
	}
}

// DB holds the shared state behind the three store views.
type DB struct {
	mu     sync.Mutex
	st     *state
	policy retry.Policy
}

// New returns an empty in-memory database. Conflicting transactions, such
// as a batch whose RRN is already taken, are rolled back and run again.
func New() *DB {
	return &DB{
		st: newState(),
		policy: retry.Policy{
			MaxAttempts: 5,
			Retryable: func(err error) bool {
				return errors.Is(err, ledger.ErrConcurrencyConflict)
			},
		},
	}
}

// Wallets returns the wallet repository view.
func (db *DB) Wallets() wallet.Repository { return walletRepository{db: db} }

// Ledger returns the ledger store view.
func (db *DB) Ledger() ledger.Store { return ledgerStore{db: db} }

// Escrows returns the escrow store view.
func (db *DB) Escrows() escrow.Store { return escrowStore{db: db} }

func (db *DB) inTx(ctx context.Context, fn func(*tx) error) error {
	return retry.Do(ctx, db.policy, func() error { return db.runTx(ctx, fn) })
}

func (db *DB) runTx(ctx context.Context, fn func(*tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	saved := db.st.snapshot()
	if err := fn(&tx{st: db.st}); err != nil {
		db.st = saved
		return err
	}
	return nil
}

func (db *DB) read(fn func(*state)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn(db.st)
}

// tx implements escrow.Tx, and with it ledger.Tx, over the locked state.
type tx struct {
	st *state
}

var (
	_ escrow.Tx         = (*tx)(nil)
	_ ledger.Store      = ledgerStore{}
	_ escrow.Store      = escrowStore{}
	_ wallet.Repository = walletRepository{}
)
