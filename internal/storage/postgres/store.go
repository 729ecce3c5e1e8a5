// Package postgres implements the wallet, ledger and escrow stores on
// PostgreSQL. Transactions run at SERIALIZABLE isolation with explicit row
// locks; serialization failures, deadlocks and lock timeouts are retried
// and surface as ledger.ErrConcurrencyConflict once retries run out.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/escrow/internal/escrow"
	"github.com/congo-pay/escrow/internal/ledger"
	"github.com/congo-pay/escrow/internal/metrics"
	"github.com/congo-pay/escrow/internal/retry"
	"github.com/congo-pay/escrow/internal/wallet"
)

// Postgres error codes the store reacts to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB owns the pool shared by the three store views.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	policy retry.Policy
}

// Option customises a DB.
type Option func(*DB)

// WithRetryPolicy overrides how conflicting transactions are retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(db *DB) { db.policy = p }
}

// New wraps a pool.
func New(pool *pgxpool.Pool, logger *slog.Logger, opts ...Option) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	db := &DB{
		pool:   pool,
		logger: logger,
		policy: retry.Policy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(db)
	}
	db.policy.Retryable = func(err error) bool {
		return errors.Is(err, ledger.ErrConcurrencyConflict)
	}
	return db
}

// Wallets returns the wallet repository view.
func (db *DB) Wallets() wallet.Repository { return walletRepository{db: db} }

// Ledger returns the ledger store view.
func (db *DB) Ledger() ledger.Store { return ledgerStore{db: db} }

// Escrows returns the escrow store view.
func (db *DB) Escrows() escrow.Store { return escrowStore{db: db} }

func (db *DB) inTx(ctx context.Context, fn func(*tx) error) error {
	attempt := 0
	return retry.Do(ctx, db.policy, func() error {
		if attempt > 0 {
			metrics.TxRetriesTotal.Inc()
			db.logger.Debug("retrying conflicting transaction", "attempt", attempt+1)
		}
		attempt++
		return db.runTx(ctx, fn)
	})
}

func (db *DB) runTx(ctx context.Context, fn func(*tx) error) error {
	pgxTx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapError(err)
	}
	defer pgxTx.Rollback(ctx) // nolint:errcheck

	if err := fn(&tx{q: pgxTx, tx: pgxTx}); err != nil {
		return mapError(err)
	}
	if err := pgxTx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError turns transient Postgres failures into ErrConcurrencyConflict
// and deferred constraint failures into ErrInvariantViolation.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return fmt.Errorf("%w: %s", ledger.ErrConcurrencyConflict, pgErr.Message)
	case codeCheckViolation:
		return fmt.Errorf("%w: %s", ledger.ErrInvariantViolation, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// tx implements escrow.Tx, and with it ledger.Tx, on an open transaction.
type tx struct {
	q  querier
	tx pgx.Tx
}

var (
	_ escrow.Tx         = (*tx)(nil)
	_ ledger.Store      = ledgerStore{}
	_ escrow.Store      = escrowStore{}
	_ wallet.Repository = walletRepository{}
)
