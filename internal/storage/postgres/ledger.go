package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/congo-pay/escrow/internal/ledger"
)

const batchColumns = `id, tenant_id, sequence, rrn, stan, mti_phase, operation, idempotency_key, currency,
        total_debits, total_credits, metadata, prev_hash, hash, posted_at`

const lineColumns = `id, posting_batch_id, tenant_id, account_type, account_id, debit_amount, credit_amount,
        balance_after, description, created_at`

type ledgerStore struct {
	db *DB
}

func (s ledgerStore) InTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.db.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (s ledgerStore) Batch(ctx context.Context, tenantID string, id uuid.UUID) (*ledger.PostingBatch, error) {
	return getBatch(ctx, s.db.pool, `WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (s ledgerStore) AccountBalance(ctx context.Context, tenantID string, ref ledger.AccountRef) (ledger.AccountBalance, error) {
	ab := ledger.AccountBalance{TenantID: tenantID, AccountType: ref.Type, AccountID: ref.ID}
	err := s.db.pool.QueryRow(ctx, `
        SELECT currency, balance, last_posting_batch_id, updated_at
        FROM account_balances
        WHERE tenant_id = $1 AND account_type = $2 AND account_id = $3`,
		tenantID, ref.Type, ref.ID).Scan(&ab.Currency, &ab.Balance, &ab.LastPostingBatchID, &ab.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return ledger.AccountBalance{}, err
	}
	return ab, nil
}

func (s ledgerStore) AccountBalances(ctx context.Context, tenantID string) ([]ledger.AccountBalance, error) {
	rows, err := s.db.pool.Query(ctx, `
        SELECT account_type, account_id, currency, balance, last_posting_batch_id, updated_at
        FROM account_balances
        WHERE tenant_id = $1
        ORDER BY account_type, account_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.AccountBalance
	for rows.Next() {
		ab := ledger.AccountBalance{TenantID: tenantID}
		if err := rows.Scan(&ab.AccountType, &ab.AccountID, &ab.Currency, &ab.Balance, &ab.LastPostingBatchID, &ab.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ab)
	}
	return out, rows.Err()
}

func (s ledgerStore) AccountLines(ctx context.Context, tenantID string, ref ledger.AccountRef, limit int) ([]ledger.LedgerLine, error) {
	rows, err := s.db.pool.Query(ctx, `
        SELECT l.id, l.posting_batch_id, l.tenant_id, l.account_type, l.account_id, l.debit_amount,
               l.credit_amount, l.balance_after, l.description, l.created_at
        FROM ledger_lines l
        JOIN posting_batches b ON b.id = l.posting_batch_id
        WHERE l.tenant_id = $1 AND l.account_type = $2 AND l.account_id = $3
        ORDER BY b.sequence DESC, l.line_no DESC
        LIMIT $4`, tenantID, ref.Type, ref.ID, limit)
	if err != nil {
		return nil, err
	}
	return collectLines(rows)
}

func (s ledgerStore) ChainBatches(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]*ledger.PostingBatch, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT `+batchColumns+` FROM posting_batches
        WHERE tenant_id = $1 AND sequence > $2
        ORDER BY sequence
        LIMIT $3`, tenantID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	batches, err := collectBatches(rows)
	if err != nil {
		return nil, err
	}
	if err := loadLines(ctx, s.db.pool, batches); err != nil {
		return nil, err
	}
	return batches, nil
}

func (t *tx) LockHead(ctx context.Context, tenantID string) (ledger.Head, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO ledger_heads (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`, tenantID); err != nil {
		return ledger.Head{}, fmt.Errorf("ensure ledger head: %w", err)
	}
	h := ledger.Head{TenantID: tenantID}
	err := t.q.QueryRow(ctx,
		`SELECT sequence, stan, hash FROM ledger_heads WHERE tenant_id = $1 FOR UPDATE`, tenantID).
		Scan(&h.Sequence, &h.STAN, &h.Hash)
	if err != nil {
		return ledger.Head{}, fmt.Errorf("lock ledger head: %w", err)
	}
	return h, nil
}

func (t *tx) SaveHead(ctx context.Context, h ledger.Head) error {
	_, err := t.q.Exec(ctx,
		`UPDATE ledger_heads SET sequence = $2, stan = $3, hash = $4, updated_at = now() WHERE tenant_id = $1`,
		h.TenantID, h.Sequence, h.STAN, h.Hash)
	if err != nil {
		return fmt.Errorf("update ledger head: %w", err)
	}
	return nil
}

func (t *tx) FindBatch(ctx context.Context, tenantID string, op ledger.Operation, key string) (*ledger.PostingBatch, error) {
	return getBatch(ctx, t.q, `WHERE tenant_id = $1 AND operation = $2 AND idempotency_key = $3`, tenantID, op, key)
}

func (t *tx) GetBatch(ctx context.Context, tenantID string, id uuid.UUID) (*ledger.PostingBatch, error) {
	return getBatch(ctx, t.q, `WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (t *tx) InsertBatch(ctx context.Context, b *ledger.PostingBatch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	metadata := b.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := t.q.Exec(ctx, `
        INSERT INTO posting_batches (`+batchColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		b.ID, b.TenantID, b.Sequence, b.RRN, b.STAN, b.Phase, b.Operation, b.IdempotencyKey, b.Currency,
		b.TotalDebits, b.TotalCredits, metadata, b.PrevHash, b.Hash, b.PostedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ledger.ErrDuplicateBatch, err)
		}
		return fmt.Errorf("insert posting batch: %w", err)
	}

	rows := make([][]any, len(b.Lines))
	for i, l := range b.Lines {
		rows[i] = []any{
			l.ID, l.PostingBatchID, i, l.TenantID, l.AccountType, l.AccountID,
			l.Debit, l.Credit, l.BalanceAfter, l.Description, l.CreatedAt,
		}
	}
	_, err = t.tx.CopyFrom(ctx, pgx.Identifier{"ledger_lines"},
		[]string{"id", "posting_batch_id", "line_no", "tenant_id", "account_type", "account_id",
			"debit_amount", "credit_amount", "balance_after", "description", "created_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert ledger lines: %w", err)
	}
	return nil
}

func (t *tx) ApplyBalance(ctx context.Context, tenantID string, ref ledger.AccountRef, currency string, delta int64, batchID uuid.UUID, at time.Time) (int64, error) {
	var balance int64
	err := t.q.QueryRow(ctx, `
        INSERT INTO account_balances (tenant_id, account_type, account_id, currency, balance, last_posting_batch_id, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (tenant_id, account_type, account_id) DO UPDATE
        SET balance = account_balances.balance + EXCLUDED.balance,
            last_posting_batch_id = EXCLUDED.last_posting_batch_id,
            updated_at = EXCLUDED.updated_at
        RETURNING balance`,
		tenantID, ref.Type, ref.ID, currency, delta, batchID, at).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("apply account balance: %w", err)
	}
	return balance, nil
}

func getBatch(ctx context.Context, q querier, where string, args ...any) (*ledger.PostingBatch, error) {
	rows, err := q.Query(ctx, `SELECT `+batchColumns+` FROM posting_batches `+where, args...)
	if err != nil {
		return nil, err
	}
	batches, err := collectBatches(rows)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, ledger.ErrBatchNotFound
	}
	if err := loadLines(ctx, q, batches); err != nil {
		return nil, err
	}
	return batches[0], nil
}

func collectBatches(rows pgx.Rows) ([]*ledger.PostingBatch, error) {
	defer rows.Close()
	var out []*ledger.PostingBatch
	for rows.Next() {
		var b ledger.PostingBatch
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Sequence, &b.RRN, &b.STAN, &b.Phase, &b.Operation,
			&b.IdempotencyKey, &b.Currency, &b.TotalDebits, &b.TotalCredits, &b.Metadata,
			&b.PrevHash, &b.Hash, &b.PostedAt); err != nil {
			return nil, err
		}
		b.PostedAt = b.PostedAt.UTC()
		out = append(out, &b)
	}
	return out, rows.Err()
}

// loadLines fills each batch's lines in posting order with one query.
func loadLines(ctx context.Context, q querier, batches []*ledger.PostingBatch) error {
	if len(batches) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(batches))
	byID := make(map[uuid.UUID]*ledger.PostingBatch, len(batches))
	for i, b := range batches {
		ids[i] = b.ID
		byID[b.ID] = b
	}
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM ledger_lines
        WHERE posting_batch_id = ANY($1)
        ORDER BY posting_batch_id, line_no`, ids)
	if err != nil {
		return err
	}
	lines, err := collectLines(rows)
	if err != nil {
		return err
	}
	for _, l := range lines {
		b := byID[l.PostingBatchID]
		b.Lines = append(b.Lines, l)
	}
	return nil
}

func collectLines(rows pgx.Rows) ([]ledger.LedgerLine, error) {
	defer rows.Close()
	var out []ledger.LedgerLine
	for rows.Next() {
		var l ledger.LedgerLine
		if err := rows.Scan(&l.ID, &l.PostingBatchID, &l.TenantID, &l.AccountType, &l.AccountID,
			&l.Debit, &l.Credit, &l.BalanceAfter, &l.Description, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}
