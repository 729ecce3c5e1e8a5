package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/congo-pay/escrow/internal/escrow"
)

const escrowColumns = `id, tenant_id, buyer_id, seller_id, buyer_wallet_id, seller_wallet_id, amount, fee_amount,
        currency, status, title, description, funded_at, started_at, delivered_at, released_at, refunded_at,
        disputed_at, cancelled_at, sla_auto_refund_at, sla_auto_release_at, auth_posting_batch_id,
        settlement_posting_batch_id, idempotency_key, dispute_reason, metadata, created_at, updated_at`

const timelineColumns = `id, escrow_id, tenant_id, event, actor_type, actor_id, metadata, created_at`

type escrowStore struct {
	db *DB
}

func (s escrowStore) InTx(ctx context.Context, fn func(escrow.Tx) error) error {
	return s.db.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (s escrowStore) Get(ctx context.Context, tenantID string, id uuid.UUID) (*escrow.Escrow, error) {
	return scanEscrow(s.db.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s escrowStore) Timeline(ctx context.Context, tenantID string, id uuid.UUID) ([]escrow.TimelineEntry, error) {
	var exists bool
	if err := s.db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrows WHERE tenant_id = $1 AND id = $2)`, tenantID, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, escrow.ErrNotFound
	}
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+timelineColumns+` FROM escrow_timelines WHERE escrow_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []escrow.TimelineEntry
	for rows.Next() {
		entry, err := scanTimeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s escrowStore) DueForRefund(ctx context.Context, now time.Time, limit int) ([]escrow.Ref, error) {
	return s.due(ctx, `
        SELECT tenant_id, id, status FROM escrows
        WHERE status IN ('CREATED', 'FUNDED', 'IN_PROGRESS') AND sla_auto_refund_at <= $1
        ORDER BY sla_auto_refund_at, id
        LIMIT $2`, now, limit)
}

func (s escrowStore) DueForRelease(ctx context.Context, now time.Time, limit int) ([]escrow.Ref, error) {
	return s.due(ctx, `
        SELECT tenant_id, id, status FROM escrows
        WHERE status = 'DELIVERED' AND sla_auto_release_at <= $1
        ORDER BY sla_auto_release_at, id
        LIMIT $2`, now, limit)
}

func (s escrowStore) due(ctx context.Context, query string, now time.Time, limit int) ([]escrow.Ref, error) {
	rows, err := s.db.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []escrow.Ref
	for rows.Next() {
		var ref escrow.Ref
		if err := rows.Scan(&ref.TenantID, &ref.ID, &ref.Status); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (t *tx) InsertEscrow(ctx context.Context, e *escrow.Escrow) error {
	_, err := t.q.Exec(ctx, `
        INSERT INTO escrows (`+escrowColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
                $21, $22, $23, $24, $25, $26, $27, $28)`,
		escrowArgs(e)...)
	if err != nil {
		if isUniqueViolation(err) {
			return escrow.ErrDuplicate
		}
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (t *tx) EscrowByIdempotencyKey(ctx context.Context, tenantID, key string) (*escrow.Escrow, error) {
	return scanEscrow(t.q.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key))
}

func (t *tx) LockEscrow(ctx context.Context, tenantID string, id uuid.UUID) (*escrow.Escrow, error) {
	return scanEscrow(t.q.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
}

func (t *tx) SaveEscrow(ctx context.Context, e *escrow.Escrow) error {
	tag, err := t.q.Exec(ctx, `
        UPDATE escrows SET
            status = $3, funded_at = $4, started_at = $5, delivered_at = $6, released_at = $7,
            refunded_at = $8, disputed_at = $9, cancelled_at = $10, auth_posting_batch_id = $11,
            settlement_posting_batch_id = $12, dispute_reason = $13, updated_at = $14
        WHERE tenant_id = $1 AND id = $2`,
		e.TenantID, e.ID, e.Status, e.FundedAt, e.StartedAt, e.DeliveredAt, e.ReleasedAt,
		e.RefundedAt, e.DisputedAt, e.CancelledAt, e.AuthBatchID, e.SettlementBatchID,
		e.DisputeReason, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrNotFound
	}
	return nil
}

func (t *tx) AppendTimeline(ctx context.Context, entry escrow.TimelineEntry) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := t.q.Exec(ctx, `INSERT INTO escrow_timelines (`+timelineColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.EscrowID, entry.TenantID, entry.Event, entry.ActorType, entry.ActorID, metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append escrow timeline: %w", err)
	}
	return nil
}

func (t *tx) TimelineEntryByKey(ctx context.Context, escrowID uuid.UUID, event escrow.Event, key string) (escrow.TimelineEntry, error) {
	entry, err := scanTimeline(t.q.QueryRow(ctx,
		`SELECT `+timelineColumns+` FROM escrow_timelines
		 WHERE escrow_id = $1 AND event = $2 AND metadata->>'`+escrow.MetaIdempotencyKey+`' = $3
		 ORDER BY seq DESC LIMIT 1`, escrowID, string(event), key))
	if errors.Is(err, pgx.ErrNoRows) {
		return escrow.TimelineEntry{}, escrow.ErrNotFound
	}
	return entry, err
}

func escrowArgs(e *escrow.Escrow) []any {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return []any{
		e.ID, e.TenantID, e.BuyerID, e.SellerID, e.BuyerWalletID, e.SellerWalletID, e.Amount, e.FeeAmount,
		e.Currency, e.Status, e.Title, e.Description, e.FundedAt, e.StartedAt, e.DeliveredAt, e.ReleasedAt,
		e.RefundedAt, e.DisputedAt, e.CancelledAt, e.SLAAutoRefundAt, e.SLAAutoReleaseAt, e.AuthBatchID,
		e.SettlementBatchID, e.IdempotencyKey, e.DisputeReason, metadata, e.CreatedAt, e.UpdatedAt,
	}
}

func scanEscrow(row pgx.Row) (*escrow.Escrow, error) {
	var e escrow.Escrow
	err := row.Scan(&e.ID, &e.TenantID, &e.BuyerID, &e.SellerID, &e.BuyerWalletID, &e.SellerWalletID,
		&e.Amount, &e.FeeAmount, &e.Currency, &e.Status, &e.Title, &e.Description, &e.FundedAt,
		&e.StartedAt, &e.DeliveredAt, &e.ReleasedAt, &e.RefundedAt, &e.DisputedAt, &e.CancelledAt,
		&e.SLAAutoRefundAt, &e.SLAAutoReleaseAt, &e.AuthBatchID, &e.SettlementBatchID,
		&e.IdempotencyKey, &e.DisputeReason, &e.Metadata, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, escrow.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func scanTimeline(row pgx.Row) (escrow.TimelineEntry, error) {
	var entry escrow.TimelineEntry
	err := row.Scan(&entry.ID, &entry.EscrowID, &entry.TenantID, &entry.Event, &entry.ActorType,
		&entry.ActorID, &entry.Metadata, &entry.CreatedAt)
	return entry, err
}
