package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/escrow"
)

type escrowStore struct {
	db *DB
}

func (s escrowStore) InTx(ctx context.Context, fn func(escrow.Tx) error) error {
	return s.db.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (s escrowStore) Get(_ context.Context, tenantID string, id uuid.UUID) (*escrow.Escrow, error) {
	var (
		e  escrow.Escrow
		ok bool
	)
	s.db.read(func(st *state) {
		e, ok = st.escrows[id]
	})
	if !ok || e.TenantID != tenantID {
		return nil, escrow.ErrNotFound
	}
	return cloneEscrow(e), nil
}

func (s escrowStore) Timeline(_ context.Context, tenantID string, id uuid.UUID) ([]escrow.TimelineEntry, error) {
	var (
		out []escrow.TimelineEntry
		ok  bool
	)
	s.db.read(func(st *state) {
		var e escrow.Escrow
		if e, ok = st.escrows[id]; !ok || e.TenantID != tenantID {
			ok = false
			return
		}
		out = append(out, st.timelines[id]...)
	})
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return out, nil
}

func (s escrowStore) DueForRefund(_ context.Context, now time.Time, limit int) ([]escrow.Ref, error) {
	return s.due(limit, func(e escrow.Escrow) (time.Time, bool) {
		switch e.Status {
		case escrow.StatusCreated, escrow.StatusFunded, escrow.StatusInProgress:
			return e.SLAAutoRefundAt, !e.SLAAutoRefundAt.After(now)
		}
		return time.Time{}, false
	})
}

func (s escrowStore) DueForRelease(_ context.Context, now time.Time, limit int) ([]escrow.Ref, error) {
	return s.due(limit, func(e escrow.Escrow) (time.Time, bool) {
		if e.Status != escrow.StatusDelivered {
			return time.Time{}, false
		}
		return e.SLAAutoReleaseAt, !e.SLAAutoReleaseAt.After(now)
	})
}

func (s escrowStore) due(limit int, match func(escrow.Escrow) (time.Time, bool)) ([]escrow.Ref, error) {
	type candidate struct {
		ref      escrow.Ref
		deadline time.Time
	}
	var found []candidate
	s.db.read(func(st *state) {
		for _, e := range st.escrows {
			if deadline, ok := match(e); ok {
				found = append(found, candidate{
					ref:      escrow.Ref{TenantID: e.TenantID, ID: e.ID, Status: e.Status},
					deadline: deadline,
				})
			}
		}
	})
	sort.Slice(found, func(i, j int) bool {
		if !found[i].deadline.Equal(found[j].deadline) {
			return found[i].deadline.Before(found[j].deadline)
		}
		return found[i].ref.ID.String() < found[j].ref.ID.String()
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]escrow.Ref, len(found))
	for i, c := range found {
		out[i] = c.ref
	}
	return out, nil
}

func (t *tx) InsertEscrow(_ context.Context, e *escrow.Escrow) error {
	k := escrowKey{tenantID: e.TenantID, key: e.IdempotencyKey}
	if _, ok := t.st.escrowKeys[k]; ok {
		return escrow.ErrDuplicate
	}
	if _, ok := t.st.escrows[e.ID]; ok {
		return escrow.ErrDuplicate
	}
	t.st.escrows[e.ID] = *cloneEscrow(*e)
	t.st.escrowKeys[k] = e.ID
	return nil
}

func (t *tx) EscrowByIdempotencyKey(_ context.Context, tenantID, key string) (*escrow.Escrow, error) {
	id, ok := t.st.escrowKeys[escrowKey{tenantID: tenantID, key: key}]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return cloneEscrow(t.st.escrows[id]), nil
}

func (t *tx) LockEscrow(_ context.Context, tenantID string, id uuid.UUID) (*escrow.Escrow, error) {
	e, ok := t.st.escrows[id]
	if !ok || e.TenantID != tenantID {
		return nil, escrow.ErrNotFound
	}
	return cloneEscrow(e), nil
}

func (t *tx) SaveEscrow(_ context.Context, e *escrow.Escrow) error {
	if _, ok := t.st.escrows[e.ID]; !ok {
		return escrow.ErrNotFound
	}
	t.st.escrows[e.ID] = *cloneEscrow(*e)
	return nil
}

func (t *tx) AppendTimeline(_ context.Context, entry escrow.TimelineEntry) error {
	if _, ok := t.st.escrows[entry.EscrowID]; !ok {
		return escrow.ErrNotFound
	}
	entry.Metadata = maps.Clone(entry.Metadata)
	t.st.timelines[entry.EscrowID] = append(t.st.timelines[entry.EscrowID], entry)
	return nil
}

func (t *tx) TimelineEntryByKey(_ context.Context, escrowID uuid.UUID, event escrow.Event, key string) (escrow.TimelineEntry, error) {
	entries := t.st.timelines[escrowID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Event == event && entries[i].Metadata[escrow.MetaIdempotencyKey] == key {
			return entries[i], nil
		}
	}
	return escrow.TimelineEntry{}, escrow.ErrNotFound
}

func cloneEscrow(e escrow.Escrow) *escrow.Escrow {
	c := e
	c.Metadata = maps.Clone(e.Metadata)
	if e.AuthBatchID != nil {
		id := *e.AuthBatchID
		c.AuthBatchID = &id
	}
	if e.SettlementBatchID != nil {
		id := *e.SettlementBatchID
		c.SettlementBatchID = &id
	}
	return &c
}
