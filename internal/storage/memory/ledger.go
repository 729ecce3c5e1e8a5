package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/ledger"
)

type ledgerStore struct {
	db *DB
}

func (s ledgerStore) InTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.db.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (s ledgerStore) Batch(_ context.Context, tenantID string, id uuid.UUID) (*ledger.PostingBatch, error) {
	var (
		b   *ledger.PostingBatch
		err error
	)
	s.db.read(func(st *state) {
		b, err = getBatch(st, tenantID, id)
	})
	return b, err
}

func (s ledgerStore) AccountBalance(_ context.Context, tenantID string, ref ledger.AccountRef) (ledger.AccountBalance, error) {
	var (
		ab ledger.AccountBalance
		ok bool
	)
	s.db.read(func(st *state) {
		ab, ok = st.balances[balanceKey{tenantID: tenantID, ref: ref}]
	})
	if !ok {
		return ledger.AccountBalance{TenantID: tenantID, AccountType: ref.Type, AccountID: ref.ID}, nil
	}
	return ab, nil
}

func (s ledgerStore) AccountBalances(_ context.Context, tenantID string) ([]ledger.AccountBalance, error) {
	var out []ledger.AccountBalance
	s.db.read(func(st *state) {
		for k, ab := range st.balances {
			if k.tenantID == tenantID {
				out = append(out, ab)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountType != out[j].AccountType {
			return out[i].AccountType < out[j].AccountType
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

func (s ledgerStore) AccountLines(_ context.Context, tenantID string, ref ledger.AccountRef, limit int) ([]ledger.LedgerLine, error) {
	var out []ledger.LedgerLine
	s.db.read(func(st *state) {
		chain := st.chains[tenantID]
		for i := len(chain) - 1; i >= 0 && len(out) < limit; i-- {
			b := st.batches[chain[i]]
			for j := len(b.Lines) - 1; j >= 0 && len(out) < limit; j-- {
				if b.Lines[j].Account() == ref {
					out = append(out, b.Lines[j])
				}
			}
		}
	})
	return out, nil
}

func (s ledgerStore) ChainBatches(_ context.Context, tenantID string, afterSeq int64, limit int) ([]*ledger.PostingBatch, error) {
	var out []*ledger.PostingBatch
	s.db.read(func(st *state) {
		chain := st.chains[tenantID]
		for i := int(afterSeq); i < len(chain) && len(out) < limit; i++ {
			if i < 0 {
				continue
			}
			out = append(out, cloneBatch(st.batches[chain[i]]))
		}
	})
	return out, nil
}

func (t *tx) LockHead(_ context.Context, tenantID string) (ledger.Head, error) {
	h, ok := t.st.heads[tenantID]
	if !ok {
		h = ledger.Head{TenantID: tenantID}
	}
	h.Hash = append([]byte(nil), h.Hash...)
	return h, nil
}

func (t *tx) SaveHead(_ context.Context, h ledger.Head) error {
	t.st.heads[h.TenantID] = h
	return nil
}

func (t *tx) FindBatch(_ context.Context, tenantID string, op ledger.Operation, key string) (*ledger.PostingBatch, error) {
	id, ok := t.st.batchKeys[batchKey{tenantID: tenantID, op: op, key: key}]
	if !ok {
		return nil, ledger.ErrBatchNotFound
	}
	return getBatch(t.st, tenantID, id)
}

func (t *tx) GetBatch(_ context.Context, tenantID string, id uuid.UUID) (*ledger.PostingBatch, error) {
	return getBatch(t.st, tenantID, id)
}

func (t *tx) InsertBatch(_ context.Context, b *ledger.PostingBatch) error {
	k := batchKey{tenantID: b.TenantID, op: b.Operation, key: b.IdempotencyKey}
	if _, ok := t.st.batchKeys[k]; ok {
		return ledger.ErrDuplicateBatch
	}
	if _, ok := t.st.rrns[b.RRN]; ok {
		return ledger.ErrDuplicateBatch
	}
	if err := b.Validate(); err != nil {
		return err
	}
	chain := t.st.chains[b.TenantID]
	if b.Sequence != int64(len(chain))+1 {
		return ledger.ErrConcurrencyConflict
	}

	stored := cloneBatch(b)
	stored.Replayed = false
	t.st.batches[b.ID] = stored
	t.st.chains[b.TenantID] = append(chain, b.ID)
	t.st.batchKeys[k] = b.ID
	t.st.rrns[b.RRN] = struct{}{}
	return nil
}

func (t *tx) ApplyBalance(_ context.Context, tenantID string, ref ledger.AccountRef, currency string, delta int64, batchID uuid.UUID, at time.Time) (int64, error) {
	k := balanceKey{tenantID: tenantID, ref: ref}
	ab, ok := t.st.balances[k]
	if !ok {
		ab = ledger.AccountBalance{TenantID: tenantID, AccountType: ref.Type, AccountID: ref.ID, Currency: currency}
	}
	ab.Balance += delta
	ab.LastPostingBatchID = batchID
	ab.UpdatedAt = at
	t.st.balances[k] = ab
	return ab.Balance, nil
}

func getBatch(st *state, tenantID string, id uuid.UUID) (*ledger.PostingBatch, error) {
	b, ok := st.batches[id]
	if !ok || b.TenantID != tenantID {
		return nil, ledger.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

func cloneBatch(b *ledger.PostingBatch) *ledger.PostingBatch {
	c := *b
	c.Metadata = maps.Clone(b.Metadata)
	c.PrevHash = append([]byte(nil), b.PrevHash...)
	c.Hash = append([]byte(nil), b.Hash...)
	c.Lines = append([]ledger.LedgerLine(nil), b.Lines...)
	return &c
}
