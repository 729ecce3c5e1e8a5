package ledger

import (
	"bytes"
	"context"
	"fmt"
)

const verifyPageSize = 500

// VerifyReport summarises a replay of a tenant's ledger.
type VerifyReport struct {
	TenantID     string   `json:"tenant_id"`
	Batches      int      `json:"batches"`
	Lines        int      `json:"lines"`
	HeadSequence int64    `json:"head_sequence"`
	Accounts     int      `json:"accounts"`
	Problems     []string `json:"problems,omitempty"`
	OK           bool     `json:"ok"`
}

func (r *VerifyReport) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Verify replays every batch of the tenant in sequence order. It checks that
// each batch balances, that the hash chain is unbroken, that every line's
// balance_after matches the running total and that the replayed totals equal
// the cached account balances. Debit-normal and credit-normal totals must
// also agree, otherwise money was created or destroyed.
func (s *Service) Verify(ctx context.Context, tenantID string) (VerifyReport, error) {
	report := VerifyReport{TenantID: tenantID}
	running := make(map[AccountRef]int64)

	var prev []byte
	var seq int64
	for {
		page, err := s.store.ChainBatches(ctx, tenantID, seq, verifyPageSize)
		if err != nil {
			return report, err
		}
		for _, b := range page {
			if b.Sequence != seq+1 {
				report.problem("batch %s: sequence %d follows %d", b.ID, b.Sequence, seq)
			}
			seq = b.Sequence
			report.Batches++
			report.Lines += len(b.Lines)

			if err := b.Validate(); err != nil {
				report.problem("batch %s: %v", b.ID, err)
			}
			if !bytes.Equal(b.PrevHash, prev) {
				report.problem("batch %s: prev_hash does not link to batch %d", b.ID, b.Sequence-1)
			}
			if want := ComputeHash(b.PrevHash, b); !bytes.Equal(want, b.Hash) {
				report.problem("batch %s: hash mismatch", b.ID)
			}
			prev = b.Hash

			for _, l := range b.Lines {
				ref := l.Account()
				running[ref] += l.Delta()
				if running[ref] != l.BalanceAfter {
					report.problem("line %s: balance_after %d, replay %d", l.ID, l.BalanceAfter, running[ref])
				}
			}
		}
		if len(page) < verifyPageSize {
			break
		}
	}
	report.HeadSequence = seq

	cached, err := s.store.AccountBalances(ctx, tenantID)
	if err != nil {
		return report, err
	}
	report.Accounts = len(cached)
	seen := make(map[AccountRef]bool, len(cached))
	for _, ab := range cached {
		ref := AccountRef{Type: ab.AccountType, ID: ab.AccountID}
		seen[ref] = true
		if running[ref] != ab.Balance {
			report.problem("account %s/%s: cached %d, replay %d", ref.Type, ref.ID, ab.Balance, running[ref])
		}
	}

	var debitNormal, creditNormal int64
	for ref, bal := range running {
		if !seen[ref] && bal != 0 {
			report.problem("account %s/%s: replay %d has no cached balance", ref.Type, ref.ID, bal)
		}
		if ref.Type.DebitNormal() {
			debitNormal += bal
		} else {
			creditNormal += bal
		}
	}
	if debitNormal != creditNormal {
		report.problem("trial balance: debit-normal %d, credit-normal %d", debitNormal, creditNormal)
	}

	report.OK = len(report.Problems) == 0
	if !report.OK {
		s.logger.Error("ledger verification failed", "tenant_id", tenantID, "problems", len(report.Problems))
	}
	return report, nil
}
