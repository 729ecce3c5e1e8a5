package ledger

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBatch() *PostingBatch {
	walletID := uuid.New()
	return &PostingBatch{
		ID:             uuid.New(),
		TenantID:       "t1",
		Sequence:       1,
		RRN:            "628714ABCDEF",
		STAN:           "000001",
		Phase:          PhaseAdjustment,
		Operation:      OpDeposit,
		IdempotencyKey: "dep-1",
		Currency:       "XAF",
		TotalDebits:    500,
		TotalCredits:   500,
		Metadata:       map[string]string{MetaReference: "gw-1"},
		PostedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Lines: []LedgerLine{
			{ID: uuid.New(), AccountType: AccountClearingSuspense, AccountID: "clearing:XAF", Debit: 500, BalanceAfter: 500},
			{ID: uuid.New(), AccountType: AccountCustomerAvailable, AccountID: walletID.String(), Credit: 500, BalanceAfter: 500},
		},
	}
}

func TestValidateAcceptsBalancedBatch(t *testing.T) {
	require.NoError(t, sampleBatch().Validate())
}

func TestValidateRejectsMalformedBatches(t *testing.T) {
	cases := map[string]func(b *PostingBatch){
		"single line": func(b *PostingBatch) { b.Lines = b.Lines[:1] },
		"unbalanced": func(b *PostingBatch) {
			b.Lines[1].Credit = 400
			b.TotalCredits = 400
		},
		"two-sided line": func(b *PostingBatch) { b.Lines[0].Credit = 1 },
		"zero line": func(b *PostingBatch) {
			b.Lines = append(b.Lines, LedgerLine{AccountType: AccountFeesRevenue, AccountID: "p"})
		},
		"totals drift":     func(b *PostingBatch) { b.TotalDebits = 501 },
		"unknown account":  func(b *PostingBatch) { b.Lines[0].AccountType = "SUSPENSE" },
		"bad currency":     func(b *PostingBatch) { b.Currency = "xaf" },
		"negative amounts": func(b *PostingBatch) { b.Lines[0].Debit = -500 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := sampleBatch()
			mutate(b)
			require.ErrorIs(t, b.Validate(), ErrInvariantViolation)
		})
	}
}

func TestComputeHashCoversLinesAndPrev(t *testing.T) {
	b := sampleBatch()
	base := ComputeHash(nil, b)
	assert.Len(t, base, 32)
	assert.True(t, bytes.Equal(base, ComputeHash(nil, b)), "hash must be deterministic")

	assert.False(t, bytes.Equal(base, ComputeHash([]byte{1}, b)))

	tampered := sampleBatch()
	tampered.ID, tampered.Lines = b.ID, append([]LedgerLine(nil), b.Lines...)
	tampered.Lines[1].BalanceAfter = 499
	assert.False(t, bytes.Equal(base, ComputeHash(nil, tampered)))

	reordered := *b
	reordered.Metadata = map[string]string{MetaReference: "gw-1"}
	assert.True(t, bytes.Equal(base, ComputeHash(nil, &reordered)))
}

func TestLineDeltaFollowsNormalBalance(t *testing.T) {
	assert.Equal(t, int64(100), LedgerLine{AccountType: AccountClearingSuspense, Debit: 100}.Delta())
	assert.Equal(t, int64(-100), LedgerLine{AccountType: AccountClearingSuspense, Credit: 100}.Delta())
	assert.Equal(t, int64(100), LedgerLine{AccountType: AccountCustomerAvailable, Credit: 100}.Delta())
	assert.Equal(t, int64(-100), LedgerLine{AccountType: AccountCustomerLocked, Debit: 100}.Delta())
	assert.Equal(t, int64(100), LedgerLine{AccountType: AccountFeesRevenue, Credit: 100}.Delta())
}
