package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/congo-pay/escrow/internal/money"
)

// Validate checks the double-entry shape of the batch: at least two lines,
// each one-sided and positive, debits equal to credits and to the batch totals.
func (b *PostingBatch) Validate() error {
	if len(b.Lines) < 2 {
		return fmt.Errorf("%w: batch has %d lines", ErrInvariantViolation, len(b.Lines))
	}
	if err := money.ValidateCurrency(b.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	var debits, credits int64
	for i, l := range b.Lines {
		if !l.AccountType.Valid() || l.AccountID == "" {
			return fmt.Errorf("%w: line %d has no account", ErrInvariantViolation, i)
		}
		if l.Debit < 0 || l.Credit < 0 || (l.Debit > 0) == (l.Credit > 0) {
			return fmt.Errorf("%w: line %d must have exactly one positive side", ErrInvariantViolation, i)
		}
		var ok bool
		if debits, ok = money.AddInt64(debits, l.Debit); !ok {
			return fmt.Errorf("%w: debit overflow", ErrInvariantViolation)
		}
		if credits, ok = money.AddInt64(credits, l.Credit); !ok {
			return fmt.Errorf("%w: credit overflow", ErrInvariantViolation)
		}
	}
	if debits != credits {
		return fmt.Errorf("%w: debits %d != credits %d", ErrInvariantViolation, debits, credits)
	}
	if debits != b.TotalDebits || credits != b.TotalCredits {
		return fmt.Errorf("%w: totals %d/%d do not match lines %d/%d",
			ErrInvariantViolation, b.TotalDebits, b.TotalCredits, debits, credits)
	}
	return nil
}

// ComputeHash returns blake2b-256(prev || canonical(batch)). The encoding
// covers every persisted field except the hash itself, so rewriting any
// historical batch breaks every later link.
func ComputeHash(prev []byte, b *PostingBatch) []byte {
	var buf bytes.Buffer
	writeBytes(&buf, prev)
	writeString(&buf, b.ID.String())
	writeString(&buf, b.TenantID)
	writeInt(&buf, b.Sequence)
	writeString(&buf, b.RRN)
	writeString(&buf, b.STAN)
	writeString(&buf, string(b.Phase))
	writeString(&buf, string(b.Operation))
	writeString(&buf, b.IdempotencyKey)
	writeString(&buf, b.Currency)
	writeInt(&buf, b.TotalDebits)
	writeInt(&buf, b.TotalCredits)
	writeInt(&buf, b.PostedAt.UnixMicro())

	keys := make([]string, 0, len(b.Metadata))
	for k := range b.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeInt(&buf, int64(len(keys)))
	for _, k := range keys {
		writeString(&buf, k)
		writeString(&buf, b.Metadata[k])
	}

	writeInt(&buf, int64(len(b.Lines)))
	for _, l := range b.Lines {
		writeString(&buf, l.ID.String())
		writeString(&buf, string(l.AccountType))
		writeString(&buf, l.AccountID)
		writeInt(&buf, l.Debit)
		writeInt(&buf, l.Credit)
		writeInt(&buf, l.BalanceAfter)
		writeString(&buf, l.Description)
	}

	sum := blake2b.Sum256(buf.Bytes())
	return sum[:]
}

func writeInt(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, p []byte) {
	writeInt(buf, int64(len(p)))
	buf.Write(p)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}
