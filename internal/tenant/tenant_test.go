package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	dir, err := Load("")
	require.NoError(t, err)

	cfg, err := dir.Config(context.Background(), "anyone")
	require.NoError(t, err)
	assert.True(t, cfg.FeePercent.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 72*time.Hour, cfg.RefundAfter)
	assert.Equal(t, 168*time.Hour, cfg.ReleaseAfter)
	assert.Equal(t, "XAF", cfg.Currency)
}

func TestLoadMergesTenantOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  fee_percent: 4
  currency: USD
tenants:
  acme:
    fee_percent: "2.5"
    refund_after: 24h
`), 0o600))

	dir, err := Load(path)
	require.NoError(t, err)

	acme, err := dir.Config(context.Background(), "ACME")
	require.NoError(t, err)
	assert.True(t, acme.FeePercent.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, 24*time.Hour, acme.RefundAfter)
	assert.Equal(t, 168*time.Hour, acme.ReleaseAfter)
	assert.Equal(t, "USD", acme.Currency)

	other, err := dir.Config(context.Background(), "other")
	require.NoError(t, err)
	assert.True(t, other.FeePercent.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, 72*time.Hour, other.RefundAfter)
}

func TestValidateRejectsReleaseBeforeRefund(t *testing.T) {
	cfg := Default()
	cfg.ReleaseAfter = cfg.RefundAfter
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.FeePercent = decimal.NewFromInt(150)
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	_, err := NewStaticDirectory(Default(), map[string]Config{"bad": {Currency: "XAF"}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
