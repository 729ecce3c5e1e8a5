// Package tenant holds per-tenant commercial settings: the platform fee and
// the SLA windows used to stamp escrow deadlines at creation time.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/congo-pay/escrow/internal/money"
)

// ErrInvalidConfig is returned for settings that cannot produce sane escrows.
var ErrInvalidConfig = errors.New("invalid tenant config")

// Config is the commercial configuration of one tenant.
type Config struct {
	FeePercent   decimal.Decimal `json:"fee_percent"`
	RefundAfter  time.Duration   `json:"refund_after"`
	ReleaseAfter time.Duration   `json:"release_after"`
	Currency     string          `json:"currency"`
}

// Default is used for tenants without an explicit entry.
func Default() Config {
	return Config{
		FeePercent:   decimal.NewFromInt(5),
		RefundAfter:  72 * time.Hour,
		ReleaseAfter: 168 * time.Hour,
		Currency:     "XAF",
	}
}

// Validate checks the fee range, the currency and that release follows refund.
func (c Config) Validate() error {
	if c.FeePercent.IsNegative() || c.FeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: fee_percent %s outside [0, 100]", ErrInvalidConfig, c.FeePercent)
	}
	if c.RefundAfter <= 0 {
		return fmt.Errorf("%w: refund_after must be positive", ErrInvalidConfig)
	}
	if c.ReleaseAfter <= c.RefundAfter {
		return fmt.Errorf("%w: release_after %s must exceed refund_after %s", ErrInvalidConfig, c.ReleaseAfter, c.RefundAfter)
	}
	if err := money.ValidateCurrency(c.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Directory resolves a tenant's configuration.
type Directory interface {
	Config(ctx context.Context, tenantID string) (Config, error)
}

// StaticDirectory serves configuration loaded once at start-up.
type StaticDirectory struct {
	defaults Config
	tenants  map[string]Config
}

// NewStaticDirectory validates and wraps in-memory configuration.
func NewStaticDirectory(defaults Config, tenants map[string]Config) (*StaticDirectory, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	d := &StaticDirectory{defaults: defaults, tenants: make(map[string]Config, len(tenants))}
	for id, cfg := range tenants {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		d.tenants[strings.ToLower(id)] = cfg
	}
	return d, nil
}

// Config returns the tenant's entry or the defaults. Tenant ids are matched
// case-insensitively.
func (d *StaticDirectory) Config(_ context.Context, tenantID string) (Config, error) {
	if cfg, ok := d.tenants[strings.ToLower(tenantID)]; ok {
		return cfg, nil
	}
	return d.defaults, nil
}

// Load reads a YAML, JSON or TOML file of the form
//
//	defaults:
//	  fee_percent: 5
//	  refund_after: 72h
//	  release_after: 168h
//	  currency: XAF
//	tenants:
//	  acme:
//	    fee_percent: 2.5
//
// Tenant entries inherit every key they leave out from defaults. An empty
// path yields the built-in defaults.
func Load(path string) (*StaticDirectory, error) {
	base := Default()
	if path == "" {
		return NewStaticDirectory(base, nil)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("defaults.fee_percent", base.FeePercent.String())
	v.SetDefault("defaults.refund_after", base.RefundAfter.String())
	v.SetDefault("defaults.release_after", base.ReleaseAfter.String())
	v.SetDefault("defaults.currency", base.Currency)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tenant config: %w", err)
	}

	defaults, err := decode(v.Sub("defaults"), base)
	if err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}

	tenants := make(map[string]Config)
	for id := range v.GetStringMap("tenants") {
		cfg, err := decode(v.Sub("tenants."+id), defaults)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		tenants[id] = cfg
	}
	return NewStaticDirectory(defaults, tenants)
}

func decode(v *viper.Viper, fallback Config) (Config, error) {
	cfg := fallback
	if v == nil {
		return cfg, nil
	}
	if v.IsSet("fee_percent") {
		fee, err := decimal.NewFromString(v.GetString("fee_percent"))
		if err != nil {
			return Config{}, fmt.Errorf("%w: fee_percent: %v", ErrInvalidConfig, err)
		}
		cfg.FeePercent = fee
	}
	if v.IsSet("refund_after") {
		cfg.RefundAfter = v.GetDuration("refund_after")
	}
	if v.IsSet("release_after") {
		cfg.ReleaseAfter = v.GetDuration("release_after")
	}
	if v.IsSet("currency") {
		cfg.Currency = money.NormalizeCurrency(v.GetString("currency"))
	}
	return cfg, nil
}
