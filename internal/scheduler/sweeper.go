// Package scheduler drives escrows whose SLA deadlines have passed through
// the state machine with the system identity.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/congo-pay/escrow/internal/escrow"
	"github.com/congo-pay/escrow/internal/metrics"
)

const (
	KindRefund  = "refund"
	KindRelease = "release"

	defaultInterval  = time.Minute
	defaultBatchSize = 100
	leaseName        = "escrow-sweep"
)

// Source lists escrows past a deadline. escrow.Store satisfies it.
type Source interface {
	DueForRefund(ctx context.Context, now time.Time, limit int) ([]escrow.Ref, error)
	DueForRelease(ctx context.Context, now time.Time, limit int) ([]escrow.Ref, error)
}

// Transitioner runs escrow transitions. *escrow.Service satisfies it.
type Transitioner interface {
	Cancel(ctx context.Context, cmd escrow.Command) (*escrow.Escrow, error)
	Refund(ctx context.Context, cmd escrow.Command) (*escrow.Escrow, error)
	Release(ctx context.Context, cmd escrow.Command) (*escrow.Escrow, error)
}

// Locker grants a lease that keeps concurrent instances from sweeping at the
// same time. Acquire reports false when another holder owns the lease.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Report counts what one sweep did.
type Report struct {
	Cancelled int
	Refunded  int
	Released  int
	Failed    int
	// Skipped is set when the lease was held elsewhere.
	Skipped bool
}

// Sweeper periodically applies auto-refund and auto-release.
type Sweeper struct {
	source    Source
	escrows   Transitioner
	locker    Locker
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// Option customises a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize caps the escrows visited per sweep kind.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLocker guards each sweep with a distributed lease.
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithClock overrides the time source used by Run.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper builds a sweeper. Without a locker the sweep runs unguarded and
// relies on row locks.
func NewSweeper(source Source, escrows Transitioner, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		source:    source,
		escrows:   escrows,
		logger:    logger,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether Run is looping.
func (s *Sweeper) Running() bool { return s.running.Load() }

// Run sweeps on every tick until ctx is done or Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("escrow sweeper started", "interval", s.interval, "batch_size", s.batchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.RunOnce(ctx, s.now())
}

// RunOnce runs the auto-refund sweep followed by the auto-release sweep.
// A failing escrow is logged and counted; the rest are still visited.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) Report {
	var report Report
	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, leaseName, s.leaseTTL())
		if err != nil {
			s.logger.Warn("escrow sweep lease unavailable", "error", err)
			report.Skipped = true
			return report
		}
		if !ok {
			s.logger.Debug("escrow sweep lease held elsewhere")
			report.Skipped = true
			return report
		}
		defer release()
	}

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	refunds, err := s.source.DueForRefund(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Warn("listing escrows due for refund failed", "error", err)
	}
	for _, ref := range refunds {
		if ctx.Err() != nil {
			return report
		}
		s.refund(ctx, ref, &report)
	}

	releases, err := s.source.DueForRelease(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Warn("listing escrows due for release failed", "error", err)
	}
	for _, ref := range releases {
		if ctx.Err() != nil {
			return report
		}
		s.release(ctx, ref, &report)
	}

	if report.Cancelled+report.Refunded+report.Released+report.Failed > 0 {
		s.logger.Info("escrow sweep finished",
			"cancelled", report.Cancelled,
			"refunded", report.Refunded,
			"released", report.Released,
			"failed", report.Failed,
		)
	}
	return report
}

func (s *Sweeper) refund(ctx context.Context, ref escrow.Ref, report *Report) {
	cmd := command(ref, KindRefund)
	var err error
	if ref.Status == escrow.StatusCreated {
		_, err = s.escrows.Cancel(ctx, cmd)
	} else {
		_, err = s.escrows.Refund(ctx, cmd)
	}
	if s.record(ref, KindRefund, err, report) {
		if ref.Status == escrow.StatusCreated {
			report.Cancelled++
		} else {
			report.Refunded++
		}
	}
}

func (s *Sweeper) release(ctx context.Context, ref escrow.Ref, report *Report) {
	_, err := s.escrows.Release(ctx, command(ref, KindRelease))
	if s.record(ref, KindRelease, err, report) {
		report.Released++
	}
}

func (s *Sweeper) record(ref escrow.Ref, kind string, err error, report *Report) bool {
	if err == nil {
		metrics.SweepItemsTotal.WithLabelValues(kind, "ok").Inc()
		return true
	}
	report.Failed++
	result := "error"
	if errors.Is(err, escrow.ErrInvalidStateTransition) {
		// Moved by someone else between listing and locking.
		result = "stale"
	}
	metrics.SweepItemsTotal.WithLabelValues(kind, result).Inc()
	s.logger.Warn("escrow sweep item failed",
		"kind", kind,
		"tenant_id", ref.TenantID,
		"escrow_id", ref.ID,
		"status", ref.Status,
		"error", err,
	)
	return false
}

func (s *Sweeper) leaseTTL() time.Duration {
	return 2 * s.interval
}

// IdempotencyKey is the deterministic key a sweep uses for an escrow, so a
// rerun after a crash replays instead of posting again.
func IdempotencyKey(kind string, ref escrow.Ref) string {
	return "sweep:" + kind + ":" + ref.ID.String()
}

func command(ref escrow.Ref, kind string) escrow.Command {
	return escrow.Command{
		TenantID:       ref.TenantID,
		EscrowID:       ref.ID,
		Actor:          escrow.System(),
		IdempotencyKey: IdempotencyKey(kind, ref),
		Auto:           true,
	}
}
