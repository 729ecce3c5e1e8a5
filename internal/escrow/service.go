package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/congo-pay/escrow/internal/ledger"
	"github.com/congo-pay/escrow/internal/metrics"
	"github.com/congo-pay/escrow/internal/money"
	"github.com/congo-pay/escrow/internal/notification"
	"github.com/congo-pay/escrow/internal/tenant"
	"github.com/congo-pay/escrow/internal/traces"
	"github.com/congo-pay/escrow/internal/wallet"
)

// Service runs escrow transitions. Every mutation locks the escrow row,
// re-validates its status under the lock, posts the matching ledger batch,
// saves the escrow and appends a timeline entry in one transaction.
type Service struct {
	store    Store
	ledger   *ledger.Service
	tenants  tenant.Directory
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the escrow service.
func NewService(store Store, ledgerSvc *ledger.Service, tenants tenant.Directory, notifier notification.Notifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		ledger:   ledgerSvc,
		tenants:  tenants,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput describes a new escrow between two users of a tenant.
type CreateInput struct {
	TenantID       string
	BuyerID        string
	SellerID       string
	Amount         int64
	Currency       string
	Title          string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Command addresses a transition of an existing escrow.
type Command struct {
	TenantID       string
	EscrowID       uuid.UUID
	Actor          Actor
	IdempotencyKey string
	// Auto marks a scheduler-driven transition; it requires the system actor.
	Auto   bool
	Reason string
}

// Create persists a CREATED escrow with its fee and SLA deadlines frozen
// from the tenant configuration. Repeating the idempotency key returns the
// stored escrow.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.TenantID(in.TenantID), traces.Amount(in.Amount))
	defer span.End()

	if err := validateCreate(in); err != nil {
		return nil, err
	}
	cfg, err := s.tenants.Config(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}
	currency := money.NormalizeCurrency(in.Currency)
	if currency == "" {
		currency = cfg.Currency
	}
	amount, err := money.New(in.Amount, currency)
	if err != nil {
		return nil, err
	}
	fee, err := amount.Percent(cfg.FeePercent)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	var (
		out      *Escrow
		replayed bool
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		replayed = false
		existing, err := tx.EscrowByIdempotencyKey(ctx, in.TenantID, key)
		switch {
		case err == nil:
			if existing.BuyerID != in.BuyerID || existing.SellerID != in.SellerID ||
				existing.Amount != in.Amount || existing.Currency != currency {
				return fmt.Errorf("%w: escrow key %q", ledger.ErrIdempotencyMismatch, key)
			}
			out, replayed = existing, true
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		buyer, err := tx.WalletByUser(ctx, in.TenantID, in.BuyerID, currency)
		if err != nil {
			return walletContext("buyer", err)
		}
		seller, err := tx.WalletByUser(ctx, in.TenantID, in.SellerID, currency)
		if err != nil {
			return walletContext("seller", err)
		}

		now := s.now().UTC().Truncate(time.Microsecond)
		e := &Escrow{
			ID:               uuid.New(),
			TenantID:         in.TenantID,
			BuyerID:          in.BuyerID,
			SellerID:         in.SellerID,
			BuyerWalletID:    buyer.ID,
			SellerWalletID:   seller.ID,
			Amount:           in.Amount,
			FeeAmount:        fee.Amount,
			Currency:         currency,
			Status:           StatusCreated,
			Title:            in.Title,
			Description:      in.Description,
			SLAAutoRefundAt:  now.Add(cfg.RefundAfter),
			SLAAutoReleaseAt: now.Add(cfg.ReleaseAfter),
			IdempotencyKey:   key,
			Metadata:         in.Metadata,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.InsertEscrow(ctx, e); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return fmt.Errorf("%w: %w", ledger.ErrConcurrencyConflict, err)
			}
			return err
		}
		if err := tx.AppendTimeline(ctx, TimelineEntry{
			ID:        uuid.New(),
			EscrowID:  e.ID,
			TenantID:  e.TenantID,
			Event:     EventCreated,
			ActorType: ActorUser,
			ActorID:   in.BuyerID,
			Metadata:  map[string]string{MetaIdempotencyKey: key},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logFailure("create", in.TenantID, uuid.Nil, err)
		return nil, err
	}
	if replayed {
		return out, nil
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusCreated), string(EventCreated)).Inc()
	s.logger.Info("escrow created",
		"tenant_id", out.TenantID,
		"escrow_id", out.ID,
		"amount", out.Amount,
		"fee_amount", out.FeeAmount,
		"currency", out.Currency,
	)
	s.notify(ctx, out, EventCreated, User(in.BuyerID))
	return out, nil
}

// Fund locks the buyer's funds with an AUTH posting. Only the buyer may fund.
func (s *Service) Fund(ctx context.Context, cmd Command) (*Escrow, error) {
	return s.apply(ctx, cmd, step{
		name:  "fund",
		to:    StatusFunded,
		event: EventFunded,
		authorize: func(e *Escrow, a Actor) error {
			return allow(a.is(e.BuyerID))
		},
		post: func(ctx context.Context, tx Tx, e *Escrow, key string) (*ledger.PostingBatch, error) {
			b, err := s.ledger.LockFundsInTx(ctx, tx, ledger.LockRequest{
				TenantID:       e.TenantID,
				WalletID:       e.BuyerWalletID,
				Amount:         money.Money{Amount: e.Amount, Currency: e.Currency},
				EscrowID:       e.ID.String(),
				IdempotencyKey: key,
			})
			if err != nil {
				return nil, err
			}
			e.AuthBatchID = &b.ID
			return b, nil
		},
	})
}

// Start marks work as begun. Only the seller may start.
func (s *Service) Start(ctx context.Context, cmd Command) (*Escrow, error) {
	return s.apply(ctx, cmd, step{
		name:  "start",
		to:    StatusInProgress,
		event: EventStarted,
		authorize: func(e *Escrow, a Actor) error {
			return allow(a.is(e.SellerID))
		},
	})
}

// MarkDelivered records delivery. Buyer or seller may mark it.
func (s *Service) MarkDelivered(ctx context.Context, cmd Command) (*Escrow, error) {
	return s.apply(ctx, cmd, step{
		name:  "deliver",
		to:    StatusDelivered,
		event: EventDelivered,
		authorize: func(e *Escrow, a Actor) error {
			return allow(a.is(e.BuyerID) || a.is(e.SellerID))
		},
	})
}

// Release settles the held funds to the seller minus the frozen fee with a
// PRESENTMENT posting. From DELIVERED the buyer or the system may release;
// from DISPUTED only an admin may.
func (s *Service) Release(ctx context.Context, cmd Command) (*Escrow, error) {
	event := EventReleased
	if cmd.Auto {
		event = EventAutoReleased
	}
	return s.apply(ctx, cmd, step{
		name:  "release",
		to:    StatusReleased,
		event: event,
		authorize: func(e *Escrow, a Actor) error {
			if e.Status == StatusDisputed {
				return allow(a.Type == ActorAdmin)
			}
			return allow(a.is(e.BuyerID) || a.Type == ActorSystem)
		},
		post: func(ctx context.Context, tx Tx, e *Escrow, key string) (*ledger.PostingBatch, error) {
			if !e.Funded() {
				return nil, fmt.Errorf("%w: escrow %s holds no funds", ErrInvalidStateTransition, e.ID)
			}
			b, err := s.ledger.ReleaseFundsInTx(ctx, tx, ledger.ReleaseRequest{
				TenantID:       e.TenantID,
				SourceWalletID: e.BuyerWalletID,
				DestWalletID:   e.SellerWalletID,
				Amount:         money.Money{Amount: e.Amount, Currency: e.Currency},
				Fee:            money.Money{Amount: e.FeeAmount, Currency: e.Currency},
				EscrowID:       e.ID.String(),
				AuthBatchID:    *e.AuthBatchID,
				IdempotencyKey: key,
			})
			if err != nil {
				return nil, err
			}
			e.SettlementBatchID = &b.ID
			return b, nil
		},
	})
}

// Refund returns held funds to the buyer with a REVERSAL posting. Only the
// system or an admin may refund. An unfunded escrow is refunded without a posting.
func (s *Service) Refund(ctx context.Context, cmd Command) (*Escrow, error) {
	event := EventRefunded
	if cmd.Auto {
		event = EventAutoRefunded
	}
	return s.apply(ctx, cmd, step{
		name:  "refund",
		to:    StatusRefunded,
		event: event,
		authorize: func(_ *Escrow, a Actor) error {
			return allow(a.Type == ActorSystem || a.Type == ActorAdmin)
		},
		post: s.reverse,
	})
}

// Dispute freezes the escrow pending an admin decision. Funds stay locked.
func (s *Service) Dispute(ctx context.Context, cmd Command) (*Escrow, error) {
	return s.apply(ctx, cmd, step{
		name:  "dispute",
		to:    StatusDisputed,
		event: EventDisputed,
		authorize: func(e *Escrow, a Actor) error {
			return allow(a.is(e.BuyerID) || a.is(e.SellerID))
		},
		post: func(_ context.Context, _ Tx, e *Escrow, _ string) (*ledger.PostingBatch, error) {
			e.DisputeReason = cmd.Reason
			return nil, nil
		},
	})
}

// Cancel abandons an escrow before work starts. A funded escrow has its
// hold reversed. Buyer, seller or an admin may cancel; the system cancels
// on expiry.
func (s *Service) Cancel(ctx context.Context, cmd Command) (*Escrow, error) {
	event := EventCancelled
	if cmd.Auto {
		event = EventAutoCancelled
	}
	return s.apply(ctx, cmd, step{
		name:  "cancel",
		to:    StatusCancelled,
		event: event,
		authorize: func(e *Escrow, a Actor) error {
			return allow(a.is(e.BuyerID) || a.is(e.SellerID) || a.Type == ActorAdmin || a.Type == ActorSystem)
		},
		post: s.reverse,
	})
}

// Get returns the escrow scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Escrow, error) {
	return s.store.Get(ctx, tenantID, id)
}

// Timeline returns the escrow's audit trail in order.
func (s *Service) Timeline(ctx context.Context, tenantID string, id uuid.UUID) ([]TimelineEntry, error) {
	return s.store.Timeline(ctx, tenantID, id)
}

func (s *Service) reverse(ctx context.Context, tx Tx, e *Escrow, key string) (*ledger.PostingBatch, error) {
	if !e.Funded() {
		return nil, nil
	}
	b, err := s.ledger.RefundFundsInTx(ctx, tx, ledger.RefundRequest{
		TenantID:       e.TenantID,
		WalletID:       e.BuyerWalletID,
		Amount:         money.Money{Amount: e.Amount, Currency: e.Currency},
		EscrowID:       e.ID.String(),
		AuthBatchID:    *e.AuthBatchID,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}
	e.SettlementBatchID = &b.ID
	return b, nil
}

type step struct {
	name      string
	to        Status
	event     Event
	authorize func(e *Escrow, a Actor) error
	// post runs after the status check with the escrow row locked. key is
	// the ledger idempotency key, scoped to the escrow.
	post func(ctx context.Context, tx Tx, e *Escrow, key string) (*ledger.PostingBatch, error)
}

func (s *Service) apply(ctx context.Context, cmd Command, st step) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+st.name,
		traces.TenantID(cmd.TenantID),
		traces.EscrowID(cmd.EscrowID.String()),
	)
	defer span.End()

	if cmd.Auto && cmd.Actor.Type != ActorSystem {
		return nil, fmt.Errorf("%w: automatic %s requires the system actor", ErrUnauthorized, st.name)
	}
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = st.name + ":" + cmd.EscrowID.String()
	}

	var (
		out      *Escrow
		batch    *ledger.PostingBatch
		from     Status
		replayed bool
		now      time.Time
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		batch, replayed = nil, false

		e, err := tx.LockEscrow(ctx, cmd.TenantID, cmd.EscrowID)
		if err != nil {
			return err
		}
		prior, err := tx.TimelineEntryByKey(ctx, e.ID, st.event, key)
		switch {
		case err == nil:
			// Authorize against the status the original transition left from.
			at := *e
			at.Status = Status(prior.Metadata[MetaFromStatus])
			if err := st.authorize(&at, cmd.Actor); err != nil {
				return err
			}
			out, replayed = e, true
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if err := Transition(e.Status, st.to); err != nil {
			return err
		}
		if err := st.authorize(e, cmd.Actor); err != nil {
			return err
		}

		from = e.Status
		if st.post != nil {
			batch, err = st.post(ctx, tx, e, e.ID.String()+":"+key)
			if err != nil {
				return err
			}
		}

		now = s.now().UTC().Truncate(time.Microsecond)
		e.stamp(st.to, now)
		if err := tx.SaveEscrow(ctx, e); err != nil {
			return err
		}

		meta := map[string]string{MetaIdempotencyKey: key, MetaFromStatus: string(from)}
		if batch != nil {
			meta[MetaBatchID] = batch.ID.String()
		}
		if cmd.Reason != "" {
			meta[MetaReason] = cmd.Reason
		}
		if err := tx.AppendTimeline(ctx, TimelineEntry{
			ID:        uuid.New(),
			EscrowID:  e.ID,
			TenantID:  e.TenantID,
			Event:     st.event,
			ActorType: cmd.Actor.Type,
			ActorID:   cmd.Actor.ID,
			Metadata:  meta,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logFailure(st.name, cmd.TenantID, cmd.EscrowID, err)
		return nil, err
	}
	if replayed {
		s.logger.Info("escrow transition replayed", "tenant_id", cmd.TenantID, "escrow_id", cmd.EscrowID, "status", st.to)
		return out, nil
	}

	s.ledger.Observe(batch)
	metrics.EscrowTransitionsTotal.WithLabelValues(string(st.to), string(st.event)).Inc()
	if st.to.Terminal() {
		metrics.EscrowDuration.Observe(now.Sub(out.CreatedAt).Seconds())
	}
	s.logger.Info("escrow transitioned",
		"tenant_id", out.TenantID,
		"escrow_id", out.ID,
		"from", from,
		"to", st.to,
		"event", st.event,
		"actor_type", cmd.Actor.Type,
	)
	s.notify(ctx, out, st.event, cmd.Actor)
	return out, nil
}

func (s *Service) notify(ctx context.Context, e *Escrow, event Event, actor Actor) {
	if s.notifier == nil {
		return
	}
	msg := notification.Message{
		Kind:     notification.KindEscrowTransition,
		TenantID: e.TenantID,
		Key:      e.ID.String(),
		Body:     fmt.Sprintf("escrow %s %s", e.ID, event),
		Attributes: map[string]string{
			"event":      string(event),
			"status":     string(e.Status),
			"buyer_id":   e.BuyerID,
			"seller_id":  e.SellerID,
			"actor_type": string(actor.Type),
			"amount":     money.Money{Amount: e.Amount, Currency: e.Currency}.Format(),
		},
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("escrow notification failed", "escrow_id", e.ID, "event", event, "error", err)
	}
}

func (s *Service) logFailure(op, tenantID string, id uuid.UUID, err error) {
	attrs := []any{"operation", op, "tenant_id", tenantID, "escrow_id", id, "error", err}
	if errors.Is(err, ledger.ErrInvariantViolation) {
		s.logger.Error("escrow operation broke a ledger invariant", attrs...)
		return
	}
	s.logger.Warn("escrow operation rejected", attrs...)
}

func allow(ok bool) error {
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func walletContext(role string, err error) error {
	if errors.Is(err, wallet.ErrNotFound) {
		return fmt.Errorf("%w: %s wallet: %w", ledger.ErrInsufficientContext, role, err)
	}
	return err
}

func validateCreate(in CreateInput) error {
	switch {
	case strings.TrimSpace(in.TenantID) == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	case strings.TrimSpace(in.BuyerID) == "" || strings.TrimSpace(in.SellerID) == "":
		return fmt.Errorf("%w: buyer and seller are required", ErrInvalidRequest)
	case in.BuyerID == in.SellerID:
		return fmt.Errorf("%w: buyer and seller must differ", ErrInvalidRequest)
	case in.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}
