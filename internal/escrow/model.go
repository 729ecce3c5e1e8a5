// Package escrow drives the escrow lifecycle. The status machine decides
// which ledger posting is legal at which time; the service runs each
// transition and its posting in one transaction and records an immutable
// timeline entry.
package escrow

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an escrow does not exist within the tenant.
	ErrNotFound = errors.New("escrow not found")
	// ErrUnauthorized is returned when the caller is not entitled to the action.
	ErrUnauthorized = errors.New("caller is not allowed to perform this action")
	// ErrDuplicate is returned by stores when the creation idempotency key is taken.
	ErrDuplicate = errors.New("escrow already exists")
	// ErrInvalidRequest is returned for malformed create input.
	ErrInvalidRequest = errors.New("invalid escrow request")
)

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusFunded     Status = "FUNDED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDelivered  Status = "DELIVERED"
	StatusReleased   Status = "RELEASED"
	StatusRefunded   Status = "REFUNDED"
	StatusDisputed   Status = "DISPUTED"
	StatusCancelled  Status = "CANCELLED"
)

// Event is a timeline entry kind.
type Event string

const (
	EventCreated       Event = "CREATED"
	EventFunded        Event = "FUNDED"
	EventStarted       Event = "STARTED"
	EventDelivered     Event = "DELIVERED"
	EventReleased      Event = "RELEASED"
	EventAutoReleased  Event = "AUTO_RELEASED"
	EventRefunded      Event = "REFUNDED"
	EventAutoRefunded  Event = "AUTO_REFUNDED"
	EventDisputed      Event = "DISPUTED"
	EventCancelled     Event = "CANCELLED"
	EventAutoCancelled Event = "AUTO_CANCELLED"
)

// ActorType identifies who drove a transition.
type ActorType string

const (
	ActorUser   ActorType = "User"
	ActorSystem ActorType = "System"
	ActorAdmin  ActorType = "Admin"
)

// Actor is the caller of an escrow operation. ID is empty for the system.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

// System is the actor used by the scheduler.
func System() Actor { return Actor{Type: ActorSystem} }

// User returns a user actor.
func User(id string) Actor { return Actor{Type: ActorUser, ID: id} }

// Admin returns an admin actor.
func Admin(id string) Actor { return Actor{Type: ActorAdmin, ID: id} }

func (a Actor) is(userID string) bool {
	return a.Type == ActorUser && a.ID != "" && a.ID == userID
}

// Escrow is a payment held between a buyer and a seller wallet. Fee and SLA
// deadlines are fixed at creation.
type Escrow struct {
	ID                uuid.UUID         `json:"id"`
	TenantID          string            `json:"tenant_id"`
	BuyerID           string            `json:"buyer_id"`
	SellerID          string            `json:"seller_id"`
	BuyerWalletID     uuid.UUID         `json:"buyer_wallet_id"`
	SellerWalletID    uuid.UUID         `json:"seller_wallet_id"`
	Amount            int64             `json:"amount"`
	FeeAmount         int64             `json:"fee_amount"`
	Currency          string            `json:"currency"`
	Status            Status            `json:"status"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	FundedAt          *time.Time        `json:"funded_at,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	ReleasedAt        *time.Time        `json:"released_at,omitempty"`
	RefundedAt        *time.Time        `json:"refunded_at,omitempty"`
	DisputedAt        *time.Time        `json:"disputed_at,omitempty"`
	CancelledAt       *time.Time        `json:"cancelled_at,omitempty"`
	SLAAutoRefundAt   time.Time         `json:"sla_auto_refund_at"`
	SLAAutoReleaseAt  time.Time         `json:"sla_auto_release_at"`
	AuthBatchID       *uuid.UUID        `json:"auth_posting_batch_id,omitempty"`
	SettlementBatchID *uuid.UUID        `json:"settlement_posting_batch_id,omitempty"`
	IdempotencyKey    string            `json:"idempotency_key"`
	DisputeReason     string            `json:"dispute_reason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Funded reports whether an AUTH posting holds the buyer's funds.
func (e *Escrow) Funded() bool { return e.AuthBatchID != nil }

func (e *Escrow) stamp(s Status, at time.Time) {
	t := at
	switch s {
	case StatusFunded:
		e.FundedAt = &t
	case StatusInProgress:
		e.StartedAt = &t
	case StatusDelivered:
		e.DeliveredAt = &t
	case StatusReleased:
		e.ReleasedAt = &t
	case StatusRefunded:
		e.RefundedAt = &t
	case StatusDisputed:
		e.DisputedAt = &t
	case StatusCancelled:
		e.CancelledAt = &t
	}
	e.Status = s
	e.UpdatedAt = at
}

// Timeline metadata keys.
const (
	MetaIdempotencyKey = "idempotency_key"
	MetaFromStatus     = "from_status"
	MetaBatchID        = "posting_batch_id"
	MetaReason         = "reason"
)

// TimelineEntry is one append-only audit row per transition.
type TimelineEntry struct {
	ID        uuid.UUID         `json:"id"`
	EscrowID  uuid.UUID         `json:"escrow_id"`
	TenantID  string            `json:"tenant_id"`
	Event     Event             `json:"event"`
	ActorType ActorType         `json:"actor_type"`
	ActorID   string            `json:"actor_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Ref points at an escrow that a sweep should visit.
type Ref struct {
	TenantID string
	ID       uuid.UUID
	Status   Status
}
