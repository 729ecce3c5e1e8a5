package escrow

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/middleware"
)

// Handler exposes escrow HTTP endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// NewHandler builds an escrow HTTP handler.
func NewHandler(service *Service, validate *validator.Validate) *Handler {
	return &Handler{service: service, validate: validate}
}

type createRequest struct {
	// BuyerID is honoured for admins only; users always buy for themselves.
	BuyerID     string            `json:"buyer_id" validate:"omitempty,max=128"`
	SellerID    string            `json:"seller_id" validate:"required,max=128"`
	Amount      int64             `json:"amount" validate:"required,gt=0"`
	Currency    string            `json:"currency" validate:"omitempty,len=3"`
	Title       string            `json:"title" validate:"required,max=200"`
	Description string            `json:"description" validate:"max=2000"`
	Metadata    map[string]string `json:"metadata" validate:"max=32"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// Create opens a CREATED escrow with the caller as buyer.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	buyerID := actor.ID
	if actor.Type == ActorAdmin && req.BuyerID != "" {
		buyerID = req.BuyerID
	}

	e, err := h.service.Create(c.UserContext(), CreateInput{
		TenantID:       middleware.TenantID(c),
		BuyerID:        buyerID,
		SellerID:       req.SellerID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Title:          req.Title,
		Description:    req.Description,
		IdempotencyKey: middleware.IdempotencyKey(c),
		Metadata:       req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(e)
}

// Get returns one escrow.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := escrowID(c)
	if err != nil {
		return err
	}
	e, err := h.service.Get(c.UserContext(), middleware.TenantID(c), id)
	if err != nil {
		return err
	}
	return c.JSON(e)
}

// Timeline returns the escrow's audit trail.
func (h *Handler) Timeline(c *fiber.Ctx) error {
	id, err := escrowID(c)
	if err != nil {
		return err
	}
	entries, err := h.service.Timeline(c.UserContext(), middleware.TenantID(c), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"escrow_id": id, "entries": entries})
}

func (h *Handler) Fund(c *fiber.Ctx) error    { return h.transition(c, h.service.Fund) }
func (h *Handler) Start(c *fiber.Ctx) error   { return h.transition(c, h.service.Start) }
func (h *Handler) Deliver(c *fiber.Ctx) error { return h.transition(c, h.service.MarkDelivered) }
func (h *Handler) Release(c *fiber.Ctx) error { return h.transition(c, h.service.Release) }
func (h *Handler) Refund(c *fiber.Ctx) error  { return h.transition(c, h.service.Refund) }
func (h *Handler) Dispute(c *fiber.Ctx) error { return h.transition(c, h.service.Dispute) }
func (h *Handler) Cancel(c *fiber.Ctx) error  { return h.transition(c, h.service.Cancel) }

func (h *Handler) transition(c *fiber.Ctx, fn func(context.Context, Command) (*Escrow, error)) error {
	id, err := escrowID(c)
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		if err := h.validate.Struct(req); err != nil {
			return err
		}
	}

	e, err := fn(c.UserContext(), Command{
		TenantID:       middleware.TenantID(c),
		EscrowID:       id,
		Actor:          actor,
		IdempotencyKey: middleware.IdempotencyKey(c),
		Reason:         req.Reason,
	})
	if err != nil {
		return err
	}
	return c.JSON(e)
}

func escrowID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("escrowId"))
	if err != nil {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, "invalid escrow id")
	}
	return id, nil
}

func actorFrom(c *fiber.Ctx) (Actor, error) {
	p, ok := middleware.CallerFrom(c)
	if !ok {
		return Actor{}, fiber.NewError(http.StatusUnauthorized, "missing caller")
	}
	if p.Type == string(ActorAdmin) {
		return Admin(p.UserID), nil
	}
	return User(p.UserID), nil
}
