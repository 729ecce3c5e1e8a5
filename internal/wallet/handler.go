package wallet

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/middleware"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service, validate *validator.Validate) *Handler {
	return &Handler{service: service, validate: validate}
}

type createRequest struct {
	UserID   string `json:"user_id" validate:"required,max=128"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
}

// Create provisions a wallet for a user of the current tenant.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return err
	}
	w, err := h.service.Create(c.UserContext(), CreateInput{
		TenantID: middleware.TenantID(c),
		UserID:   req.UserID,
		Currency: req.Currency,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(w)
}

// Get returns the wallet with its available and locked balances.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("walletId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid wallet id")
	}
	w, err := h.service.Get(c.UserContext(), middleware.TenantID(c), id)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(w)
}
