package funding

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/middleware"
)

// Handler exposes HTTP endpoints for deposits and withdrawals.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service, validate *validator.Validate) *Handler {
	return &Handler{service: service, validate: validate}
}

// DepositRequest is the trusted gateway callback confirming a deposit.
type DepositRequest struct {
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Currency  string `json:"currency" validate:"omitempty,len=3"`
	Reference string `json:"gateway_reference" validate:"required,max=128"`
}

// WithdrawRequest asks for a payout to an external destination.
type WithdrawRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`
	Destination string `json:"destination" validate:"required,max=128"`
}

// Response represents the API response for funding actions.
type Response struct {
	BatchID          string    `json:"posting_batch_id"`
	RRN              string    `json:"rrn"`
	STAN             string    `json:"stan"`
	Status           string    `json:"status"`
	Replayed         bool      `json:"replayed"`
	Available        int64     `json:"available_balance"`
	Locked           int64     `json:"locked_balance"`
	Currency         string    `json:"currency"`
	GatewayReference string    `json:"gateway_reference"`
	PostedAt         time.Time `json:"posted_at"`
}

// Deposit credits a wallet after the gateway confirmed the money arrived.
// Only the gateway principal may call it.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	if p, ok := middleware.CallerFrom(c); !ok || p.Type != middleware.GatewayActor {
		return fiber.NewError(http.StatusForbidden, "gateway only")
	}
	walletID, err := uuid.Parse(c.Params("walletId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid wallet id")
	}
	var req DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return err
	}

	result, err := h.service.Deposit(c.UserContext(), DepositInput{
		TenantID:       middleware.TenantID(c),
		WalletID:       walletID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Reference:      req.Reference,
		IdempotencyKey: middleware.IdempotencyKey(c),
	})
	if err != nil {
		return err
	}
	return c.Status(statusFor(result)).JSON(toResponse(result))
}

// Withdraw debits a wallet and pays the amount out through the gateway.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	p, ok := middleware.CallerFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing caller")
	}
	walletID, err := uuid.Parse(c.Params("walletId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid wallet id")
	}
	var req WithdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return err
	}

	result, err := h.service.Withdraw(c.UserContext(), WithdrawInput{
		TenantID:       middleware.TenantID(c),
		WalletID:       walletID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Destination:    req.Destination,
		IdempotencyKey: middleware.IdempotencyKey(c),
		Caller:         Caller{UserID: p.UserID, Admin: p.Type == middleware.AdminActor},
	})
	if err != nil {
		return err
	}
	return c.Status(statusFor(result)).JSON(toResponse(result))
}

func statusFor(result Result) int {
	if result.Batch.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func toResponse(result Result) Response {
	return Response{
		BatchID:          result.Batch.ID.String(),
		RRN:              result.Batch.RRN,
		STAN:             result.Batch.STAN,
		Status:           result.Status,
		Replayed:         result.Batch.Replayed,
		Available:        result.Wallet.Available,
		Locked:           result.Wallet.Locked,
		Currency:         result.Wallet.Currency,
		GatewayReference: result.GatewayReference,
		PostedAt:         result.Batch.PostedAt,
	}
}
