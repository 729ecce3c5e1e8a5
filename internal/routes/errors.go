package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/escrow/internal/escrow"
	"github.com/congo-pay/escrow/internal/funding"
	"github.com/congo-pay/escrow/internal/ledger"
	"github.com/congo-pay/escrow/internal/middleware"
	"github.com/congo-pay/escrow/internal/money"
	"github.com/congo-pay/escrow/internal/wallet"
)

type errorBody struct {
	Error     string   `json:"error"`
	Code      string   `json:"code"`
	Fields    []string `json:"fields,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// ErrorHandler maps domain errors to HTTP statuses and a JSON body.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status, code := classify(err)
		body := errorBody{Error: err.Error(), Code: code, RequestID: middleware.GetRequestID(c)}

		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			body.Error = "request validation failed"
			for _, fe := range verrs {
				body.Fields = append(body.Fields, strings.ToLower(fe.Field())+":"+fe.Tag())
			}
		}

		switch {
		case status == http.StatusInternalServerError && code == "invariant_violation":
			logger.Error("ledger invariant violated", "error", err, "request_id", body.RequestID, "path", c.Path())
			body.Error = "internal error"
		case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusBadGateway:
			logger.Error("unhandled error", "error", err, "request_id", body.RequestID, "path", c.Path())
			body.Error = "internal error"
		}
		if status == http.StatusServiceUnavailable {
			c.Set(fiber.HeaderRetryAfter, "1")
		}
		return c.Status(status).JSON(body)
	}
}

func classify(err error) (int, string) {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code, strings.ReplaceAll(strings.ToLower(http.StatusText(fe.Code)), " ", "_")
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, "invalid_request"
	}

	switch {
	case errors.Is(err, escrow.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, ledger.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "idempotency_mismatch"
	case errors.Is(err, ledger.ErrInsufficientContext):
		return http.StatusUnprocessableEntity, "insufficient_context"
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, funding.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, wallet.ErrNotFound), errors.Is(err, ledger.ErrBatchNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable, "concurrency_conflict"
	case errors.Is(err, ledger.ErrInvariantViolation), errors.Is(err, wallet.ErrInvariantViolation):
		return http.StatusInternalServerError, "invariant_violation"
	case errors.Is(err, funding.ErrPayoutDeclined):
		return http.StatusBadGateway, "payout_declined"
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrMissingIdempotencyKey),
		errors.Is(err, escrow.ErrInvalidRequest),
		errors.Is(err, wallet.ErrInvalidInput),
		errors.Is(err, money.ErrCurrencyMismatch),
		errors.Is(err, money.ErrInvalidCurrency),
		errors.Is(err, money.ErrOverflow):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
