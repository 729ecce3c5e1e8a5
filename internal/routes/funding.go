package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/escrow/internal/funding"
)

// RegisterFundingRoutes wires user withdrawals.
func RegisterFundingRoutes(r fiber.Router, h *funding.Handler) {
	r.Post("/wallets/:walletId/withdrawals", h.Withdraw)
}

// RegisterGatewayRoutes wires the payment gateway's deposit callbacks.
func RegisterGatewayRoutes(r fiber.Router, h *funding.Handler) {
	r.Post("/wallets/:walletId/deposits", h.Deposit)
}
