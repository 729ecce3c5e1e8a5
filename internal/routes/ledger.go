package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/escrow/internal/ledger"
)

// RegisterLedgerRoutes wires the read-only ledger endpoints.
func RegisterLedgerRoutes(r fiber.Router, h *ledger.Handler) {
	group := r.Group("/ledger")
	group.Get("/accounts/:accountType/:accountId/balance", h.Balance)
	group.Get("/accounts/:accountType/:accountId/lines", h.History)
	group.Get("/batches/:batchId", h.Batch)
	group.Get("/verify", h.Verify)
}
