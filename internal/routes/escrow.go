package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/escrow/internal/escrow"
)

// RegisterEscrowRoutes wires the escrow lifecycle endpoints.
func RegisterEscrowRoutes(r fiber.Router, h *escrow.Handler) {
	group := r.Group("/escrows")
	group.Post("/", h.Create)
	group.Get("/:escrowId", h.Get)
	group.Get("/:escrowId/timeline", h.Timeline)
	group.Post("/:escrowId/fund", h.Fund)
	group.Post("/:escrowId/start", h.Start)
	group.Post("/:escrowId/deliver", h.Deliver)
	group.Post("/:escrowId/release", h.Release)
	group.Post("/:escrowId/refund", h.Refund)
	group.Post("/:escrowId/dispute", h.Dispute)
	group.Post("/:escrowId/cancel", h.Cancel)
}
