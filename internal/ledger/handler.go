package ledger

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/congo-pay/escrow/internal/middleware"
)

// Handler exposes read-only ledger endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a ledger HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Balance returns the cached balance of one account.
func (h *Handler) Balance(c *fiber.Ctx) error {
	ref, err := accountRef(c)
	if err != nil {
		return err
	}
	bal, err := h.service.AccountBalance(c.UserContext(), middleware.TenantID(c), ref)
	if err != nil {
		return err
	}
	return c.JSON(bal)
}

// History returns the latest lines posted to an account, newest first.
func (h *Handler) History(c *fiber.Ctx) error {
	ref, err := accountRef(c)
	if err != nil {
		return err
	}
	lines, err := h.service.AccountHistory(c.UserContext(), middleware.TenantID(c), ref, c.QueryInt("limit", defaultHistoryLimit))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"account": ref, "lines": lines})
}

// Batch returns one posting batch with its lines.
func (h *Handler) Batch(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("batchId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid batch id")
	}
	b, err := h.service.Batch(c.UserContext(), middleware.TenantID(c), id)
	if err != nil {
		return err
	}
	return c.JSON(b)
}

// Verify replays the tenant's ledger. Admins only.
func (h *Handler) Verify(c *fiber.Ctx) error {
	p, ok := middleware.CallerFrom(c)
	if !ok || p.Type != middleware.AdminActor {
		return fiber.NewError(http.StatusForbidden, "admin only")
	}
	report, err := h.service.Verify(c.UserContext(), middleware.TenantID(c))
	if err != nil {
		return err
	}
	status := http.StatusOK
	if !report.OK {
		status = http.StatusConflict
	}
	return c.Status(status).JSON(report)
}

func accountRef(c *fiber.Ctx) (AccountRef, error) {
	ref := AccountRef{
		Type: AccountType(strings.ToUpper(c.Params("accountType"))),
		ID:   c.Params("accountId"),
	}
	if !ref.Type.Valid() {
		return AccountRef{}, fiber.NewError(http.StatusBadRequest, "unknown account type")
	}
	if ref.ID == "" {
		return AccountRef{}, fiber.NewError(http.StatusBadRequest, "missing account id")
	}
	return ref, nil
}
