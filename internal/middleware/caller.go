package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	TenantHeader    = "X-Tenant-ID"
	UserHeader      = "X-User-ID"
	ActorTypeHeader = "X-Actor-Type"
	GatewayHeader   = "X-Gateway-Token"

	UserActor    = "User"
	AdminActor   = "Admin"
	GatewayActor = "Gateway"

	tenantLocal = "tenant_id"
	callerLocal = "caller"
)

// Principal is the authenticated caller as asserted by the upstream gateway.
type Principal struct {
	UserID string
	// Type is User, Admin or Gateway. The system identity is never accepted over HTTP.
	Type string
}

// Tenant requires the tenant header and stores it for handlers.
func Tenant() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenantID := strings.TrimSpace(c.Get(TenantHeader))
		if tenantID == "" {
			return fiber.NewError(http.StatusBadRequest, "missing "+TenantHeader+" header")
		}
		c.Locals(tenantLocal, tenantID)
		return c.Next()
	}
}

// Caller requires a user id and resolves the actor type, defaulting to User.
func Caller() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get(UserHeader))
		if userID == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing "+UserHeader+" header")
		}
		actorType := UserActor
		switch strings.ToLower(strings.TrimSpace(c.Get(ActorTypeHeader))) {
		case "", "user":
		case "admin":
			actorType = AdminActor
		default:
			return fiber.NewError(http.StatusForbidden, "unsupported actor type")
		}
		c.Locals(callerLocal, Principal{UserID: userID, Type: actorType})
		return c.Next()
	}
}

// Gateway admits only the payment gateway, which proves itself with the
// shared callback token. An empty token disables the routes behind it.
func Gateway(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return fiber.NewError(http.StatusServiceUnavailable, "gateway callbacks are not configured")
		}
		if subtle.ConstantTimeCompare([]byte(c.Get(GatewayHeader)), []byte(token)) != 1 {
			return fiber.NewError(http.StatusForbidden, "invalid gateway credentials")
		}
		c.Locals(callerLocal, Principal{UserID: "gateway", Type: GatewayActor})
		return c.Next()
	}
}

// TenantID returns the tenant resolved by Tenant.
func TenantID(c *fiber.Ctx) string {
	id, _ := c.Locals(tenantLocal).(string)
	return id
}

// CallerFrom returns the principal resolved by Caller.
func CallerFrom(c *fiber.Ctx) (Principal, bool) {
	p, ok := c.Locals(callerLocal).(Principal)
	return p, ok
}
