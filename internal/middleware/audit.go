package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Audit emits structured logs for each request/response lifecycle event.
// Errors from the chain are rendered by the app's error handler here, so the
// logged status is the one the client receives.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		chainErr := c.Next()
		if chainErr != nil {
			if err := c.App().ErrorHandler(c, chainErr); err != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if requestID := GetRequestID(c); requestID != "" {
			attrs = append(attrs, slog.String("request_id", requestID))
		}
		if tenantID := TenantID(c); tenantID != "" {
			attrs = append(attrs, slog.String("tenant_id", tenantID))
		}

		switch {
		case status >= fiber.StatusInternalServerError:
			attrs = append(attrs, slog.Any("error", chainErr))
			logger.Error("request failed", attrs...)
		case chainErr != nil:
			attrs = append(attrs, slog.Any("error", chainErr))
			logger.Warn("request rejected", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
		return nil
	}
}
