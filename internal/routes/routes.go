package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/escrow/internal/config"
	"github.com/congo-pay/escrow/internal/escrow"
	"github.com/congo-pay/escrow/internal/funding"
	"github.com/congo-pay/escrow/internal/ledger"
	"github.com/congo-pay/escrow/internal/metrics"
	"github.com/congo-pay/escrow/internal/middleware"
	"github.com/congo-pay/escrow/internal/wallet"
)

// Deps aggregates the shared dependencies and services required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	Wallets *wallet.Service
	Ledger  *ledger.Service
	Escrows *escrow.Service
	Funding *funding.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Wallets == nil || d.Ledger == nil || d.Escrows == nil || d.Funding == nil {
		return fmt.Errorf("routes: services are required")
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(metrics.Middleware())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	validate := validator.New(validator.WithRequiredStructEnabled())

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	fundingHandler := funding.NewHandler(d.Funding, validate)

	// Registered ahead of the user group, whose middleware covers every
	// /api/v1 path.
	callbacks := api.Group("/gateway",
		middleware.Tenant(),
		middleware.Gateway(d.Cfg.GatewayToken),
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
	)
	RegisterGatewayRoutes(callbacks, fundingHandler)

	// Identity is asserted by the upstream gateway through headers.
	scoped := api.Group("",
		middleware.Tenant(),
		middleware.Caller(),
		middleware.RateLimit(d.Cache, d.Cfg.RateLimit),
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
	)
	RegisterWalletRoutes(scoped, wallet.NewHandler(d.Wallets, validate))
	RegisterFundingRoutes(scoped, fundingHandler)
	RegisterEscrowRoutes(scoped, escrow.NewHandler(d.Escrows, validate))
	RegisterLedgerRoutes(scoped, ledger.NewHandler(d.Ledger))

	return nil
}
