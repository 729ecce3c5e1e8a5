package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/escrow/internal/config"
	"github.com/congo-pay/escrow/internal/escrow"
	"github.com/congo-pay/escrow/internal/funding"
	"github.com/congo-pay/escrow/internal/ledger"
	"github.com/congo-pay/escrow/internal/metrics"
	"github.com/congo-pay/escrow/internal/notification"
	"github.com/congo-pay/escrow/internal/routes"
	"github.com/congo-pay/escrow/internal/scheduler"
	"github.com/congo-pay/escrow/internal/storage/memory"
	"github.com/congo-pay/escrow/internal/storage/postgres"
	"github.com/congo-pay/escrow/internal/tenant"
	"github.com/congo-pay/escrow/internal/wallet"
)

// Server wraps the Fiber application, the sweeper and shared dependencies.
type Server struct {
	app     *fiber.App
	cfg     config.Config
	db      *pgxpool.Pool
	sweeper *scheduler.Sweeper
	kafka   *notification.KafkaNotifier
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

type storage interface {
	Wallets() wallet.Repository
	Ledger() ledger.Store
	Escrows() escrow.Store
}

// New builds the services on Postgres when db is set, on the in-memory store
// otherwise, and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	tenants, err := tenant.Load(cfg.TenantConfigPath)
	if err != nil {
		return nil, err
	}

	var store storage
	if db != nil {
		store = postgres.New(db, logger)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		store = memory.New()
	}

	s := &Server{cfg: cfg, db: db, logger: logger, done: make(chan struct{})}

	var notifier notification.Notifier = notification.NewLoggerNotifier(logger)
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = notification.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		notifier = notification.Multi{notifier, s.kafka}
	}

	walletSvc := wallet.NewService(store.Wallets())
	ledgerSvc := ledger.NewService(store.Ledger(), logger)
	escrowSvc := escrow.NewService(store.Escrows(), ledgerSvc, tenants, notifier, logger)
	fundingSvc, err := funding.NewService(ledgerSvc, walletSvc, funding.StaticGateway{}, logger)
	if err != nil {
		return nil, err
	}

	opts := []scheduler.Option{
		scheduler.WithInterval(cfg.SweepInterval),
		scheduler.WithBatchSize(cfg.SweepBatchSize),
	}
	if cache != nil {
		opts = append(opts, scheduler.WithLocker(scheduler.NewRedisLocker(cache, "")))
	}
	s.sweeper = scheduler.NewSweeper(store.Escrows(), escrowSvc, logger, opts...)

	s.app = fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: routes.ErrorHandler(logger),
	})
	if err := routes.Setup(s.app, routes.Deps{
		Cfg:     cfg,
		DB:      db,
		Cache:   cache,
		Logger:  logger,
		Wallets: walletSvc,
		Ledger:  ledgerSvc,
		Escrows: escrowSvc,
		Funding: fundingSvc,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts the background workers and then the HTTP server.
func (s *Server) Listen() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.db != nil {
		go metrics.StartPoolStatsCollector(ctx, s.db, 15*time.Second)
	}
	go func() {
		defer close(s.done)
		s.sweeper.Run(ctx)
	}()
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops the sweeper, drains HTTP requests and closes the notifier.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sweeper.Stop()
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	err := s.app.ShutdownWithContext(ctx)
	if s.kafka != nil {
		err = errors.Join(err, s.kafka.Close())
	}
	return err
}
