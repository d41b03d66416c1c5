package main // Entry point package

import (
	"context"
	"errors"
	"fmt"
	"log" // used only before the zap logger exists
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/clock"
	"github.com/iliyamo/cinema-seat-booking/internal/config"
	"github.com/iliyamo/cinema-seat-booking/internal/database"
	"github.com/iliyamo/cinema-seat-booking/internal/gateway"
	"github.com/iliyamo/cinema-seat-booking/internal/handler"
	"github.com/iliyamo/cinema-seat-booking/internal/logger"
	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
	"github.com/iliyamo/cinema-seat-booking/internal/router"
	"github.com/iliyamo/cinema-seat-booking/internal/service"
)

// Demo screening scheduled by SEED_DEMO (and always for the memory store):
// 8 rows of 12 seats, the last row premium.
const (
	demoScreeningID = 1
	demoHallID      = 1
	demoRows        = 8
	demoSeatsPerRow = 12
	demoPriceCents  = 1200
	demoPremium     = 1800
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	zl, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
	zl.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	checks := map[string]handler.Check{}

	store, seeder, closeStore, err := openStore(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	defer closeStore()
	if cfg.StoreDriver == config.StoreMemory || cfg.SeedDemo {
		seats := repository.DemoSeats(demoScreeningID, 1, demoRows, demoSeatsPerRow, demoPriceCents, demoPremium)
		if err := seeder.SeedScreening(ctx, demoHallID, seats); err != nil {
			return fmt.Errorf("seed demo screening: %w", err)
		}
		log.Info("demo screening ready", zap.Int("screening_id", demoScreeningID), zap.Int("seats", len(seats)))
	}

	rdb, err := config.NewRedisClient(ctx, config.LoadRedisConfig())
	if err != nil {
		log.Warn("redis unavailable, running without rate limiting, caching and sweeper lease", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	gw, err := newGateway(cfg.Payment)
	if err != nil {
		return err
	}
	log.Info("payment gateway configured", zap.String("gateway", gw.Name()))

	var events service.EventPublisher = queue.NewLogPublisher(log)
	if cfg.Events.Enabled {
		events = queue.NewPublisher(cfg.Events.AMQPURL, log)
	}

	clk := clock.Real()
	reservations := service.NewReservationManager(store, clk, service.ReservationConfig{
		HoldTTL:              cfg.Booking.HoldTTL,
		MaxHoldsPerScreening: cfg.Booking.MaxHoldsPerScreening,
	}, log)
	payments := service.NewPaymentAdapter(store, gw, clk, service.PaymentConfig{
		Currency:       cfg.Payment.Currency,
		GatewayTimeout: cfg.Payment.GatewayTimeout,
	}, log)
	bookings := service.NewBookingOrchestrator(store, reservations, payments, events, clk, log)
	cache := middleware.NewRedisCache(config.LoadCacheConfig(), rdb, log)
	bookings.SetSeatMapInvalidator(handler.ScreeningSeatMaps{Cache: cache})

	var lease service.Lease
	if rdb != nil {
		lease = service.NewRedisLease(rdb, cfg.Booking.SweeperLeaseKey)
	}
	sweeper := service.NewSweeper(store, bookings, clk, service.SweeperConfig{
		Interval:      cfg.Booking.SweepInterval,
		PaymentWindow: cfg.Booking.PaymentWindow,
		Batch:         cfg.Booking.SweepBatch,
	}, lease, log)

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debug("background task finished", zap.String("task", name))
		}()
	}
	background("sweeper", sweeper.Run)
	if cfg.Events.Enabled {
		startConsumers(cfg.Events, payments, log, background)
	}

	e := newServer(cfg, log, rdb, cache, reservations, bookings, payments, checks)
	addr := ":" + cfg.Port
	srvErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("store", cfg.StoreDriver))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	wg.Wait()
	return runErr
}

// openStore connects the configured store.  The MySQL pool is also
// registered as a health check.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger, checks map[string]handler.Check) (repository.Store, repository.Seeder, func(), error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn("using the in-memory store; state is lost on restart")
		s := repository.NewMemoryStore()
		return s, s, func() {}, nil
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	if cfg.DBAutoMigrate {
		if err := database.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("schema ensured")
	}
	checks["mysql"] = db.PingContext
	s := repository.NewMySQLStore(db)
	return s, s, func() { _ = db.Close() }, nil
}

func newGateway(cfg config.PaymentConfig) (gateway.Gateway, error) {
	if cfg.Gateway == config.GatewayStripe {
		gw, err := gateway.NewStripeGateway(&gateway.StripeGatewayConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
	return gateway.NewMockGateway(&gateway.MockGatewayConfig{DelayMs: cfg.MockDelayMs}), nil
}

// startConsumers runs the payment.outcome consumer and, when an audit log
// path is set, one audit consumer per booking event queue.
func startConsumers(cfg config.EventsConfig, payments *service.PaymentAdapter, log *zap.Logger, background func(string, func(context.Context))) {
	outcomes := queue.NewConsumer(cfg.AMQPURL, queue.PaymentOutcomeQueue, queue.PaymentOutcomeHandler(payments, log), log)
	background("outcome-consumer", func(ctx context.Context) { _ = outcomes.Run(ctx) })

	if cfg.AuditLogPath == "" {
		return
	}
	audit := queue.NewAuditLog(cfg.AuditLogPath)
	for _, q := range queue.BookingEventTypes {
		c := queue.NewConsumer(cfg.AMQPURL, q, audit.Handler(log), log)
		background("audit-"+q, func(ctx context.Context) { _ = c.Run(ctx) })
	}
}

func newServer(cfg config.Config, log *zap.Logger, rdb *redis.Client, cache *middleware.ResponseCache,
	reservations *service.ReservationManager, bookings *service.BookingOrchestrator, payments *service.PaymentAdapter,
	checks map[string]handler.Check) *echo.Echo {

	e := router.New(log)
	router.RegisterRoutes(e, router.Deps{
		Health:       handler.Health(checks),
		Holds:        handler.NewHoldHandler(reservations, cache, log),
		Bookings:     handler.NewBookingHandler(bookings, cache, log),
		Payments:     handler.NewPaymentHandler(payments, cfg.Payment.WebhookSecret, cfg.Payment.StripeWebhookSecret, log),
		JWTSecret:    cfg.JWTSecret,
		RateLimit:    middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log),
		SeatMapCache: cache.Middleware(),
	})
	return e
}
