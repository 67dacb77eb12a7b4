package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/seat-reservation-engine/internal/clock"
	"github.com/iliyamo/seat-reservation-engine/internal/config"
	"github.com/iliyamo/seat-reservation-engine/internal/database"
	"github.com/iliyamo/seat-reservation-engine/internal/handler"
	"github.com/iliyamo/seat-reservation-engine/internal/middleware"
	"github.com/iliyamo/seat-reservation-engine/internal/queue"
	"github.com/iliyamo/seat-reservation-engine/internal/repository"
	"github.com/iliyamo/seat-reservation-engine/internal/router"
	"github.com/iliyamo/seat-reservation-engine/internal/service"
)

func newLogger(env string) *slog.Logger {
	if env == "prod" || env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func main() {
	config.LoadDotEnv()
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	var publisher service.EventPublisher = queue.NopPublisher{}
	if cfg.EventsEnabled {
		publisher = queue.NewPublisher(cfg.AMQPURL, logger)
		consumer := queue.NewAuditConsumer(cfg.AMQPURL, cfg.AuditLogPath, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("audit consumer stopped", "err", err)
			}
		}()
	}

	clk := clock.NewSystem()
	txm := repository.NewTxManager(db)
	seats := repository.NewSeatRepo(db)
	locks := repository.NewSeatLockRepo(db)
	reservations := repository.NewReservationRepo(db)

	engine := service.NewReservationEngine(txm, seats, locks, reservations, clk,
		service.WithLockTTL(cfg.LockTTL),
		service.WithMaxSeats(cfg.MaxSeats),
		service.WithPublisher(publisher),
		service.WithLogger(logger),
	)
	sweeper := service.NewExpirySweeper(txm, locks, reservations, clk,
		service.WithSweepInterval(cfg.SweepInterval),
		service.WithSweepBatch(cfg.SweepBatchSize),
		service.WithSweepPublisher(publisher),
		service.WithSweepLogger(logger),
	)
	go sweeper.Run(ctx)

	rdb := config.NewRedisClient()
	if rdb == nil {
		logger.Warn("redis unavailable; cache and rate limit disabled")
	} else {
		defer rdb.Close()
	}
	cache := middleware.NewResponseCache(config.LoadCacheConfig(), rdb)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(middleware.NewStructuredLogger(logger))

	router.RegisterRoutes(e, router.Deps{
		Health:      handler.Health(db),
		Reservation: handler.NewReservationHandler(engine, cache),
		JWTSecret:   cfg.JWTSecret,
		Cache:       cache.Middleware(),
		RateLimit:   middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb),
	})

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
