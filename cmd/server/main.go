package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/seatmap-sync/internal/breaker"
	"github.com/iliyamo/seatmap-sync/internal/config"
	"github.com/iliyamo/seatmap-sync/internal/database"
	"github.com/iliyamo/seatmap-sync/internal/handler"
	"github.com/iliyamo/seatmap-sync/internal/lock"
	"github.com/iliyamo/seatmap-sync/internal/middleware"
	"github.com/iliyamo/seatmap-sync/internal/queue"
	"github.com/iliyamo/seatmap-sync/internal/ratelimit"
	"github.com/iliyamo/seatmap-sync/internal/realtime"
	"github.com/iliyamo/seatmap-sync/internal/repository"
	"github.com/iliyamo/seatmap-sync/internal/reservation"
	"github.com/iliyamo/seatmap-sync/internal/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *zap.SugaredLogger {
	build := zap.NewProduction
	if cfg.IsDev() {
		build = zap.NewDevelopment
	}
	l, err := build()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	return l.Sugar()
}

func run(cfg config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		User: cfg.DBUser,
		Pass: cfg.DBPass,
		Host: cfg.DBHost,
		Port: cfg.DBPort,
		Name: cfg.DBName,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	store := database.NewStore(db)

	rdb, err := config.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	instance := uuid.NewString()
	breakers := breaker.NewSet(cfg.Breaker, logger.Named("breaker"))
	hub := realtime.NewHub(cfg.Sync, cfg.Socket, logger.Named("sync"))
	publisher := queue.NewPublisher(cfg.RabbitURL, cfg.Broker, breakers, logger.Named("publisher"))
	consumer := queue.NewConsumer(cfg.RabbitURL, instance, cfg.Broker, hub, logger.Named("consumer"))
	limiter := ratelimit.New(cfg.RateLimit, rdb)

	seats := reservation.New(reservation.Deps{
		Seats:     repository.NewSeatRepo(store),
		Floors:    repository.NewFloorRepo(store),
		Locker:    lock.NewRedisLocker(rdb, cfg.Seats.LockPrefix),
		Events:    hub,
		Publisher: publisher,
		Limiter:   limiter,
		Breakers:  breakers,
		LockTTL:   cfg.Seats.LockTTL,
		Origin:    instance,
		Logger:    logger.Named("reservation"),
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	router.RegisterRoutes(e, router.Deps{
		Sync:   handler.NewSyncHandler(hub.Registry, seats, cfg.JWTSecret, cfg.Socket, logger.Named("ws")),
		Status: handler.NewStatusHandler(hub, breakers),
		Checks: map[string]handler.Checker{
			"mysql": store.Ping,
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		JWTSecret:    cfg.JWTSecret,
		ConnectLimit: middleware.RateLimit(limiter, cfg.RateLimit.Capacity, "connect", logger.Named("ratelimit")),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Infow("listening", "addr", addr, "env", cfg.Env, "instance", instance)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
