// Command scheduler runs the background jobs of the databundle-service: order
// reconciliation, withdrawal polling and the weekly profit refresh.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bundlehub/databundle-service/internal/app"
	"github.com/bundlehub/databundle-service/internal/config"
	"github.com/bundlehub/databundle-service/internal/scheduler"
	"github.com/bundlehub/databundle-service/internal/store"
	"github.com/bundlehub/databundle-service/pkg/paystack"
	"github.com/bundlehub/databundle-service/pkg/rabbitmq"
	"github.com/bundlehub/databundle-service/pkg/reseller"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=scheduler msg=\".env load failed\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=scheduler msg=\"config load failed\" err=%v", err)
	}

	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("level=fatal component=scheduler msg=\"logger init failed\" err=%v", err)
	}
	logger = logger.Named("scheduler")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()

	if err := store.RunMigrations(ctx, dbpool, logger); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; events will be dropped", zap.Error(err))
	} else {
		publisher = producer
	}
	defer publisher.Close()

	service := app.NewService(
		store.NewPostgresRepository(dbpool),
		paystack.NewClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.UpstreamTimeout(), logger.Named("paystack")),
		reseller.NewClient(cfg.ResellerBaseURL, cfg.ResellerAPIKey, cfg.UpstreamTimeout(), logger.Named("reseller")),
		publisher,
		nil,
		logger,
		app.Options{
			Currency:             cfg.Currency,
			MinWithdrawalAmount:  cfg.MinWithdrawalAmount,
			AFARegistrationPrice: cfg.AFARegistrationPrice,
			AFAUpstreamCost:      cfg.AFAUpstreamCost,
			UpstreamTimeout:      cfg.UpstreamTimeout(),
			ReconcileAfter:       cfg.OrderReconcileAfter(),
			MaxReconcileAttempts: cfg.OrderMaxReconcileTries,
		},
	)

	s := scheduler.NewScheduler(scheduler.NewJobs(service, logger), logger, scheduler.Schedules{
		ReconcileOrders:      cfg.OrderReconcileSchedule,
		PollWithdrawals:      cfg.WithdrawalPollSchedule,
		RefreshWeeklyProfits: cfg.WeeklyProfitSchedule,
	})
	if registered := s.Start(); registered == 0 {
		logger.Fatal("no valid job schedules configured")
	}
	logger.Info("scheduler started")

	<-ctx.Done()
	logger.Info("shutting down scheduler")

	stopCtx := s.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Minute):
		fmt.Fprintln(os.Stderr, "scheduler: running jobs did not finish before timeout")
	}
	logger.Info("scheduler stopped")
}
