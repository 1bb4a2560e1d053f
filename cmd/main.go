/**
 * @description
 * Entry point for the databundle-service HTTP API. It loads configuration, connects
 * to PostgreSQL, Redis and RabbitMQ, builds the payment gateway and reseller
 * clients, wires the core service and serves the chi router until a termination
 * signal arrives.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL pool.
 * - github.com/redis/go-redis/v9: shared rate limiting.
 * - go.uber.org/zap: structured logging.
 * - golang.org/x/sync/errgroup: server and consumer lifecycle.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/bundlehub/databundle-service/internal/api"
	"github.com/bundlehub/databundle-service/internal/app"
	"github.com/bundlehub/databundle-service/internal/config"
	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
	"github.com/bundlehub/databundle-service/pkg/paystack"
	"github.com/bundlehub/databundle-service/pkg/rabbitmq"
	"github.com/bundlehub/databundle-service/pkg/reseller"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=bootstrap msg=\".env load failed\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer logger.Sync()

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		logger.Fatal("JWT secret must be configured", zap.String("env", "JWT_SECRET"))
	}
	if cfg.PaystackSecretKey == "" {
		logger.Fatal("Paystack secret key must be configured", zap.String("env", "PAYSTACK_SECRET_KEY"))
	}

	mainCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting databundle-service", zap.String("port", cfg.ServerPort))

	dbpool, err := openPool(mainCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()
	logger.Info("database connected")

	if err := store.RunMigrations(mainCtx, dbpool, logger); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	var limiter app.RateLimiter
	if redisClient := connectRedis(mainCtx, cfg.RedisURL, logger); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	gateway := paystack.NewClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.UpstreamTimeout(), logger.Named("paystack"))
	upstream := reseller.NewClient(cfg.ResellerBaseURL, cfg.ResellerAPIKey, cfg.UpstreamTimeout(), logger.Named("reseller"))

	repository := store.NewPostgresRepository(dbpool)
	service := app.NewService(repository, gateway, upstream, publisher, limiter, logger, serviceOptions(cfg))

	eventConsumer := app.NewGatewayEventConsumer(service, logger.Named("gateway-events"))
	if amqpConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("rabbitmq consumer unavailable; webhooks will be processed inline", zap.Error(err))
	} else {
		defer amqpConsumer.Close()
		if err := amqpConsumer.ConsumeWithBindings(domain.EventsExchange, cfg.GatewayEventQueue, eventConsumer.Bindings()); err != nil {
			logger.Warn("gateway event consumer failed to start", zap.Error(err))
		} else {
			logger.Info("gateway event consumer started", zap.String("queue", cfg.GatewayEventQueue))
		}
	}

	handler := api.NewHandler(service, eventConsumer, publisher, cfg.PaystackSecretKey, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		JWTIssuer:      cfg.JWTIssuer,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("databundle-service stopped with error", zap.Error(err))
		return
	}
	logger.Info("databundle-service stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	if parsed == zapcore.DebugLevel {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	return zapCfg.Build()
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// connectRedis returns nil when Redis is not configured or unreachable, which
// disables rate limiting.
func connectRedis(ctx context.Context, redisURL string, logger *zap.Logger) *redis.Client {
	if redisURL == "" {
		logger.Warn("redis url missing; rate limiting disabled", zap.String("env", "REDIS_URL"))
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; rate limiting disabled", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; rate limiting disabled", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

func serviceOptions(cfg config.Config) app.Options {
	return app.Options{
		Currency:             cfg.Currency,
		CallbackURL:          cfg.PaystackCallbackURL,
		MinDepositAmount:     cfg.MinDepositAmount,
		MinWithdrawalAmount:  cfg.MinWithdrawalAmount,
		AFARegistrationPrice: cfg.AFARegistrationPrice,
		AFAUpstreamCost:      cfg.AFAUpstreamCost,
		UpstreamTimeout:      cfg.UpstreamTimeout(),
		OrderRateLimit:       cfg.OrderRateLimitPerMinute,
		DepositRateLimit:     cfg.DepositRateLimitPerMin,
		ReconcileAfter:       cfg.OrderReconcileAfter(),
		MaxReconcileAttempts: cfg.OrderMaxReconcileTries,
	}
}
