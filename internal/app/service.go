/**
 * @description
 * This file contains the core business logic for the databundle-service. The `Service`
 * struct orchestrates all money movement: wallet deposits, bundle orders and admin
 * profit withdrawals, coordinating between the repository, the payment gateway, the
 * upstream reseller and the message broker.
 *
 * Key features:
 * - Every balance change goes through a repository method that writes the ledger
 *   entry in the same database transaction.
 * - Upstream calls run under a bounded deadline; a timeout is treated as failure.
 * - Events are published to RabbitMQ after state changes have been committed.
 *
 * @dependencies
 * - github.com/shopspring/decimal: GHS amounts.
 * - go.uber.org/zap: structured logging.
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/paystack, pkg/reseller, pkg/rabbitmq: external service communication.
 */

package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
	"github.com/bundlehub/databundle-service/pkg/paystack"
	"github.com/bundlehub/databundle-service/pkg/rabbitmq"
	"github.com/bundlehub/databundle-service/pkg/reseller"
)

// PaymentGateway is the subset of the Paystack client the service uses.
type PaymentGateway interface {
	InitializeTransaction(ctx context.Context, req paystack.InitializeRequest) (*paystack.InitializeResponse, error)
	VerifyTransaction(ctx context.Context, reference string) (*paystack.Transaction, error)
	ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*paystack.ResolvedAccount, error)
	CreateTransferRecipient(ctx context.Context, name, accountNumber, bankCode, currency string) (*paystack.Recipient, error)
	InitiateTransfer(ctx context.Context, req paystack.TransferRequest) (*paystack.Transfer, error)
	VerifyTransfer(ctx context.Context, reference string) (*paystack.Transfer, error)
}

// Reseller is the subset of the reseller client the service uses.
type Reseller interface {
	Purchase(ctx context.Context, req reseller.PurchaseRequest) (*reseller.PurchaseResult, error)
	OrderStatus(ctx context.Context, transactionID string) (*reseller.StatusResult, error)
}

// RateLimiter counts requests per scope and subject within a window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Options carries the business thresholds loaded from configuration.
type Options struct {
	Currency             string
	CallbackURL          string
	MinDepositAmount     decimal.Decimal
	MinWithdrawalAmount  decimal.Decimal
	AFARegistrationPrice decimal.Decimal
	AFAUpstreamCost      decimal.Decimal
	UpstreamTimeout      time.Duration
	OrderRateLimit       int
	DepositRateLimit     int
	ReconcileAfter       time.Duration
	MaxReconcileAttempts int
}

// Service provides the core business logic for wallets, orders and withdrawals.
type Service struct {
	repo          store.Repository
	gateway       PaymentGateway
	reseller      Reseller
	eventProducer rabbitmq.Publisher
	limiter       RateLimiter
	logger        *zap.Logger
	opts          Options
	now           func() time.Time
}

// NewService creates a new service instance.
func NewService(repo store.Repository, gateway PaymentGateway, upstream Reseller, producer rabbitmq.Publisher, limiter RateLimiter, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	if opts.Currency == "" {
		opts.Currency = "GHS"
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 30 * time.Second
	}
	if opts.MaxReconcileAttempts <= 0 {
		opts.MaxReconcileAttempts = 5
	}
	if opts.ReconcileAfter <= 0 {
		opts.ReconcileAfter = 10 * time.Minute
	}
	return &Service{
		repo:          repo,
		gateway:       gateway,
		reseller:      upstream,
		eventProducer: producer,
		limiter:       limiter,
		logger:        logger,
		opts:          opts,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// publish sends an event after the state change it describes has been committed.
// Publishing is best effort; the database remains the source of truth.
func (s *Service) publish(ctx context.Context, routingKey string, body any) {
	err := s.eventProducer.Publish(ctx, domain.EventsExchange, routingKey, body)
	if err == nil || errors.Is(err, rabbitmq.ErrPublisherUnavailable) {
		return
	}
	s.logger.Warn("failed to publish event", zap.String("routing_key", routingKey), zap.Error(err))
}

// checkRateLimit rejects the call with ErrRateLimited once subject exceeds limit
// requests per minute in scope. Limiter failures are logged and allowed through.
func (s *Service) checkRateLimit(ctx context.Context, scope, subject string, limit int) error {
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, subject, limit, time.Minute)
	if err != nil {
		s.logger.Warn("rate limiter unavailable; allowing request", zap.String("scope", scope), zap.Error(err))
		return nil
	}
	if count > limit {
		rateLimitedCounter.WithLabelValues(scope).Inc()
		s.logger.Info("rate limit exceeded", zap.String("scope", scope), zap.String("subject", subject), zap.Int("retry_after_seconds", retryAfter))
		return ErrRateLimited
	}
	return nil
}

func (s *Service) upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.UpstreamTimeout)
}

func observeUpstream(upstream, operation string, started time.Time) {
	upstreamRequestDurationHist.WithLabelValues(upstream, operation).Observe(time.Since(started).Seconds())
}

func notFound(resource string, err error) error {
	return &NotFoundError{Resource: resource, Err: err}
}
