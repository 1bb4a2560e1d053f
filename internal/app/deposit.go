package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
	"github.com/bundlehub/databundle-service/pkg/paystack"
)

// DepositInit is returned to the client so it can redirect to the hosted checkout.
type DepositInit struct {
	AuthorizationURL string          `json:"authorization_url"`
	AccessCode       string          `json:"access_code"`
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
}

// DepositResult is the outcome of verifying a deposit.
type DepositResult struct {
	Reference        string          `json:"reference"`
	Status           string          `json:"status"`
	AlreadyProcessed bool            `json:"already_processed"`
	Amount           decimal.Decimal `json:"amount"`
	Balance          decimal.Decimal `json:"balance"`
}

// InitiateDeposit starts a gateway charge and records a pending deposit keyed by
// the gateway reference.
func (s *Service) InitiateDeposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*DepositInit, error) {
	if err := s.checkRateLimit(ctx, "deposit", userID.String(), s.opts.DepositRateLimit); err != nil {
		return nil, err
	}

	verr := &ValidationError{}
	if verr.checkAmount("amount", amount) && amount.LessThan(s.opts.MinDepositAmount) {
		verr.add("amount", "must be at least "+s.opts.MinDepositAmount.StringFixed(2))
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, notFound("user", err)
		}
		return nil, err
	}

	reference, err := newReference("DEP")
	if err != nil {
		return nil, err
	}

	callCtx, cancel := s.upstreamContext(ctx)
	defer cancel()
	started := time.Now()
	resp, err := s.gateway.InitializeTransaction(callCtx, paystack.InitializeRequest{
		Email:       user.Email,
		Amount:      paystack.ToMinorUnits(amount),
		Currency:    s.opts.Currency,
		Reference:   reference,
		CallbackURL: s.opts.CallbackURL,
		Metadata:    map[string]any{"userId": user.ID.String()},
	})
	observeUpstream("paystack", "initialize", started)
	if err != nil {
		s.logger.Error("deposit initialization failed", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, &UpstreamError{Op: "initialize deposit", Detail: err.Error(), Err: err}
	}
	if strings.TrimSpace(resp.Reference) != "" {
		reference = strings.TrimSpace(resp.Reference)
	}

	metadata, _ := json.Marshal(map[string]string{"access_code": resp.AccessCode})
	entry := &domain.Transaction{
		UserID:      user.ID,
		Type:        domain.TransactionTypeDeposit,
		Amount:      amount,
		Reference:   reference,
		Status:      domain.TransactionStatusPending,
		Description: "Wallet top-up",
		Metadata:    metadata,
	}
	if err := s.repo.CreateTransaction(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			return nil, &ConflictError{Reason: "deposit reference already exists", Err: err}
		}
		return nil, fmt.Errorf("record pending deposit: %w", err)
	}

	s.logger.Info("deposit initiated",
		zap.String("user_id", user.ID.String()),
		zap.String("reference", reference),
		zap.String("amount", amount.StringFixed(2)),
	)
	return &DepositInit{
		AuthorizationURL: resp.AuthorizationURL,
		AccessCode:       resp.AccessCode,
		Reference:        reference,
		Amount:           amount,
	}, nil
}

// VerifyDeposit confirms a charge with the gateway and credits the wallet exactly
// once. Repeat calls for a completed deposit return AlreadyProcessed without
// contacting the gateway.
func (s *Service) VerifyDeposit(ctx context.Context, reference string) (*DepositResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrInvalidReference
	}

	entry, err := s.repo.FindTransactionByReference(ctx, reference, domain.TransactionTypeDeposit)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return nil, ErrInvalidReference
		}
		return nil, err
	}

	switch entry.Status {
	case domain.TransactionStatusCompleted:
		depositsVerifiedCounter.WithLabelValues("already_processed").Inc()
		return s.processedDeposit(ctx, entry)
	case domain.TransactionStatusFailed:
		return &DepositResult{Reference: reference, Status: domain.TransactionStatusFailed, AlreadyProcessed: true, Amount: entry.Amount}, nil
	}

	callCtx, cancel := s.upstreamContext(ctx)
	defer cancel()
	started := time.Now()
	charge, err := s.gateway.VerifyTransaction(callCtx, reference)
	observeUpstream("paystack", "verify", started)
	if err != nil {
		s.logger.Warn("deposit verification call failed", zap.String("reference", reference), zap.Error(err))
		return nil, &UpstreamError{Op: "verify deposit", Detail: err.Error(), Err: err}
	}

	status := strings.ToLower(strings.TrimSpace(charge.Status))
	switch status {
	case "success":
		return s.completeDeposit(ctx, entry, charge)
	case "failed", "abandoned", "reversed":
		metadata, _ := json.Marshal(map[string]string{"gateway_status": status, "gateway_response": charge.GatewayResponse})
		if err := s.repo.FailTransaction(ctx, reference, domain.TransactionTypeDeposit, metadata); err != nil {
			if !errors.Is(err, store.ErrTransactionNotPending) {
				return nil, fmt.Errorf("fail deposit: %w", err)
			}
			// Another verifier settled it first.
			latest, findErr := s.repo.FindTransactionByReference(ctx, reference, domain.TransactionTypeDeposit)
			if findErr == nil && latest.Status == domain.TransactionStatusCompleted {
				return s.processedDeposit(ctx, latest)
			}
		}
		depositsVerifiedCounter.WithLabelValues("failed").Inc()
		s.logger.Info("deposit failed at gateway", zap.String("reference", reference), zap.String("gateway_status", status))
		return &DepositResult{Reference: reference, Status: domain.TransactionStatusFailed, Amount: entry.Amount}, nil
	default:
		depositsVerifiedCounter.WithLabelValues("pending").Inc()
		return &DepositResult{Reference: reference, Status: domain.TransactionStatusPending, Amount: entry.Amount}, nil
	}
}

func (s *Service) completeDeposit(ctx context.Context, entry *domain.Transaction, charge *paystack.Transaction) (*DepositResult, error) {
	user, err := s.resolveDepositUser(ctx, entry, charge)
	if err != nil {
		return nil, err
	}

	amount := entry.Amount
	if charge.Amount > 0 {
		amount = paystack.FromMinorUnits(charge.Amount)
	}
	if !amount.Equal(entry.Amount) {
		s.logger.Warn("gateway amount differs from requested deposit amount",
			zap.String("reference", entry.Reference),
			zap.String("requested", entry.Amount.StringFixed(2)),
			zap.String("verified", amount.StringFixed(2)),
		)
	}

	metadata, _ := json.Marshal(map[string]any{
		"gateway_id":       charge.ID,
		"gateway_response": charge.GatewayResponse,
		"paid_at":          charge.PaidAt,
	})
	completed, err := s.repo.CompleteDeposit(ctx, entry.Reference, user.ID, amount, metadata)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotPending) {
			latest, findErr := s.repo.FindTransactionByReference(ctx, entry.Reference, domain.TransactionTypeDeposit)
			if findErr != nil {
				return nil, findErr
			}
			depositsVerifiedCounter.WithLabelValues("already_processed").Inc()
			return s.processedDeposit(ctx, latest)
		}
		return nil, fmt.Errorf("complete deposit: %w", err)
	}

	depositsVerifiedCounter.WithLabelValues("completed").Inc()
	s.logger.Info("deposit credited",
		zap.String("reference", completed.Reference),
		zap.String("user_id", user.ID.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance_after", completed.BalanceAfter.StringFixed(2)),
	)
	s.publish(ctx, domain.RoutingKeyDepositCompleted, domain.DepositEvent{
		UserID:       user.ID,
		Reference:    completed.Reference,
		Amount:       amount,
		BalanceAfter: completed.BalanceAfter,
		Timestamp:    s.now(),
	})
	return &DepositResult{
		Reference: completed.Reference,
		Status:    domain.TransactionStatusCompleted,
		Amount:    amount,
		Balance:   completed.BalanceAfter,
	}, nil
}

// resolveDepositUser picks the wallet owner: the stored user id, then the gateway
// metadata userId, then a case-insensitive customer email match.
func (s *Service) resolveDepositUser(ctx context.Context, entry *domain.Transaction, charge *paystack.Transaction) (*domain.User, error) {
	if entry.UserID != uuid.Nil {
		user, err := s.repo.FindUserByID(ctx, entry.UserID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, store.ErrUserNotFound) {
			return nil, err
		}
	}
	if raw := charge.MetadataString("userId"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			user, err := s.repo.FindUserByID(ctx, id)
			if err == nil {
				return user, nil
			}
			if !errors.Is(err, store.ErrUserNotFound) {
				return nil, err
			}
		}
	}
	if email := strings.TrimSpace(charge.Customer.Email); email != "" {
		user, err := s.repo.FindUserByEmail(ctx, email)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, store.ErrUserNotFound) {
			return nil, err
		}
	}
	return nil, notFound("user", store.ErrUserNotFound)
}

func (s *Service) processedDeposit(ctx context.Context, entry *domain.Transaction) (*DepositResult, error) {
	balance, err := s.Balance(ctx, entry.UserID)
	if err != nil {
		return nil, err
	}
	return &DepositResult{
		Reference:        entry.Reference,
		Status:           domain.TransactionStatusCompleted,
		AlreadyProcessed: true,
		Amount:           entry.Amount,
		Balance:          balance,
	}, nil
}
