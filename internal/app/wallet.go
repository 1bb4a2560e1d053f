package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
)

// Adjustment directions accepted by AdjustWallet.
const (
	AdjustCredit = "credit"
	AdjustDebit  = "debit"
)

// Balance returns the user's current wallet balance.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return decimal.Zero, notFound("user", err)
		}
		return decimal.Zero, err
	}
	return user.WalletBalance, nil
}

// ListTransactions returns the user's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListTransactionsByUser(ctx, userID, limit)
}

// AdjustWallet applies an admin credit or debit. Credits are recorded as deposits and
// debits as deductions; a debit larger than the balance fails with ErrInsufficientFunds.
func (s *Service) AdjustWallet(ctx context.Context, adminID string, userID uuid.UUID, amount decimal.Decimal, direction, note string) (*domain.Transaction, error) {
	verr := &ValidationError{}
	verr.checkAmount("amount", amount)
	direction = strings.ToLower(strings.TrimSpace(direction))
	if direction != AdjustCredit && direction != AdjustDebit {
		verr.add("direction", "must be credit or debit")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	reference, err := newReference("ADJ")
	if err != nil {
		return nil, err
	}
	metadata, _ := json.Marshal(map[string]string{"admin_id": adminID, "note": note})
	entry := &domain.Transaction{
		UserID:    userID,
		Amount:    amount,
		Reference: reference,
		Status:    domain.TransactionStatusCompleted,
		Metadata:  metadata,
	}

	var balance decimal.Decimal
	if direction == AdjustCredit {
		entry.Type = domain.TransactionTypeDeposit
		entry.Description = firstNonBlank(note, "Admin wallet credit")
		balance, err = s.repo.CreditWallet(ctx, entry)
	} else {
		entry.Type = domain.TransactionTypeDeduction
		entry.Description = firstNonBlank(note, "Admin wallet deduction")
		balance, err = s.repo.DebitWallet(ctx, entry)
	}
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, notFound("user", err)
		}
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, err
		}
		return nil, fmt.Errorf("adjust wallet: %w", err)
	}

	s.logger.Info("wallet adjusted by admin",
		zap.String("admin_id", adminID),
		zap.String("user_id", userID.String()),
		zap.String("direction", direction),
		zap.String("amount", entry.Amount.StringFixed(2)),
		zap.String("balance_after", balance.StringFixed(2)),
	)
	return entry, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
