package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
	"github.com/bundlehub/databundle-service/pkg/paystack"
)

const weekLength = 7 * 24 * time.Hour

// WithdrawInput is an admin request to pay out one weekly profit bucket.
type WithdrawInput struct {
	WeeklyProfitID uuid.UUID
	AccountNumber  string
	BankCode       string
	AccountName    string
	Notes          string
	AdminID        string
}

// weekStartOf returns the Monday 00:00 UTC that starts t's week.
func weekStartOf(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
}

// annotateWeek fills the computed fields of w as of now.
func (s *Service) annotateWeek(w *domain.WeeklyProfit, now time.Time) {
	start := time.Date(w.WeekStart.Year(), w.WeekStart.Month(), w.WeekStart.Day(), 0, 0, 0, 0, time.UTC)
	w.IsCurrentWeek = start.Equal(weekStartOf(now))
	w.IsComplete = !now.Before(start.Add(weekLength))
	w.Eligible = w.IsComplete && !w.IsCurrentWeek && !w.IsWithdrawn &&
		w.TotalProfit.GreaterThanOrEqual(s.opts.MinWithdrawalAmount)
}

// RefreshWeeklyProfits recomputes every week's profit from completed orders.
// Withdrawn weeks are left untouched.
func (s *Service) RefreshWeeklyProfits(ctx context.Context) error {
	aggregates, err := s.repo.AggregateWeeklyProfits(ctx)
	if err != nil {
		return fmt.Errorf("aggregate weekly profits: %w", err)
	}
	for _, agg := range aggregates {
		if err := s.repo.UpsertWeeklyProfit(ctx, agg.WeekStart, agg.TotalProfit, agg.OrderCount); err != nil {
			return fmt.Errorf("upsert weekly profit %s: %w", agg.WeekStart.Format("2006-01-02"), err)
		}
	}
	return nil
}

// ListWeeklyProfits refreshes and returns every week, newest first, with
// eligibility computed.
func (s *Service) ListWeeklyProfits(ctx context.Context) ([]domain.WeeklyProfit, error) {
	if err := s.RefreshWeeklyProfits(ctx); err != nil {
		return nil, err
	}
	weeks, err := s.repo.ListWeeklyProfits(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range weeks {
		s.annotateWeek(&weeks[i], now)
	}
	if weeks == nil {
		weeks = []domain.WeeklyProfit{}
	}
	return weeks, nil
}

// VerifyAccount resolves the account holder name with the gateway.
func (s *Service) VerifyAccount(ctx context.Context, accountNumber, bankCode string) (*domain.BankInfo, error) {
	accountNumber = strings.TrimSpace(accountNumber)
	bankCode = strings.TrimSpace(bankCode)
	verr := &ValidationError{}
	if accountNumber == "" {
		verr.add("account_number", "is required")
	}
	if bankCode == "" {
		verr.add("bank_code", "is required")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	callCtx, cancel := s.upstreamContext(ctx)
	defer cancel()
	started := time.Now()
	resolved, err := s.gateway.ResolveAccount(callCtx, accountNumber, bankCode)
	observeUpstream("paystack", "resolve_account", started)
	if err != nil {
		if paystack.IsAPIError(err) {
			return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		return nil, &UpstreamError{Op: "resolve account", Detail: err.Error(), Err: err}
	}
	return &domain.BankInfo{
		AccountNumber: firstNonBlank(resolved.AccountNumber, accountNumber),
		AccountName:   resolved.AccountName,
		BankCode:      bankCode,
	}, nil
}

// WithdrawWeek pays out an eligible week. The week is locked once the transfer has
// been initiated; a failed initiation leaves it eligible.
func (s *Service) WithdrawWeek(ctx context.Context, in WithdrawInput) (*domain.AdminWithdrawal, error) {
	verr := &ValidationError{}
	if in.WeeklyProfitID == uuid.Nil {
		verr.add("weekly_profit_id", "is required")
	}
	if strings.TrimSpace(in.AccountNumber) == "" {
		verr.add("account_number", "is required")
	}
	if strings.TrimSpace(in.BankCode) == "" {
		verr.add("bank_code", "is required")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	week, err := s.repo.FindWeeklyProfitByID(ctx, in.WeeklyProfitID)
	if err != nil {
		if errors.Is(err, store.ErrWeeklyProfitNotFound) {
			return nil, notFound("weekly profit", err)
		}
		return nil, err
	}
	s.annotateWeek(week, s.now())
	if !week.Eligible {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, ineligibleReason(week, s.opts.MinWithdrawalAmount.StringFixed(2)))
	}

	bank, err := s.VerifyAccount(ctx, in.AccountNumber, in.BankCode)
	if err != nil {
		s.logger.Warn("withdrawal account did not resolve", zap.String("bank_code", in.BankCode), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNotVerified, err)
	}
	if name := strings.TrimSpace(in.AccountName); name != "" && !strings.EqualFold(name, bank.AccountName) {
		s.logger.Info("submitted account name differs from resolved name; using resolved name",
			zap.String("submitted", name), zap.String("resolved", bank.AccountName))
	}

	reference, err := newReference("WD")
	if err != nil {
		return nil, err
	}
	w := &domain.AdminWithdrawal{
		WeeklyProfitID: week.ID,
		Amount:         week.TotalProfit,
		BankInfo:       *bank,
		Reference:      reference,
		Status:         domain.WithdrawalStatusPending,
		Notes:          strings.TrimSpace(in.Notes),
		Attempts:       1,
		InitiatedBy:    in.AdminID,
	}
	if err := s.repo.CreateWithdrawal(ctx, w); err != nil {
		if errors.Is(err, store.ErrWithdrawalConflict) || errors.Is(err, store.ErrDuplicateReference) {
			return nil, &ConflictError{Reason: "this week already has an active withdrawal", Err: err}
		}
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}
	withdrawalsCounter.WithLabelValues(domain.WithdrawalStatusPending).Inc()
	s.logger.Info("withdrawal created",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("weekly_profit_id", week.ID.String()),
		zap.String("amount", w.Amount.StringFixed(2)),
		zap.String("admin_id", in.AdminID),
	)

	return s.initiateTransfer(context.WithoutCancel(ctx), w)
}

func ineligibleReason(w *domain.WeeklyProfit, minimum string) string {
	switch {
	case w.IsWithdrawn:
		return "week has already been withdrawn"
	case w.IsCurrentWeek:
		return "week is still in progress"
	case !w.IsComplete:
		return "week is not complete"
	default:
		return "total profit is below the minimum of " + minimum
	}
}

// initiateTransfer moves a pending withdrawal to processing, or to failed when the
// gateway rejects the transfer.
func (s *Service) initiateTransfer(ctx context.Context, w *domain.AdminWithdrawal) (*domain.AdminWithdrawal, error) {
	recipientCode, err := s.transferRecipient(ctx, w.BankInfo)
	if err != nil {
		return nil, s.failTransfer(ctx, w, "could not create transfer recipient", err)
	}

	callCtx, cancel := s.upstreamContext(ctx)
	started := time.Now()
	transfer, err := s.gateway.InitiateTransfer(callCtx, paystack.TransferRequest{
		Source:    "balance",
		Amount:    paystack.ToMinorUnits(w.Amount),
		Recipient: recipientCode,
		Reference: w.Reference,
		Reason:    "Weekly profit withdrawal",
		Currency:  s.opts.Currency,
	})
	cancel()
	observeUpstream("paystack", "initiate_transfer", started)
	if err != nil {
		return nil, s.failTransfer(ctx, w, "transfer initiation was rejected", err)
	}

	if err := s.repo.MarkWithdrawalProcessing(ctx, w.ID, w.WeeklyProfitID, recipientCode, transfer.TransferCode); err != nil {
		s.logger.Error("transfer initiated but withdrawal could not be locked",
			zap.String("withdrawal_id", w.ID.String()),
			zap.String("transfer_code", transfer.TransferCode),
			zap.Error(err),
		)
		if errors.Is(err, store.ErrWithdrawalConflict) {
			return nil, &ConflictError{Reason: "this week is locked by another withdrawal", Err: err}
		}
		return nil, fmt.Errorf("mark withdrawal processing: %w", err)
	}
	withdrawalsCounter.WithLabelValues(domain.WithdrawalStatusProcessing).Inc()
	s.logger.Info("transfer initiated; week locked",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("reference", w.Reference),
		zap.String("transfer_code", transfer.TransferCode),
	)

	if strings.EqualFold(transfer.Status, "success") {
		if err := s.repo.MarkWithdrawalCompleted(ctx, w.ID); err != nil {
			s.logger.Warn("failed to mark withdrawal completed", zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
		}
	}

	latest, err := s.repo.FindWithdrawalByID(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	s.publishWithdrawal(ctx, latest)
	return latest, nil
}

func (s *Service) transferRecipient(ctx context.Context, bank domain.BankInfo) (string, error) {
	existing, err := s.repo.FindTransferRecipient(ctx, bank.AccountNumber, bank.BankCode)
	if err == nil && existing.RecipientCode != "" {
		return existing.RecipientCode, nil
	}
	if err != nil && !errors.Is(err, store.ErrRecipientNotFound) {
		return "", err
	}

	callCtx, cancel := s.upstreamContext(ctx)
	defer cancel()
	started := time.Now()
	recipient, err := s.gateway.CreateTransferRecipient(callCtx, bank.AccountName, bank.AccountNumber, bank.BankCode, s.opts.Currency)
	observeUpstream("paystack", "create_recipient", started)
	if err != nil {
		return "", err
	}

	if err := s.repo.SaveTransferRecipient(ctx, domain.TransferRecipient{
		AccountNumber: bank.AccountNumber,
		BankCode:      bank.BankCode,
		AccountName:   bank.AccountName,
		RecipientCode: recipient.RecipientCode,
	}); err != nil {
		s.logger.Warn("failed to persist transfer recipient", zap.String("bank_code", bank.BankCode), zap.Error(err))
	}
	return recipient.RecipientCode, nil
}

func (s *Service) failTransfer(ctx context.Context, w *domain.AdminWithdrawal, summary string, cause error) error {
	reason := summary
	var apiErr *paystack.APIError
	if errors.As(cause, &apiErr) && apiErr.Message != "" {
		reason = summary + ": " + apiErr.Message
	}
	if err := s.repo.MarkWithdrawalFailed(ctx, w.ID, reason); err != nil {
		s.logger.Error("failed to mark withdrawal failed", zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
	}
	withdrawalsCounter.WithLabelValues(domain.WithdrawalStatusFailed).Inc()
	s.logger.Warn("withdrawal transfer failed",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	w.Status = domain.WithdrawalStatusFailed
	w.FailureReason = &reason
	s.publishWithdrawal(ctx, w)
	return fmt.Errorf("%w: %s", ErrTransferFailed, reason)
}

// CheckTransferStatus polls the gateway for a processing withdrawal and settles it.
// A failed or reversed transfer keeps the week locked; the admin may retry.
func (s *Service) CheckTransferStatus(ctx context.Context, id uuid.UUID) (*domain.AdminWithdrawal, error) {
	w, err := s.repo.FindWithdrawalByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrWithdrawalNotFound) {
			return nil, notFound("withdrawal", err)
		}
		return nil, err
	}
	if w.Status != domain.WithdrawalStatusProcessing {
		return w, nil
	}

	callCtx, cancel := s.upstreamContext(ctx)
	started := time.Now()
	transfer, err := s.gateway.VerifyTransfer(callCtx, w.Reference)
	cancel()
	observeUpstream("paystack", "verify_transfer", started)
	if err != nil {
		return nil, &UpstreamError{Op: "verify transfer", Detail: err.Error(), Err: err}
	}

	status := strings.ToLower(strings.TrimSpace(transfer.Status))
	switch status {
	case "success":
		err = s.repo.MarkWithdrawalCompleted(ctx, w.ID)
	case "failed", "reversed":
		err = s.repo.MarkWithdrawalFailed(ctx, w.ID, "transfer "+status)
	default:
		return w, nil
	}
	if err != nil && !errors.Is(err, store.ErrWithdrawalNotActive) {
		return nil, fmt.Errorf("settle withdrawal: %w", err)
	}

	latest, err := s.repo.FindWithdrawalByID(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if latest.Status != w.Status {
		withdrawalsCounter.WithLabelValues(latest.Status).Inc()
		s.logger.Info("withdrawal settled", zap.String("withdrawal_id", w.ID.String()), zap.String("status", latest.Status))
		s.publishWithdrawal(ctx, latest)
	}
	return latest, nil
}

// RetryTransfer re-initiates a failed withdrawal on the same record under a fresh
// gateway reference.
func (s *Service) RetryTransfer(ctx context.Context, id uuid.UUID, adminID string) (*domain.AdminWithdrawal, error) {
	w, err := s.repo.FindWithdrawalByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrWithdrawalNotFound) {
			return nil, notFound("withdrawal", err)
		}
		return nil, err
	}
	if w.Status != domain.WithdrawalStatusFailed {
		return nil, ErrNotFailed
	}

	week, err := s.repo.FindWeeklyProfitByID(ctx, w.WeeklyProfitID)
	if err != nil {
		return nil, err
	}
	if week.IsWithdrawn && (week.WithdrawalID == nil || *week.WithdrawalID != w.ID) {
		return nil, &ConflictError{Reason: "this week is locked by another withdrawal", Err: store.ErrWithdrawalConflict}
	}

	reference, err := newReference("WD")
	if err != nil {
		return nil, err
	}
	reopened, err := s.repo.ReopenFailedWithdrawal(ctx, id, reference)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrWithdrawalNotFailed):
			return nil, ErrNotFailed
		case errors.Is(err, store.ErrWithdrawalConflict), errors.Is(err, store.ErrDuplicateReference):
			return nil, &ConflictError{Reason: "this week already has an active withdrawal", Err: err}
		}
		return nil, fmt.Errorf("reopen withdrawal: %w", err)
	}
	s.logger.Info("retrying withdrawal transfer",
		zap.String("withdrawal_id", id.String()),
		zap.String("reference", reference),
		zap.Int("attempt", reopened.Attempts),
		zap.String("admin_id", adminID),
	)
	return s.initiateTransfer(context.WithoutCancel(ctx), reopened)
}

// PollProcessingWithdrawals checks every processing withdrawal with the gateway.
func (s *Service) PollProcessingWithdrawals(ctx context.Context) (int, error) {
	withdrawals, err := s.repo.ListWithdrawalsByStatus(ctx, domain.WithdrawalStatusProcessing, 50)
	if err != nil {
		return 0, fmt.Errorf("list processing withdrawals: %w", err)
	}
	settled := 0
	for _, w := range withdrawals {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		latest, err := s.CheckTransferStatus(ctx, w.ID)
		if err != nil {
			s.logger.Warn("withdrawal poll failed", zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
			continue
		}
		if latest.Status != domain.WithdrawalStatusProcessing {
			settled++
		}
	}
	return settled, nil
}

func (s *Service) publishWithdrawal(ctx context.Context, w *domain.AdminWithdrawal) {
	var key string
	switch w.Status {
	case domain.WithdrawalStatusProcessing:
		key = domain.RoutingKeyWithdrawalProcessing
	case domain.WithdrawalStatusCompleted:
		key = domain.RoutingKeyWithdrawalCompleted
	case domain.WithdrawalStatusFailed:
		key = domain.RoutingKeyWithdrawalFailed
	default:
		return
	}
	event := domain.WithdrawalEvent{
		WithdrawalID:   w.ID,
		WeeklyProfitID: w.WeeklyProfitID,
		Reference:      w.Reference,
		Amount:         w.Amount,
		Status:         w.Status,
		Timestamp:      s.now(),
	}
	if w.FailureReason != nil {
		event.FailureReason = *w.FailureReason
	}
	s.publish(ctx, key, event)
}
