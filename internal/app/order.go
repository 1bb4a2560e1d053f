/**
 * @description
 * Order processing for data bundles and AFA registrations.
 *
 * @notes
 * - The price is held as a pending `purchase` ledger entry in the same database
 *   transaction that debits the wallet and creates the order. Upstream success
 *   completes the hold; upstream failure fails it and credits the price back.
 * - The order reference is passed upstream as the idempotency token, so the stale
 *   order reconciler can safely re-drive a purchase with the same reference.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
	"github.com/bundlehub/databundle-service/pkg/reseller"
)

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	clientReferencePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)
	phoneSeparators        = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
)

// PlaceOrderInput is a data bundle purchase request.
type PlaceOrderInput struct {
	UserID      uuid.UUID
	PhoneNumber string
	Network     string
	DataAmount  decimal.Decimal
	Price       decimal.Decimal
	Reference   string
}

// AFARegistrationInput is an AFA registration request.
type AFARegistrationInput struct {
	UserID      uuid.UUID
	PhoneNumber string
	FullName    string
	IDType      string
	IDNumber    string
	DateOfBirth string
	Occupation  string
	Location    string
	Reference   string
}

// OrderResult is the order snapshot after placement, with the wallet balance.
type OrderResult struct {
	Order     *domain.DataOrder `json:"order"`
	Balance   decimal.Decimal   `json:"balance"`
	Duplicate bool              `json:"duplicate,omitempty"`
}

// ReconcileSummary counts what one reconciliation pass did.
type ReconcileSummary struct {
	Checked   int
	Completed int
	Failed    int
	Redriven  int
	Pending   int
}

// newReference returns prefix followed by ten random uppercase alphanumerics.
func newReference(prefix string) (string, error) {
	var b strings.Builder
	b.WriteString(prefix)
	size := big.NewInt(int64(len(referenceAlphabet)))
	for i := 0; i < 10; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate reference: %w", err)
		}
		b.WriteByte(referenceAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizePhoneNumber accepts 0XXXXXXXXX, 233XXXXXXXXX and +233XXXXXXXXX and
// returns the local 10-digit form.
func NormalizePhoneNumber(raw string) (string, bool) {
	p := strings.TrimPrefix(phoneSeparators.Replace(strings.TrimSpace(raw)), "+")
	if strings.HasPrefix(p, "233") && len(p) == 12 {
		p = "0" + p[3:]
	}
	if len(p) != 10 || p[0] != '0' {
		return "", false
	}
	for _, c := range p {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return p, true
}

func validateClientReference(verr *ValidationError, reference string) string {
	reference = strings.TrimSpace(reference)
	if reference != "" && !clientReferencePattern.MatchString(reference) {
		verr.add("reference", "must be 4-64 letters, digits, '-' or '_'")
	}
	return reference
}

// PlaceOrder debits the wallet, submits the purchase upstream and settles the order.
// A repeated client reference returns the existing order without a second debit.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*OrderResult, error) {
	verr := &ValidationError{}
	phone, ok := NormalizePhoneNumber(in.PhoneNumber)
	if strings.TrimSpace(in.PhoneNumber) == "" {
		verr.add("phone_number", "is required")
	} else if !ok {
		verr.add("phone_number", "must be a valid Ghana phone number")
	}
	var network domain.Network
	if strings.TrimSpace(in.Network) == "" {
		verr.add("network", "is required")
	} else if n, err := domain.ParseNetwork(in.Network); err != nil || !n.IsData() {
		verr.add("network", "must be one of mtn, at, telecel")
	} else {
		network = n
	}
	verr.checkAmount("data_amount", in.DataAmount)
	verr.checkAmount("price", in.Price)
	reference := validateClientReference(verr, in.Reference)
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	if err := s.checkRateLimit(ctx, "order", in.UserID.String(), s.opts.OrderRateLimit); err != nil {
		return nil, err
	}

	if reference != "" {
		if existing, err := s.existingOrder(ctx, in.UserID, reference); existing != nil || err != nil {
			return existing, err
		}
	}

	if _, err := s.repo.FindUserByID(ctx, in.UserID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, notFound("user", err)
		}
		return nil, err
	}

	available, err := s.repo.IsNetworkAvailable(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("check network availability: %w", err)
	}
	if !available {
		return nil, ErrNetworkUnavailable
	}

	clientReference := reference != ""
	if !clientReference {
		if reference, err = newReference("DB"); err != nil {
			return nil, err
		}
	}

	price := in.Price
	order := &domain.DataOrder{
		UserID:      in.UserID,
		Network:     network,
		DataAmount:  in.DataAmount,
		Price:       price,
		PhoneNumber: phone,
		Reference:   reference,
		Status:      domain.OrderStatusPending,
	}
	metadata, _ := json.Marshal(map[string]string{
		"network":      network.String(),
		"data_amount":  in.DataAmount.String(),
		"phone_number": phone,
	})
	hold := &domain.Transaction{
		UserID:      in.UserID,
		Type:        domain.TransactionTypePurchase,
		Amount:      price,
		Reference:   reference,
		Status:      domain.TransactionStatusPending,
		Description: fmt.Sprintf("%s %sGB data for %s", strings.ToUpper(network.String()), in.DataAmount.String(), phone),
		Metadata:    metadata,
	}

	balance, err := s.repo.CreateOrderWithDebit(ctx, order, hold)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			return nil, err
		case errors.Is(err, store.ErrUserNotFound):
			return nil, notFound("user", err)
		case errors.Is(err, store.ErrDuplicateReference):
			if clientReference {
				if existing, findErr := s.existingOrder(ctx, in.UserID, reference); existing != nil || findErr != nil {
					return existing, findErr
				}
			}
			return nil, &ConflictError{Reason: "order reference already exists", Err: err}
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created; funds held",
		zap.String("reference", reference),
		zap.String("user_id", in.UserID.String()),
		zap.String("network", network.String()),
		zap.String("price", price.StringFixed(2)),
		zap.String("balance_after", balance.StringFixed(2)),
	)

	if err := s.repo.MarkOrderProcessing(ctx, reference); err != nil {
		s.logger.Error("failed to mark order processing; leaving for reconciliation", zap.String("reference", reference), zap.Error(err))
		return nil, fmt.Errorf("mark order processing: %w", err)
	}
	order.Status = domain.OrderStatusProcessing

	settled, err := s.submitUpstream(ctx, order)
	if err != nil {
		return nil, err
	}

	current, balErr := s.Balance(ctx, in.UserID)
	if balErr != nil {
		current = balance
	}
	return &OrderResult{Order: settled, Balance: current}, nil
}

// PlaceAFARegistration charges the AFA registration price and completes the order
// immediately. No upstream call is made.
func (s *Service) PlaceAFARegistration(ctx context.Context, in AFARegistrationInput) (*OrderResult, error) {
	verr := &ValidationError{}
	phone, ok := NormalizePhoneNumber(in.PhoneNumber)
	if strings.TrimSpace(in.PhoneNumber) == "" {
		verr.add("phone_number", "is required")
	} else if !ok {
		verr.add("phone_number", "must be a valid Ghana phone number")
	}
	afa := &domain.AFADetails{
		FullName:    strings.TrimSpace(in.FullName),
		IDType:      strings.TrimSpace(in.IDType),
		IDNumber:    strings.TrimSpace(in.IDNumber),
		DateOfBirth: strings.TrimSpace(in.DateOfBirth),
		Occupation:  strings.TrimSpace(in.Occupation),
		Location:    strings.TrimSpace(in.Location),
	}
	for field, value := range map[string]string{
		"full_name":     afa.FullName,
		"id_type":       afa.IDType,
		"id_number":     afa.IDNumber,
		"date_of_birth": afa.DateOfBirth,
		"occupation":    afa.Occupation,
		"location":      afa.Location,
	} {
		if value == "" {
			verr.add(field, "is required")
		}
	}
	if afa.DateOfBirth != "" {
		if _, err := time.Parse("2006-01-02", afa.DateOfBirth); err != nil {
			verr.add("date_of_birth", "must be formatted YYYY-MM-DD")
		}
	}
	reference := validateClientReference(verr, in.Reference)
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	if err := s.checkRateLimit(ctx, "order", in.UserID.String(), s.opts.OrderRateLimit); err != nil {
		return nil, err
	}

	if reference != "" {
		if existing, err := s.existingOrder(ctx, in.UserID, reference); existing != nil || err != nil {
			return existing, err
		}
	}

	available, err := s.repo.IsNetworkAvailable(ctx, domain.NetworkAFA)
	if err != nil {
		return nil, fmt.Errorf("check network availability: %w", err)
	}
	if !available {
		return nil, ErrNetworkUnavailable
	}

	clientReference := reference != ""
	if !clientReference {
		if reference, err = newReference("DB"); err != nil {
			return nil, err
		}
	}

	capacity, err := rand.Int(rand.Reader, big.NewInt(5))
	if err != nil {
		return nil, fmt.Errorf("assign capacity: %w", err)
	}

	price := s.opts.AFARegistrationPrice.Round(2)
	completedAt := s.now()
	order := &domain.DataOrder{
		UserID:       in.UserID,
		Network:      domain.NetworkAFA,
		DataAmount:   decimal.NewFromInt(capacity.Int64() + 1),
		Price:        price,
		UpstreamCost: s.opts.AFAUpstreamCost,
		Profit:       price.Sub(s.opts.AFAUpstreamCost),
		PhoneNumber:  phone,
		Reference:    reference,
		Status:       domain.OrderStatusCompleted,
		CompletedAt:  &completedAt,
		AFA:          afa,
	}
	metadata, _ := json.Marshal(map[string]string{"network": domain.NetworkAFA.String(), "phone_number": phone, "full_name": afa.FullName})
	entry := &domain.Transaction{
		UserID:      in.UserID,
		Type:        domain.TransactionTypePurchase,
		Amount:      price,
		Reference:   reference,
		Status:      domain.TransactionStatusCompleted,
		Description: "AFA registration for " + afa.FullName,
		Metadata:    metadata,
	}

	balance, err := s.repo.CreateOrderWithDebit(ctx, order, entry)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			return nil, err
		case errors.Is(err, store.ErrUserNotFound):
			return nil, notFound("user", err)
		case errors.Is(err, store.ErrDuplicateReference):
			if clientReference {
				if existing, findErr := s.existingOrder(ctx, in.UserID, reference); existing != nil || findErr != nil {
					return existing, findErr
				}
			}
			return nil, &ConflictError{Reason: "order reference already exists", Err: err}
		}
		return nil, fmt.Errorf("create afa order: %w", err)
	}

	ordersProcessedCounter.WithLabelValues(domain.NetworkAFA.String(), domain.OrderStatusCompleted).Inc()
	s.logger.Info("afa registration completed", zap.String("reference", reference), zap.String("user_id", in.UserID.String()))
	s.publishOrder(ctx, order)
	return &OrderResult{Order: order, Balance: balance}, nil
}

// existingOrder returns the prior result for a repeated client reference. A
// reference owned by another user is a conflict.
func (s *Service) existingOrder(ctx context.Context, userID uuid.UUID, reference string) (*OrderResult, error) {
	order, err := s.repo.FindOrderByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, &ConflictError{Reason: "order reference already exists", Err: store.ErrDuplicateReference}
	}
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("duplicate order reference; returning existing order", zap.String("reference", reference))
	return &OrderResult{Order: order, Balance: balance, Duplicate: true}, nil
}

// submitUpstream calls the reseller for an order already in processing and settles
// it. Compensation runs on a context detached from the caller's cancellation.
func (s *Service) submitUpstream(ctx context.Context, order *domain.DataOrder) (*domain.DataOrder, error) {
	code, ok := order.Network.UpstreamCode()
	if !ok {
		if _, err := s.failOrder(context.WithoutCancel(ctx), order, "network is not supported upstream"); err != nil {
			return nil, err
		}
		return nil, &UpstreamError{Op: "purchase", Detail: "network is not supported upstream", Err: ErrTransactionFailed}
	}

	callCtx, cancel := s.upstreamContext(ctx)
	started := time.Now()
	result, err := s.reseller.Purchase(callCtx, reseller.PurchaseRequest{
		NetworkKey: code,
		Recipient:  order.PhoneNumber,
		Capacity:   order.DataAmount.String(),
		Reference:  order.Reference,
	})
	cancel()
	observeUpstream("reseller", "purchase", started)

	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		reason := upstreamFailureReason(err)
		s.logger.Warn("upstream purchase failed; refunding",
			zap.String("reference", order.Reference),
			zap.String("reason", reason),
			zap.Error(err),
		)
		if _, failErr := s.failOrder(settleCtx, order, reason); failErr != nil {
			return nil, failErr
		}
		return nil, &UpstreamError{Op: "purchase", Detail: reason, Err: errors.Join(ErrTransactionFailed, err)}
	}

	var upstreamID *string
	if id := strings.TrimSpace(result.TransactionID); id != "" {
		upstreamID = &id
	}

	if result.Status == reseller.StatusPending {
		if upstreamID != nil {
			if err := s.repo.SetOrderUpstreamID(settleCtx, order.Reference, *upstreamID); err != nil {
				s.logger.Error("failed to record upstream id", zap.String("reference", order.Reference), zap.Error(err))
			}
			order.UpstreamTransactionID = upstreamID
		}
		ordersProcessedCounter.WithLabelValues(order.Network.String(), domain.OrderStatusProcessing).Inc()
		s.logger.Info("upstream accepted order; awaiting confirmation", zap.String("reference", order.Reference))
		return order, nil
	}

	cost := decimal.Zero
	if result.Cost.Valid {
		cost = result.Cost.Decimal
	} else {
		s.logger.Warn("upstream did not report cost; recording zero cost", zap.String("reference", order.Reference))
	}
	return s.completeOrder(settleCtx, order, upstreamID, cost)
}

func upstreamFailureReason(err error) string {
	var apiErr *reseller.APIError
	switch {
	case errors.As(err, &apiErr) && strings.TrimSpace(apiErr.Message) != "":
		return apiErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream request timed out"
	default:
		return "upstream request failed"
	}
}

func (s *Service) completeOrder(ctx context.Context, order *domain.DataOrder, upstreamID *string, cost decimal.Decimal) (*domain.DataOrder, error) {
	completed, err := s.repo.CompleteOrder(ctx, store.CompleteOrderParams{
		Reference:             order.Reference,
		UpstreamTransactionID: upstreamID,
		UpstreamCost:          cost,
		CompletedAt:           s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrOrderNotActive) {
			return s.repo.FindOrderByReference(ctx, order.Reference)
		}
		s.logger.Error("failed to complete order", zap.String("reference", order.Reference), zap.Error(err))
		return nil, fmt.Errorf("complete order: %w", err)
	}
	ordersProcessedCounter.WithLabelValues(completed.Network.String(), domain.OrderStatusCompleted).Inc()
	s.logger.Info("order completed", zap.String("reference", completed.Reference))
	s.publishOrder(ctx, completed)
	return completed, nil
}

func (s *Service) failOrder(ctx context.Context, order *domain.DataOrder, reason string) (*domain.DataOrder, error) {
	failed, balance, err := s.repo.FailOrder(ctx, order.Reference, reason)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotActive) {
			return s.repo.FindOrderByReference(ctx, order.Reference)
		}
		s.logger.Error("failed to refund order; left active for reconciliation", zap.String("reference", order.Reference), zap.Error(err))
		return nil, fmt.Errorf("fail order: %w", err)
	}
	ordersProcessedCounter.WithLabelValues(failed.Network.String(), domain.OrderStatusFailed).Inc()
	s.logger.Info("order failed and refunded",
		zap.String("reference", failed.Reference),
		zap.String("reason", reason),
		zap.String("balance_after", balance.StringFixed(2)),
	)
	s.publishOrder(ctx, failed)
	return failed, nil
}

func (s *Service) publishOrder(ctx context.Context, order *domain.DataOrder) {
	key := domain.RoutingKeyOrderCompleted
	if order.Status == domain.OrderStatusFailed {
		key = domain.RoutingKeyOrderFailed
	}
	event := domain.OrderEvent{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Reference: order.Reference,
		Network:   order.Network,
		Price:     order.Price,
		Status:    order.Status,
		Timestamp: s.now(),
	}
	if order.FailureReason != nil {
		event.FailureReason = *order.FailureReason
	}
	s.publish(ctx, key, event)
}

// CheckStatus returns the order and, for a processing order with an upstream id,
// polls the reseller once. A terminal order is never changed.
func (s *Service) CheckStatus(ctx context.Context, reference string) (*domain.DataOrder, error) {
	return s.checkStatus(ctx, reference, uuid.Nil)
}

// CheckStatusForUser is CheckStatus restricted to the caller's own orders. Another
// user's order is reported as not found and is never polled upstream.
func (s *Service) CheckStatusForUser(ctx context.Context, reference string, userID uuid.UUID) (*domain.DataOrder, error) {
	return s.checkStatus(ctx, reference, userID)
}

func (s *Service) checkStatus(ctx context.Context, reference string, owner uuid.UUID) (*domain.DataOrder, error) {
	order, err := s.repo.FindOrderByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			return nil, notFound("order", err)
		}
		return nil, err
	}
	if owner != uuid.Nil && order.UserID != owner {
		return nil, notFound("order", store.ErrOrderNotFound)
	}
	if order.Status != domain.OrderStatusProcessing || order.UpstreamTransactionID == nil {
		return order, nil
	}

	settled, err := s.pollUpstream(ctx, order)
	if err != nil {
		s.logger.Warn("order status poll failed", zap.String("reference", order.Reference), zap.Error(err))
		return order, nil
	}
	return settled, nil
}

func (s *Service) pollUpstream(ctx context.Context, order *domain.DataOrder) (*domain.DataOrder, error) {
	callCtx, cancel := s.upstreamContext(ctx)
	started := time.Now()
	status, err := s.reseller.OrderStatus(callCtx, *order.UpstreamTransactionID)
	cancel()
	observeUpstream("reseller", "order_status", started)
	if err != nil {
		return nil, err
	}

	settleCtx := context.WithoutCancel(ctx)
	switch status.Status {
	case reseller.StatusCompleted:
		return s.completeOrder(settleCtx, order, nil, order.UpstreamCost)
	case reseller.StatusFailed:
		return s.failOrder(settleCtx, order, firstNonBlank(status.Message, "upstream reported failure"))
	default:
		return order, nil
	}
}

// ListUserOrders returns the user's orders, newest first.
func (s *Service) ListUserOrders(ctx context.Context, userID uuid.UUID) ([]domain.DataOrder, error) {
	orders, err := s.repo.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.DataOrder{}
	}
	return orders, nil
}

// ReverseOrder refunds a completed order once and marks it failed with reason.
func (s *Service) ReverseOrder(ctx context.Context, adminID, reference, reason string) (*OrderResult, error) {
	reference = strings.TrimSpace(reference)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{Fields: map[string]string{"reason": "is required"}}
	}

	order, err := s.repo.FindOrderByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			return nil, notFound("order", err)
		}
		return nil, err
	}

	metadata, _ := json.Marshal(map[string]string{"admin_id": adminID, "reason": reason})
	refund := &domain.Transaction{
		Type:        domain.TransactionTypeRefund,
		Reference:   reference,
		Status:      domain.TransactionStatusCompleted,
		Description: "Refund for order " + reference,
		Metadata:    metadata,
	}
	balance, err := s.repo.ReverseOrder(ctx, reference, reason, refund)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotCompleted):
			return nil, &ConflictError{Reason: "only completed orders can be reversed", Err: err}
		case errors.Is(err, store.ErrDuplicateReference):
			return nil, &ConflictError{Reason: "order has already been refunded", Err: err}
		}
		return nil, fmt.Errorf("reverse order: %w", err)
	}

	s.logger.Info("order reversed by admin",
		zap.String("admin_id", adminID),
		zap.String("reference", reference),
		zap.String("balance_after", balance.StringFixed(2)),
	)
	reversed, err := s.repo.FindOrderByReference(ctx, reference)
	if err != nil {
		reversed = order
	}
	s.publishOrder(ctx, reversed)
	return &OrderResult{Order: reversed, Balance: balance}, nil
}

// ReconcileStaleOrders settles orders left pending or processing past the
// reconcile threshold. Orders with an upstream id are polled; orders without one
// are re-submitted with the same reference until the attempt limit, then failed
// and refunded.
func (s *Service) ReconcileStaleOrders(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary
	orders, err := s.repo.ListStaleProcessingOrders(ctx, s.now().Add(-s.opts.ReconcileAfter), 100)
	if err != nil {
		return summary, fmt.Errorf("list stale orders: %w", err)
	}

	for i := range orders {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		order := &orders[i]
		summary.Checked++

		attempts, err := s.repo.IncrementOrderReconcileAttempts(ctx, order.Reference)
		if err != nil {
			s.logger.Error("failed to record reconcile attempt", zap.String("reference", order.Reference), zap.Error(err))
			continue
		}

		var settled *domain.DataOrder
		switch {
		case order.UpstreamTransactionID != nil:
			order.Status = domain.OrderStatusProcessing
			settled, err = s.pollUpstream(ctx, order)
		case attempts > s.opts.MaxReconcileAttempts:
			s.logger.Error("order never confirmed upstream; refunding",
				zap.String("reference", order.Reference),
				zap.Int("attempts", attempts),
			)
			settled, err = s.failOrder(ctx, order, "order could not be confirmed with the upstream provider")
		default:
			if err = s.repo.MarkOrderProcessing(ctx, order.Reference); err != nil {
				break
			}
			order.Status = domain.OrderStatusProcessing
			summary.Redriven++
			reconcileRunsCounter.WithLabelValues("redriven").Inc()
			settled, err = s.submitUpstream(ctx, order)
		}

		if err != nil {
			var upErr *UpstreamError
			if errors.As(err, &upErr) {
				summary.Failed++
				reconcileRunsCounter.WithLabelValues(domain.OrderStatusFailed).Inc()
				continue
			}
			s.logger.Warn("order reconciliation failed", zap.String("reference", order.Reference), zap.Int("attempts", attempts), zap.Error(err))
			reconcileRunsCounter.WithLabelValues("error").Inc()
			continue
		}

		switch settled.Status {
		case domain.OrderStatusCompleted:
			summary.Completed++
		case domain.OrderStatusFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
		reconcileRunsCounter.WithLabelValues(settled.Status).Inc()
	}

	if summary.Checked > 0 {
		s.logger.Info("order reconciliation pass finished",
			zap.Int("checked", summary.Checked),
			zap.Int("completed", summary.Completed),
			zap.Int("failed", summary.Failed),
			zap.Int("redriven", summary.Redriven),
			zap.Int("pending", summary.Pending),
		)
	}
	return summary, nil
}
