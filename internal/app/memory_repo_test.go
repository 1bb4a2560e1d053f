package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
)

// memoryRepo is an in-memory store.Repository with the same atomicity as the
// Postgres implementation: every compound method runs under one lock.
type memoryRepo struct {
	mu           sync.Mutex
	users        map[uuid.UUID]*domain.User
	ledger       []*domain.Transaction
	orders       map[string]*domain.DataOrder
	availability map[domain.Network]bool
	weeks        map[uuid.UUID]*domain.WeeklyProfit
	withdrawals  map[uuid.UUID]*domain.AdminWithdrawal
	recipients   map[string]domain.TransferRecipient
}

var _ store.Repository = (*memoryRepo)(nil)

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		users:        make(map[uuid.UUID]*domain.User),
		orders:       make(map[string]*domain.DataOrder),
		availability: make(map[domain.Network]bool),
		weeks:        make(map[uuid.UUID]*domain.WeeklyProfit),
		withdrawals:  make(map[uuid.UUID]*domain.AdminWithdrawal),
		recipients:   make(map[string]domain.TransferRecipient),
	}
}

// addUser seeds a user whose balance is backed by a completed deposit so ledger
// replay holds from the start.
func (r *memoryRepo) addUser(email string, balance string) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := &domain.User{ID: uuid.New(), Email: email, Role: domain.RoleUser, WalletBalance: decimal.RequireFromString(balance)}
	r.users[u.ID] = u
	if u.WalletBalance.IsPositive() {
		r.ledger = append(r.ledger, &domain.Transaction{
			ID: uuid.New(), UserID: u.ID, Type: domain.TransactionTypeDeposit, Amount: u.WalletBalance,
			Reference: "SEED-" + u.ID.String(), Status: domain.TransactionStatusCompleted, BalanceAfter: u.WalletBalance,
			CreatedAt: time.Now(),
		})
	}
	cp := *u
	return &cp
}

func (r *memoryRepo) addWeek(weekStart time.Time, total string) *domain.WeeklyProfit {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := &domain.WeeklyProfit{
		ID:          uuid.New(),
		WeekStart:   weekStart,
		WeekEnd:     weekStart.AddDate(0, 0, 6),
		TotalProfit: decimal.RequireFromString(total),
		OrderCount:  1,
	}
	r.weeks[w.ID] = w
	cp := *w
	return &cp
}

func (r *memoryRepo) balance(userID uuid.UUID) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID].WalletBalance
}

// replay sums completed entries and, separately, pending purchase holds.
func (r *memoryRepo) replay(userID uuid.UUID) (completed, held decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.ledger {
		if t.UserID != userID {
			continue
		}
		switch {
		case t.Status == domain.TransactionStatusCompleted:
			completed = completed.Add(t.SignedAmount())
		case t.Status == domain.TransactionStatusPending && t.Type == domain.TransactionTypePurchase:
			held = held.Add(t.Amount)
		}
	}
	return completed, held
}

func (r *memoryRepo) entries(reference, txType string) []domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for _, t := range r.ledger {
		if t.Reference == reference && t.Type == txType {
			out = append(out, *t)
		}
	}
	return out
}

func (r *memoryRepo) orderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func (r *memoryRepo) withdrawalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.withdrawals)
}

func (r *memoryRepo) week(id uuid.UUID) domain.WeeklyProfit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.weeks[id]
}

func (r *memoryRepo) findTx(reference, txType string) *domain.Transaction {
	for _, t := range r.ledger {
		if t.Reference == reference && t.Type == txType {
			return t
		}
	}
	return nil
}

// errAmountCheck mirrors the amount > 0 CHECK on NUMERIC(14,2) ledger columns.
var errAmountCheck = errors.New("amount violates ledger check constraint")

func storableAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(2)) {
		return errAmountCheck
	}
	return nil
}

func (r *memoryRepo) insertTx(entry *domain.Transaction) error {
	if err := storableAmount(entry.Amount); err != nil {
		return err
	}
	if r.findTx(entry.Reference, entry.Type) != nil {
		return store.ErrDuplicateReference
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	entry.UpdatedAt = entry.CreatedAt
	cp := *entry
	r.ledger = append(r.ledger, &cp)
	return nil
}

func (r *memoryRepo) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryRepo) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (r *memoryRepo) debit(userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	u, ok := r.users[userID]
	if !ok {
		return decimal.Zero, store.ErrUserNotFound
	}
	if err := storableAmount(amount); err != nil {
		return decimal.Zero, err
	}
	if u.WalletBalance.LessThan(amount) {
		return decimal.Zero, store.ErrInsufficientFunds
	}
	u.WalletBalance = u.WalletBalance.Sub(amount)
	return u.WalletBalance, nil
}

func (r *memoryRepo) credit(userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	u, ok := r.users[userID]
	if !ok {
		return decimal.Zero, store.ErrUserNotFound
	}
	if err := storableAmount(amount); err != nil {
		return decimal.Zero, err
	}
	u.WalletBalance = u.WalletBalance.Add(amount)
	return u.WalletBalance, nil
}

func (r *memoryRepo) DebitWallet(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findTx(entry.Reference, entry.Type) != nil {
		return decimal.Zero, store.ErrDuplicateReference
	}
	bal, err := r.debit(entry.UserID, entry.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	entry.BalanceAfter = bal
	return bal, r.insertTx(entry)
}

func (r *memoryRepo) CreditWallet(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findTx(entry.Reference, entry.Type) != nil {
		return decimal.Zero, store.ErrDuplicateReference
	}
	bal, err := r.credit(entry.UserID, entry.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	entry.BalanceAfter = bal
	return bal, r.insertTx(entry)
}

func (r *memoryRepo) CreateTransaction(ctx context.Context, entry *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertTx(entry)
}

func (r *memoryRepo) FindTransactionByReference(ctx context.Context, reference, txType string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.findTx(reference, txType)
	if t == nil {
		return nil, store.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memoryRepo) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for i := len(r.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if r.ledger[i].UserID == userID {
			out = append(out, *r.ledger[i])
		}
	}
	return out, nil
}

func (r *memoryRepo) CompleteDeposit(ctx context.Context, reference string, userID uuid.UUID, amount decimal.Decimal, metadata json.RawMessage) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.findTx(reference, domain.TransactionTypeDeposit)
	if t == nil || t.Status != domain.TransactionStatusPending {
		return nil, store.ErrTransactionNotPending
	}
	bal, err := r.credit(userID, amount)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TransactionStatusCompleted
	t.Amount = amount
	t.UserID = userID
	t.BalanceAfter = bal
	cp := *t
	return &cp, nil
}

func (r *memoryRepo) FailTransaction(ctx context.Context, reference, txType string, metadata json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.findTx(reference, txType)
	if t == nil || t.Status != domain.TransactionStatusPending {
		return store.ErrTransactionNotPending
	}
	t.Status = domain.TransactionStatusFailed
	return nil
}

func (r *memoryRepo) CreateOrderWithDebit(ctx context.Context, order *domain.DataOrder, entry *domain.Transaction) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.Reference]; exists || r.findTx(entry.Reference, entry.Type) != nil {
		return decimal.Zero, store.ErrDuplicateReference
	}
	bal, err := r.debit(entry.UserID, entry.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	entry.BalanceAfter = bal
	if err := r.insertTx(entry); err != nil {
		return decimal.Zero, err
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	cp := *order
	r.orders[order.Reference] = &cp
	return bal, nil
}

func (r *memoryRepo) FindOrderByReference(ctx context.Context, reference string) (*domain.DataOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[reference]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memoryRepo) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]domain.DataOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DataOrder
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepo) activeOrder(reference string) (*domain.DataOrder, error) {
	o, ok := r.orders[reference]
	if !ok || (o.Status != domain.OrderStatusPending && o.Status != domain.OrderStatusProcessing) {
		return nil, store.ErrOrderNotActive
	}
	return o, nil
}

func (r *memoryRepo) MarkOrderProcessing(ctx context.Context, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.activeOrder(reference)
	if err != nil {
		return err
	}
	o.Status = domain.OrderStatusProcessing
	o.UpdatedAt = time.Now()
	return nil
}

func (r *memoryRepo) SetOrderUpstreamID(ctx context.Context, reference, upstreamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.activeOrder(reference)
	if err != nil {
		return err
	}
	o.UpstreamTransactionID = &upstreamID
	return nil
}

func (r *memoryRepo) CompleteOrder(ctx context.Context, params store.CompleteOrderParams) (*domain.DataOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.activeOrder(params.Reference)
	if err != nil {
		return nil, err
	}
	hold := r.findTx(params.Reference, domain.TransactionTypePurchase)
	if hold == nil || hold.Status != domain.TransactionStatusPending {
		return nil, store.ErrTransactionNotPending
	}
	hold.Status = domain.TransactionStatusCompleted
	o.Status = domain.OrderStatusCompleted
	if params.UpstreamTransactionID != nil {
		o.UpstreamTransactionID = params.UpstreamTransactionID
	}
	o.UpstreamCost = params.UpstreamCost
	o.Profit = o.Price.Sub(params.UpstreamCost)
	completedAt := params.CompletedAt
	o.CompletedAt = &completedAt
	o.FailureReason = nil
	cp := *o
	return &cp, nil
}

func (r *memoryRepo) FailOrder(ctx context.Context, reference, reason string) (*domain.DataOrder, decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.activeOrder(reference)
	if err != nil {
		return nil, decimal.Zero, err
	}
	hold := r.findTx(reference, domain.TransactionTypePurchase)
	if hold == nil || hold.Status != domain.TransactionStatusPending {
		return nil, decimal.Zero, store.ErrTransactionNotPending
	}
	hold.Status = domain.TransactionStatusFailed
	bal, err := r.credit(o.UserID, hold.Amount)
	if err != nil {
		return nil, decimal.Zero, err
	}
	o.Status = domain.OrderStatusFailed
	o.FailureReason = &reason
	cp := *o
	return &cp, bal, nil
}

func (r *memoryRepo) ReverseOrder(ctx context.Context, reference, reason string, refund *domain.Transaction) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[reference]
	if !ok || o.Status != domain.OrderStatusCompleted {
		return decimal.Zero, store.ErrOrderNotCompleted
	}
	if r.findTx(reference, domain.TransactionTypeRefund) != nil {
		return decimal.Zero, store.ErrDuplicateReference
	}
	bal, err := r.credit(o.UserID, o.Price)
	if err != nil {
		return decimal.Zero, err
	}
	refund.UserID = o.UserID
	refund.Amount = o.Price
	refund.BalanceAfter = bal
	if err := r.insertTx(refund); err != nil {
		return decimal.Zero, err
	}
	o.Status = domain.OrderStatusFailed
	o.FailureReason = &reason
	o.Profit = decimal.Zero
	return bal, nil
}

func (r *memoryRepo) ListStaleProcessingOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.DataOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DataOrder
	for _, o := range r.orders {
		if o.AFA != nil || o.IsTerminal() || !o.UpdatedAt.Before(olderThan) {
			continue
		}
		out = append(out, *o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) IncrementOrderReconcileAttempts(ctx context.Context, reference string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[reference]
	if !ok {
		return 0, store.ErrOrderNotFound
	}
	o.ReconcileAttempts++
	return o.ReconcileAttempts, nil
}

func (r *memoryRepo) ListNetworkAvailability(ctx context.Context) ([]domain.NetworkAvailability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.NetworkAvailability
	for _, n := range []domain.Network{domain.NetworkMTN, domain.NetworkAT, domain.NetworkTelecel, domain.NetworkAFA} {
		available, ok := r.availability[n]
		out = append(out, domain.NetworkAvailability{Network: n, Available: !ok || available})
	}
	return out, nil
}

func (r *memoryRepo) IsNetworkAvailable(ctx context.Context, network domain.Network) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	available, ok := r.availability[network]
	return !ok || available, nil
}

func (r *memoryRepo) SetNetworkAvailability(ctx context.Context, network domain.Network, available bool) (*domain.NetworkAvailability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.availability[network] = available
	return &domain.NetworkAvailability{Network: network, Available: available, UpdatedAt: time.Now()}, nil
}

func (r *memoryRepo) AggregateWeeklyProfits(ctx context.Context) ([]store.WeeklyProfitAggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byWeek := map[time.Time]*store.WeeklyProfitAggregate{}
	for _, o := range r.orders {
		if o.Status != domain.OrderStatusCompleted || o.CompletedAt == nil {
			continue
		}
		start := weekStartOf(*o.CompletedAt)
		agg, ok := byWeek[start]
		if !ok {
			agg = &store.WeeklyProfitAggregate{WeekStart: start}
			byWeek[start] = agg
		}
		agg.TotalProfit = agg.TotalProfit.Add(o.Profit)
		agg.OrderCount++
	}
	var out []store.WeeklyProfitAggregate
	for _, agg := range byWeek {
		out = append(out, *agg)
	}
	return out, nil
}

func (r *memoryRepo) UpsertWeeklyProfit(ctx context.Context, weekStart time.Time, total decimal.Decimal, orderCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.weeks {
		if w.WeekStart.Equal(weekStart) {
			if !w.IsWithdrawn {
				w.TotalProfit = total
				w.OrderCount = orderCount
			}
			return nil
		}
	}
	id := uuid.New()
	r.weeks[id] = &domain.WeeklyProfit{ID: id, WeekStart: weekStart, WeekEnd: weekStart.AddDate(0, 0, 6), TotalProfit: total, OrderCount: orderCount}
	return nil
}

func (r *memoryRepo) ListWeeklyProfits(ctx context.Context) ([]domain.WeeklyProfit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WeeklyProfit
	for _, w := range r.weeks {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart.After(out[j].WeekStart) })
	return out, nil
}

func (r *memoryRepo) FindWeeklyProfitByID(ctx context.Context, id uuid.UUID) (*domain.WeeklyProfit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.weeks[id]
	if !ok {
		return nil, store.ErrWeeklyProfitNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *memoryRepo) activeWithdrawalFor(weekID, except uuid.UUID) bool {
	for _, w := range r.withdrawals {
		if w.ID != except && w.WeeklyProfitID == weekID && w.Status != domain.WithdrawalStatusFailed {
			return true
		}
	}
	return false
}

func (r *memoryRepo) CreateWithdrawal(ctx context.Context, w *domain.AdminWithdrawal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeWithdrawalFor(w.WeeklyProfitID, uuid.Nil) {
		return store.ErrWithdrawalConflict
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = time.Now()
	cp := *w
	r.withdrawals[w.ID] = &cp
	return nil
}

func (r *memoryRepo) FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*domain.AdminWithdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.withdrawals[id]
	if !ok {
		return nil, store.ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *memoryRepo) FindWithdrawalByReference(ctx context.Context, reference string) (*domain.AdminWithdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.withdrawals {
		if w.Reference == reference {
			cp := *w
			return &cp, nil
		}
	}
	return nil, store.ErrWithdrawalNotFound
}

func (r *memoryRepo) ListWithdrawalsByStatus(ctx context.Context, status string, limit int) ([]domain.AdminWithdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AdminWithdrawal
	for _, w := range r.withdrawals {
		if w.Status == status && len(out) < limit {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (r *memoryRepo) MarkWithdrawalProcessing(ctx context.Context, id, weeklyProfitID uuid.UUID, recipientCode, transferCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.withdrawals[id]
	if !ok || w.Status != domain.WithdrawalStatusPending {
		return store.ErrWithdrawalNotActive
	}
	week := r.weeks[weeklyProfitID]
	if week.IsWithdrawn && (week.WithdrawalID == nil || *week.WithdrawalID != id) {
		return store.ErrWithdrawalConflict
	}
	w.Status = domain.WithdrawalStatusProcessing
	w.RecipientCode = &recipientCode
	w.TransferCode = &transferCode
	w.FailureReason = nil
	week.IsWithdrawn = true
	wid := id
	week.WithdrawalID = &wid
	return nil
}

func (r *memoryRepo) MarkWithdrawalCompleted(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.withdrawals[id]
	if !ok || w.Status != domain.WithdrawalStatusProcessing {
		return store.ErrWithdrawalNotActive
	}
	w.Status = domain.WithdrawalStatusCompleted
	return nil
}

func (r *memoryRepo) MarkWithdrawalFailed(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.withdrawals[id]
	if !ok || (w.Status != domain.WithdrawalStatusPending && w.Status != domain.WithdrawalStatusProcessing) {
		return store.ErrWithdrawalNotActive
	}
	w.Status = domain.WithdrawalStatusFailed
	w.FailureReason = &reason
	return nil
}

func (r *memoryRepo) ReopenFailedWithdrawal(ctx context.Context, id uuid.UUID, reference string) (*domain.AdminWithdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.withdrawals[id]
	if !ok || w.Status != domain.WithdrawalStatusFailed {
		return nil, store.ErrWithdrawalNotFailed
	}
	if r.activeWithdrawalFor(w.WeeklyProfitID, id) {
		return nil, store.ErrWithdrawalConflict
	}
	w.Status = domain.WithdrawalStatusPending
	w.Reference = reference
	w.Attempts++
	w.FailureReason = nil
	w.TransferCode = nil
	cp := *w
	return &cp, nil
}

func (r *memoryRepo) FindTransferRecipient(ctx context.Context, accountNumber, bankCode string) (*domain.TransferRecipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recipients[accountNumber+"|"+bankCode]
	if !ok {
		return nil, store.ErrRecipientNotFound
	}
	return &rec, nil
}

func (r *memoryRepo) SaveTransferRecipient(ctx context.Context, rec domain.TransferRecipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipients[rec.AccountNumber+"|"+rec.BankCode] = rec
	return nil
}
