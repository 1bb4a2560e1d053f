/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the databundle-service needs. Money-moving methods are compound: each
 * one runs its balance update and ledger write inside a single database transaction
 * so the wallet and the ledger can never disagree.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: transaction and row types for DBTX.
 * - github.com/shopspring/decimal: monetary amounts.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/bundlehub/databundle-service/internal/domain"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrWeeklyProfitNotFound  = errors.New("weekly profit not found")
	ErrWithdrawalNotFound    = errors.New("withdrawal not found")
	ErrRecipientNotFound     = errors.New("transfer recipient not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrDuplicateReference    = errors.New("duplicate reference")
	ErrTransactionNotPending = errors.New("transaction is not pending")
	ErrOrderNotActive        = errors.New("order is not pending or processing")
	ErrOrderNotCompleted     = errors.New("order is not completed")
	ErrWithdrawalConflict    = errors.New("weekly profit already has an active withdrawal")
	ErrWithdrawalNotFailed   = errors.New("withdrawal is not failed")
	ErrWithdrawalNotActive   = errors.New("withdrawal is not pending or processing")
)

// DBTX is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type DBTX interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WeeklyProfitAggregate is one week of completed-order profit computed from data_orders.
type WeeklyProfitAggregate struct {
	WeekStart   time.Time
	TotalProfit decimal.Decimal
	OrderCount  int
}

// CompleteOrderParams finalizes a successful order.
type CompleteOrderParams struct {
	Reference             string
	UpstreamTransactionID *string
	UpstreamCost          decimal.Decimal
	CompletedAt           time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Users
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// Wallet and ledger
	DebitWallet(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error)
	CreditWallet(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error)
	CreateTransaction(ctx context.Context, entry *domain.Transaction) error
	FindTransactionByReference(ctx context.Context, reference, txType string) (*domain.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error)
	CompleteDeposit(ctx context.Context, reference string, userID uuid.UUID, amount decimal.Decimal, metadata json.RawMessage) (*domain.Transaction, error)
	FailTransaction(ctx context.Context, reference, txType string, metadata json.RawMessage) error

	// Orders
	CreateOrderWithDebit(ctx context.Context, order *domain.DataOrder, entry *domain.Transaction) (decimal.Decimal, error)
	FindOrderByReference(ctx context.Context, reference string) (*domain.DataOrder, error)
	ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]domain.DataOrder, error)
	MarkOrderProcessing(ctx context.Context, reference string) error
	SetOrderUpstreamID(ctx context.Context, reference, upstreamID string) error
	CompleteOrder(ctx context.Context, params CompleteOrderParams) (*domain.DataOrder, error)
	FailOrder(ctx context.Context, reference, reason string) (*domain.DataOrder, decimal.Decimal, error)
	ReverseOrder(ctx context.Context, reference, reason string, refund *domain.Transaction) (decimal.Decimal, error)
	ListStaleProcessingOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.DataOrder, error)
	IncrementOrderReconcileAttempts(ctx context.Context, reference string) (int, error)

	// Network availability
	ListNetworkAvailability(ctx context.Context) ([]domain.NetworkAvailability, error)
	IsNetworkAvailable(ctx context.Context, network domain.Network) (bool, error)
	SetNetworkAvailability(ctx context.Context, network domain.Network, available bool) (*domain.NetworkAvailability, error)

	// Weekly profit
	AggregateWeeklyProfits(ctx context.Context) ([]WeeklyProfitAggregate, error)
	UpsertWeeklyProfit(ctx context.Context, weekStart time.Time, total decimal.Decimal, orderCount int) error
	ListWeeklyProfits(ctx context.Context) ([]domain.WeeklyProfit, error)
	FindWeeklyProfitByID(ctx context.Context, id uuid.UUID) (*domain.WeeklyProfit, error)

	// Withdrawals
	CreateWithdrawal(ctx context.Context, w *domain.AdminWithdrawal) error
	FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*domain.AdminWithdrawal, error)
	FindWithdrawalByReference(ctx context.Context, reference string) (*domain.AdminWithdrawal, error)
	ListWithdrawalsByStatus(ctx context.Context, status string, limit int) ([]domain.AdminWithdrawal, error)
	MarkWithdrawalProcessing(ctx context.Context, id, weeklyProfitID uuid.UUID, recipientCode, transferCode string) error
	MarkWithdrawalCompleted(ctx context.Context, id uuid.UUID) error
	MarkWithdrawalFailed(ctx context.Context, id uuid.UUID, reason string) error
	ReopenFailedWithdrawal(ctx context.Context, id uuid.UUID, reference string) (*domain.AdminWithdrawal, error)
	FindTransferRecipient(ctx context.Context, accountNumber, bankCode string) (*domain.TransferRecipient, error)
	SaveTransferRecipient(ctx context.Context, recipient domain.TransferRecipient) error
}
