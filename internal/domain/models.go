/**
 * @description
 * Core domain models for the databundle-service: wallet owners, ledger entries,
 * data orders, network availability, weekly profit buckets and admin payouts.
 *
 * @notes
 * - Money is carried as decimal.Decimal in GHS throughout. Conversion to
 *   pesewas only happens inside the payment gateway client.
 * - data_amount is in gigabytes.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger entry types.
const (
	TransactionTypeDeposit   = "deposit"
	TransactionTypePurchase  = "purchase"
	TransactionTypeRefund    = "refund"
	TransactionTypeDeduction = "deduction"
)

// Ledger entry statuses.
const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// Order statuses.
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusCompleted  = "completed"
	OrderStatusFailed     = "failed"
)

// Withdrawal statuses.
const (
	WithdrawalStatusPending    = "pending"
	WithdrawalStatusProcessing = "processing"
	WithdrawalStatusCompleted  = "completed"
	WithdrawalStatusFailed     = "failed"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is a wallet owner.
type User struct {
	ID            uuid.UUID       `json:"id"`
	Email         string          `json:"email"`
	FullName      string          `json:"full_name"`
	PhoneNumber   string          `json:"phone_number"`
	Role          string          `json:"role"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transaction is one append-only ledger entry. Amount is always a magnitude;
// the sign is implied by Type.
type Transaction struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Reference    string          `json:"reference"`
	Status       string          `json:"status"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SignedAmount returns the balance effect of a completed entry.
func (t Transaction) SignedAmount() decimal.Decimal {
	switch t.Type {
	case TransactionTypePurchase, TransactionTypeDeduction:
		return t.Amount.Neg()
	default:
		return t.Amount
	}
}

// AFADetails holds identity fields captured for an AFA registration.
type AFADetails struct {
	FullName    string `json:"full_name"`
	IDType      string `json:"id_type"`
	IDNumber    string `json:"id_number"`
	DateOfBirth string `json:"date_of_birth"`
	Occupation  string `json:"occupation"`
	Location    string `json:"location"`
}

// DataOrder is one purchase placed by a user.
type DataOrder struct {
	ID                    uuid.UUID       `json:"id"`
	UserID                uuid.UUID       `json:"user_id"`
	Network               Network         `json:"network"`
	DataAmount            decimal.Decimal `json:"data_amount"`
	Price                 decimal.Decimal `json:"price"`
	UpstreamCost          decimal.Decimal `json:"-"`
	Profit                decimal.Decimal `json:"-"`
	PhoneNumber           string          `json:"phone_number"`
	Reference             string          `json:"reference"`
	Status                string          `json:"status"`
	FailureReason         *string         `json:"failure_reason,omitempty"`
	UpstreamTransactionID *string         `json:"upstream_transaction_id,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	AFA                   *AFADetails     `json:"afa,omitempty"`
	ReconcileAttempts     int             `json:"-"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the order can no longer change status.
func (o DataOrder) IsTerminal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusFailed
}

// NetworkAvailability is the admin-controlled purchasable flag for a network.
type NetworkAvailability struct {
	Network   Network   `json:"network"`
	Available bool      `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WeeklyProfit aggregates completed-order profit over a Monday-start week.
type WeeklyProfit struct {
	ID            uuid.UUID       `json:"id"`
	WeekStart     time.Time       `json:"week_start"`
	WeekEnd       time.Time       `json:"week_end"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	OrderCount    int             `json:"order_count"`
	IsWithdrawn   bool            `json:"is_withdrawn"`
	WithdrawalID  *uuid.UUID      `json:"withdrawal_id,omitempty"`
	IsCurrentWeek bool            `json:"is_current_week"`
	IsComplete    bool            `json:"is_complete"`
	Eligible      bool            `json:"eligible"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BankInfo identifies the payout destination.
type BankInfo struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	BankCode      string `json:"bank_code"`
}

// AdminWithdrawal records one payout of a WeeklyProfit bucket.
type AdminWithdrawal struct {
	ID             uuid.UUID       `json:"id"`
	WeeklyProfitID uuid.UUID       `json:"weekly_profit_id"`
	Amount         decimal.Decimal `json:"amount"`
	BankInfo       BankInfo        `json:"bank_info"`
	RecipientCode  *string         `json:"recipient_code,omitempty"`
	TransferCode   *string         `json:"transfer_code,omitempty"`
	Reference      string          `json:"reference"`
	Status         string          `json:"status"`
	FailureReason  *string         `json:"failure_reason,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	Attempts       int             `json:"attempts"`
	InitiatedBy    string          `json:"initiated_by"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TransferRecipient is a persisted gateway recipient handle.
type TransferRecipient struct {
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	AccountName   string `json:"account_name"`
	RecipientCode string `json:"recipient_code"`
}
