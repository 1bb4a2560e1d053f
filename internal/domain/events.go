package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventsExchange is the topic exchange all service events are published to.
const EventsExchange = "databundle.events"

// Routing keys.
const (
	RoutingKeyOrderCompleted       = "order.completed"
	RoutingKeyOrderFailed          = "order.failed"
	RoutingKeyDepositCompleted     = "wallet.deposit.completed"
	RoutingKeyWithdrawalProcessing = "withdrawal.processing"
	RoutingKeyWithdrawalCompleted  = "withdrawal.completed"
	RoutingKeyWithdrawalFailed     = "withdrawal.failed"

	RoutingKeyGatewayChargeSuccess    = "gateway.charge.success"
	RoutingKeyGatewayTransferSuccess  = "gateway.transfer.success"
	RoutingKeyGatewayTransferFailed   = "gateway.transfer.failed"
	RoutingKeyGatewayTransferReversed = "gateway.transfer.reversed"
)

// OrderEvent is published when an order reaches a terminal status.
type OrderEvent struct {
	OrderID       uuid.UUID       `json:"order_id"`
	UserID        uuid.UUID       `json:"user_id"`
	Reference     string          `json:"reference"`
	Network       Network         `json:"network"`
	Price         decimal.Decimal `json:"price"`
	Status        string          `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DepositEvent is published when a deposit is credited.
type DepositEvent struct {
	UserID       uuid.UUID       `json:"user_id"`
	Reference    string          `json:"reference"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Timestamp    time.Time       `json:"timestamp"`
}

// WithdrawalEvent is published on withdrawal status changes.
type WithdrawalEvent struct {
	WithdrawalID   uuid.UUID       `json:"withdrawal_id"`
	WeeklyProfitID uuid.UUID       `json:"weekly_profit_id"`
	Reference      string          `json:"reference"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// GatewayEvent is the relay of a verified payment gateway webhook.
type GatewayEvent struct {
	Event     string    `json:"event"`
	Reference string    `json:"reference"`
	Received  time.Time `json:"received_at"`
}
