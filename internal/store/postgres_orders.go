package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/bundlehub/databundle-service/internal/domain"
)

const orderColumns = `id, user_id, network, data_amount, price, upstream_cost, profit, phone_number, reference,
	status, failure_reason, upstream_transaction_id, completed_at, is_afa, afa_full_name, afa_id_type,
	afa_id_number, afa_date_of_birth, afa_occupation, afa_location, reconcile_attempts, created_at, updated_at`

func scanOrder(row pgx.Row) (*domain.DataOrder, error) {
	var (
		o       domain.DataOrder
		network string
		isAFA   bool
	)
	var afaName, afaIDType, afaIDNumber, afaDOB, afaOcc, afaLoc *string
	err := row.Scan(
		&o.ID, &o.UserID, &network, &o.DataAmount, &o.Price, &o.UpstreamCost, &o.Profit, &o.PhoneNumber, &o.Reference,
		&o.Status, &o.FailureReason, &o.UpstreamTransactionID, &o.CompletedAt, &isAFA, &afaName, &afaIDType,
		&afaIDNumber, &afaDOB, &afaOcc, &afaLoc, &o.ReconcileAttempts, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	o.Network = domain.Network(network)
	if isAFA {
		o.AFA = &domain.AFADetails{
			FullName:    deref(afaName),
			IDType:      deref(afaIDType),
			IDNumber:    deref(afaIDNumber),
			DateOfBirth: deref(afaDOB),
			Occupation:  deref(afaOcc),
			Location:    deref(afaLoc),
		}
	}
	return &o, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func afaArg(afa *domain.AFADetails, pick func(*domain.AFADetails) string) any {
	if afa == nil {
		return nil
	}
	return pick(afa)
}

// CreateOrderWithDebit debits the wallet, appends the purchase ledger entry and
// inserts the order in one transaction. A duplicate order or ledger reference rolls
// the debit back and returns ErrDuplicateReference.
func (r *PostgresRepository) CreateOrderWithDebit(ctx context.Context, order *domain.DataOrder, entry *domain.Transaction) (decimal.Decimal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	balance, err := debitInTx(ctx, tx, entry.UserID, entry.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	entry.BalanceAfter = balance
	if err := insertTransaction(ctx, tx, entry); err != nil {
		return decimal.Zero, err
	}

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	query := `
		INSERT INTO data_orders (
			id, user_id, network, data_amount, price, upstream_cost, profit, phone_number, reference, status,
			completed_at, is_afa, afa_full_name, afa_id_type, afa_id_number, afa_date_of_birth, afa_occupation, afa_location
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		order.ID,
		order.UserID,
		string(order.Network),
		order.DataAmount,
		order.Price,
		order.UpstreamCost,
		order.Profit,
		order.PhoneNumber,
		order.Reference,
		order.Status,
		order.CompletedAt,
		order.AFA != nil,
		afaArg(order.AFA, func(a *domain.AFADetails) string { return a.FullName }),
		afaArg(order.AFA, func(a *domain.AFADetails) string { return a.IDType }),
		afaArg(order.AFA, func(a *domain.AFADetails) string { return a.IDNumber }),
		afaArg(order.AFA, func(a *domain.AFADetails) string { return a.DateOfBirth }),
		afaArg(order.AFA, func(a *domain.AFADetails) string { return a.Occupation }),
		afaArg(order.AFA, func(a *domain.AFADetails) string { return a.Location }),
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return decimal.Zero, ErrDuplicateReference
		}
		return decimal.Zero, fmt.Errorf("insert order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// FindOrderByReference returns the order with the given reference.
func (r *PostgresRepository) FindOrderByReference(ctx context.Context, reference string) (*domain.DataOrder, error) {
	return scanOrder(r.db.QueryRow(ctx, "SELECT "+orderColumns+" FROM data_orders WHERE reference = $1", reference))
}

// ListOrdersByUser returns a user's orders, newest first.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]domain.DataOrder, error) {
	rows, err := r.db.Query(ctx, "SELECT "+orderColumns+" FROM data_orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]domain.DataOrder, error) {
	var out []domain.DataOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// MarkOrderProcessing moves a pending order to processing. It is a no-op for an
// order that is already processing.
func (r *PostgresRepository) MarkOrderProcessing(ctx context.Context, reference string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE data_orders SET status = 'processing', updated_at = now()
		WHERE reference = $1 AND status IN ('pending', 'processing')
	`, reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotActive
	}
	return nil
}

// SetOrderUpstreamID records the reseller's id for an in-flight order.
func (r *PostgresRepository) SetOrderUpstreamID(ctx context.Context, reference, upstreamID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE data_orders SET upstream_transaction_id = $2, updated_at = now()
		WHERE reference = $1 AND status IN ('pending', 'processing')
	`, reference, upstreamID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotActive
	}
	return nil
}

// CompleteOrder marks an active order completed and settles its pending purchase
// entry in the same transaction.
func (r *PostgresRepository) CompleteOrder(ctx context.Context, params CompleteOrderParams) (*domain.DataOrder, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	order, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE data_orders
		SET status = 'completed',
			upstream_transaction_id = COALESCE($2, upstream_transaction_id),
			upstream_cost = $3,
			profit = price - $3,
			completed_at = $4,
			failure_reason = NULL,
			updated_at = now()
		WHERE reference = $1 AND status IN ('pending', 'processing')
		RETURNING `+orderColumns,
		params.Reference, params.UpstreamTransactionID, params.UpstreamCost, params.CompletedAt,
	))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotActive
		}
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE transactions SET status = 'completed', updated_at = now()
		WHERE reference = $1 AND type = 'purchase' AND status = 'pending'
	`, params.Reference)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrTransactionNotPending
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return order, nil
}

// FailOrder marks an active order failed, fails its pending purchase entry and
// credits the held amount back, all in one transaction.
func (r *PostgresRepository) FailOrder(ctx context.Context, reference, reason string) (*domain.DataOrder, decimal.Decimal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	order, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE data_orders SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE reference = $1 AND status IN ('pending', 'processing')
		RETURNING `+orderColumns,
		reference, reason,
	))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, decimal.Zero, ErrOrderNotActive
		}
		return nil, decimal.Zero, err
	}

	var held decimal.Decimal
	err = tx.QueryRow(ctx, `
		UPDATE transactions
		SET status = 'failed', metadata = metadata || jsonb_build_object('failure_reason', $2::text), updated_at = now()
		WHERE reference = $1 AND type = 'purchase' AND status = 'pending'
		RETURNING amount
	`, reference, reason).Scan(&held)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, decimal.Zero, ErrTransactionNotPending
		}
		return nil, decimal.Zero, err
	}

	balance, err := creditInTx(ctx, tx, order.UserID, held)
	if err != nil {
		return nil, decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, decimal.Zero, err
	}
	return order, balance, nil
}

// ReverseOrder refunds a completed order once, recording a refund ledger entry.
func (r *PostgresRepository) ReverseOrder(ctx context.Context, reference, reason string, refund *domain.Transaction) (decimal.Decimal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	var (
		userID uuid.UUID
		price  decimal.Decimal
	)
	err = tx.QueryRow(ctx, `
		UPDATE data_orders SET status = 'failed', failure_reason = $2, profit = 0, updated_at = now()
		WHERE reference = $1 AND status = 'completed'
		RETURNING user_id, price
	`, reference, reason).Scan(&userID, &price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrOrderNotCompleted
		}
		return decimal.Zero, err
	}

	refund.UserID = userID
	refund.Amount = price
	balance, err := creditInTx(ctx, tx, userID, price)
	if err != nil {
		return decimal.Zero, err
	}
	refund.BalanceAfter = balance
	if err := insertTransaction(ctx, tx, refund); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// ListStaleProcessingOrders returns non-AFA orders that have been active since before olderThan.
func (r *PostgresRepository) ListStaleProcessingOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.DataOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+` FROM data_orders
		WHERE status IN ('pending', 'processing') AND is_afa = false AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// IncrementOrderReconcileAttempts bumps the attempt counter and returns the new value.
func (r *PostgresRepository) IncrementOrderReconcileAttempts(ctx context.Context, reference string) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx, `
		UPDATE data_orders SET reconcile_attempts = reconcile_attempts + 1, updated_at = now()
		WHERE reference = $1
		RETURNING reconcile_attempts
	`, reference).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrOrderNotFound
		}
		return 0, err
	}
	return attempts, nil
}
