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

const activeWeekIndex = "admin_withdrawals_active_week_idx"

// ListNetworkAvailability returns every network flag.
func (r *PostgresRepository) ListNetworkAvailability(ctx context.Context) ([]domain.NetworkAvailability, error) {
	rows, err := r.db.Query(ctx, "SELECT network, available, updated_at FROM network_availability ORDER BY network")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NetworkAvailability
	for rows.Next() {
		var (
			n       domain.NetworkAvailability
			network string
		)
		if err := rows.Scan(&network, &n.Available, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Network = domain.Network(network)
		out = append(out, n)
	}
	return out, rows.Err()
}

// IsNetworkAvailable treats a network without a row as available.
func (r *PostgresRepository) IsNetworkAvailable(ctx context.Context, network domain.Network) (bool, error) {
	var available bool
	err := r.db.QueryRow(ctx, "SELECT available FROM network_availability WHERE network = $1", string(network)).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, err
	}
	return available, nil
}

// SetNetworkAvailability upserts the flag for network.
func (r *PostgresRepository) SetNetworkAvailability(ctx context.Context, network domain.Network, available bool) (*domain.NetworkAvailability, error) {
	n := domain.NetworkAvailability{Network: network, Available: available}
	err := r.db.QueryRow(ctx, `
		INSERT INTO network_availability (network, available, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (network) DO UPDATE SET available = EXCLUDED.available, updated_at = now()
		RETURNING updated_at
	`, string(network), available).Scan(&n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// AggregateWeeklyProfits sums completed-order profit per Monday-start week.
func (r *PostgresRepository) AggregateWeeklyProfits(ctx context.Context) ([]WeeklyProfitAggregate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT date_trunc('week', completed_at AT TIME ZONE 'UTC')::date AS week_start,
			COALESCE(SUM(profit), 0),
			COUNT(*)
		FROM data_orders
		WHERE status = 'completed' AND completed_at IS NOT NULL
		GROUP BY 1
		ORDER BY 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WeeklyProfitAggregate
	for rows.Next() {
		var agg WeeklyProfitAggregate
		if err := rows.Scan(&agg.WeekStart, &agg.TotalProfit, &agg.OrderCount); err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// UpsertWeeklyProfit records a week's totals. Withdrawn weeks are frozen.
func (r *PostgresRepository) UpsertWeeklyProfit(ctx context.Context, weekStart time.Time, total decimal.Decimal, orderCount int) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO weekly_profits (week_start, week_end, total_profit, order_count)
		VALUES ($1::date, $1::date + 6, $2, $3)
		ON CONFLICT (week_start) DO UPDATE
		SET total_profit = EXCLUDED.total_profit, order_count = EXCLUDED.order_count, updated_at = now()
		WHERE weekly_profits.is_withdrawn = false
	`, weekStart.Format("2006-01-02"), total, orderCount)
	return err
}

const weeklyProfitColumns = `id, week_start, week_end, total_profit, order_count, is_withdrawn, withdrawal_id, created_at, updated_at`

func scanWeeklyProfit(row pgx.Row) (*domain.WeeklyProfit, error) {
	var w domain.WeeklyProfit
	err := row.Scan(&w.ID, &w.WeekStart, &w.WeekEnd, &w.TotalProfit, &w.OrderCount, &w.IsWithdrawn, &w.WithdrawalID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWeeklyProfitNotFound
		}
		return nil, err
	}
	return &w, nil
}

// ListWeeklyProfits returns weeks newest first.
func (r *PostgresRepository) ListWeeklyProfits(ctx context.Context) ([]domain.WeeklyProfit, error) {
	rows, err := r.db.Query(ctx, "SELECT "+weeklyProfitColumns+" FROM weekly_profits ORDER BY week_start DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WeeklyProfit
	for rows.Next() {
		w, err := scanWeeklyProfit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// FindWeeklyProfitByID returns a single week.
func (r *PostgresRepository) FindWeeklyProfitByID(ctx context.Context, id uuid.UUID) (*domain.WeeklyProfit, error) {
	return scanWeeklyProfit(r.db.QueryRow(ctx, "SELECT "+weeklyProfitColumns+" FROM weekly_profits WHERE id = $1", id))
}

const withdrawalColumns = `id, weekly_profit_id, amount, account_number, account_name, bank_code, recipient_code,
	transfer_code, reference, status, failure_reason, notes, attempts, initiated_by, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (*domain.AdminWithdrawal, error) {
	var w domain.AdminWithdrawal
	err := row.Scan(
		&w.ID, &w.WeeklyProfitID, &w.Amount, &w.BankInfo.AccountNumber, &w.BankInfo.AccountName, &w.BankInfo.BankCode,
		&w.RecipientCode, &w.TransferCode, &w.Reference, &w.Status, &w.FailureReason, &w.Notes, &w.Attempts,
		&w.InitiatedBy, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}

func withdrawalConflict(err error) error {
	if pgErr, ok := isUniqueViolation(err); ok {
		if pgErr.ConstraintName == activeWeekIndex {
			return ErrWithdrawalConflict
		}
		return ErrDuplicateReference
	}
	return err
}

// CreateWithdrawal inserts a pending withdrawal. A second active withdrawal for the
// same week violates the partial unique index and returns ErrWithdrawalConflict.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, w *domain.AdminWithdrawal) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.Attempts == 0 {
		w.Attempts = 1
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO admin_withdrawals (
			id, weekly_profit_id, amount, account_number, account_name, bank_code, reference, status, notes, attempts, initiated_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`,
		w.ID, w.WeeklyProfitID, w.Amount, w.BankInfo.AccountNumber, w.BankInfo.AccountName, w.BankInfo.BankCode,
		w.Reference, w.Status, w.Notes, w.Attempts, w.InitiatedBy,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if conflict := withdrawalConflict(err); conflict != err {
			return conflict
		}
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

// FindWithdrawalByID returns a withdrawal by id.
func (r *PostgresRepository) FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*domain.AdminWithdrawal, error) {
	return scanWithdrawal(r.db.QueryRow(ctx, "SELECT "+withdrawalColumns+" FROM admin_withdrawals WHERE id = $1", id))
}

// FindWithdrawalByReference returns a withdrawal by its current gateway reference.
func (r *PostgresRepository) FindWithdrawalByReference(ctx context.Context, reference string) (*domain.AdminWithdrawal, error) {
	return scanWithdrawal(r.db.QueryRow(ctx, "SELECT "+withdrawalColumns+" FROM admin_withdrawals WHERE reference = $1", reference))
}

// ListWithdrawalsByStatus returns the oldest withdrawals in status first.
func (r *PostgresRepository) ListWithdrawalsByStatus(ctx context.Context, status string, limit int) ([]domain.AdminWithdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		"SELECT "+withdrawalColumns+" FROM admin_withdrawals WHERE status = $1 ORDER BY updated_at ASC LIMIT $2",
		status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AdminWithdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// MarkWithdrawalProcessing records the initiated transfer and locks the week in the
// same transaction. The week lock only succeeds if the week is unlocked or already
// held by this withdrawal.
func (r *PostgresRepository) MarkWithdrawalProcessing(ctx context.Context, id, weeklyProfitID uuid.UUID, recipientCode, transferCode string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE admin_withdrawals
		SET status = 'processing', recipient_code = $2, transfer_code = $3, failure_reason = NULL, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, recipientCode, transferCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWithdrawalNotActive
	}

	tag, err = tx.Exec(ctx, `
		UPDATE weekly_profits SET is_withdrawn = true, withdrawal_id = $2, updated_at = now()
		WHERE id = $1 AND (is_withdrawn = false OR withdrawal_id = $2)
	`, weeklyProfitID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWithdrawalConflict
	}

	return tx.Commit(ctx)
}

// MarkWithdrawalCompleted settles a processing withdrawal.
func (r *PostgresRepository) MarkWithdrawalCompleted(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE admin_withdrawals SET status = 'completed', updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWithdrawalNotActive
	}
	return nil
}

// MarkWithdrawalFailed fails a pending or processing withdrawal.
func (r *PostgresRepository) MarkWithdrawalFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE admin_withdrawals SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWithdrawalNotActive
	}
	return nil
}

// ReopenFailedWithdrawal moves a failed withdrawal back to pending under a fresh
// reference so it can be re-initiated.
func (r *PostgresRepository) ReopenFailedWithdrawal(ctx context.Context, id uuid.UUID, reference string) (*domain.AdminWithdrawal, error) {
	w, err := scanWithdrawal(r.db.QueryRow(ctx, `
		UPDATE admin_withdrawals
		SET status = 'pending', reference = $2, attempts = attempts + 1, failure_reason = NULL, transfer_code = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+withdrawalColumns,
		id, reference,
	))
	if err != nil {
		if errors.Is(err, ErrWithdrawalNotFound) {
			return nil, ErrWithdrawalNotFailed
		}
		return nil, withdrawalConflict(err)
	}
	return w, nil
}

// FindTransferRecipient returns a previously created gateway recipient.
func (r *PostgresRepository) FindTransferRecipient(ctx context.Context, accountNumber, bankCode string) (*domain.TransferRecipient, error) {
	rec := domain.TransferRecipient{AccountNumber: accountNumber, BankCode: bankCode}
	err := r.db.QueryRow(ctx, `
		SELECT account_name, recipient_code FROM transfer_recipients WHERE account_number = $1 AND bank_code = $2
	`, accountNumber, bankCode).Scan(&rec.AccountName, &rec.RecipientCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// SaveTransferRecipient upserts a gateway recipient handle.
func (r *PostgresRepository) SaveTransferRecipient(ctx context.Context, rec domain.TransferRecipient) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO transfer_recipients (account_number, bank_code, account_name, recipient_code)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_number, bank_code) DO UPDATE
		SET account_name = EXCLUDED.account_name, recipient_code = EXCLUDED.recipient_code
	`, rec.AccountNumber, rec.BankCode, rec.AccountName, rec.RecipientCode)
	return err
}
