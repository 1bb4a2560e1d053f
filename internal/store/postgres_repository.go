/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * users, wallet balances and the transaction ledger.
 *
 * @notes
 * - Every balance change goes through a conditional UPDATE ... RETURNING inside a
 *   transaction that also writes the ledger row, so balance_after is always the value
 *   the database produced.
 * - Amounts are passed as decimal.Decimal (driver.Valuer) and scanned back through
 *   its sql.Scanner implementation.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/shopspring/decimal: monetary amounts.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/bundlehub/databundle-service/internal/domain"
)

const uniqueViolationCode = "23505"

// querier is the subset of DBTX shared with pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return pgErr, true
	}
	return nil, false
}

func metadataArg(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return "{}"
	}
	return string(metadata)
}

const userColumns = `id, email, full_name, phone_number, role, wallet_balance, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.PhoneNumber, &u.Role, &u.WalletBalance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FindUserByID loads a user and their current wallet balance.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", userID))
}

// FindUserByEmail matches email case-insensitively.
func (r *PostgresRepository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)", strings.TrimSpace(email)))
}

const transactionColumns = `id, user_id, type, amount, reference, status, balance_after, description, metadata, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t            domain.Transaction
		balanceAfter decimal.NullDecimal
		metadata     []byte
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Reference, &t.Status, &balanceAfter, &t.Description, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if balanceAfter.Valid {
		t.BalanceAfter = balanceAfter.Decimal
	}
	if len(metadata) > 0 {
		t.Metadata = json.RawMessage(metadata)
	}
	return &t, nil
}

func insertTransaction(ctx context.Context, q querier, entry *domain.Transaction) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	// A pending deposit has not touched the balance yet.
	var balanceAfter any = entry.BalanceAfter
	if entry.Type == domain.TransactionTypeDeposit && entry.Status == domain.TransactionStatusPending {
		balanceAfter = nil
	}
	query := `
		INSERT INTO transactions (id, user_id, type, amount, reference, status, balance_after, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		RETURNING created_at, updated_at
	`
	err := q.QueryRow(ctx, query,
		entry.ID,
		entry.UserID,
		entry.Type,
		entry.Amount,
		entry.Reference,
		entry.Status,
		balanceAfter,
		entry.Description,
		metadataArg(entry.Metadata),
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// debitInTx decrements the balance only when it covers amount.
func debitInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE users SET wallet_balance = wallet_balance - $1, updated_at = now()
		WHERE id = $2 AND wallet_balance >= $1
		RETURNING wallet_balance
	`, amount, userID).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("debit wallet: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists); err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, ErrUserNotFound
	}
	return decimal.Zero, ErrInsufficientFunds
}

func creditInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE users SET wallet_balance = wallet_balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING wallet_balance
	`, amount, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, fmt.Errorf("credit wallet: %w", err)
	}
	return balance, nil
}

// DebitWallet atomically debits entry.Amount from entry.UserID and appends entry to
// the ledger with balance_after set to the post-debit balance.
func (r *PostgresRepository) DebitWallet(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error) {
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
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// CreditWallet atomically credits entry.Amount and appends entry to the ledger.
func (r *PostgresRepository) CreditWallet(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	balance, err := creditInTx(ctx, tx, entry.UserID, entry.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	entry.BalanceAfter = balance
	if err := insertTransaction(ctx, tx, entry); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// CreateTransaction inserts a ledger row without touching the balance. Used for
// pending deposits whose effect is applied by CompleteDeposit.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, entry *domain.Transaction) error {
	return insertTransaction(ctx, r.db, entry)
}

// FindTransactionByReference returns the ledger row for (reference, type).
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference, txType string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE reference = $1 AND type = $2",
		reference, txType,
	))
}

// ListTransactionsByUser returns a user's ledger, newest first.
func (r *PostgresRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CompleteDeposit flips a pending deposit to completed and credits the wallet in one
// transaction. ErrTransactionNotPending means another verifier already settled it.
func (r *PostgresRepository) CompleteDeposit(ctx context.Context, reference string, userID uuid.UUID, amount decimal.Decimal, metadata json.RawMessage) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE transactions
		SET status = 'completed', amount = $2, user_id = $3, metadata = metadata || $4::jsonb, updated_at = now()
		WHERE reference = $1 AND type = 'deposit' AND status = 'pending'
		RETURNING id
	`, reference, amount, userID, metadataArg(metadata)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotPending
		}
		return nil, fmt.Errorf("complete deposit: %w", err)
	}

	balance, err := creditInTx(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}

	completed, err := scanTransaction(tx.QueryRow(ctx,
		"UPDATE transactions SET balance_after = $2 WHERE id = $1 RETURNING "+transactionColumns,
		id, balance,
	))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return completed, nil
}

// FailTransaction flips a pending ledger row to failed without any balance effect.
func (r *PostgresRepository) FailTransaction(ctx context.Context, reference, txType string, metadata json.RawMessage) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions SET status = 'failed', metadata = metadata || $3::jsonb, updated_at = now()
		WHERE reference = $1 AND type = $2 AND status = 'pending'
	`, reference, txType, metadataArg(metadata))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotPending
	}
	return nil
}
