package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/domain"
	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/money"
)

const transactionColumns = `
	id, created_at, type, source_account_id, target_account_id,
	source_amount, source_currency, target_amount, target_currency,
	fx_rate, description, status`

// TransactionRepository implements domain.TransactionRepository using PostgreSQL.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new TransactionRepository.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{
		pool: pool,
	}
}

// Create persists a new transaction record.
func (r *TransactionRepository) Create(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := conn(ctx, r.pool).Exec(ctx, query,
		txn.ID,
		txn.CreatedAt,
		string(txn.Type),
		txn.SourceAccountID,
		txn.TargetAccountID,
		nullDecimal(txn.SourceAmount, money.AmountScale),
		nullString(txn.SourceCurrency),
		nullDecimal(txn.TargetAmount, money.AmountScale),
		nullString(txn.TargetCurrency),
		nullDecimal(txn.FXRate, money.RateScale),
		txn.Description,
		string(txn.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// UpdateStatus moves a PENDING transaction to its terminal status.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus) error {
	query := `
		UPDATE transactions
		SET status = $2
		WHERE id = $1 AND status = $3
	`

	result, err := conn(ctx, r.pool).Exec(ctx, query, id, string(status), string(domain.TransactionStatusPending))
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no pending transaction %s: %w", id, domain.ErrTransactionNotFound)
	}
	return nil
}

// GetByID retrieves a transaction by its unique identifier.
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	txn, err := scanTransaction(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by ID: %w", err)
	}
	return txn, nil
}

// ListByAccount returns the transactions touching an account, newest first.
func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE source_account_id = $1 OR target_account_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`

	rows, err := conn(ctx, r.pool).Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list transactions: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}

// CountByAccount returns how many transactions touch an account.
func (r *TransactionRepository) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	var count int
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE source_account_id = $1 OR target_account_id = $1`,
		accountID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		txn                                domain.Transaction
		txnType, status                    string
		sourceAmount, targetAmount, fxRate *string
		sourceCurrency, targetCurrency     *string
	)
	err := row.Scan(
		&txn.ID,
		&txn.CreatedAt,
		&txnType,
		&txn.SourceAccountID,
		&txn.TargetAccountID,
		&sourceAmount,
		&sourceCurrency,
		&targetAmount,
		&targetCurrency,
		&fxRate,
		&txn.Description,
		&status,
	)
	if err != nil {
		return nil, err
	}

	txn.Type = domain.TransactionType(txnType)
	txn.Status = domain.TransactionStatus(status)
	if sourceCurrency != nil {
		txn.SourceCurrency = *sourceCurrency
	}
	if targetCurrency != nil {
		txn.TargetCurrency = *targetCurrency
	}
	if txn.SourceAmount, err = parseNullDecimal(sourceAmount); err != nil {
		return nil, err
	}
	if txn.TargetAmount, err = parseNullDecimal(targetAmount); err != nil {
		return nil, err
	}
	if txn.FXRate, err = parseNullDecimal(fxRate); err != nil {
		return nil, err
	}
	return &txn, nil
}

func nullDecimal(d decimal.NullDecimal, scale int32) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.StringFixed(scale)
	return &s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid stored decimal %q: %w", *s, err)
	}
	return decimal.NewNullDecimal(d), nil
}
