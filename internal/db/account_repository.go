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

const accountColumns = `id, user_id, card_number, currency, balance, created_at, updated_at`

// AccountRepository implements domain.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{
		pool: pool,
	}
}

// GetByID retrieves an account by its unique identifier.
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	account, err := scanAccount(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// GetByCardNumber retrieves an account by its card number.
func (r *AccountRepository) GetByCardNumber(ctx context.Context, cardNumber string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE card_number = $1`

	account, err := scanAccount(conn(ctx, r.pool).QueryRow(ctx, query, cardNumber))
	if err != nil {
		return nil, fmt.Errorf("failed to get account by card number: %w", err)
	}
	return account, nil
}

// ListByOwner returns the accounts of a user, newest first.
func (r *AccountRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := conn(ctx, r.pool).Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// CardNumberExists reports whether the card number is taken.
func (r *AccountRepository) CardNumberExists(ctx context.Context, cardNumber string) (bool, error) {
	var exists bool
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE card_number = $1)`, cardNumber,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check card number: %w", err)
	}
	return exists, nil
}

// Create persists a new account.
func (r *AccountRepository) Create(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, user_id, card_number, currency, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := conn(ctx, r.pool).Exec(ctx, query,
		account.ID,
		account.OwnerID,
		account.CardNumber,
		account.Currency,
		money.Format(account.Balance),
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "accounts_card_number_key") {
			return domain.ErrDuplicateCardNumber
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// UpdateBalance sets the balance of an account locked by the current transaction.
func (r *AccountRepository) UpdateBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	tx := getTx(ctx)
	if tx == nil {
		return domain.ErrNoTransaction
	}

	query := `
		UPDATE accounts
		SET balance = $2,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := tx.Exec(ctx, query, id, money.Format(balance))
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", translateLockError(err))
	}
	if result.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// Lock acquires a pessimistic lock on the account for the duration of the transaction.
// This method MUST be called within a transaction context.
// Uses SELECT ... FOR UPDATE to lock the row.
func (r *AccountRepository) Lock(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	tx := getTx(ctx)
	if tx == nil {
		return nil, domain.ErrNoTransaction
	}

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`

	account, err := scanAccount(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", translateLockError(err))
	}
	return account, nil
}

// scanAccount decodes one accounts row. pgx.ErrNoRows becomes domain.ErrAccountNotFound.
func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		account domain.Account
		balance string
	)
	err := row.Scan(
		&account.ID,
		&account.OwnerID,
		&account.CardNumber,
		&account.Currency,
		&balance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}

	account.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid stored balance %q: %w", balance, err)
	}
	return &account, nil
}
