package domain

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountRepository defines the interface for account data access operations.
type AccountRepository interface {
	// GetByID retrieves an account by its unique identifier.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)

	// GetByCardNumber retrieves an account by its external identifier.
	// Returns ErrAccountNotFound if no account carries the card number.
	GetByCardNumber(ctx context.Context, cardNumber string) (*Account, error)

	// ListByOwner returns all accounts owned by the user, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Account, error)

	// CardNumberExists reports whether any account uses the card number.
	CardNumberExists(ctx context.Context, cardNumber string) (bool, error)

	// Create persists a new account. Returns ErrDuplicateCardNumber if the
	// card number is taken.
	Create(ctx context.Context, account *Account) error

	// UpdateBalance sets the balance of a locked account.
	// Must be called within a transaction context after Lock.
	UpdateBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error

	// Lock acquires an exclusive row lock held until the unit of work ends
	// and returns the persisted state. Must be called within a transaction context.
	Lock(ctx context.Context, id uuid.UUID) (*Account, error)
}

// TransactionRepository defines the interface for the transaction log.
type TransactionRepository interface {
	// Create appends a new transaction record.
	Create(ctx context.Context, tx *Transaction) error

	// UpdateStatus performs the single allowed status transition.
	UpdateStatus(ctx context.Context, id uuid.UUID, status TransactionStatus) error

	// GetByID retrieves a transaction. Returns ErrTransactionNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// ListByAccount returns transactions touching the account, newest first.
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*Transaction, error)

	// CountByAccount returns the number of transactions touching the account.
	CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error)
}

// IdempotencyRepository stores request outcomes keyed by (key, user).
type IdempotencyRepository interface {
	// FindByKey returns the record for (key, userID) or nil when there is none.
	FindByKey(ctx context.Context, key string, userID uuid.UUID) (*IdempotencyRecord, error)

	// Create inserts a record inside the current unit of work. Returns
	// ErrDuplicateIdempotencyKey if (key, user) already exists, including rows
	// inserted by a concurrent unit of work that commits first.
	Create(ctx context.Context, record *IdempotencyRecord) error

	// Complete stores the response snapshot on a record created in the same unit of work.
	Complete(ctx context.Context, key string, userID uuid.UUID, status int, body []byte) error
}

// TransactionManager defines the interface for managing units of work.
// This abstraction allows the service layer to work with transactions
// without being coupled to a specific database implementation.
type TransactionManager interface {
	// WithTransaction executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventPublisher publishes domain events to external systems (e.g. RabbitMQ).
type EventPublisher interface {
	PublishTransferCompleted(ctx context.Context, result *TransferResult) error
}
