package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account represents a customer account held in a single currency.
// The balance is never negative after a committed mutation and the
// currency never changes once the account exists.
type Account struct {
	ID         uuid.UUID       // Unique identifier of the account
	OwnerID    uuid.UUID       // User that owns the account
	CardNumber string          // External identifier, unique across accounts
	Currency   string          // ISO 4217 currency code (e.g., "EUR")
	Balance    decimal.Decimal // Current balance, scale 4
	CreatedAt  time.Time       // Timestamp when the account was created
	UpdatedAt  time.Time       // Timestamp of the last balance change
}

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TransactionTypeDebit    TransactionType = "DEBIT"
	TransactionTypeCredit   TransactionType = "CREDIT"
	TransactionTypeTransfer TransactionType = "TRANSFER"
)

// TransactionStatus represents the possible states of a transaction record.
type TransactionStatus string

const (
	// TransactionStatusPending indicates the transaction is being processed
	TransactionStatusPending TransactionStatus = "PENDING"

	// TransactionStatusCompleted indicates the balances were moved
	TransactionStatusCompleted TransactionStatus = "COMPLETED"

	// TransactionStatusFailed is part of the stored vocabulary but is never
	// written by the transfer path: a failed transfer leaves no record.
	TransactionStatusFailed TransactionStatus = "FAILED"
)

// Transaction is an append-only record of money movement. After creation
// only Status may change, and only once.
type Transaction struct {
	ID              uuid.UUID
	CreatedAt       time.Time
	Type            TransactionType
	SourceAccountID *uuid.UUID
	TargetAccountID *uuid.UUID
	SourceAmount    decimal.NullDecimal
	SourceCurrency  string
	TargetAmount    decimal.NullDecimal
	TargetCurrency  string
	FXRate          decimal.NullDecimal
	Description     *string
	Status          TransactionStatus
}

// IdempotencyRecord captures the outcome of a request made with a
// client-supplied idempotency key. It is unique per (Key, UserID).
type IdempotencyRecord struct {
	Key            string
	UserID         uuid.UUID
	Endpoint       string
	RequestHash    string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
}

// NewTransferTransaction creates a TRANSFER record in PENDING status.
func NewTransferTransaction(
	source, target *Account,
	sourceAmount, targetAmount, fxRate decimal.Decimal,
	description *string,
) *Transaction {
	sourceID, targetID := source.ID, target.ID
	return &Transaction{
		ID:              uuid.New(),
		CreatedAt:       time.Now().UTC(),
		Type:            TransactionTypeTransfer,
		SourceAccountID: &sourceID,
		TargetAccountID: &targetID,
		SourceAmount:    decimal.NewNullDecimal(sourceAmount),
		SourceCurrency:  source.Currency,
		TargetAmount:    decimal.NewNullDecimal(targetAmount),
		TargetCurrency:  target.Currency,
		FXRate:          decimal.NewNullDecimal(fxRate),
		Description:     description,
		Status:          TransactionStatusPending,
	}
}

// TransferRequest carries the already-authenticated input of a transfer.
type TransferRequest struct {
	SourceCardNumber string
	TargetCardNumber string
	SourceCurrency   string
	SourceAmount     decimal.Decimal
	TargetCurrency   string
	FXRate           decimal.Decimal
	TargetAmount     *decimal.Decimal // computed from FXRate when nil
	Description      *string
	IdempotencyKey   string // optional
}

// TransferResult is returned by a committed transfer: the completed
// transaction and fresh snapshots of both accounts.
type TransferResult struct {
	Transaction    *Transaction
	Source         *Account
	Target         *Account
	IdempotencyKey string
}
