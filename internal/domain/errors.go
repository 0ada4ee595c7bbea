package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation is returned for malformed or non-positive amounts, rates and codes
	ErrValidation = errors.New("validation failed")

	// ErrAccountNotFound is returned when an account doesn't exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrUnauthorized is returned when the requester does not own the source account
	ErrUnauthorized = errors.New("requester does not own the account")

	// ErrCurrencyMismatch is returned when a request currency differs from the stored one
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrSameAccount is returned when source and target are the same account
	ErrSameAccount = errors.New("source and target must be different accounts")

	// ErrInsufficientFunds is returned when the source balance does not cover the amount
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateIdempotencyKey is returned when the key was already used by the requester
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateCardNumber is returned when creating an account with a taken card number
	ErrDuplicateCardNumber = errors.New("card number already exists")

	// ErrTransactionNotFound is returned when a transaction record doesn't exist
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrNoTransaction is returned when a locked operation runs outside a unit of work
	ErrNoTransaction = errors.New("operation requires an active unit of work")

	// ErrLockTimeout is returned when a row lock could not be acquired in time.
	// The caller may retry the whole request.
	ErrLockTimeout = errors.New("timed out waiting for account lock")

	// ErrInternal wraps every failure outside the business taxonomy
	ErrInternal = errors.New("internal error")
)

// ValidationError describes which input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// CurrencyMismatchError reports the stored and requested currency of one side.
type CurrencyMismatchError struct {
	Side      string // "source" or "target"
	Expected  string // stored on the account
	Requested string
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("%s currency mismatch: expected %s, got %s", e.Side, e.Expected, e.Requested)
}

func (e *CurrencyMismatchError) Unwrap() error { return ErrCurrencyMismatch }

// InsufficientFundsError reports the locked balance and the required amount.
type InsufficientFundsError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, required %s", e.Available, e.Required)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// DuplicateIdempotencyKeyError is returned for any reuse of a key. PayloadMismatch
// is set when the stored request hash differs from the replayed request.
type DuplicateIdempotencyKeyError struct {
	Key             string
	PayloadMismatch bool
}

func (e *DuplicateIdempotencyKeyError) Error() string {
	if e.PayloadMismatch {
		return fmt.Sprintf("duplicate idempotency key %q (reused with a different request)", e.Key)
	}
	return fmt.Sprintf("duplicate idempotency key %q", e.Key)
}

func (e *DuplicateIdempotencyKeyError) Unwrap() error { return ErrDuplicateIdempotencyKey }

// IsBusinessError reports whether err belongs to the caller-recoverable taxonomy.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrValidation,
		ErrAccountNotFound,
		ErrUnauthorized,
		ErrCurrencyMismatch,
		ErrSameAccount,
		ErrInsufficientFunds,
		ErrDuplicateIdempotencyKey,
		ErrDuplicateCardNumber,
		ErrTransactionNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the request may be retried as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
