package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/money"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AccountService provisions accounts and serves owner-scoped reads.
type AccountService struct {
	accountRepo     AccountRepository
	transactionRepo TransactionRepository
	logger          zerolog.Logger
}

// NewAccountService creates a new instance of AccountService.
func NewAccountService(accountRepo AccountRepository, transactionRepo TransactionRepository, logger zerolog.Logger) *AccountService {
	return &AccountService{
		accountRepo:     accountRepo,
		transactionRepo: transactionRepo,
		logger:          logger.With().Str("component", "accounts").Logger(),
	}
}

// CreateAccount opens an account for ownerID. An empty cardNumber gets a
// generated one.
func (s *AccountService) CreateAccount(
	ctx context.Context,
	ownerID uuid.UUID,
	currency string,
	initialBalance decimal.Decimal,
	cardNumber string,
) (*Account, error) {
	if err := ValidateCurrencyCode(currency); err != nil {
		return nil, newValidationError("currency", err.Error())
	}

	initialBalance = money.QuantizeAmount(initialBalance)
	if initialBalance.IsNegative() {
		return nil, newValidationError("initial_balance", "must not be negative")
	}
	if !money.FitsAmount(initialBalance) {
		return nil, newValidationError("initial_balance", "must be less than "+money.MaxAmount.String())
	}

	if cardNumber == "" {
		generated, err := GenerateCardNumber()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInternal, err)
		}
		cardNumber = generated
	} else if err := ValidateCardNumber(cardNumber); err != nil {
		return nil, newValidationError("card_number", err.Error())
	}

	exists, err := s.accountRepo.CardNumberExists(ctx, cardNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to check card number: %w", ErrInternal, err)
	}
	if exists {
		return nil, ErrDuplicateCardNumber
	}

	now := time.Now().UTC()
	account := &Account{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		CardNumber: cardNumber,
		Currency:   currency,
		Balance:    initialBalance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.accountRepo.Create(ctx, account); err != nil {
		// the unique index catches a card number taken after the check above
		if errors.Is(err, ErrDuplicateCardNumber) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to create account: %w", ErrInternal, err)
	}

	s.logger.Info().
		Str("account_id", account.ID.String()).
		Str("owner_id", ownerID.String()).
		Str("currency", currency).
		Msg("account created")
	return account, nil
}

// GetAccount returns the account if requesterID owns it.
func (s *AccountService) GetAccount(ctx context.Context, requesterID, accountID uuid.UUID) (*Account, error) {
	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, classifyError(err)
	}
	if account.OwnerID != requesterID {
		return nil, ErrUnauthorized
	}
	return account, nil
}

// ListAccounts returns all accounts of ownerID.
func (s *AccountService) ListAccounts(ctx context.Context, ownerID uuid.UUID) ([]*Account, error) {
	accounts, err := s.accountRepo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, classifyError(err)
	}
	return accounts, nil
}

// TransactionPage is one page of an account's transaction history.
type TransactionPage struct {
	Transactions []*Transaction
	Total        int
	Limit        int
	Offset       int
}

// ListTransactions pages through the history of an account owned by requesterID.
// A non-positive limit selects DefaultPageSize; limits above MaxPageSize are capped.
func (s *AccountService) ListTransactions(
	ctx context.Context,
	requesterID, accountID uuid.UUID,
	limit, offset int,
) (*TransactionPage, error) {
	if _, err := s.GetAccount(ctx, requesterID, accountID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		return nil, newValidationError("offset", "must not be negative")
	}

	txns, err := s.transactionRepo.ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, classifyError(err)
	}
	total, err := s.transactionRepo.CountByAccount(ctx, accountID)
	if err != nil {
		return nil, classifyError(err)
	}

	return &TransactionPage{Transactions: txns, Total: total, Limit: limit, Offset: offset}, nil
}
