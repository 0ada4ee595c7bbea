package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/money"
)

// TransferEndpoint is the logical endpoint stored on idempotency records.
const TransferEndpoint = "/v1/transfers"

// Column limits, counted in characters.
const (
	MaxDescriptionLength    = 500
	MaxIdempotencyKeyLength = 255
)

type transferState string

const (
	stateInitiated transferState = "INITIATED"
	stateValidated transferState = "VALIDATED"
	stateLocked    transferState = "LOCKED"
	stateCommitted transferState = "COMMITTED"
	stateAborted   transferState = "ABORTED"
)

// TransferService handles the business logic for money transfers.
// It coordinates between repositories and ensures transactional consistency.
type TransferService struct {
	accountRepo     AccountRepository
	transactionRepo TransactionRepository
	idempotencyRepo IdempotencyRepository
	txManager       TransactionManager
	eventPublisher  EventPublisher
	logger          zerolog.Logger

	publishing sync.WaitGroup // in-flight post-commit publishes
}

// NewTransferService creates a new instance of TransferService.
// Pass nil for eventPublisher if no events should be emitted.
func NewTransferService(
	accountRepo AccountRepository,
	transactionRepo TransactionRepository,
	idempotencyRepo IdempotencyRepository,
	txManager TransactionManager,
	eventPublisher EventPublisher,
	logger zerolog.Logger,
) *TransferService {
	return &TransferService{
		accountRepo:     accountRepo,
		transactionRepo: transactionRepo,
		idempotencyRepo: idempotencyRepo,
		txManager:       txManager,
		eventPublisher:  eventPublisher,
		logger:          logger.With().Str("component", "transfer").Logger(),
	}
}

// normalizedTransfer is a TransferRequest after quantization.
type normalizedTransfer struct {
	TransferRequest
	sourceAmount decimal.Decimal
	targetAmount decimal.Decimal
	fxRate       decimal.Decimal
	requestHash  string
}

type transferRun struct {
	state transferState
	log   zerolog.Logger
}

func (r *transferRun) advance(next transferState) {
	r.log.Debug().Str("from", string(r.state)).Str("to", string(next)).Msg("transfer state changed")
	r.state = next
}

// ExecuteTransfer moves SourceAmount out of the source account and the
// converted TargetAmount into the target account as one unit of work.
//
// The requester must own the source account. When an idempotency key is
// supplied, the first committed request with that key wins and every later
// request with the same key for the same requester is rejected with
// ErrDuplicateIdempotencyKey; the key is reserved inside the unit of work
// before any account is locked, so concurrent first attempts race on the
// key rather than on balances.
//
// Accounts are locked in ascending id order regardless of direction, so two
// opposite transfers between the same pair cannot deadlock.
//
// Business failures are returned unchanged, ErrLockTimeout is returned for
// retryable lock waits, and anything else is wrapped in ErrInternal. No
// failure leaves balances, transaction records or idempotency records behind.
func (s *TransferService) ExecuteTransfer(
	ctx context.Context,
	requesterID uuid.UUID,
	req TransferRequest,
) (*TransferResult, error) {
	run := &transferRun{
		state: stateInitiated,
		log: s.logger.With().
			Str("requester_id", requesterID.String()).
			Str("idempotency_key", req.IdempotencyKey).
			Logger(),
	}

	result, err := s.executeTransfer(ctx, requesterID, req, run)
	if err != nil {
		err = classifyError(err)
		event := run.log.Warn()
		if errors.Is(err, ErrInternal) {
			event = run.log.Error()
		}
		event.Err(err).Str("state", string(run.state)).Msg("transfer aborted")
		run.state = stateAborted
		return nil, err
	}

	run.log.Info().
		Str("transaction_id", result.Transaction.ID.String()).
		Str("source_account_id", result.Source.ID.String()).
		Str("target_account_id", result.Target.ID.String()).
		Str("source_amount", money.Format(result.Transaction.SourceAmount.Decimal)).
		Str("target_amount", money.Format(result.Transaction.TargetAmount.Decimal)).
		Msg("transfer completed")

	// Publishing happens after commit and is best-effort: a broker outage
	// must not make a committed transfer look failed.
	if s.eventPublisher != nil {
		s.publishing.Add(1)
		go func(r *TransferResult) {
			defer s.publishing.Done()
			if err := s.eventPublisher.PublishTransferCompleted(context.Background(), r); err != nil {
				s.logger.Warn().Err(err).Str("transaction_id", r.Transaction.ID.String()).
					Msg("failed to publish transfer completed event")
			}
		}(result)
	}

	return result, nil
}

// WaitForEvents blocks until every event publish started by a committed
// transfer has finished, or ctx is done. Call it after the transport stopped
// accepting requests and before closing the publisher.
func (s *TransferService) WaitForEvents(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.publishing.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for event publishes: %w", ctx.Err())
	}
}

func (s *TransferService) executeTransfer(
	ctx context.Context,
	requesterID uuid.UUID,
	req TransferRequest,
	run *transferRun,
) (*TransferResult, error) {
	if strings.TrimSpace(req.SourceCardNumber) == strings.TrimSpace(req.TargetCardNumber) {
		return nil, ErrSameAccount
	}

	n, err := normalizeTransfer(req)
	if err != nil {
		return nil, err
	}

	if utf8.RuneCountInString(n.IdempotencyKey) > MaxIdempotencyKeyLength {
		return nil, newValidationError("idempotency_key", fmt.Sprintf("must be at most %d characters", MaxIdempotencyKeyLength))
	}
	if n.IdempotencyKey != "" {
		existing, err := s.idempotencyRepo.FindByKey(ctx, n.IdempotencyKey, requesterID)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			return nil, &DuplicateIdempotencyKeyError{
				Key:             n.IdempotencyKey,
				PayloadMismatch: existing.RequestHash != n.requestHash,
			}
		}
	}

	if err := validateTransfer(n); err != nil {
		return nil, err
	}
	run.advance(stateValidated)

	var result *TransferResult
	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		result, err = s.transferInUnitOfWork(txCtx, requesterID, n, run)
		return err
	})
	if err != nil {
		return nil, err
	}

	run.advance(stateCommitted)
	return result, nil
}

func (s *TransferService) transferInUnitOfWork(
	ctx context.Context,
	requesterID uuid.UUID,
	n *normalizedTransfer,
	run *transferRun,
) (*TransferResult, error) {
	if n.IdempotencyKey != "" {
		placeholder := &IdempotencyRecord{
			Key:          n.IdempotencyKey,
			UserID:       requesterID,
			Endpoint:     TransferEndpoint,
			RequestHash:  n.requestHash,
			ResponseBody: []byte("{}"),
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.idempotencyRepo.Create(ctx, placeholder); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				return nil, &DuplicateIdempotencyKeyError{Key: n.IdempotencyKey}
			}
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
	}

	source, err := s.accountRepo.GetByCardNumber(ctx, n.SourceCardNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source account: %w", err)
	}
	if source.OwnerID != requesterID {
		return nil, ErrUnauthorized
	}
	if source.Currency != n.SourceCurrency {
		return nil, &CurrencyMismatchError{Side: "source", Expected: source.Currency, Requested: n.SourceCurrency}
	}

	target, err := s.accountRepo.GetByCardNumber(ctx, n.TargetCardNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target account: %w", err)
	}
	if target.Currency != n.TargetCurrency {
		return nil, &CurrencyMismatchError{Side: "target", Expected: target.Currency, Requested: n.TargetCurrency}
	}
	if source.ID == target.ID {
		return nil, ErrSameAccount
	}

	source, target, err = s.lockPair(ctx, source.ID, target.ID)
	if err != nil {
		return nil, err
	}

	// Locked rows are authoritative; validate them again.
	if source.OwnerID != requesterID {
		return nil, ErrUnauthorized
	}
	if source.Currency != n.SourceCurrency {
		return nil, &CurrencyMismatchError{Side: "source", Expected: source.Currency, Requested: n.SourceCurrency}
	}
	if target.Currency != n.TargetCurrency {
		return nil, &CurrencyMismatchError{Side: "target", Expected: target.Currency, Requested: n.TargetCurrency}
	}
	if !money.HasSufficientFunds(source.Balance, n.sourceAmount) {
		return nil, &InsufficientFundsError{Available: source.Balance, Required: n.sourceAmount}
	}
	if !money.FitsAmount(target.Balance.Add(n.targetAmount)) {
		return nil, newValidationError("target_amount", "would exceed the maximum account balance")
	}
	run.advance(stateLocked)

	txn := NewTransferTransaction(source, target, n.sourceAmount, n.targetAmount, n.fxRate, n.Description)
	if err := s.transactionRepo.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	now := time.Now().UTC()
	source.Balance = money.QuantizeAmount(source.Balance.Sub(n.sourceAmount))
	source.UpdatedAt = now
	if err := s.accountRepo.UpdateBalance(ctx, source.ID, source.Balance); err != nil {
		return nil, fmt.Errorf("failed to debit source account: %w", err)
	}

	target.Balance = money.QuantizeAmount(target.Balance.Add(n.targetAmount))
	target.UpdatedAt = now
	if err := s.accountRepo.UpdateBalance(ctx, target.ID, target.Balance); err != nil {
		return nil, fmt.Errorf("failed to credit target account: %w", err)
	}

	if err := s.transactionRepo.UpdateStatus(ctx, txn.ID, TransactionStatusCompleted); err != nil {
		return nil, fmt.Errorf("failed to complete transaction record: %w", err)
	}
	txn.Status = TransactionStatusCompleted

	if n.IdempotencyKey != "" {
		body, err := json.Marshal(map[string]string{
			"transaction_id": txn.ID.String(),
			"status":         string(txn.Status),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode idempotent response: %w", err)
		}
		if err := s.idempotencyRepo.Complete(ctx, n.IdempotencyKey, requesterID, http.StatusCreated, body); err != nil {
			return nil, fmt.Errorf("failed to store idempotent response: %w", err)
		}
	}

	return &TransferResult{Transaction: txn, Source: source, Target: target, IdempotencyKey: n.IdempotencyKey}, nil
}

// lockPair locks both accounts in ascending id order and returns them as
// (source, target).
func (s *TransferService) lockPair(ctx context.Context, sourceID, targetID uuid.UUID) (*Account, *Account, error) {
	firstID, secondID := sourceID, targetID
	if bytes.Compare(firstID[:], secondID[:]) > 0 {
		firstID, secondID = secondID, firstID
	}

	first, err := s.accountRepo.Lock(ctx, firstID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock account %s: %w", firstID, err)
	}
	second, err := s.accountRepo.Lock(ctx, secondID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock account %s: %w", secondID, err)
	}

	if first.ID == sourceID {
		return first, second, nil
	}
	return second, first, nil
}

func normalizeTransfer(req TransferRequest) (*normalizedTransfer, error) {
	n := &normalizedTransfer{
		TransferRequest: req,
		sourceAmount:    money.QuantizeAmount(req.SourceAmount),
		fxRate:          money.QuantizeRate(req.FXRate),
	}

	if req.TargetAmount != nil {
		n.targetAmount = money.QuantizeAmount(*req.TargetAmount)
	} else {
		converted, err := money.Convert(n.sourceAmount, n.fxRate, false)
		if err != nil {
			return nil, newValidationError("fx_rate", err.Error())
		}
		n.targetAmount = converted
	}

	n.requestHash = HashRequest(map[string]string{
		"source_card_number": req.SourceCardNumber,
		"target_card_number": req.TargetCardNumber,
		"source_amount":      money.Format(n.sourceAmount),
		"source_currency":    req.SourceCurrency,
		"target_amount":      money.Format(n.targetAmount),
		"target_currency":    req.TargetCurrency,
		"fx_rate":            money.FormatRate(n.fxRate),
	})
	return n, nil
}

func validateTransfer(n *normalizedTransfer) error {
	if n.SourceCardNumber == "" {
		return newValidationError("source_card_number", "is required")
	}
	if n.TargetCardNumber == "" {
		return newValidationError("target_card_number", "is required")
	}
	if err := ValidateCurrencyCode(n.SourceCurrency); err != nil {
		return newValidationError("source_currency", err.Error())
	}
	if err := ValidateCurrencyCode(n.TargetCurrency); err != nil {
		return newValidationError("target_currency", err.Error())
	}
	if !money.IsPositive(n.sourceAmount) {
		return newValidationError("source_amount", "must be positive")
	}
	if !money.IsPositive(n.fxRate) {
		return newValidationError("fx_rate", "must be positive")
	}
	if !money.IsPositive(n.targetAmount) {
		return newValidationError("target_amount", "must be positive")
	}
	if !money.FitsAmount(n.sourceAmount) {
		return newValidationError("source_amount", "must be less than "+money.MaxAmount.String())
	}
	if !money.FitsRate(n.fxRate) {
		return newValidationError("fx_rate", "must be less than "+money.MaxRate.String())
	}
	if !money.FitsAmount(n.targetAmount) {
		return newValidationError("target_amount", "must be less than "+money.MaxAmount.String())
	}
	if n.Description != nil && utf8.RuneCountInString(*n.Description) > MaxDescriptionLength {
		return newValidationError("description", fmt.Sprintf("must be at most %d characters", MaxDescriptionLength))
	}
	return nil
}

// classifyError keeps caller-recoverable and retryable errors intact and
// folds everything else into ErrInternal.
func classifyError(err error) error {
	if IsBusinessError(err) || IsRetryable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}
