package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/domain"
	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/money"
)

const (
	// UserIDHeader carries the requester id set by the authenticating edge.
	UserIDHeader = "x-user-id"
	// IdempotencyKeyHeader optionally carries the idempotency key.
	IdempotencyKeyHeader = "idempotency-key"
)

// TransferExecutor executes transfers.
type TransferExecutor interface {
	ExecuteTransfer(ctx context.Context, requesterID uuid.UUID, req domain.TransferRequest) (*domain.TransferResult, error)
}

// AccountManager serves account provisioning and owner-scoped reads.
type AccountManager interface {
	CreateAccount(ctx context.Context, ownerID uuid.UUID, currency string, initialBalance decimal.Decimal, cardNumber string) (*domain.Account, error)
	GetAccount(ctx context.Context, requesterID, accountID uuid.UUID) (*domain.Account, error)
	ListAccounts(ctx context.Context, ownerID uuid.UUID) ([]*domain.Account, error)
	ListTransactions(ctx context.Context, requesterID, accountID uuid.UUID, limit, offset int) (*domain.TransactionPage, error)
}

// TransferServiceServer implements the TransferService gRPC service.
type TransferServiceServer struct {
	transfers TransferExecutor
	accounts  AccountManager
	logger    zerolog.Logger
}

var _ TransferServiceHandler = (*TransferServiceServer)(nil)

// NewTransferServiceServer creates a new TransferServiceServer.
func NewTransferServiceServer(transfers TransferExecutor, accounts AccountManager, logger zerolog.Logger) *TransferServiceServer {
	return &TransferServiceServer{
		transfers: transfers,
		accounts:  accounts,
		logger:    logger.With().Str("component", "grpc").Logger(),
	}
}

// TransferMoney moves funds from one of the caller's accounts to any account,
// converting with fx_rate when the currencies differ. A request carrying an
// idempotency key already used by the caller is rejected with AlreadyExists.
func (s *TransferServiceServer) TransferMoney(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requesterID, err := requesterFromContext(ctx)
	if err != nil {
		return nil, err
	}

	transfer, err := parseTransferRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if key := metadataValue(ctx, IdempotencyKeyHeader); key != "" {
		transfer.IdempotencyKey = key
	}

	result, err := s.transfers.ExecuteTransfer(ctx, requesterID, transfer)
	if err != nil {
		return nil, s.mapDomainErrorToGRPC(err)
	}

	return structpb.NewStruct(map[string]any{
		"transaction":    transactionToMap(result.Transaction),
		"source_account": accountToMap(result.Source, true),
		"target_account": accountToMap(result.Target, true),
		"timestamp":      formatTimestamp(time.Now()),
	})
}

// CreateAccount opens an account for the caller.
func (s *TransferServiceServer) CreateAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := requesterFromContext(ctx)
	if err != nil {
		return nil, err
	}

	fields := req.GetFields()
	currency := stringField(fields, "currency")
	if currency == "" {
		return nil, status.Error(codes.InvalidArgument, "currency is required")
	}
	initialBalance := decimal.Zero
	if raw := stringField(fields, "initial_balance"); raw != "" {
		initialBalance, err = money.Parse(raw)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid initial_balance: %v", err)
		}
	}

	account, err := s.accounts.CreateAccount(ctx, ownerID, currency, initialBalance, stringField(fields, "card_number"))
	if err != nil {
		return nil, s.mapDomainErrorToGRPC(err)
	}

	return structpb.NewStruct(map[string]any{
		"account": accountToMap(account, false),
	})
}

// GetAccount retrieves one of the caller's accounts including its balance.
func (s *TransferServiceServer) GetAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requesterID, err := requesterFromContext(ctx)
	if err != nil {
		return nil, err
	}
	accountID, err := uuidField(req.GetFields(), "account_id")
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.GetAccount(ctx, requesterID, accountID)
	if err != nil {
		return nil, s.mapDomainErrorToGRPC(err)
	}

	return structpb.NewStruct(map[string]any{
		"account":   accountToMap(account, false),
		"timestamp": formatTimestamp(time.Now()),
	})
}

// ListAccounts returns all accounts of the caller.
func (s *TransferServiceServer) ListAccounts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := requesterFromContext(ctx)
	if err != nil {
		return nil, err
	}

	accounts, err := s.accounts.ListAccounts(ctx, ownerID)
	if err != nil {
		return nil, s.mapDomainErrorToGRPC(err)
	}

	items := make([]any, 0, len(accounts))
	for _, account := range accounts {
		items = append(items, accountToMap(account, false))
	}
	return structpb.NewStruct(map[string]any{
		"accounts": items,
	})
}

// ListTransactions pages through the history of one of the caller's accounts, newest first.
func (s *TransferServiceServer) ListTransactions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requesterID, err := requesterFromContext(ctx)
	if err != nil {
		return nil, err
	}
	fields := req.GetFields()
	accountID, err := uuidField(fields, "account_id")
	if err != nil {
		return nil, err
	}
	limit, err := intField(fields, "limit")
	if err != nil {
		return nil, err
	}
	offset, err := intField(fields, "offset")
	if err != nil {
		return nil, err
	}

	page, err := s.accounts.ListTransactions(ctx, requesterID, accountID, limit, offset)
	if err != nil {
		return nil, s.mapDomainErrorToGRPC(err)
	}

	items := make([]any, 0, len(page.Transactions))
	for _, txn := range page.Transactions {
		items = append(items, transactionToMap(txn))
	}
	return structpb.NewStruct(map[string]any{
		"transactions": items,
		"total":        page.Total,
		"limit":        page.Limit,
		"offset":       page.Offset,
	})
}

// parseTransferRequest decodes a TransferMoney request body. fx_rate defaults
// to 1 when both currencies are equal.
func parseTransferRequest(req *structpb.Struct) (domain.TransferRequest, error) {
	fields := req.GetFields()
	transfer := domain.TransferRequest{
		SourceCardNumber: stringField(fields, "source_card_number"),
		TargetCardNumber: stringField(fields, "target_card_number"),
		SourceCurrency:   stringField(fields, "source_currency"),
		TargetCurrency:   stringField(fields, "target_currency"),
		IdempotencyKey:   stringField(fields, "idempotency_key"),
	}

	if transfer.SourceCardNumber == "" {
		return transfer, fmt.Errorf("source_card_number is required")
	}
	if transfer.TargetCardNumber == "" {
		return transfer, fmt.Errorf("target_card_number is required")
	}
	if transfer.SourceCurrency == "" {
		return transfer, fmt.Errorf("source_currency is required")
	}
	if transfer.TargetCurrency == "" {
		transfer.TargetCurrency = transfer.SourceCurrency
	}

	var err error
	if transfer.SourceAmount, err = decimalField(fields, "source_amount"); err != nil {
		return transfer, err
	}

	if _, ok := fields["fx_rate"]; ok {
		if transfer.FXRate, err = decimalField(fields, "fx_rate"); err != nil {
			return transfer, err
		}
	} else if transfer.SourceCurrency == transfer.TargetCurrency {
		transfer.FXRate = decimal.NewFromInt(1)
	} else {
		return transfer, fmt.Errorf("fx_rate is required for cross-currency transfers")
	}

	if _, ok := fields["target_amount"]; ok {
		targetAmount, err := decimalField(fields, "target_amount")
		if err != nil {
			return transfer, err
		}
		transfer.TargetAmount = &targetAmount
	}

	if description := stringField(fields, "description"); description != "" {
		transfer.Description = &description
	}
	return transfer, nil
}

// mapDomainErrorToGRPC maps domain errors to gRPC status codes.
func (s *TransferServiceServer) mapDomainErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrAccountNotFound):
		return status.Error(codes.NotFound, "account not found")
	case errors.Is(err, domain.ErrTransactionNotFound):
		return status.Error(codes.NotFound, "transaction not found")
	case errors.Is(err, domain.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, "requester does not own the account")
	case errors.Is(err, domain.ErrInsufficientFunds):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrSameAccount):
		return status.Error(codes.InvalidArgument, "source and target must be different accounts")
	case errors.Is(err, domain.ErrCurrencyMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrDuplicateCardNumber):
		return status.Error(codes.AlreadyExists, "card number already exists")
	case domain.IsRetryable(err):
		return status.Error(codes.Unavailable, "account is busy, retry the request")
	default:
		s.logger.Error().Err(err).Msg("request failed with internal error")
		return status.Error(codes.Internal, "internal error")
	}
}

func requesterFromContext(ctx context.Context) (uuid.UUID, error) {
	raw := metadataValue(ctx, UserIDHeader)
	if raw == "" {
		return uuid.Nil, status.Error(codes.Unauthenticated, UserIDHeader+" metadata is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.Unauthenticated, "invalid %s: %v", UserIDHeader, err)
	}
	return id, nil
}

func metadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(key); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func stringField(fields map[string]*structpb.Value, name string) string {
	return strings.TrimSpace(fields[name].GetStringValue())
}

// decimalField reads a required decimal. Amounts travel as strings so they
// never pass through float64.
func decimalField(fields map[string]*structpb.Value, name string) (decimal.Decimal, error) {
	v, ok := fields[name]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%s is required", name)
	}
	if _, isString := v.GetKind().(*structpb.Value_StringValue); !isString {
		return decimal.Decimal{}, fmt.Errorf("%s must be a decimal string", name)
	}
	d, err := money.Parse(v.GetStringValue())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s: %v", name, err)
	}
	return d, nil
}

func uuidField(fields map[string]*structpb.Value, name string) (uuid.UUID, error) {
	raw := stringField(fields, name)
	if raw == "" {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return id, nil
}

func intField(fields map[string]*structpb.Value, name string) (int, error) {
	v, ok := fields[name]
	if !ok {
		return 0, nil
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber || n.NumberValue != float64(int(n.NumberValue)) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	return int(n.NumberValue), nil
}

// accountToMap renders an account. Card numbers are masked when the account
// may belong to someone other than the caller.
func accountToMap(account *domain.Account, maskCard bool) map[string]any {
	card := account.CardNumber
	if maskCard {
		card = domain.MaskCardNumber(card)
	}
	return map[string]any{
		"id":          account.ID.String(),
		"card_number": card,
		"currency":    account.Currency,
		"balance":     money.Format(account.Balance),
		"created_at":  formatTimestamp(account.CreatedAt),
		"updated_at":  formatTimestamp(account.UpdatedAt),
	}
}

func transactionToMap(txn *domain.Transaction) map[string]any {
	m := map[string]any{
		"id":         txn.ID.String(),
		"type":       string(txn.Type),
		"status":     string(txn.Status),
		"created_at": formatTimestamp(txn.CreatedAt),
	}
	if txn.SourceAccountID != nil {
		m["source_account_id"] = txn.SourceAccountID.String()
	}
	if txn.TargetAccountID != nil {
		m["target_account_id"] = txn.TargetAccountID.String()
	}
	if txn.SourceAmount.Valid {
		m["source_amount"] = money.Format(txn.SourceAmount.Decimal)
		m["source_currency"] = txn.SourceCurrency
	}
	if txn.TargetAmount.Valid {
		m["target_amount"] = money.Format(txn.TargetAmount.Decimal)
		m["target_currency"] = txn.TargetCurrency
	}
	if txn.FXRate.Valid {
		m["fx_rate"] = money.FormatRate(txn.FXRate.Decimal)
	}
	if txn.Description != nil {
		m["description"] = *txn.Description
	}
	return m
}

// formatTimestamp formats a time.Time to ISO 8601 format.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
