package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/domain"
)

// IdempotencyRepository implements domain.IdempotencyRepository using PostgreSQL.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

// NewIdempotencyRepository creates a new IdempotencyRepository.
func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{
		pool: pool,
	}
}

// FindByKey retrieves the record stored for (key, userID), or nil.
func (r *IdempotencyRepository) FindByKey(ctx context.Context, key string, userID uuid.UUID) (*domain.IdempotencyRecord, error) {
	query := `
		SELECT idempotency_key, user_id, endpoint, request_hash,
		       response_status, response_body, created_at
		FROM idempotency_keys
		WHERE idempotency_key = $1 AND user_id = $2
	`

	var record domain.IdempotencyRecord
	err := conn(ctx, r.pool).QueryRow(ctx, query, key, userID).Scan(
		&record.Key,
		&record.UserID,
		&record.Endpoint,
		&record.RequestHash,
		&record.ResponseStatus,
		&record.ResponseBody,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // No record for this key
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &record, nil
}

// Create inserts a record. When another transaction holds an uncommitted row
// with the same key, PostgreSQL blocks this insert until that transaction
// ends; if it commits, the insert fails with ErrDuplicateIdempotencyKey.
func (r *IdempotencyRepository) Create(ctx context.Context, record *domain.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_keys (
			idempotency_key, user_id, endpoint, request_hash,
			response_status, response_body, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := conn(ctx, r.pool).Exec(ctx, query,
		record.Key,
		record.UserID,
		record.Endpoint,
		record.RequestHash,
		record.ResponseStatus,
		string(record.ResponseBody),
		record.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idempotency_keys_pkey") {
			return fmt.Errorf("key %q: %w", record.Key, domain.ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("failed to create idempotency record: %w", translateLockError(err))
	}
	return nil
}

// Complete stores the response snapshot on an existing record.
func (r *IdempotencyRepository) Complete(ctx context.Context, key string, userID uuid.UUID, status int, body []byte) error {
	query := `
		UPDATE idempotency_keys
		SET response_status = $3,
		    response_body = $4
		WHERE idempotency_key = $1 AND user_id = $2
	`

	result, err := conn(ctx, r.pool).Exec(ctx, query, key, userID, status, string(body))
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("idempotency record %q not found", key)
	}
	return nil
}
