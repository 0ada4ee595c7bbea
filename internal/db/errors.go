package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/domain"
)

// PostgreSQL SQLSTATE codes the repositories react to.
const (
	codeUniqueViolation  = "23505"
	codeLockNotAvailable = "55P03"
	codeDeadlockDetected = "40P01"
)

func pgErrorCode(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// isUniqueViolation reports a unique_violation, optionally on a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	code, name := pgErrorCode(err)
	return code == codeUniqueViolation && (constraint == "" || name == constraint)
}

// translateLockError maps lock wait failures to domain.ErrLockTimeout and
// returns any other error unchanged.
func translateLockError(err error) error {
	switch code, _ := pgErrorCode(err); code {
	case codeLockNotAvailable, codeDeadlockDetected:
		return fmt.Errorf("%w: %v", domain.ErrLockTimeout, err)
	}
	return err
}
