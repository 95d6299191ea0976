package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"example.com/ledger/internal/domain"
)

// classify tags driver errors with the domain sentinels the coordinator retries on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %w", domain.ErrConstraintViolation, err)
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %w", domain.ErrRetryable, err)
		}
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", domain.ErrRetryable, err)
	}
	return err
}
