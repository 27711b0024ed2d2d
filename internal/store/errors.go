package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agora/api/internal/ledger"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateUser reports a display name or email that is already taken.
var ErrDuplicateUser = errors.New("user already exists")

const (
	sqlStateUniqueViolation = "23505"
	sqlStateNoDataFound     = "P0002"
	sqlStateRaiseException  = "P0001"
	sqlStateInvalidParam    = "22023"
)

// translate maps driver errors onto the ledger taxonomy. Unknown errors are
// returned unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlStateNoDataFound:
			return ledger.ErrNotFound
		case pgErr.Code == sqlStateRaiseException && pgErr.Message == "switch_limit_exceeded":
			return ledger.ErrSwitchLimitExceeded
		case pgErr.Code == sqlStateInvalidParam:
			return ledger.ErrInvalidSide
		case retryableState(pgErr.Code):
			return fmt.Errorf("%w: %w", ledger.ErrTransient, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || networkError(err) {
		return fmt.Errorf("%w: %w", ledger.ErrTransient, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}

// retryableState covers connection (08), transaction rollback (40),
// insufficient resources (53), operator intervention (57) and lock
// contention.
func retryableState(code string) bool {
	if len(code) != 5 {
		return false
	}
	switch code[:2] {
	case "08", "40", "53", "57":
		return true
	}
	return code == "55P03" || code == "55006"
}

func networkError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "unexpected EOF")
}
