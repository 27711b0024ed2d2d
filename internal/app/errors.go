package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"agora/api/internal/auth"
	"agora/api/internal/authpw"
	"agora/api/internal/ledger"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

// PersuasionRequiredError refuses a direct switch and offers the opposing
// comments the voter may name as justification instead.
type PersuasionRequiredError struct {
	Candidates []CommentView
}

func (e *PersuasionRequiredError) Error() string {
	return ledger.ErrPersuasionRequired.Error()
}

func (e *PersuasionRequiredError) Unwrap() error {
	return ledger.ErrPersuasionRequired
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var persuasionErr *PersuasionRequiredError
	if errors.As(err, &persuasionErr) {
		return http.StatusConflict, "PERSUASION_REQUIRED", "Name the comment that changed your mind", map[string]any{
			"candidates": persuasionErr.Candidates,
		}
	}
	switch {
	case errors.Is(err, ledger.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, ledger.ErrSwitchLimitExceeded):
		return http.StatusConflict, "SWITCH_LIMIT_EXCEEDED", "Switch limit reached", nil
	case errors.Is(err, ledger.ErrDuplicateComment):
		return http.StatusConflict, "DUPLICATE_COMMENT", "You have already argued in this debate", nil
	case errors.Is(err, ledger.ErrPersuasionRequired):
		return http.StatusConflict, "PERSUASION_REQUIRED", "Name the comment that changed your mind", nil
	case errors.Is(err, ledger.ErrNoVoteCast):
		return http.StatusUnprocessableEntity, "NO_VOTE_CAST", "Vote before you argue", nil
	case errors.Is(err, ledger.ErrOwnComment):
		return http.StatusUnprocessableEntity, "OWN_COMMENT", "You cannot credit your own comment", nil
	case errors.Is(err, ledger.ErrSideMismatch):
		return http.StatusUnprocessableEntity, "SIDE_MISMATCH", err.Error(), nil
	case errors.Is(err, ledger.ErrInvalidSide):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "side must be A or B", nil
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email or display name already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case ledger.Retryable(err):
		return http.StatusServiceUnavailable, "TRANSIENT_FAILURE", "Temporarily unavailable, try again", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
