package ledger

import "errors"

var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrNotFound            = errors.New("debate not found")
	ErrInvalidSide         = errors.New("side must be A or B")
	ErrSwitchLimitExceeded = errors.New("switch limit exceeded")
	ErrNoVoteCast          = errors.New("no vote cast")
	ErrSideMismatch        = errors.New("comment side does not match vote")
	ErrDuplicateComment    = errors.New("comment already posted")
	ErrAlreadyCredited     = errors.New("persuasion already credited")
	ErrPersuasionRequired  = errors.New("switch requires a persuading comment")
	ErrOwnComment          = errors.New("cannot credit your own comment")
	ErrTransient           = errors.New("transient failure")
)

// Retryable reports whether err may succeed when the same request is sent again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Policy reports whether err is a rule violation the user must act on, as
// opposed to an infrastructure fault.
func Policy(err error) bool {
	switch {
	case errors.Is(err, ErrSwitchLimitExceeded),
		errors.Is(err, ErrNoVoteCast),
		errors.Is(err, ErrSideMismatch),
		errors.Is(err, ErrDuplicateComment),
		errors.Is(err, ErrPersuasionRequired),
		errors.Is(err, ErrOwnComment),
		errors.Is(err, ErrInvalidSide):
		return true
	default:
		return false
	}
}
