// Package ledger holds the vote, switch and comment rules shared by every
// storage backend and by the client-side session controller.
package ledger

import (
	"fmt"
	"strings"
)

// DefaultSwitchLimit is how many times a voter may change sides on one debate.
const DefaultSwitchLimit = 3

type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

func ParseSide(raw string) (Side, error) {
	side := Side(strings.ToUpper(strings.TrimSpace(raw)))
	if !side.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, raw)
	}
	return side, nil
}

func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// Position is a voter's current stance on a debate.
type Position struct {
	Side        Side
	SwitchCount int
}

type TransitionKind int

const (
	TransitionCast TransitionKind = iota + 1
	TransitionNoop
	TransitionSwitch
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionCast:
		return "cast"
	case TransitionNoop:
		return "noop"
	case TransitionSwitch:
		return "switch"
	default:
		return "unknown"
	}
}

// Transition is the effect of one vote request on a voter's position.
type Transition struct {
	Kind        TransitionKind
	From        Side
	To          Side
	SwitchCount int
}

// Position returns the voter's stance after the transition.
func (t Transition) Position() Position {
	return Position{Side: t.To, SwitchCount: t.SwitchCount}
}

// Decide evaluates a vote for side against the voter's current position, which
// is nil when the voter has not voted yet. A switch at the limit fails with
// ErrSwitchLimitExceeded and has no effect.
func Decide(current *Position, side Side, limit int) (Transition, error) {
	if !side.Valid() {
		return Transition{}, ErrInvalidSide
	}
	if current == nil {
		return Transition{Kind: TransitionCast, To: side}, nil
	}
	if current.Side == side {
		return Transition{Kind: TransitionNoop, From: side, To: side, SwitchCount: current.SwitchCount}, nil
	}
	if current.SwitchCount >= limit {
		return Transition{}, ErrSwitchLimitExceeded
	}
	return Transition{
		Kind:        TransitionSwitch,
		From:        current.Side,
		To:          side,
		SwitchCount: current.SwitchCount + 1,
	}, nil
}

// CanSwitch reports whether a voter at current may still change sides.
func CanSwitch(current *Position, limit int) bool {
	return current != nil && current.SwitchCount < limit
}

// SwitchesRemaining is zero for voters that have not voted.
func SwitchesRemaining(current *Position, limit int) int {
	if current == nil || current.SwitchCount >= limit {
		return 0
	}
	return limit - current.SwitchCount
}

// Tally is a debate's aggregate vote count.
type Tally struct {
	A int
	B int
}

func (t Tally) Total() int {
	return t.A + t.B
}

func (t Tally) For(side Side) int {
	if side == SideA {
		return t.A
	}
	return t.B
}

// Apply returns the tally after tr. The sum changes only on a first vote.
func (t Tally) Apply(tr Transition) Tally {
	switch tr.Kind {
	case TransitionCast:
		return t.add(tr.To, 1)
	case TransitionSwitch:
		return t.add(tr.From, -1).add(tr.To, 1)
	default:
		return t
	}
}

// Revert undoes Apply.
func (t Tally) Revert(tr Transition) Tally {
	switch tr.Kind {
	case TransitionCast:
		return t.add(tr.To, -1)
	case TransitionSwitch:
		return t.add(tr.To, -1).add(tr.From, 1)
	default:
		return t
	}
}

func (t Tally) add(side Side, delta int) Tally {
	if side == SideA {
		t.A += delta
		if t.A < 0 {
			t.A = 0
		}
		return t
	}
	t.B += delta
	if t.B < 0 {
		t.B = 0
	}
	return t
}

// CheckComment enforces that an argument follows a committed vote: the author
// must have voted, must argue their current side, and may argue only once per
// debate.
func CheckComment(current *Position, side Side, alreadyCommented bool) error {
	if !side.Valid() {
		return ErrInvalidSide
	}
	if current == nil {
		return ErrNoVoteCast
	}
	if current.Side != side {
		return ErrSideMismatch
	}
	if alreadyCommented {
		return ErrDuplicateComment
	}
	return nil
}
