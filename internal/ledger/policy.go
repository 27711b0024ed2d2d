package ledger

import "fmt"

// PersuasionPolicy decides whether a switch must go through the justified
// path, naming an opposing comment, instead of a direct vote. It sits above
// the ledger: the ledger itself only enforces the numeric switch limit.
type PersuasionPolicy struct {
	// Threshold is the switch count from which a further switch must be
	// justified. Negative disables gating.
	Threshold int
	// Candidates is how many opposing comments are offered as justification.
	Candidates int
}

// NoPersuasionGate never requires justification.
func NoPersuasionGate() PersuasionPolicy {
	return PersuasionPolicy{Threshold: -1, Candidates: 3}
}

func (p PersuasionPolicy) Enabled() bool {
	return p.Threshold >= 0
}

// RequiresJustification reports whether a direct vote for side must be
// refused in favour of the justified path.
func (p PersuasionPolicy) RequiresJustification(current *Position, side Side) bool {
	if !p.Enabled() || current == nil || current.Side == side {
		return false
	}
	return current.SwitchCount >= p.Threshold
}

// CheckJustification validates the comment named to justify a switch to
// target. The comment must argue the side the voter is moving to and must not
// be the voter's own.
func CheckJustification(commentSide, target Side, commentAuthor, voter string) error {
	if commentAuthor == voter {
		return ErrOwnComment
	}
	if commentSide != target {
		return fmt.Errorf("%w: justifying comment argues side %s", ErrSideMismatch, commentSide)
	}
	return nil
}
