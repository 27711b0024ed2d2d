package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersuasionPolicyDisabledByDefault(t *testing.T) {
	p := NoPersuasionGate()
	assert.False(t, p.Enabled())
	assert.False(t, p.RequiresJustification(&Position{Side: SideA, SwitchCount: 2}, SideB))
}

func TestPersuasionPolicyThreshold(t *testing.T) {
	p := PersuasionPolicy{Threshold: 1, Candidates: 3}

	assert.False(t, p.RequiresJustification(nil, SideA), "first vote is never gated")
	assert.False(t, p.RequiresJustification(&Position{Side: SideA}, SideB), "below threshold")
	assert.True(t, p.RequiresJustification(&Position{Side: SideB, SwitchCount: 1}, SideA))
	assert.False(t, p.RequiresJustification(&Position{Side: SideB, SwitchCount: 1}, SideB), "re-vote")
}

func TestCheckJustification(t *testing.T) {
	assert.NoError(t, CheckJustification(SideB, SideB, "author", "voter"))
	assert.ErrorIs(t, CheckJustification(SideA, SideB, "author", "voter"), ErrSideMismatch)
	assert.ErrorIs(t, CheckJustification(SideB, SideB, "voter", "voter"), ErrOwnComment)
}
