package ledger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSide(t *testing.T) {
	cases := []struct {
		raw  string
		want Side
		ok   bool
	}{
		{raw: "A", want: SideA, ok: true},
		{raw: " b ", want: SideB, ok: true},
		{raw: "", ok: false},
		{raw: "C", ok: false},
		{raw: "AB", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseSide(tc.raw)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrInvalidSide)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name    string
		current *Position
		side    Side
		want    Transition
		err     error
	}{
		{
			name: "first vote",
			side: SideA,
			want: Transition{Kind: TransitionCast, To: SideA},
		},
		{
			name:    "same side is a no-op",
			current: &Position{Side: SideA, SwitchCount: 2},
			side:    SideA,
			want:    Transition{Kind: TransitionNoop, From: SideA, To: SideA, SwitchCount: 2},
		},
		{
			name:    "switch bumps the counter",
			current: &Position{Side: SideA, SwitchCount: 0},
			side:    SideB,
			want:    Transition{Kind: TransitionSwitch, From: SideA, To: SideB, SwitchCount: 1},
		},
		{
			name:    "last allowed switch",
			current: &Position{Side: SideB, SwitchCount: 2},
			side:    SideA,
			want:    Transition{Kind: TransitionSwitch, From: SideB, To: SideA, SwitchCount: 3},
		},
		{
			name:    "switch at the limit",
			current: &Position{Side: SideA, SwitchCount: 3},
			side:    SideB,
			err:     ErrSwitchLimitExceeded,
		},
		{
			name:    "re-vote at the limit is still a no-op",
			current: &Position{Side: SideA, SwitchCount: 3},
			side:    SideA,
			want:    Transition{Kind: TransitionNoop, From: SideA, To: SideA, SwitchCount: 3},
		},
		{
			name: "invalid side",
			side: Side("C"),
			err:  ErrInvalidSide,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decide(tc.current, tc.side, DefaultSwitchLimit)
			if tc.err != nil {
				assert.True(t, errors.Is(err, tc.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTallyKeepsSumEqualToVoters(t *testing.T) {
	var tally Tally
	var pos *Position

	steps := []Side{SideA, SideB, SideA, SideB, SideA}
	for i, side := range steps {
		tr, err := Decide(pos, side, DefaultSwitchLimit)
		if i == len(steps)-1 {
			require.ErrorIs(t, err, ErrSwitchLimitExceeded)
			break
		}
		require.NoError(t, err)
		tally = tally.Apply(tr)
		next := tr.Position()
		pos = &next
		assert.Equal(t, 1, tally.Total())
		assert.Equal(t, 1, tally.For(side))
		assert.Equal(t, i, pos.SwitchCount)
	}
	assert.Equal(t, Tally{A: 0, B: 1}, tally)
}

func TestTallyRevertUndoesApply(t *testing.T) {
	start := Tally{A: 4, B: 7}
	for _, tr := range []Transition{
		{Kind: TransitionCast, To: SideB},
		{Kind: TransitionSwitch, From: SideA, To: SideB, SwitchCount: 1},
		{Kind: TransitionNoop, From: SideA, To: SideA},
	} {
		assert.Equal(t, start, start.Apply(tr).Revert(tr), tr.Kind.String())
	}
}

func TestCheckComment(t *testing.T) {
	voted := &Position{Side: SideA}

	assert.ErrorIs(t, CheckComment(nil, SideA, false), ErrNoVoteCast)
	assert.ErrorIs(t, CheckComment(voted, SideB, false), ErrSideMismatch)
	assert.ErrorIs(t, CheckComment(voted, SideA, true), ErrDuplicateComment)
	assert.ErrorIs(t, CheckComment(voted, Side(""), false), ErrInvalidSide)
	assert.NoError(t, CheckComment(voted, SideA, false))
}

func TestSwitchHelpers(t *testing.T) {
	assert.False(t, CanSwitch(nil, 3))
	assert.True(t, CanSwitch(&Position{Side: SideA, SwitchCount: 2}, 3))
	assert.False(t, CanSwitch(&Position{Side: SideA, SwitchCount: 3}, 3))
	assert.Equal(t, 0, SwitchesRemaining(nil, 3))
	assert.Equal(t, 2, SwitchesRemaining(&Position{Side: SideB, SwitchCount: 1}, 3))
}

func TestErrorClasses(t *testing.T) {
	assert.True(t, Retryable(ErrTransient))
	assert.False(t, Retryable(ErrSwitchLimitExceeded))
	assert.True(t, Policy(ErrSideMismatch))
	assert.True(t, Policy(ErrOwnComment))
	assert.False(t, Policy(ErrTransient))
	assert.False(t, Policy(ErrAlreadyCredited))
}
