// Package controller drives one user's session on a debate from the client
// side. Requests are applied optimistically, sent to a Backend, and then
// either reconciled with the authoritative result or rolled back.
package controller

import (
	"fmt"

	"agora/api/internal/ledger"
)

// Comment is the controller's copy of a debate argument. Pending comments
// carry a temporary id until the backend confirms them.
type Comment struct {
	ID              string
	AuthorID        string
	AuthorName      string
	Side            ledger.Side
	Body            string
	PersuasionCount int
	Pending         bool
}

// State is everything the controller knows about a debate for one user.
// Side is empty before the user votes.
type State struct {
	DebateID    string
	UserID      string
	Side        ledger.Side
	SwitchCount int
	Tally       ledger.Tally
	Limit       int
	Comments    []Comment
	MyCommentID string
	Credited    []string
}

func (s State) position() *ledger.Position {
	if s.Side == "" {
		return nil
	}
	return &ledger.Position{Side: s.Side, SwitchCount: s.SwitchCount}
}

func (s State) clone() State {
	out := s
	out.Comments = append([]Comment(nil), s.Comments...)
	out.Credited = append([]string(nil), s.Credited...)
	return out
}

func (s State) credited(commentID string) bool {
	for _, id := range s.Credited {
		if id == commentID {
			return true
		}
	}
	return false
}

func (s State) commentIndex(commentID string) int {
	for i, comment := range s.Comments {
		if comment.ID == commentID {
			return i
		}
	}
	return -1
}

// View is the presentation model of a State.
type View struct {
	Side              ledger.Side
	VotesA            int
	VotesB            int
	SwitchCount       int
	CanSwitch         bool
	SwitchesRemaining int
	Comments          []Comment
	MyCommentID       string
	Credited          []string
	Pending           bool
	Message           string
}

func (s State) View() View {
	position := s.position()
	return View{
		Side:              s.Side,
		VotesA:            s.Tally.A,
		VotesB:            s.Tally.B,
		SwitchCount:       s.SwitchCount,
		CanSwitch:         ledger.CanSwitch(position, s.Limit),
		SwitchesRemaining: ledger.SwitchesRemaining(position, s.Limit),
		Comments:          append([]Comment(nil), s.Comments...),
		MyCommentID:       s.MyCommentID,
		Credited:          append([]string(nil), s.Credited...),
	}
}

// VoteResult is the backend's authoritative answer to a vote.
type VoteResult struct {
	VotesA      int
	VotesB      int
	Side        ledger.Side
	SwitchCount int
	Changed     bool
}

// PersuasionResult is the backend's answer to a persuasion credit.
type PersuasionResult struct {
	PersuasionCount int
	AlreadyCredited bool
}

type PendingVote struct {
	Transition ledger.Transition
}

type PendingComment struct {
	TempID string
}

type PendingPersuasion struct {
	CommentID string
}

// PlanVote applies a vote for side to state optimistically. A vote the ledger
// would refuse fails here and nothing is sent.
func PlanVote(state State, side ledger.Side) (State, PendingVote, error) {
	transition, err := ledger.Decide(state.position(), side, state.Limit)
	if err != nil {
		return state, PendingVote{}, err
	}
	next := state.clone()
	next.Side = transition.To
	next.SwitchCount = transition.SwitchCount
	next.Tally = state.Tally.Apply(transition)
	return next, PendingVote{Transition: transition}, nil
}

// ReconcileVote returns the state after the backend answered. On error the
// pre-optimistic snapshot is restored; otherwise the authoritative counts and
// position replace the optimistic ones.
func ReconcileVote(snapshot, optimistic State, result VoteResult, err error) State {
	if err != nil {
		return snapshot
	}
	next := optimistic.clone()
	next.Tally = ledger.Tally{A: result.VotesA, B: result.VotesB}
	next.Side = result.Side
	next.SwitchCount = result.SwitchCount
	return next
}

// PlanComment adds the user's argument with a temporary id.
func PlanComment(state State, side ledger.Side, body, tempID string) (State, PendingComment, error) {
	if err := ledger.CheckComment(state.position(), side, state.MyCommentID != ""); err != nil {
		return state, PendingComment{}, err
	}
	next := state.clone()
	next.Comments = append(next.Comments, Comment{
		ID:       tempID,
		AuthorID: state.UserID,
		Side:     side,
		Body:     body,
		Pending:  true,
	})
	next.MyCommentID = tempID
	return next, PendingComment{TempID: tempID}, nil
}

func ReconcileComment(snapshot, optimistic State, pending PendingComment, saved Comment, err error) State {
	if err != nil {
		return snapshot
	}
	next := optimistic.clone()
	saved.Pending = false
	if i := next.commentIndex(pending.TempID); i >= 0 {
		next.Comments[i] = saved
	} else {
		next.Comments = append(next.Comments, saved)
	}
	next.MyCommentID = saved.ID
	return next
}

// PlanPersuasion credits commentID optimistically. Crediting twice or
// crediting one's own comment is refused locally.
func PlanPersuasion(state State, commentID string) (State, PendingPersuasion, error) {
	i := state.commentIndex(commentID)
	if i < 0 {
		return state, PendingPersuasion{}, fmt.Errorf("comment %s: %w", commentID, ledger.ErrNotFound)
	}
	if state.Comments[i].AuthorID == state.UserID {
		return state, PendingPersuasion{}, ledger.ErrOwnComment
	}
	if state.credited(commentID) {
		return state, PendingPersuasion{}, ledger.ErrAlreadyCredited
	}
	next := state.clone()
	next.Comments[i].PersuasionCount++
	next.Credited = append(next.Credited, commentID)
	return next, PendingPersuasion{CommentID: commentID}, nil
}

func ReconcilePersuasion(snapshot, optimistic State, pending PendingPersuasion, result PersuasionResult, err error) State {
	if err != nil {
		return snapshot
	}
	next := optimistic.clone()
	if i := next.commentIndex(pending.CommentID); i >= 0 {
		next.Comments[i].PersuasionCount = result.PersuasionCount
	}
	if !next.credited(pending.CommentID) {
		next.Credited = append(next.Credited, pending.CommentID)
	}
	return next
}
