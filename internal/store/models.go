package store

import (
	"time"

	"agora/api/internal/ledger"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Debate struct {
	ID         string
	Title      string
	SideALabel string
	SideBLabel string
	CreatedBy  string
	IsActive   bool
	FeaturedOn *time.Time
	VotesA     int
	VotesB     int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (d Debate) Tally() ledger.Tally {
	return ledger.Tally{A: d.VotesA, B: d.VotesB}
}

// FeaturedToday reports whether the featured date falls on now's calendar day.
func (d Debate) FeaturedToday(now time.Time) bool {
	if d.FeaturedOn == nil {
		return false
	}
	y1, m1, d1 := d.FeaturedOn.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

type DebateFilter struct {
	IncludeInactive bool
	FeaturedOn      *time.Time
	Limit           int
}

// Vote is one voter's current side on a debate; there is at most one per
// (debate, user) and switching mutates it in place.
type Vote struct {
	DebateID    string
	UserID      string
	Side        ledger.Side
	SwitchCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (v Vote) Position() ledger.Position {
	return ledger.Position{Side: v.Side, SwitchCount: v.SwitchCount}
}

// VoteResult is the authoritative state returned by the vote procedure.
type VoteResult struct {
	VotesA      int
	VotesB      int
	SwitchCount int
	Side        ledger.Side
	Outcome     ledger.TransitionKind
}

func (r VoteResult) Tally() ledger.Tally {
	return ledger.Tally{A: r.VotesA, B: r.VotesB}
}

// Comment is a debate argument. Side is fixed when written.
type Comment struct {
	ID              string
	DebateID        string
	AuthorID        string
	AuthorName      string
	Side            ledger.Side
	Body            string
	PersuasionCount int
	CreatedAt       time.Time
}

type CommentFilter struct {
	Side  ledger.Side
	Limit int
}

type PersuasionRecord struct {
	DebateID  string
	CommentID string
	UserID    string
	CreatedAt time.Time
}

// TallyDrift describes a debate whose stored counts disagree with its votes.
type TallyDrift struct {
	DebateID string
	Stored   ledger.Tally
	Counted  ledger.Tally
}
