package app

import (
	"time"

	"agora/api/internal/ledger"
	"agora/api/internal/search"
	"agora/api/internal/store"
)

type DebateView struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	SideALabel    string    `json:"sideALabel"`
	SideBLabel    string    `json:"sideBLabel"`
	CreatedBy     string    `json:"createdBy"`
	IsActive      bool      `json:"isActive"`
	FeaturedToday bool      `json:"featuredToday"`
	VotesA        int       `json:"votesA"`
	VotesB        int       `json:"votesB"`
	CreatedAt     time.Time `json:"createdAt"`
}

type MyVoteView struct {
	Side              string `json:"side"`
	SwitchCount       int    `json:"switchCount"`
	CanSwitch         bool   `json:"canSwitch"`
	SwitchesRemaining int    `json:"switchesRemaining"`
}

type CommentView struct {
	ID              string    `json:"id"`
	DebateID        string    `json:"debateId"`
	AuthorID        string    `json:"authorId"`
	AuthorName      string    `json:"authorName"`
	Side            string    `json:"side"`
	Body            string    `json:"body"`
	PersuasionCount int       `json:"persuasionCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// DebatePage is one caller's view of a debate. MyVote is nil before they vote.
type DebatePage struct {
	Debate             DebateView    `json:"debate"`
	MyVote             *MyVoteView   `json:"myVote"`
	MyCommentID        string        `json:"myCommentId,omitempty"`
	CreditedCommentIDs []string      `json:"creditedCommentIds"`
	Comments           []CommentView `json:"comments"`
	SwitchLimit        int           `json:"switchLimit"`
}

// VoteOutcome is the authoritative result of a vote request.
type VoteOutcome struct {
	VotesA              int    `json:"votesA"`
	VotesB              int    `json:"votesB"`
	Side                string `json:"side"`
	SwitchCount         int    `json:"switchCount"`
	Changed             bool   `json:"changed"`
	Outcome             string `json:"outcome"`
	CanSwitch           bool   `json:"canSwitch"`
	SwitchesRemaining   int    `json:"switchesRemaining"`
	JustifyingCommentID string `json:"justifyingCommentId,omitempty"`
}

type PersuasionOutcome struct {
	CommentID       string `json:"commentId"`
	PersuasionCount int    `json:"persuasionCount"`
	AlreadyCredited bool   `json:"alreadyCredited"`
}

func (s *Service) debateView(item store.Debate) DebateView {
	return DebateView{
		ID:            item.ID,
		Title:         item.Title,
		SideALabel:    item.SideALabel,
		SideBLabel:    item.SideBLabel,
		CreatedBy:     item.CreatedBy,
		IsActive:      item.IsActive,
		FeaturedToday: item.FeaturedToday(s.now()),
		VotesA:        item.VotesA,
		VotesB:        item.VotesB,
		CreatedAt:     item.CreatedAt,
	}
}

func (s *Service) myVoteView(vote *store.Vote) *MyVoteView {
	if vote == nil {
		return nil
	}
	position := vote.Position()
	return &MyVoteView{
		Side:              string(vote.Side),
		SwitchCount:       vote.SwitchCount,
		CanSwitch:         ledger.CanSwitch(&position, s.cfg.SwitchLimit),
		SwitchesRemaining: ledger.SwitchesRemaining(&position, s.cfg.SwitchLimit),
	}
}

func (s *Service) voteOutcome(result store.VoteResult) VoteOutcome {
	position := ledger.Position{Side: result.Side, SwitchCount: result.SwitchCount}
	return VoteOutcome{
		VotesA:            result.VotesA,
		VotesB:            result.VotesB,
		Side:              string(result.Side),
		SwitchCount:       result.SwitchCount,
		Changed:           result.Outcome != ledger.TransitionNoop,
		Outcome:           result.Outcome.String(),
		CanSwitch:         ledger.CanSwitch(&position, s.cfg.SwitchLimit),
		SwitchesRemaining: ledger.SwitchesRemaining(&position, s.cfg.SwitchLimit),
	}
}

func commentView(comment store.Comment) CommentView {
	return CommentView{
		ID:              comment.ID,
		DebateID:        comment.DebateID,
		AuthorID:        comment.AuthorID,
		AuthorName:      comment.AuthorName,
		Side:            string(comment.Side),
		Body:            comment.Body,
		PersuasionCount: comment.PersuasionCount,
		CreatedAt:       comment.CreatedAt,
	}
}

func commentViews(comments []store.Comment) []CommentView {
	views := make([]CommentView, 0, len(comments))
	for _, comment := range comments {
		views = append(views, commentView(comment))
	}
	return views
}

func debateRecord(item store.Debate) search.DebateRecord {
	return search.DebateRecord{
		ID:         item.ID,
		Title:      item.Title,
		SideALabel: item.SideALabel,
		SideBLabel: item.SideBLabel,
		IsActive:   item.IsActive,
	}
}

func commentRecord(comment store.Comment) search.CommentRecord {
	return search.CommentRecord{
		ID:              comment.ID,
		DebateID:        comment.DebateID,
		Side:            string(comment.Side),
		Body:            comment.Body,
		PersuasionCount: comment.PersuasionCount,
	}
}
