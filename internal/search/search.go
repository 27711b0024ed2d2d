package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDebate  ResultType = "debate"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	DebateID string     `json:"debateId"`
	Side     string     `json:"side,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterDebateID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// DebateRecord is the data we index for a debate.
type DebateRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	SideALabel string `json:"sideALabel"`
	SideBLabel string `json:"sideBLabel"`
	IsActive   bool   `json:"isActive"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID              string `json:"id"`
	DebateID        string `json:"debateId"`
	Side            string `json:"side"`
	Body            string `json:"body"`
	PersuasionCount int    `json:"persuasionCount"`
}
