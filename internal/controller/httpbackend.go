package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agora/api/internal/ledger"
)

// HTTPBackend talks to the debate API with a bearer token.
type HTTPBackend struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
}

func NewHTTPBackend(baseURL, token, userID string, httpClient *http.Client) *HTTPBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPBackend{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      token,
		userID:     userID,
		httpClient: httpClient,
	}
}

// APIError is a non-2xx answer the controller could not map to a ledger error.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

type debatePage struct {
	Debate struct {
		ID     string `json:"id"`
		VotesA int    `json:"votesA"`
		VotesB int    `json:"votesB"`
	} `json:"debate"`
	MyVote *struct {
		Side        string `json:"side"`
		SwitchCount int    `json:"switchCount"`
	} `json:"myVote"`
	MyCommentID        string        `json:"myCommentId"`
	CreditedCommentIDs []string      `json:"creditedCommentIds"`
	Comments           []commentJSON `json:"comments"`
	SwitchLimit        int           `json:"switchLimit"`
}

type commentJSON struct {
	ID              string `json:"id"`
	AuthorID        string `json:"authorId"`
	AuthorName      string `json:"authorName"`
	Side            string `json:"side"`
	Body            string `json:"body"`
	PersuasionCount int    `json:"persuasionCount"`
}

func (c commentJSON) comment() Comment {
	return Comment{
		ID:              c.ID,
		AuthorID:        c.AuthorID,
		AuthorName:      c.AuthorName,
		Side:            ledger.Side(c.Side),
		Body:            c.Body,
		PersuasionCount: c.PersuasionCount,
	}
}

type voteJSON struct {
	VotesA      int    `json:"votesA"`
	VotesB      int    `json:"votesB"`
	Side        string `json:"side"`
	SwitchCount int    `json:"switchCount"`
	Changed     bool   `json:"changed"`
}

func (v voteJSON) result() VoteResult {
	return VoteResult{
		VotesA:      v.VotesA,
		VotesB:      v.VotesB,
		Side:        ledger.Side(v.Side),
		SwitchCount: v.SwitchCount,
		Changed:     v.Changed,
	}
}

func (b *HTTPBackend) Fetch(ctx context.Context, debateID string) (State, error) {
	var page debatePage
	if err := b.do(ctx, http.MethodGet, debatePath(debateID), nil, &page); err != nil {
		return State{}, err
	}
	state := State{
		DebateID:    page.Debate.ID,
		UserID:      b.userID,
		Tally:       ledger.Tally{A: page.Debate.VotesA, B: page.Debate.VotesB},
		Limit:       page.SwitchLimit,
		MyCommentID: page.MyCommentID,
		Credited:    page.CreditedCommentIDs,
	}
	if page.MyVote != nil {
		state.Side = ledger.Side(page.MyVote.Side)
		state.SwitchCount = page.MyVote.SwitchCount
	}
	for _, item := range page.Comments {
		state.Comments = append(state.Comments, item.comment())
	}
	return state, nil
}

func (b *HTTPBackend) Vote(ctx context.Context, debateID string, side ledger.Side) (VoteResult, error) {
	var out voteJSON
	body := map[string]string{"side": string(side)}
	if err := b.do(ctx, http.MethodPost, debatePath(debateID, "vote"), body, &out); err != nil {
		return VoteResult{}, err
	}
	return out.result(), nil
}

func (b *HTTPBackend) Switch(ctx context.Context, debateID string, side ledger.Side, justifyingCommentID string) (VoteResult, error) {
	var out voteJSON
	body := map[string]string{"side": string(side), "justifyingCommentId": justifyingCommentID}
	if err := b.do(ctx, http.MethodPost, debatePath(debateID, "switch"), body, &out); err != nil {
		return VoteResult{}, err
	}
	return out.result(), nil
}

func (b *HTTPBackend) Comment(ctx context.Context, debateID string, side ledger.Side, text string) (Comment, error) {
	var out struct {
		Comment commentJSON `json:"comment"`
	}
	body := map[string]string{"side": string(side), "body": text}
	if err := b.do(ctx, http.MethodPost, debatePath(debateID, "comments"), body, &out); err != nil {
		return Comment{}, err
	}
	return out.Comment.comment(), nil
}

func (b *HTTPBackend) Persuade(ctx context.Context, debateID, commentID string) (PersuasionResult, error) {
	var out struct {
		PersuasionCount int  `json:"persuasionCount"`
		AlreadyCredited bool `json:"alreadyCredited"`
	}
	if err := b.do(ctx, http.MethodPost, debatePath(debateID, "comments", commentID, "persuade"), nil, &out); err != nil {
		return PersuasionResult{}, err
	}
	return PersuasionResult{PersuasionCount: out.PersuasionCount, AlreadyCredited: out.AlreadyCredited}, nil
}

func debatePath(debateID string, rest ...string) string {
	parts := []string{"api", "debates", url.PathEscape(debateID)}
	for _, part := range rest {
		parts = append(parts, url.PathEscape(part))
	}
	return "/" + strings.Join(parts, "/")
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %v", method, path, ledger.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w: %v", method, path, ledger.ErrTransient, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
		return nil
	}
	return responseError(resp.StatusCode, raw)
}

func responseError(status int, raw []byte) error {
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &payload)
	apiErr := &APIError{Status: status, Code: payload.Code, Message: payload.Error}

	var sentinel error
	switch payload.Code {
	case "SWITCH_LIMIT_EXCEEDED":
		sentinel = ledger.ErrSwitchLimitExceeded
	case "NO_VOTE_CAST":
		sentinel = ledger.ErrNoVoteCast
	case "SIDE_MISMATCH":
		sentinel = ledger.ErrSideMismatch
	case "DUPLICATE_COMMENT":
		sentinel = ledger.ErrDuplicateComment
	case "OWN_COMMENT":
		sentinel = ledger.ErrOwnComment
	case "PERSUASION_REQUIRED":
		sentinel = ledger.ErrPersuasionRequired
	case "NOT_FOUND":
		sentinel = ledger.ErrNotFound
	case "UNAUTHENTICATED":
		sentinel = ledger.ErrUnauthenticated
	case "TRANSIENT_FAILURE":
		sentinel = ledger.ErrTransient
	}
	if sentinel == nil {
		switch status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			sentinel = ledger.ErrTransient
		default:
			return apiErr
		}
	}
	return errors.Join(sentinel, apiErr)
}
