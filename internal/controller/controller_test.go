package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agora/api/internal/ledger"
	"agora/api/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeBackend struct {
	mu         sync.Mutex
	state      State
	fetches    atomic.Int32
	voteCalls  atomic.Int32
	fetchFn    func(ctx context.Context) (State, error)
	voteFn     func(ctx context.Context, side ledger.Side) (VoteResult, error)
	switchFn   func(ctx context.Context, side ledger.Side, commentID string) (VoteResult, error)
	commentFn  func(ctx context.Context, side ledger.Side, body string) (Comment, error)
	persuadeFn func(ctx context.Context, commentID string) (PersuasionResult, error)
}

func (f *fakeBackend) Fetch(ctx context.Context, debateID string) (State, error) {
	f.fetches.Add(1)
	if f.fetchFn != nil {
		return f.fetchFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone(), nil
}

func (f *fakeBackend) Vote(ctx context.Context, debateID string, side ledger.Side) (VoteResult, error) {
	f.voteCalls.Add(1)
	if f.voteFn != nil {
		return f.voteFn(ctx, side)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	next, _, err := PlanVote(f.state, side)
	if err != nil {
		return VoteResult{}, err
	}
	f.state = next
	return VoteResult{VotesA: next.Tally.A, VotesB: next.Tally.B, Side: next.Side, SwitchCount: next.SwitchCount}, nil
}

func (f *fakeBackend) Switch(ctx context.Context, debateID string, side ledger.Side, commentID string) (VoteResult, error) {
	if f.switchFn != nil {
		return f.switchFn(ctx, side, commentID)
	}
	return f.Vote(ctx, debateID, side)
}

func (f *fakeBackend) Comment(ctx context.Context, debateID string, side ledger.Side, body string) (Comment, error) {
	if f.commentFn != nil {
		return f.commentFn(ctx, side, body)
	}
	return Comment{ID: "cmt_1", AuthorID: "usr_me", Side: side, Body: body}, nil
}

func (f *fakeBackend) Persuade(ctx context.Context, debateID, commentID string) (PersuasionResult, error) {
	if f.persuadeFn != nil {
		return f.persuadeFn(ctx, commentID)
	}
	return PersuasionResult{PersuasionCount: 1}, nil
}

func newTestController(t *testing.T, backend Backend, opts Options) *Controller {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	opts.InitialInterval = time.Millisecond
	opts.MaxInterval = 5 * time.Millisecond
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	c := New(backend, "deb_1", "usr_me", opts)
	_, err := c.Load(context.Background())
	require.NoError(t, err)
	return c
}

func TestRequestVoteAppliesOptimisticallyThenReconciles(t *testing.T) {
	backend := &fakeBackend{state: State{DebateID: "deb_1", UserID: "usr_me", Tally: ledger.Tally{A: 1, B: 1}, Limit: 1}}
	release := make(chan struct{})
	backend.voteFn = func(ctx context.Context, side ledger.Side) (VoteResult, error) {
		<-release
		return VoteResult{VotesA: 3, VotesB: 1, Side: side}, nil
	}

	var mu sync.Mutex
	var views []View
	c := newTestController(t, backend, Options{OnChange: func(v View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	}})

	done := make(chan View, 1)
	go func() {
		view, err := c.RequestVote(context.Background(), ledger.SideA, "")
		assert.NoError(t, err)
		done <- view
	}()

	require.Eventually(t, func() bool { return c.View().Pending }, time.Second, time.Millisecond)
	optimistic := c.View()
	assert.Equal(t, 2, optimistic.VotesA)
	assert.Equal(t, ledger.SideA, optimistic.Side)

	close(release)
	final := <-done
	assert.False(t, final.Pending)
	assert.Equal(t, 3, final.VotesA, "authoritative count replaces the optimistic one")

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(views), 3)
	assert.True(t, views[len(views)-2].Pending)
}

func TestRequestVoteRollsBackOnPolicyFailure(t *testing.T) {
	backend := &fakeBackend{state: State{Tally: ledger.Tally{A: 1}, Limit: 1}}
	backend.voteFn = func(context.Context, ledger.Side) (VoteResult, error) {
		return VoteResult{}, ledger.ErrPersuasionRequired
	}
	c := newTestController(t, backend, Options{})

	view, err := c.RequestVote(context.Background(), ledger.SideB, "")
	require.ErrorIs(t, err, ledger.ErrPersuasionRequired)
	assert.Equal(t, int32(1), backend.voteCalls.Load(), "policy failures are not retried")
	assert.Equal(t, 1, view.VotesA)
	assert.Equal(t, 0, view.VotesB)
	assert.Empty(t, view.Side)
	assert.Equal(t, "Pick the argument that changed your mind.", view.Message)
}

func TestRequestVoteRetriesTransientFailures(t *testing.T) {
	backend := &fakeBackend{state: State{Limit: 1}}
	var attempts atomic.Int32
	backend.voteFn = func(ctx context.Context, side ledger.Side) (VoteResult, error) {
		if attempts.Add(1) < 3 {
			return VoteResult{}, ledger.ErrTransient
		}
		return VoteResult{VotesA: 1, Side: side}, nil
	}
	c := newTestController(t, backend, Options{})

	view, err := c.RequestVote(context.Background(), ledger.SideA, "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 1, view.VotesA)
}

func TestRequestVoteTimeoutRollsBack(t *testing.T) {
	backend := &fakeBackend{state: State{Limit: 1}}
	backend.voteFn = func(ctx context.Context, side ledger.Side) (VoteResult, error) {
		<-ctx.Done()
		return VoteResult{}, ctx.Err()
	}
	c := newTestController(t, backend, Options{Timeout: 20 * time.Millisecond})

	view, err := c.RequestVote(context.Background(), ledger.SideA, "")
	require.Error(t, err)
	assert.Empty(t, view.Side)
	assert.Equal(t, 0, view.VotesA)
	assert.False(t, view.Pending)
}

func TestRequestVoteRefusedLocallyAtLimit(t *testing.T) {
	backend := &fakeBackend{state: State{Side: ledger.SideA, SwitchCount: 1, Tally: ledger.Tally{A: 1}, Limit: 1}}
	c := newTestController(t, backend, Options{})

	view, err := c.RequestVote(context.Background(), ledger.SideB, "")
	require.ErrorIs(t, err, ledger.ErrSwitchLimitExceeded)
	assert.Equal(t, int32(0), backend.voteCalls.Load())
	assert.Contains(t, view.Message, "limit reached")
}

func TestSecondRequestWhileInFlightIsBusy(t *testing.T) {
	locks := NewKeyedMutex()
	backend := &fakeBackend{state: State{Limit: 1}}
	release := make(chan struct{})
	backend.voteFn = func(ctx context.Context, side ledger.Side) (VoteResult, error) {
		<-release
		return VoteResult{VotesA: 1, Side: side}, nil
	}
	first := newTestController(t, backend, Options{Locks: locks})
	second := newTestController(t, backend, Options{Locks: locks})

	done := make(chan error, 1)
	go func() {
		_, err := first.RequestVote(context.Background(), ledger.SideA, "")
		done <- err
	}()
	require.Eventually(t, func() bool { return locks.Held("deb_1/usr_me") }, time.Second, time.Millisecond)

	_, err := second.RequestComment(context.Background(), ledger.SideA, "too soon")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestRequestSwitchSendsJustification(t *testing.T) {
	backend := &fakeBackend{state: State{Side: ledger.SideA, Tally: ledger.Tally{A: 1, B: 1}, Limit: 2}}
	var gotComment string
	backend.switchFn = func(ctx context.Context, side ledger.Side, commentID string) (VoteResult, error) {
		gotComment = commentID
		return VoteResult{VotesA: 0, VotesB: 2, Side: side, SwitchCount: 1}, nil
	}
	c := newTestController(t, backend, Options{})

	view, err := c.RequestVote(context.Background(), ledger.SideB, "cmt_7")
	require.NoError(t, err)
	assert.Equal(t, "cmt_7", gotComment)
	assert.Equal(t, 1, view.SwitchCount)
	assert.True(t, view.CanSwitch)
}

func TestRequestCommentAndPersuasion(t *testing.T) {
	backend := &fakeBackend{state: State{
		Side:     ledger.SideA,
		Limit:    1,
		Comments: []Comment{{ID: "cmt_other", AuthorID: "usr_other", Side: ledger.SideB}},
	}}
	backend.persuadeFn = func(context.Context, string) (PersuasionResult, error) {
		return PersuasionResult{PersuasionCount: 4}, nil
	}
	c := newTestController(t, backend, Options{})
	ctx := context.Background()

	_, err := c.RequestComment(ctx, ledger.SideB, "wrong side")
	require.ErrorIs(t, err, ledger.ErrSideMismatch)

	view, err := c.RequestComment(ctx, ledger.SideA, "my argument")
	require.NoError(t, err)
	assert.Equal(t, "cmt_1", view.MyCommentID)
	require.Len(t, view.Comments, 2)
	assert.False(t, view.Comments[1].Pending)

	_, err = c.RequestComment(ctx, ledger.SideA, "again")
	require.ErrorIs(t, err, ledger.ErrDuplicateComment)

	view, err = c.RequestPersuasion(ctx, "cmt_other")
	require.NoError(t, err)
	assert.Equal(t, 4, view.Comments[0].PersuasionCount)

	view, err = c.RequestPersuasion(ctx, "cmt_other")
	require.NoError(t, err, "a repeat credit is a quiet no-op")
	assert.Equal(t, 4, view.Comments[0].PersuasionCount)
}

func TestRequestCommentRollsBackOnFailure(t *testing.T) {
	backend := &fakeBackend{state: State{Side: ledger.SideA, Limit: 1}}
	backend.commentFn = func(context.Context, ledger.Side, string) (Comment, error) {
		return Comment{}, errors.New("server exploded")
	}
	c := newTestController(t, backend, Options{})

	view, err := c.RequestComment(context.Background(), ledger.SideA, "argument")
	require.Error(t, err)
	assert.Empty(t, view.Comments)
	assert.Empty(t, view.MyCommentID)
	assert.Equal(t, "Something went wrong. Please try again.", view.Message)
}

func TestHandleChangeCollapsesConcurrentRefetches(t *testing.T) {
	backend := &fakeBackend{state: State{Limit: 1}}
	c := newTestController(t, backend, Options{})
	release := make(chan struct{})
	backend.fetchFn = func(ctx context.Context) (State, error) {
		<-release
		return State{Tally: ledger.Tally{A: 9}, Limit: 1}, nil
	}
	before := backend.fetches.Load()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.HandleChange(context.Background(), realtime.Event{DebateID: "deb_1", Kind: realtime.EventVote}))
		}()
	}
	require.Eventually(t, func() bool { return backend.fetches.Load() > before }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Less(t, backend.fetches.Load()-before, int32(5))
	assert.Equal(t, 9, c.View().VotesA)

	require.NoError(t, c.HandleChange(context.Background(), realtime.Event{DebateID: "deb_other"}))
	assert.Equal(t, 9, c.View().VotesA)
}

func TestHandleChangeDuringRequestIsDeferred(t *testing.T) {
	backend := &fakeBackend{state: State{Tally: ledger.Tally{B: 5}, Limit: 1}}
	release := make(chan struct{})
	backend.voteFn = func(ctx context.Context, side ledger.Side) (VoteResult, error) {
		<-release
		backend.mu.Lock()
		backend.state.Side = side
		backend.state.Tally = ledger.Tally{A: 1, B: 6}
		backend.mu.Unlock()
		return VoteResult{VotesA: 1, VotesB: 5, Side: side}, nil
	}
	c := newTestController(t, backend, Options{})
	before := backend.fetches.Load()

	done := make(chan View, 1)
	go func() {
		view, _ := c.RequestVote(context.Background(), ledger.SideA, "")
		done <- view
	}()
	require.Eventually(t, func() bool { return c.View().Pending }, time.Second, time.Millisecond)

	require.NoError(t, c.HandleChange(context.Background(), realtime.Event{DebateID: "deb_1", Kind: realtime.EventVote}))
	assert.Equal(t, before, backend.fetches.Load(), "no refetch while a request is in flight")
	assert.Equal(t, 1, c.View().VotesA, "optimistic state survives the change event")

	close(release)
	final := <-done
	assert.Equal(t, 6, final.VotesB, "deferred refetch runs once the request settles")
	assert.Greater(t, backend.fetches.Load(), before)
}
