package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"agora/api/internal/ledger"
	"agora/api/internal/realtime"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Backend is the authoritative side of a debate session.
type Backend interface {
	Fetch(ctx context.Context, debateID string) (State, error)
	Vote(ctx context.Context, debateID string, side ledger.Side) (VoteResult, error)
	Switch(ctx context.Context, debateID string, side ledger.Side, justifyingCommentID string) (VoteResult, error)
	Comment(ctx context.Context, debateID string, side ledger.Side, body string) (Comment, error)
	Persuade(ctx context.Context, debateID, commentID string) (PersuasionResult, error)
}

type Options struct {
	// Locks serializes requests per debate and user. Controllers for the
	// same user share one to keep two views from racing each other.
	Locks *KeyedMutex
	// Timeout bounds one backend call including retries.
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
	Logger          *zap.Logger
	// OnChange receives every view the controller publishes.
	OnChange func(View)
}

func DefaultOptions() Options {
	return Options{
		Timeout:         10 * time.Second,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetries:      3,
	}
}

// Controller holds one user's state for one debate.
type Controller struct {
	backend  Backend
	debateID string
	userID   string
	opts     Options
	locks    *KeyedMutex
	log      *zap.Logger
	group    singleflight.Group
	tempSeq  atomic.Uint64

	mu       sync.Mutex
	state    State
	inFlight bool
	deferred bool
	// requests advances when a request starts or settles.
	requests uint64
	message  string
}

func New(backend Backend, debateID, userID string, opts Options) *Controller {
	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaults.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = defaults.MaxInterval
	}
	locks := opts.Locks
	if locks == nil {
		locks = NewKeyedMutex()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		backend:  backend,
		debateID: debateID,
		userID:   userID,
		opts:     opts,
		locks:    locks,
		log:      log.With(zap.String("debate_id", debateID), zap.String("user_id", userID)),
		state:    State{DebateID: debateID, UserID: userID},
	}
}

// Load replaces the local state with the backend's.
func (c *Controller) Load(ctx context.Context) (View, error) {
	state, err := c.fetch(ctx)
	if err != nil {
		return c.View(), err
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return c.publish(), nil
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	view := c.state.View()
	view.Pending = c.inFlight
	view.Message = c.message
	return view
}

func (c *Controller) publish() View {
	view := c.View()
	if c.opts.OnChange != nil {
		c.opts.OnChange(view)
	}
	return view
}

func (c *Controller) key() string {
	return c.debateID + "/" + c.userID
}

// RequestVote casts or switches the user's vote. A non-empty
// justifyingCommentID sends the switch together with the comment that
// persuaded the user.
func (c *Controller) RequestVote(ctx context.Context, side ledger.Side, justifyingCommentID string) (View, error) {
	unlock, ok := c.locks.TryLock(c.key())
	if !ok {
		return c.reject(ErrBusy)
	}
	defer unlock()

	c.mu.Lock()
	snapshot := c.state
	optimistic, pending, err := PlanVote(snapshot, side)
	if err != nil {
		c.mu.Unlock()
		return c.reject(err)
	}
	c.begin(optimistic)
	c.mu.Unlock()
	c.publish()

	result, err := retryTransient(ctx, c.opts, func(ctx context.Context) (VoteResult, error) {
		if justifyingCommentID != "" {
			return c.backend.Switch(ctx, c.debateID, side, justifyingCommentID)
		}
		return c.backend.Vote(ctx, c.debateID, side)
	})
	if err != nil {
		c.log.Warn("vote rolled back",
			zap.String("side", string(side)),
			zap.Stringer("planned", pending.Transition.Kind),
			zap.Error(err))
	}

	c.mu.Lock()
	c.finish(ReconcileVote(snapshot, c.state, result, err), err)
	c.mu.Unlock()
	return c.settle(ctx, err)
}

// RequestComment posts the user's single argument for side.
func (c *Controller) RequestComment(ctx context.Context, side ledger.Side, body string) (View, error) {
	unlock, ok := c.locks.TryLock(c.key())
	if !ok {
		return c.reject(ErrBusy)
	}
	defer unlock()

	tempID := fmt.Sprintf("pending-%d", c.tempSeq.Add(1))
	c.mu.Lock()
	snapshot := c.state
	optimistic, pending, err := PlanComment(snapshot, side, body, tempID)
	if err != nil {
		c.mu.Unlock()
		return c.reject(err)
	}
	c.begin(optimistic)
	c.mu.Unlock()
	c.publish()

	saved, err := retryTransient(ctx, c.opts, func(ctx context.Context) (Comment, error) {
		return c.backend.Comment(ctx, c.debateID, side, body)
	})
	if err != nil {
		c.log.Warn("comment rolled back", zap.String("side", string(side)), zap.Error(err))
	}

	c.mu.Lock()
	c.finish(ReconcileComment(snapshot, c.state, pending, saved, err), err)
	c.mu.Unlock()
	return c.settle(ctx, err)
}

// RequestPersuasion credits another user's comment with persuading this one.
func (c *Controller) RequestPersuasion(ctx context.Context, commentID string) (View, error) {
	unlock, ok := c.locks.TryLock(c.key())
	if !ok {
		return c.reject(ErrBusy)
	}
	defer unlock()

	c.mu.Lock()
	snapshot := c.state
	optimistic, pending, err := PlanPersuasion(snapshot, commentID)
	if errors.Is(err, ledger.ErrAlreadyCredited) {
		c.mu.Unlock()
		return c.View(), nil
	}
	if err != nil {
		c.mu.Unlock()
		return c.reject(err)
	}
	c.begin(optimistic)
	c.mu.Unlock()
	c.publish()

	result, err := retryTransient(ctx, c.opts, func(ctx context.Context) (PersuasionResult, error) {
		return c.backend.Persuade(ctx, c.debateID, commentID)
	})
	if err != nil {
		c.log.Warn("persuasion rolled back", zap.String("comment_id", commentID), zap.Error(err))
	}

	c.mu.Lock()
	c.finish(ReconcilePersuasion(snapshot, c.state, pending, result, err), err)
	c.mu.Unlock()
	return c.settle(ctx, err)
}

// HandleChange reacts to a change notification for the debate by refetching
// it. Concurrent notifications share one fetch. While a request is in flight
// the refetch is deferred until it settles.
func (c *Controller) HandleChange(ctx context.Context, evt realtime.Event) error {
	if evt.DebateID != c.debateID {
		return nil
	}
	return c.refresh(ctx)
}

func (c *Controller) refresh(ctx context.Context) error {
	// A request that settles mid-fetch makes the result stale; fetch once more.
	for attempt := 0; attempt < 2; attempt++ {
		c.mu.Lock()
		if c.inFlight {
			c.deferred = true
			c.mu.Unlock()
			return nil
		}
		requests := c.requests
		c.mu.Unlock()

		state, err := c.fetch(ctx)
		if err != nil {
			return err
		}

		c.mu.Lock()
		if c.inFlight {
			c.deferred = true
			c.mu.Unlock()
			return nil
		}
		if c.requests != requests {
			c.mu.Unlock()
			continue
		}
		c.state = state
		c.mu.Unlock()
		c.publish()
		return nil
	}
	return nil
}

func (c *Controller) fetch(ctx context.Context) (State, error) {
	ch := c.group.DoChan(c.debateID, func() (any, error) {
		return retryTransient(ctx, c.opts, func(ctx context.Context) (State, error) {
			return c.backend.Fetch(ctx, c.debateID)
		})
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return State{}, fmt.Errorf("fetch debate %s: %w", c.debateID, res.Err)
		}
		state := res.Val.(State).clone()
		state.DebateID = c.debateID
		state.UserID = c.userID
		return state, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// begin must be called with c.mu held.
func (c *Controller) begin(optimistic State) {
	c.state = optimistic
	c.inFlight = true
	c.message = ""
	c.requests++
}

// finish must be called with c.mu held.
func (c *Controller) finish(next State, err error) {
	c.state = next
	c.inFlight = false
	c.requests++
	if err != nil {
		c.message = UserMessage(err)
	}
}

func (c *Controller) settle(ctx context.Context, err error) (View, error) {
	c.mu.Lock()
	deferred := c.deferred
	c.deferred = false
	c.mu.Unlock()
	view := c.publish()
	if deferred {
		if rerr := c.refresh(context.WithoutCancel(ctx)); rerr != nil {
			c.log.Warn("deferred refresh failed", zap.Error(rerr))
		} else {
			view = c.View()
		}
	}
	return view, err
}

func (c *Controller) reject(err error) (View, error) {
	c.mu.Lock()
	c.message = UserMessage(err)
	c.mu.Unlock()
	return c.publish(), err
}

// UserMessage turns a request failure into the text shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return "Still saving your last action."
	case errors.Is(err, ledger.ErrSwitchLimitExceeded):
		return "Switch limit reached for this debate."
	case errors.Is(err, ledger.ErrNoVoteCast):
		return "Vote first, then make your argument."
	case errors.Is(err, ledger.ErrSideMismatch):
		return "Your argument must be for the side you voted for."
	case errors.Is(err, ledger.ErrDuplicateComment):
		return "You have already argued in this debate."
	case errors.Is(err, ledger.ErrPersuasionRequired):
		return "Pick the argument that changed your mind."
	case errors.Is(err, ledger.ErrOwnComment):
		return "You cannot credit your own argument."
	case errors.Is(err, ledger.ErrNotFound):
		return "This debate is no longer available."
	case errors.Is(err, ledger.ErrUnauthenticated):
		return "Sign in to take part."
	default:
		return "Something went wrong. Please try again."
	}
}

func retryTransient[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var result T
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(opts.InitialInterval),
		backoff.WithMaxInterval(opts.MaxInterval),
		backoff.WithMaxElapsedTime(opts.Timeout),
	), opts.MaxRetries)

	err := backoff.Retry(func() error {
		var err error
		result, err = op(ctx)
		if err != nil && !ledger.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	return result, err
}
