package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"agora/api/internal/auth"
	"agora/api/internal/authpw"
	"agora/api/internal/config"
	"agora/api/internal/ledger"
	"agora/api/internal/metrics"
	"agora/api/internal/rbac"
	"agora/api/internal/realtime"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/util"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	maxCommentRunes = 4000
	maxTitleRunes   = 200
	maxLabelRunes   = 60
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// SessionStore keeps refresh tokens and revoked access tokens. Both
// PostgresStore and session.RedisStore satisfy it.
type SessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

// DataStore is the storage the service drives. PostgresStore and
// MemoryStore implement it.
type DataStore interface {
	SessionStore
	Ping(ctx context.Context) error
	EnsureUserByName(context.Context, string, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateDebate(context.Context, store.Debate) (store.Debate, error)
	GetDebate(context.Context, string) (store.Debate, error)
	ListDebates(context.Context, store.DebateFilter) ([]store.Debate, error)
	DeactivateDebate(context.Context, string) (bool, error)
	FeatureDebate(context.Context, string, time.Time) error
	CastOrSwitchVote(context.Context, string, string, ledger.Side, int) (store.VoteResult, error)
	GetVote(context.Context, string, string) (*store.Vote, error)
	PostComment(context.Context, store.Comment) (store.Comment, error)
	GetComment(context.Context, string, string) (store.Comment, error)
	ListComments(context.Context, string, store.CommentFilter) ([]store.Comment, error)
	RecordPersuasion(context.Context, store.PersuasionRecord) (int, error)
	ListCreditedComments(context.Context, string, string) ([]string, error)
}

// Options carries the optional collaborators of a Service. Nil fields fall
// back to the data store, no-op publishing, or no search.
type Options struct {
	Sessions SessionStore
	Bus      realtime.Bus
	Search   *search.Service
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Retry    *store.RetryPolicy
	Now      func() time.Time
}

type Service struct {
	cfg       config.Config
	store     DataStore
	sessions  SessionStore
	passwords *authpw.Service
	policy    ledger.PersuasionPolicy
	retry     store.RetryPolicy
	bus       realtime.Bus
	search    *search.Service
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg config.Config, dataStore DataStore, opts Options) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  opts.Sessions,
		passwords: authpw.NewService(dataStore),
		policy:    cfg.PersuasionPolicy(),
		retry:     store.DefaultRetryPolicy(),
		bus:       opts.Bus,
		search:    opts.Search,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if svc.sessions == nil {
		svc.sessions = dataStore
	}
	if opts.Retry != nil {
		svc.retry = *opts.Retry
	}
	if svc.log == nil {
		svc.log = zap.NewNop()
	}
	svc.log = svc.log.Named("service")
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc
}

// WithPasswordCost lowers the bcrypt cost for tests.
func (s *Service) WithPasswordCost(cost int) *Service {
	s.passwords.WithCost(cost)
	return s
}

// Bootstrap seeds a demo debate when the store has none.
func (s *Service) Bootstrap(ctx context.Context) error {
	debates, err := s.store.ListDebates(ctx, store.DebateFilter{IncludeInactive: true, Limit: 1})
	if err != nil {
		return err
	}
	if len(debates) > 0 {
		return nil
	}

	owner, err := s.store.EnsureUserByName(ctx, util.NewID("usr"), "Avery")
	if err != nil {
		return err
	}
	item, err := s.store.CreateDebate(ctx, store.Debate{
		ID:         util.NewID("deb"),
		Title:      "Should remote work be the default for software teams?",
		SideALabel: "Yes",
		SideBLabel: "No",
		CreatedBy:  owner.ID,
	})
	if err != nil {
		return err
	}
	s.log.Info("Seeded demo debate", zap.String("debate_id", item.ID))
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, util.NewID("usr"), userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The Redis store only knows the user id.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.log.Warn("Revoke access token failed", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.log.Warn("Revoke refresh session failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SwitchLimit() int {
	return s.cfg.SwitchLimit
}

func requireIdentity(session Session) error {
	if strings.TrimSpace(session.UserID) == "" {
		return ledger.ErrUnauthenticated
	}
	return nil
}

func (s *Service) CreateDebate(ctx context.Context, session Session, title, sideALabel, sideBLabel string) (DebateView, error) {
	if err := requireIdentity(session); err != nil {
		return DebateView{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return DebateView{}, validationError("title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return DebateView{}, validationError("title is too long")
	}
	sideALabel = firstNonBlank(sideALabel, "For")
	sideBLabel = firstNonBlank(sideBLabel, "Against")
	if utf8.RuneCountInString(sideALabel) > maxLabelRunes || utf8.RuneCountInString(sideBLabel) > maxLabelRunes {
		return DebateView{}, validationError("side labels are too long")
	}
	if strings.EqualFold(sideALabel, sideBLabel) {
		return DebateView{}, validationError("side labels must differ")
	}

	item, err := s.store.CreateDebate(ctx, store.Debate{
		ID:         util.NewID("deb"),
		Title:      title,
		SideALabel: sideALabel,
		SideBLabel: sideBLabel,
		CreatedBy:  session.UserID,
	})
	if err != nil {
		return DebateView{}, err
	}
	s.search.IndexDebate(debateRecord(item))
	s.publish(ctx, realtime.Event{DebateID: item.ID, Kind: realtime.EventDebate, ActorID: session.UserID})
	return s.debateView(item), nil
}

func (s *Service) ListDebates(ctx context.Context, featuredOnly bool, limit int) ([]DebateView, error) {
	filter := store.DebateFilter{Limit: limit}
	if featuredOnly {
		today := s.now()
		filter.FeaturedOn = &today
	}
	items, err := s.store.ListDebates(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]DebateView, 0, len(items))
	for _, item := range items {
		views = append(views, s.debateView(item))
	}
	return views, nil
}

func (s *Service) GetDebate(ctx context.Context, debateID string) (DebateView, error) {
	item, err := s.store.GetDebate(ctx, debateID)
	if err != nil {
		return DebateView{}, err
	}
	return s.debateView(item), nil
}

// GetDebateView assembles the caller's page for a debate: counts, their
// current position, their comment and what they have credited.
func (s *Service) GetDebateView(ctx context.Context, session Session, debateID string) (DebatePage, error) {
	if err := requireIdentity(session); err != nil {
		return DebatePage{}, err
	}

	var (
		p        = pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
		item     store.Debate
		vote     *store.Vote
		comments []store.Comment
		credited []string
	)
	p.Go(func(ctx context.Context) error {
		var err error
		item, err = s.store.GetDebate(ctx, debateID)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		vote, err = s.store.GetVote(ctx, debateID, session.UserID)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		comments, err = s.store.ListComments(ctx, debateID, store.CommentFilter{})
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		credited, err = s.store.ListCreditedComments(ctx, debateID, session.UserID)
		return err
	})
	if err := p.Wait(); err != nil {
		return DebatePage{}, err
	}

	page := DebatePage{
		Debate:             s.debateView(item),
		MyVote:             s.myVoteView(vote),
		CreditedCommentIDs: credited,
		Comments:           commentViews(comments),
		SwitchLimit:        s.cfg.SwitchLimit,
	}
	if page.CreditedCommentIDs == nil {
		page.CreditedCommentIDs = []string{}
	}
	for _, comment := range comments {
		if comment.AuthorID == session.UserID {
			page.MyCommentID = comment.ID
			break
		}
	}
	return page, nil
}

// DeactivateDebate closes a debate to new votes and comments. Only its
// creator or a moderator may do so; debates are never hard-deleted.
func (s *Service) DeactivateDebate(ctx context.Context, session Session, debateID string) (DebateView, error) {
	if err := requireIdentity(session); err != nil {
		return DebateView{}, err
	}
	item, err := s.store.GetDebate(ctx, debateID)
	if err != nil {
		return DebateView{}, err
	}
	if item.CreatedBy != session.UserID && !s.Can(session.Role, rbac.ActionModerate) {
		return DebateView{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only the creator or a moderator can close this debate", nil)
	}
	if _, err := s.store.DeactivateDebate(ctx, debateID); err != nil {
		return DebateView{}, err
	}
	item.IsActive = false
	s.search.IndexDebate(debateRecord(item))
	s.publish(ctx, realtime.Event{DebateID: debateID, Kind: realtime.EventDebate, VotesA: item.VotesA, VotesB: item.VotesB, ActorID: session.UserID})
	return s.debateView(item), nil
}

func (s *Service) FeatureDebate(ctx context.Context, session Session, debateID string) (DebateView, error) {
	if err := requireIdentity(session); err != nil {
		return DebateView{}, err
	}
	if err := s.store.FeatureDebate(ctx, debateID, s.now()); err != nil {
		return DebateView{}, err
	}
	item, err := s.store.GetDebate(ctx, debateID)
	if err != nil {
		return DebateView{}, err
	}
	s.publish(ctx, realtime.Event{DebateID: debateID, Kind: realtime.EventDebate, VotesA: item.VotesA, VotesB: item.VotesB, ActorID: session.UserID})
	return s.debateView(item), nil
}

// CastVote is the direct vote path. When the persuasion gate is enabled and
// the voter has reached its threshold, a switch is refused with the opposing
// comments they may name through ConfirmSwitch.
func (s *Service) CastVote(ctx context.Context, session Session, debateID, rawSide string) (VoteOutcome, error) {
	if err := requireIdentity(session); err != nil {
		return VoteOutcome{}, err
	}
	side, err := ledger.ParseSide(rawSide)
	if err != nil {
		return VoteOutcome{}, err
	}

	if s.policy.Enabled() {
		vote, err := s.store.GetVote(ctx, debateID, session.UserID)
		if err != nil {
			return VoteOutcome{}, err
		}
		var current *ledger.Position
		if vote != nil {
			position := vote.Position()
			current = &position
		}
		if s.policy.RequiresJustification(current, side) && current.SwitchCount < s.cfg.SwitchLimit {
			candidates, err := s.store.ListComments(ctx, debateID, store.CommentFilter{Side: side, Limit: s.policy.Candidates})
			if err != nil {
				return VoteOutcome{}, err
			}
			s.metrics.Vote("persuasion_required")
			return VoteOutcome{}, &PersuasionRequiredError{Candidates: commentViews(candidates)}
		}
	}

	return s.castOrSwitch(ctx, debateID, session.UserID, side)
}

// ConfirmSwitch is the justified switch: the named comment is credited first,
// on a best-effort basis, and the vote is then applied regardless. A closed
// debate is refused before anything is written.
func (s *Service) ConfirmSwitch(ctx context.Context, session Session, debateID, rawSide, commentID string) (VoteOutcome, error) {
	if err := requireIdentity(session); err != nil {
		return VoteOutcome{}, err
	}
	side, err := ledger.ParseSide(rawSide)
	if err != nil {
		return VoteOutcome{}, err
	}
	commentID = strings.TrimSpace(commentID)
	if commentID == "" {
		return VoteOutcome{}, validationError("justifyingCommentId is required")
	}

	item, err := s.store.GetDebate(ctx, debateID)
	if err != nil {
		return VoteOutcome{}, err
	}
	if !item.IsActive {
		return VoteOutcome{}, ledger.ErrNotFound
	}
	comment, err := s.store.GetComment(ctx, debateID, commentID)
	if err != nil {
		return VoteOutcome{}, err
	}
	if err := ledger.CheckJustification(comment.Side, side, comment.AuthorID, session.UserID); err != nil {
		return VoteOutcome{}, err
	}

	if _, err := s.recordPersuasion(ctx, debateID, commentID, session.UserID); err != nil &&
		!errors.Is(err, ledger.ErrAlreadyCredited) {
		s.log.Warn("Persuasion credit failed, switching anyway",
			zap.String("debate_id", debateID),
			zap.String("comment_id", commentID),
			zap.Error(err))
	}

	outcome, err := s.castOrSwitch(ctx, debateID, session.UserID, side)
	if err != nil {
		return VoteOutcome{}, err
	}
	outcome.JustifyingCommentID = commentID
	return outcome, nil
}

func (s *Service) castOrSwitch(ctx context.Context, debateID, userID string, side ledger.Side) (VoteOutcome, error) {
	defer s.metrics.Time("vote")()
	ctx, cancel := s.ledgerContext(ctx)
	defer cancel()

	result, err := store.Retry(ctx, s.retry, func(ctx context.Context) (store.VoteResult, error) {
		return s.store.CastOrSwitchVote(ctx, debateID, userID, side, s.cfg.SwitchLimit)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrSwitchLimitExceeded) {
			s.metrics.Vote("limit_exceeded")
		} else {
			s.metrics.Vote(metrics.Outcome(err))
		}
		return VoteOutcome{}, err
	}
	s.metrics.Vote(result.Outcome.String())

	if result.Outcome != ledger.TransitionNoop {
		s.publish(ctx, realtime.Event{
			DebateID: debateID,
			Kind:     realtime.EventVote,
			VotesA:   result.VotesA,
			VotesB:   result.VotesB,
			ActorID:  userID,
		})
	}
	return s.voteOutcome(result), nil
}

func (s *Service) PostComment(ctx context.Context, session Session, debateID, rawSide, body string) (CommentView, error) {
	if err := requireIdentity(session); err != nil {
		return CommentView{}, err
	}
	side, err := ledger.ParseSide(rawSide)
	if err != nil {
		return CommentView{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return CommentView{}, validationError("body is required")
	}
	if utf8.RuneCountInString(body) > maxCommentRunes {
		return CommentView{}, validationError("body must be at most 4000 characters")
	}

	defer s.metrics.Time("comment")()
	ctx, cancel := s.ledgerContext(ctx)
	defer cancel()

	comment, err := s.store.PostComment(ctx, store.Comment{
		ID:       util.NewID("cmt"),
		DebateID: debateID,
		AuthorID: session.UserID,
		Side:     side,
		Body:     body,
	})
	s.metrics.Comment(metrics.Outcome(err))
	if err != nil {
		return CommentView{}, err
	}

	s.search.IndexComment(commentRecord(comment))
	s.publish(ctx, realtime.Event{DebateID: debateID, Kind: realtime.EventComment, CommentID: comment.ID, ActorID: session.UserID})
	return commentView(comment), nil
}

func (s *Service) ListComments(ctx context.Context, debateID, rawSide string, limit int) ([]CommentView, error) {
	filter := store.CommentFilter{Limit: limit}
	if strings.TrimSpace(rawSide) != "" {
		side, err := ledger.ParseSide(rawSide)
		if err != nil {
			return nil, err
		}
		filter.Side = side
	}
	if _, err := s.store.GetDebate(ctx, debateID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, debateID, filter)
	if err != nil {
		return nil, err
	}
	return commentViews(comments), nil
}

// CreditPersuasion records that a comment convinced the caller without
// switching sides. A repeat credit is reported, not refused.
func (s *Service) CreditPersuasion(ctx context.Context, session Session, debateID, commentID string) (PersuasionOutcome, error) {
	if err := requireIdentity(session); err != nil {
		return PersuasionOutcome{}, err
	}
	comment, err := s.store.GetComment(ctx, debateID, commentID)
	if err != nil {
		return PersuasionOutcome{}, err
	}
	if comment.AuthorID == session.UserID {
		return PersuasionOutcome{}, ledger.ErrOwnComment
	}

	count, err := s.recordPersuasion(ctx, debateID, commentID, session.UserID)
	if errors.Is(err, ledger.ErrAlreadyCredited) {
		return PersuasionOutcome{CommentID: commentID, PersuasionCount: count, AlreadyCredited: true}, nil
	}
	if err != nil {
		return PersuasionOutcome{}, err
	}
	return PersuasionOutcome{CommentID: commentID, PersuasionCount: count}, nil
}

func (s *Service) recordPersuasion(ctx context.Context, debateID, commentID, userID string) (int, error) {
	defer s.metrics.Time("persuasion")()
	ctx, cancel := s.ledgerContext(ctx)
	defer cancel()

	count, err := s.store.RecordPersuasion(ctx, store.PersuasionRecord{
		DebateID:  debateID,
		CommentID: commentID,
		UserID:    userID,
	})
	s.metrics.Persuasion(metrics.Outcome(err))
	if err != nil {
		return count, err
	}
	s.publish(ctx, realtime.Event{DebateID: debateID, Kind: realtime.EventPersuasion, CommentID: commentID, ActorID: userID})
	return count, nil
}

func (s *Service) Search(ctx context.Context, text, filterType, debateID string, limit, offset int) (search.Response, error) {
	query := search.Query{
		Text:           strings.TrimSpace(text),
		FilterType:     search.ResultType(strings.TrimSpace(filterType)),
		FilterDebateID: strings.TrimSpace(debateID),
		Limit:          limit,
		Offset:         offset,
	}
	switch query.FilterType {
	case "", search.ResultDebate, search.ResultComment:
	default:
		return search.Response{}, validationError("type must be debate or comment")
	}
	if query.Limit <= 0 || query.Limit > 100 {
		query.Limit = 20
	}
	if query.Offset < 0 {
		query.Offset = 0
	}
	if s.search == nil || query.Text == "" {
		return search.Response{Results: []search.Result{}, Query: query.Text}, nil
	}
	return s.search.Search(ctx, query), nil
}

func (s *Service) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.LedgerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.LedgerTimeout)
}

// publish is fire-and-forget: a lost event only delays viewers until their
// next refetch.
func (s *Service) publish(ctx context.Context, evt realtime.Event) {
	if s.bus == nil {
		return
	}
	evt.At = s.now().UTC()
	if err := s.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		s.log.Warn("Publish debate event failed",
			zap.String("debate_id", evt.DebateID),
			zap.String("kind", string(evt.Kind)),
			zap.Error(err))
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
