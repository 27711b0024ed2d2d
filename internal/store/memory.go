package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"agora/api/internal/ledger"
)

// MemoryStore is a process-local backend with the same semantics as
// PostgresStore. Every mutation holds one lock, so each operation is
// linearizable. It backs tests and memory:// development servers.
type MemoryStore struct {
	mu sync.Mutex

	now   func() time.Time
	fault func(op string) error

	users       map[string]User
	refresh     map[string]memoryRefresh
	revoked     map[string]time.Time
	debates     map[string]Debate
	votes       map[voteKey]Vote
	comments    map[string]Comment
	persuasions map[persuasionKey]PersuasionRecord
}

type voteKey struct {
	debateID string
	userID   string
}

type persuasionKey struct {
	commentID string
	userID    string
}

type memoryRefresh struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		users:       map[string]User{},
		refresh:     map[string]memoryRefresh{},
		revoked:     map[string]time.Time{},
		debates:     map[string]Debate{},
		votes:       map[voteKey]Vote{},
		comments:    map[string]Comment{},
		persuasions: map[persuasionKey]PersuasionRecord{},
	}
}

// SetClock replaces the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetFault installs a hook consulted before each operation. A non-nil return
// aborts the operation with that error and no state change.
func (s *MemoryStore) SetFault(fault func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fault
}

func (s *MemoryStore) check(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("ping")
}

func (s *MemoryStore) EnsureUserByName(_ context.Context, id, name string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ensure_user"); err != nil {
		return User{}, err
	}
	for _, user := range s.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	now := s.now()
	user := User{ID: id, DisplayName: name, Role: "member", CreatedAt: now, UpdatedAt: now}
	s.users[id] = user
	return user, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create_user"); err != nil {
		return err
	}
	user.Email = strings.ToLower(user.Email)
	for _, existing := range s.users {
		if existing.ID == user.ID || existing.DisplayName == user.DisplayName ||
			(user.Email != "" && existing.Email == user.Email) {
			return ErrDuplicateUser
		}
	}
	if user.Role == "" {
		user.Role = "member"
	}
	now := s.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(email)
	for _, user := range s.users {
		if email != "" && user.Email == email {
			return user, nil
		}
	}
	return User{}, sql.ErrNoRows
}

// SetUserRole is a test and seeding helper.
func (s *MemoryStore) SetUserRole(userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[userID]; ok {
		user.Role = role
		s.users[userID] = user
	}
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = memoryRefresh{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.refresh[tokenHash]; ok {
		entry.revoked = true
		s.refresh[tokenHash] = entry
	}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.refresh[tokenHash]
	if !ok || entry.revoked || !entry.expiresAt.After(s.now()) {
		return User{}, sql.ErrNoRows
	}
	user, ok := s.users[entry.userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[jti]; !ok {
		s.revoked[jti] = exp
	}
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func (s *MemoryStore) CreateDebate(_ context.Context, item Debate) (Debate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create_debate"); err != nil {
		return Debate{}, err
	}
	if _, ok := s.users[item.CreatedBy]; !ok {
		return Debate{}, ledger.ErrNotFound
	}
	now := s.now()
	item.IsActive = true
	item.VotesA = 0
	item.VotesB = 0
	item.FeaturedOn = nil
	item.CreatedAt = now
	item.UpdatedAt = now
	s.debates[item.ID] = item
	return item, nil
}

func (s *MemoryStore) GetDebate(_ context.Context, debateID string) (Debate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_debate"); err != nil {
		return Debate{}, err
	}
	item, ok := s.debates[debateID]
	if !ok {
		return Debate{}, ledger.ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) ListDebates(_ context.Context, filter DebateFilter) ([]Debate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list_debates"); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items := make([]Debate, 0, len(s.debates))
	for _, item := range s.debates {
		if !item.IsActive && !filter.IncludeInactive {
			continue
		}
		if filter.FeaturedOn != nil && !item.FeaturedToday(*filter.FeaturedOn) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) DeactivateDebate(_ context.Context, debateID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("deactivate_debate"); err != nil {
		return false, err
	}
	item, ok := s.debates[debateID]
	if !ok || !item.IsActive {
		return false, nil
	}
	item.IsActive = false
	item.UpdatedAt = s.now()
	s.debates[debateID] = item
	return true, nil
}

func (s *MemoryStore) FeatureDebate(_ context.Context, debateID string, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("feature_debate"); err != nil {
		return err
	}
	item, ok := s.debates[debateID]
	if !ok || !item.IsActive {
		return ledger.ErrNotFound
	}
	y, m, d := day.Date()
	featured := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	item.FeaturedOn = &featured
	item.UpdatedAt = s.now()
	s.debates[debateID] = item
	return nil
}

func (s *MemoryStore) CastOrSwitchVote(_ context.Context, debateID, userID string, side ledger.Side, limit int) (VoteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("cast_vote"); err != nil {
		return VoteResult{}, err
	}
	if !side.Valid() {
		return VoteResult{}, ledger.ErrInvalidSide
	}
	item, ok := s.debates[debateID]
	if !ok || !item.IsActive {
		return VoteResult{}, ledger.ErrNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return VoteResult{}, ledger.ErrNotFound
	}

	key := voteKey{debateID: debateID, userID: userID}
	var current *ledger.Position
	existing, hasVote := s.votes[key]
	if hasVote {
		position := existing.Position()
		current = &position
	}
	transition, err := ledger.Decide(current, side, limit)
	if err != nil {
		return VoteResult{}, err
	}

	now := s.now()
	switch transition.Kind {
	case ledger.TransitionCast:
		s.votes[key] = Vote{DebateID: debateID, UserID: userID, Side: side, CreatedAt: now, UpdatedAt: now}
	case ledger.TransitionSwitch:
		existing.Side = transition.To
		existing.SwitchCount = transition.SwitchCount
		existing.UpdatedAt = now
		s.votes[key] = existing
	}
	if transition.Kind != ledger.TransitionNoop {
		tally := item.Tally().Apply(transition)
		item.VotesA = tally.A
		item.VotesB = tally.B
		item.UpdatedAt = now
		s.debates[debateID] = item
	}

	return VoteResult{
		VotesA:      item.VotesA,
		VotesB:      item.VotesB,
		SwitchCount: transition.SwitchCount,
		Side:        transition.To,
		Outcome:     transition.Kind,
	}, nil
}

func (s *MemoryStore) GetVote(_ context.Context, debateID, userID string) (*Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_vote"); err != nil {
		return nil, err
	}
	vote, ok := s.votes[voteKey{debateID: debateID, userID: userID}]
	if !ok {
		return nil, nil
	}
	return &vote, nil
}

func (s *MemoryStore) PostComment(_ context.Context, comment Comment) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("post_comment"); err != nil {
		return Comment{}, err
	}
	item, ok := s.debates[comment.DebateID]
	if !ok || !item.IsActive {
		return Comment{}, ledger.ErrNotFound
	}
	author, ok := s.users[comment.AuthorID]
	if !ok {
		return Comment{}, ledger.ErrNotFound
	}

	var current *ledger.Position
	if vote, ok := s.votes[voteKey{debateID: comment.DebateID, userID: comment.AuthorID}]; ok {
		position := vote.Position()
		current = &position
	}
	if err := ledger.CheckComment(current, comment.Side, s.hasCommentLocked(comment.DebateID, comment.AuthorID)); err != nil {
		return Comment{}, err
	}

	comment.AuthorName = author.DisplayName
	comment.PersuasionCount = 0
	comment.CreatedAt = s.now()
	s.comments[comment.ID] = comment
	return comment, nil
}

func (s *MemoryStore) hasCommentLocked(debateID, authorID string) bool {
	for _, existing := range s.comments {
		if existing.DebateID == debateID && existing.AuthorID == authorID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetComment(_ context.Context, debateID, commentID string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_comment"); err != nil {
		return Comment{}, err
	}
	comment, ok := s.comments[commentID]
	if !ok || comment.DebateID != debateID {
		return Comment{}, ledger.ErrNotFound
	}
	return comment, nil
}

func (s *MemoryStore) ListComments(_ context.Context, debateID string, filter CommentFilter) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list_comments"); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	items := make([]Comment, 0)
	for _, comment := range s.comments {
		if comment.DebateID != debateID {
			continue
		}
		if filter.Side != "" && comment.Side != filter.Side {
			continue
		}
		items = append(items, comment)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].PersuasionCount != items[j].PersuasionCount {
			return items[i].PersuasionCount > items[j].PersuasionCount
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) RecordPersuasion(_ context.Context, record PersuasionRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("record_persuasion"); err != nil {
		return 0, err
	}
	comment, ok := s.comments[record.CommentID]
	if !ok || comment.DebateID != record.DebateID {
		return 0, ledger.ErrNotFound
	}
	if item, ok := s.debates[record.DebateID]; !ok || !item.IsActive {
		return 0, ledger.ErrNotFound
	}
	key := persuasionKey{commentID: record.CommentID, userID: record.UserID}
	if _, ok := s.persuasions[key]; ok {
		return comment.PersuasionCount, ledger.ErrAlreadyCredited
	}
	record.CreatedAt = s.now()
	s.persuasions[key] = record
	comment.PersuasionCount++
	s.comments[comment.ID] = comment
	return comment.PersuasionCount, nil
}

func (s *MemoryStore) ListCreditedComments(_ context.Context, debateID, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list_credited"); err != nil {
		return nil, err
	}
	records := make([]PersuasionRecord, 0)
	for _, record := range s.persuasions {
		if record.DebateID == debateID && record.UserID == userID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CommentID < records[j].CommentID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.CommentID)
	}
	return ids, nil
}

func (s *MemoryStore) AuditTallies(_ context.Context) ([]TallyDrift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counted := map[string]ledger.Tally{}
	for _, vote := range s.votes {
		counted[vote.DebateID] = counted[vote.DebateID].Apply(ledger.Transition{Kind: ledger.TransitionCast, To: vote.Side})
	}
	drifts := make([]TallyDrift, 0)
	for id, item := range s.debates {
		if item.Tally() != counted[id] {
			drifts = append(drifts, TallyDrift{DebateID: id, Stored: item.Tally(), Counted: counted[id]})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].DebateID < drifts[j].DebateID })
	return drifts, nil
}
