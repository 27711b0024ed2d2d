package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agora/api/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	url := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	return url
}

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, testDatabaseURL(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil)
	require.NoError(t, err)
	return NewPostgresStore(db), ctx
}

func seedPostgresDebate(t *testing.T, ctx context.Context, s *PostgresStore, voters ...string) Debate {
	t.Helper()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	owner, err := s.EnsureUserByName(ctx, "usr_owner_"+suffix, "owner-"+suffix)
	require.NoError(t, err)
	for _, voter := range voters {
		_, err := s.EnsureUserByName(ctx, voter+"_"+suffix, voter+"-"+suffix)
		require.NoError(t, err)
	}
	item, err := s.CreateDebate(ctx, Debate{
		ID:         "deb_" + suffix,
		Title:      "Tabs or spaces",
		SideALabel: "Tabs",
		SideBLabel: "Spaces",
		CreatedBy:  owner.ID,
	})
	require.NoError(t, err)
	return item
}

func TestPostgresCastOrSwitchVote(t *testing.T) {
	s, ctx := openTestStore(t)
	item := seedPostgresDebate(t, ctx, s, "alice")
	alice := "alice_" + strings.TrimPrefix(item.ID, "deb_")

	res, err := s.CastOrSwitchVote(ctx, item.ID, alice, ledger.SideA, 3)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransitionCast, res.Outcome)
	assert.Equal(t, ledger.Tally{A: 1}, res.Tally())

	res, err = s.CastOrSwitchVote(ctx, item.ID, alice, ledger.SideA, 3)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransitionNoop, res.Outcome)

	for _, side := range []ledger.Side{ledger.SideB, ledger.SideA, ledger.SideB} {
		res, err = s.CastOrSwitchVote(ctx, item.ID, alice, side, 3)
		require.NoError(t, err)
		assert.Equal(t, ledger.TransitionSwitch, res.Outcome)
		assert.Equal(t, 1, res.Tally().Total())
	}
	_, err = s.CastOrSwitchVote(ctx, item.ID, alice, ledger.SideA, 3)
	assert.ErrorIs(t, err, ledger.ErrSwitchLimitExceeded)

	_, err = s.CastOrSwitchVote(ctx, "deb_missing", alice, ledger.SideA, 3)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPostgresConcurrentSwitchesKeepTallyConsistent(t *testing.T) {
	s, ctx := openTestStore(t)
	voters := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		voters = append(voters, fmt.Sprintf("v%02d", i))
	}
	item := seedPostgresDebate(t, ctx, s, voters...)
	suffix := strings.TrimPrefix(item.ID, "deb_")

	var wg sync.WaitGroup
	for i, voter := range voters {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			first := ledger.SideA
			if i%2 == 1 {
				first = ledger.SideB
			}
			_, _ = s.CastOrSwitchVote(ctx, item.ID, userID, first, 3)
			for j := 0; j < 3; j++ {
				_, _ = s.CastOrSwitchVote(ctx, item.ID, userID, first.Opposite(), 3)
				_, _ = s.CastOrSwitchVote(ctx, item.ID, userID, first, 3)
			}
		}(i, voter+"_"+suffix)
	}
	wg.Wait()

	stored, err := s.GetDebate(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, len(voters), stored.Tally().Total())

	drifts, err := s.AuditTallies(ctx)
	require.NoError(t, err)
	for _, drift := range drifts {
		assert.NotEqual(t, item.ID, drift.DebateID)
	}
}

func TestPostgresCommentAndPersuasion(t *testing.T) {
	s, ctx := openTestStore(t)
	item := seedPostgresDebate(t, ctx, s, "alice", "bob")
	suffix := strings.TrimPrefix(item.ID, "deb_")
	alice, bob := "alice_"+suffix, "bob_"+suffix

	_, err := s.PostComment(ctx, Comment{ID: "cmt_x_" + suffix, DebateID: item.ID, AuthorID: alice, Side: ledger.SideA, Body: "no vote"})
	assert.ErrorIs(t, err, ledger.ErrNoVoteCast)

	_, err = s.CastOrSwitchVote(ctx, item.ID, alice, ledger.SideA, 3)
	require.NoError(t, err)
	comment, err := s.PostComment(ctx, Comment{ID: "cmt_a_" + suffix, DebateID: item.ID, AuthorID: alice, Side: ledger.SideA, Body: "tabs"})
	require.NoError(t, err)
	assert.Equal(t, "alice-"+suffix, comment.AuthorName)

	_, err = s.PostComment(ctx, Comment{ID: "cmt_b_" + suffix, DebateID: item.ID, AuthorID: alice, Side: ledger.SideA, Body: "again"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateComment)

	count, err := s.RecordPersuasion(ctx, PersuasionRecord{DebateID: item.ID, CommentID: comment.ID, UserID: bob})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.RecordPersuasion(ctx, PersuasionRecord{DebateID: item.ID, CommentID: comment.ID, UserID: bob})
	assert.ErrorIs(t, err, ledger.ErrAlreadyCredited)
	assert.Equal(t, 1, count)

	credited, err := s.ListCreditedComments(ctx, item.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{comment.ID}, credited)

	comments, err := s.ListComments(ctx, item.ID, CommentFilter{Side: ledger.SideA})
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, 1, comments[0].PersuasionCount)

	_, err = s.DeactivateDebate(ctx, item.ID)
	require.NoError(t, err)
	_, err = s.RecordPersuasion(ctx, PersuasionRecord{DebateID: item.ID, CommentID: comment.ID, UserID: "carol_" + suffix})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.RecordPersuasion(ctx, PersuasionRecord{DebateID: item.ID, CommentID: comment.ID, UserID: bob})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	stored, err := s.GetComment(ctx, item.ID, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PersuasionCount)
}
