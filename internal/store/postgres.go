package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agora/api/internal/ledger"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, id, name string) (User, error) {
	const findUser = `SELECT id, display_name, COALESCE(email, ''), role FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, role)
		VALUES ($1, $2, 'member')
		ON CONFLICT (display_name) DO UPDATE SET updated_at = NOW()
		RETURNING id, display_name, COALESCE(email, ''), role
	`, id, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	role := user.Role
	if role == "" {
		role = "member"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`, user.ID, user.DisplayName, strings.ToLower(user.Email), user.PasswordHash, role)
	if isUniqueViolation(err) {
		return ErrDuplicateUser
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(email, ''), password_hash, role, created_at, updated_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(email, ''), password_hash, role, created_at, updated_at
		FROM users WHERE email=$1
	`, strings.ToLower(email)).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const debateColumns = `id, title, side_a_label, side_b_label, created_by, is_active, featured_on, votes_a, votes_b, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDebate(row rowScanner) (Debate, error) {
	var item Debate
	var featured sql.NullTime
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.SideALabel,
		&item.SideBLabel,
		&item.CreatedBy,
		&item.IsActive,
		&featured,
		&item.VotesA,
		&item.VotesB,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Debate{}, err
	}
	if featured.Valid {
		day := featured.Time
		item.FeaturedOn = &day
	}
	return item, nil
}

func (s *PostgresStore) CreateDebate(ctx context.Context, item Debate) (Debate, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO debates (id, title, side_a_label, side_b_label, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+debateColumns,
		item.ID, item.Title, item.SideALabel, item.SideBLabel, item.CreatedBy)
	created, err := scanDebate(row)
	if err != nil {
		return Debate{}, fmt.Errorf("create debate: %w", translate(err))
	}
	return created, nil
}

// GetDebate returns inactive debates too; callers decide whether that matters.
func (s *PostgresStore) GetDebate(ctx context.Context, debateID string) (Debate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+debateColumns+` FROM debates WHERE id=$1`, debateID)
	item, err := scanDebate(row)
	if err != nil {
		return Debate{}, fmt.Errorf("get debate: %w", translate(err))
	}
	return item, nil
}

func (s *PostgresStore) ListDebates(ctx context.Context, filter DebateFilter) ([]Debate, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var featured any
	if filter.FeaturedOn != nil {
		featured = filter.FeaturedOn.Format("2006-01-02")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+debateColumns+`
		FROM debates
		WHERE ($1::boolean OR is_active)
		  AND ($2::date IS NULL OR featured_on = $2::date)
		ORDER BY created_at DESC
		LIMIT $3
	`, filter.IncludeInactive, featured, limit)
	if err != nil {
		return nil, fmt.Errorf("list debates: %w", translate(err))
	}
	defer rows.Close()

	items := make([]Debate, 0)
	for rows.Next() {
		item, err := scanDebate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan debate: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate debates: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeactivateDebate(ctx context.Context, debateID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE debates SET is_active=FALSE, updated_at=NOW()
		WHERE id=$1 AND is_active
	`, debateID)
	if err != nil {
		return false, fmt.Errorf("deactivate debate: %w", translate(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate debate rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) FeatureDebate(ctx context.Context, debateID string, day time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE debates SET featured_on=$2::date, updated_at=NOW()
		WHERE id=$1 AND is_active
	`, debateID, day.Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("feature debate: %w", translate(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("feature debate rows: %w", err)
	}
	if affected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// CastOrSwitchVote runs the cast_or_switch_vote procedure, which applies the
// vote row and the debate tallies in one transaction under a row lock on the
// debate.
func (s *PostgresStore) CastOrSwitchVote(ctx context.Context, debateID, userID string, side ledger.Side, limit int) (VoteResult, error) {
	var result VoteResult
	var resultSide, outcome string
	err := s.db.QueryRowContext(ctx, `
		SELECT votes_a, votes_b, switch_count, side, outcome
		FROM cast_or_switch_vote($1, $2, $3, $4)
	`, debateID, userID, string(side), limit).Scan(&result.VotesA, &result.VotesB, &result.SwitchCount, &resultSide, &outcome)
	if err != nil {
		return VoteResult{}, fmt.Errorf("cast or switch vote: %w", translate(err))
	}
	result.Side = ledger.Side(resultSide)
	result.Outcome = parseOutcome(outcome)
	return result, nil
}

func parseOutcome(raw string) ledger.TransitionKind {
	switch raw {
	case "cast":
		return ledger.TransitionCast
	case "switch":
		return ledger.TransitionSwitch
	default:
		return ledger.TransitionNoop
	}
}

// GetVote returns nil when the user has not voted on the debate.
func (s *PostgresStore) GetVote(ctx context.Context, debateID, userID string) (*Vote, error) {
	var vote Vote
	var side string
	err := s.db.QueryRowContext(ctx, `
		SELECT debate_id, user_id, side, switch_count, created_at, updated_at
		FROM debate_votes
		WHERE debate_id=$1 AND user_id=$2
	`, debateID, userID).Scan(&vote.DebateID, &vote.UserID, &side, &vote.SwitchCount, &vote.CreatedAt, &vote.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vote: %w", translate(err))
	}
	vote.Side = ledger.Side(side)
	return &vote, nil
}

// PostComment applies the authoring guard and inserts the comment in one
// transaction. The voter's row is share-locked so a concurrent switch cannot
// slip between the side check and the insert.
func (s *PostgresStore) PostComment(ctx context.Context, comment Comment) (Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Comment{}, fmt.Errorf("begin comment tx: %w", translate(err))
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	err = tx.QueryRowContext(ctx, `SELECT is_active FROM debates WHERE id=$1 FOR KEY SHARE`, comment.DebateID).Scan(&active)
	if err != nil {
		return Comment{}, fmt.Errorf("lock debate: %w", translate(err))
	}
	if !active {
		return Comment{}, ledger.ErrNotFound
	}

	var position *ledger.Position
	var side string
	var switches int
	err = tx.QueryRowContext(ctx, `
		SELECT side, switch_count FROM debate_votes
		WHERE debate_id=$1 AND user_id=$2
		FOR SHARE
	`, comment.DebateID, comment.AuthorID).Scan(&side, &switches)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Comment{}, fmt.Errorf("lock vote: %w", translate(err))
	default:
		position = &ledger.Position{Side: ledger.Side(side), SwitchCount: switches}
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM debate_comments WHERE debate_id=$1 AND author_id=$2)
	`, comment.DebateID, comment.AuthorID).Scan(&exists); err != nil {
		return Comment{}, fmt.Errorf("check comment: %w", translate(err))
	}
	if err := ledger.CheckComment(position, comment.Side, exists); err != nil {
		return Comment{}, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO debate_comments (id, debate_id, author_id, side, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING persuasion_count, created_at, (SELECT display_name FROM users WHERE id=$3)
	`, comment.ID, comment.DebateID, comment.AuthorID, string(comment.Side), comment.Body).Scan(
		&comment.PersuasionCount,
		&comment.CreatedAt,
		&comment.AuthorName,
	)
	if isUniqueViolation(err) {
		return Comment{}, ledger.ErrDuplicateComment
	}
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", translate(err))
	}

	if err := tx.Commit(); err != nil {
		return Comment{}, fmt.Errorf("commit comment: %w", translate(err))
	}
	return comment, nil
}

const commentColumns = `c.id, c.debate_id, c.author_id, u.display_name, c.side, c.body, c.persuasion_count, c.created_at`

func scanComment(row rowScanner) (Comment, error) {
	var item Comment
	var side string
	if err := row.Scan(
		&item.ID,
		&item.DebateID,
		&item.AuthorID,
		&item.AuthorName,
		&side,
		&item.Body,
		&item.PersuasionCount,
		&item.CreatedAt,
	); err != nil {
		return Comment{}, err
	}
	item.Side = ledger.Side(side)
	return item, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, debateID, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM debate_comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.debate_id=$1 AND c.id=$2
	`, debateID, commentID)
	item, err := scanComment(row)
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", translate(err))
	}
	return item, nil
}

// ListComments orders by persuasion count, then age, so the head of a
// one-sided list is that side's strongest arguments.
func (s *PostgresStore) ListComments(ctx context.Context, debateID string, filter CommentFilter) ([]Comment, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM debate_comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.debate_id=$1
		  AND ($2::text = '' OR c.side = $2::text)
		ORDER BY c.persuasion_count DESC, c.created_at ASC
		LIMIT $3
	`, debateID, string(filter.Side), limit)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", translate(err))
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// RecordPersuasion stores the attribution and bumps the comment's counter in
// the same transaction. A repeat attribution returns ErrAlreadyCredited and
// leaves the counter alone. Comments in missing or closed debates return
// ErrNotFound.
func (s *PostgresStore) RecordPersuasion(ctx context.Context, record PersuasionRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin persuasion tx: %w", translate(err))
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO persuasion_records (debate_id, comment_id, user_id)
		SELECT c.debate_id, c.id, $3
		FROM debate_comments c
		JOIN debates d ON d.id = c.debate_id AND d.is_active
		WHERE c.id=$2 AND c.debate_id=$1
		ON CONFLICT (comment_id, user_id) DO NOTHING
	`, record.DebateID, record.CommentID, record.UserID)
	if err != nil {
		return 0, fmt.Errorf("insert persuasion: %w", translate(err))
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert persuasion rows: %w", err)
	}

	if inserted == 0 {
		var (
			count  int
			active bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT c.persuasion_count, d.is_active
			FROM debate_comments c
			JOIN debates d ON d.id = c.debate_id
			WHERE c.id=$1 AND c.debate_id=$2
		`, record.CommentID, record.DebateID).Scan(&count, &active)
		if err != nil {
			return 0, fmt.Errorf("read persuasion count: %w", translate(err))
		}
		if !active {
			return 0, ledger.ErrNotFound
		}
		return count, ledger.ErrAlreadyCredited
	}

	var count int
	if err := tx.QueryRowContext(ctx, `
		UPDATE debate_comments SET persuasion_count = persuasion_count + 1
		WHERE id=$1
		RETURNING persuasion_count
	`, record.CommentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("bump persuasion count: %w", translate(err))
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit persuasion: %w", translate(err))
	}
	return count, nil
}

func (s *PostgresStore) ListCreditedComments(ctx context.Context, debateID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT comment_id FROM persuasion_records
		WHERE debate_id=$1 AND user_id=$2
		ORDER BY created_at ASC
	`, debateID, userID)
	if err != nil {
		return nil, fmt.Errorf("list credited comments: %w", translate(err))
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan credited comment: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credited comments: %w", err)
	}
	return ids, nil
}

// AuditTallies recounts vote rows for every debate and reports the ones whose
// stored tallies disagree. It is a maintenance check, never a hot path.
func (s *PostgresStore) AuditTallies(ctx context.Context) ([]TallyDrift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.votes_a, d.votes_b,
			COUNT(v.user_id) FILTER (WHERE v.side = 'A')::int,
			COUNT(v.user_id) FILTER (WHERE v.side = 'B')::int
		FROM debates d
		LEFT JOIN debate_votes v ON v.debate_id = d.id
		GROUP BY d.id, d.votes_a, d.votes_b
		HAVING d.votes_a <> COUNT(v.user_id) FILTER (WHERE v.side = 'A')
			OR d.votes_b <> COUNT(v.user_id) FILTER (WHERE v.side = 'B')
	`)
	if err != nil {
		return nil, fmt.Errorf("audit tallies: %w", translate(err))
	}
	defer rows.Close()

	drifts := make([]TallyDrift, 0)
	for rows.Next() {
		var drift TallyDrift
		if err := rows.Scan(&drift.DebateID, &drift.Stored.A, &drift.Stored.B, &drift.Counted.A, &drift.Counted.B); err != nil {
			return nil, fmt.Errorf("scan tally drift: %w", err)
		}
		drifts = append(drifts, drift)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tally drift: %w", err)
	}
	return drifts, nil
}
