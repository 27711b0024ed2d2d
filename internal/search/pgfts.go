package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over debates and comments using plainto_tsquery
// and ts_rank, with ts_headline for comment snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	var subQueries []string

	if (q.FilterType == "" || q.FilterType == ResultDebate) && q.FilterDebateID == "" {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'debate'::text AS type, d.id, d.title,
				d.side_a_label || ' vs ' || d.side_b_label AS snippet,
				d.id AS debate_id, ''::text AS side,
				ts_rank(d.fts, %s) AS rank
			FROM debates d
			WHERE d.is_active AND d.fts @@ %s`, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		commentWhere := "c.fts @@ " + tsQuery + " AND d.is_active"
		if q.FilterDebateID != "" {
			commentWhere += " AND c.debate_id = $2"
			args = append(args, q.FilterDebateID)
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, d.title,
				ts_headline('english', c.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.debate_id, c.side::text AS side,
				ts_rank(c.fts, %s) AS rank
			FROM debate_comments c
			JOIN debates d ON d.id = c.debate_id
			WHERE %s`, tsQuery, tsQuery, commentWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, debate_id, side
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DebateID, &r.Side); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DebateRecord, []CommentRecord, error) {
	debateRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, side_a_label, side_b_label, is_active
		FROM debates
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load debates: %w", err)
	}
	defer debateRows.Close()

	debates := make([]DebateRecord, 0)
	for debateRows.Next() {
		var d DebateRecord
		if err := debateRows.Scan(&d.ID, &d.Title, &d.SideALabel, &d.SideBLabel, &d.IsActive); err != nil {
			return nil, nil, fmt.Errorf("scan debate: %w", err)
		}
		debates = append(debates, d)
	}
	if err := debateRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate debates: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT id, debate_id, side, body, persuasion_count
		FROM debate_comments
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.DebateID, &c.Side, &c.Body, &c.PersuasionCount); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return debates, comments, nil
}
