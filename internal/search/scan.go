package search

import (
	"context"
	"fmt"
	"strings"

	"agora/api/internal/store"
)

// Source is the read side of a store that Scan walks.
type Source interface {
	ListDebates(ctx context.Context, filter store.DebateFilter) ([]store.Debate, error)
	ListComments(ctx context.Context, debateID string, filter store.CommentFilter) ([]store.Comment, error)
}

// Scan is a case-insensitive substring searcher for the in-memory backend.
type Scan struct {
	source Source
}

func NewScan(source Source) *Scan {
	return &Scan{source: source}
}

func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}

	debates, err := s.source.ListDebates(ctx, store.DebateFilter{Limit: 200})
	if err != nil {
		return nil, 0, fmt.Errorf("scan debates: %w", err)
	}

	var matches []Result
	for _, d := range debates {
		if q.FilterDebateID != "" && d.ID != q.FilterDebateID {
			continue
		}
		if (q.FilterType == "" || q.FilterType == ResultDebate) && q.FilterDebateID == "" {
			haystack := strings.ToLower(d.Title + " " + d.SideALabel + " " + d.SideBLabel)
			if strings.Contains(haystack, needle) {
				matches = append(matches, Result{
					Type:     ResultDebate,
					ID:       d.ID,
					Title:    d.Title,
					Snippet:  d.SideALabel + " vs " + d.SideBLabel,
					DebateID: d.ID,
				})
			}
		}
		if q.FilterType != "" && q.FilterType != ResultComment {
			continue
		}
		comments, err := s.source.ListComments(ctx, d.ID, store.CommentFilter{})
		if err != nil {
			return nil, 0, fmt.Errorf("scan comments: %w", err)
		}
		for _, c := range comments {
			if strings.Contains(strings.ToLower(c.Body), needle) {
				matches = append(matches, Result{
					Type:     ResultComment,
					ID:       c.ID,
					Title:    d.Title,
					Snippet:  c.Body,
					DebateID: d.ID,
					Side:     string(c.Side),
				})
			}
		}
	}

	total := len(matches)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	start := q.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}
