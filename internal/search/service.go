package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to the
// database searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
	log      *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{meili: meili, fallback: fallback, log: log.Named("search")}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("Meilisearch error, falling back", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("Fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDebate indexes a debate (fire-and-forget to Meilisearch).
func (s *Service) IndexDebate(d DebateRecord) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDebates([]DebateRecord{d}); err != nil {
			s.log.Warn("Index debate failed", zap.String("debate_id", d.ID), zap.Error(err))
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c CommentRecord) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComments([]CommentRecord{c}); err != nil {
			s.log.Warn("Index comment failed", zap.String("comment_id", c.ID), zap.Error(err))
		}
	}()
}

// Loader reads every searchable record for a full reindex.
type Loader interface {
	LoadAllRecords(ctx context.Context) ([]DebateRecord, []CommentRecord, error)
}

// Reindex pushes every record from loader into Meilisearch.
func (s *Service) Reindex(ctx context.Context, loader Loader) {
	if s.meili == nil || !s.meili.Healthy() || loader == nil {
		return
	}
	debates, comments, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("Reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexDebates(debates); err != nil {
		s.log.Warn("Reindex debates failed", zap.Error(err))
	}
	if err := s.meili.IndexComments(comments); err != nil {
		s.log.Warn("Reindex comments failed", zap.Error(err))
	}
	s.log.Info("Reindexed search", zap.Int("debates", len(debates)), zap.Int("comments", len(comments)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
