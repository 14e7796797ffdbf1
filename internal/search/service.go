package search

import (
	"context"

	"go.uber.org/zap"
)

const defaultLimit = 20

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    Indexer
	fallback Fallback
	logger   *zap.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index Indexer, fallback Fallback, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{index: index, fallback: fallback, logger: logger}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = defaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDecision indexes a decision (fire-and-forget to Meilisearch).
func (s *Service) IndexDecision(d DecisionRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.IndexDecisions([]DecisionRecord{d}); err != nil {
			s.logger.Warn("index decision failed", zap.String("id", d.ID), zap.Error(err))
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c CommentRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.IndexComments([]CommentRecord{c}); err != nil {
			s.logger.Warn("index comment failed", zap.String("id", c.ID), zap.Error(err))
		}
	}()
}

// DeleteDecision removes a decision from the search index (fire-and-forget).
func (s *Service) DeleteDecision(id string) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.DeleteDecision(id); err != nil {
			s.logger.Warn("delete decision from index failed", zap.String("id", id), zap.Error(err))
		}
	}()
}

// ReindexAll pushes every decision and comment from Postgres into
// Meilisearch. Called at startup.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.indexReady() || s.fallback == nil {
		return
	}
	decisions, comments, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Error(err))
		return
	}
	if len(decisions) > 0 {
		if err := s.index.IndexDecisions(decisions); err != nil {
			s.logger.Error("reindex decisions failed", zap.Error(err))
		}
	}
	if len(comments) > 0 {
		if err := s.index.IndexComments(comments); err != nil {
			s.logger.Error("reindex comments failed", zap.Error(err))
		}
	}
	s.logger.Info("search reindex complete", zap.Int("decisions", len(decisions)), zap.Int("comments", len(comments)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
