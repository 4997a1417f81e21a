package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aribuy/apms-sub002/internal/workflow"
)

// Service is the facade that tries the primary index first and falls back to
// a database-backed searcher.
type Service struct {
	primary  Index
	fallback Searcher
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu       sync.Mutex
	versions map[string]*indexVersion
}

// indexVersion serializes background writes of one document and remembers
// the UpdatedAt of the last record the index accepted.
type indexVersion struct {
	mu      sync.Mutex
	written time.Time
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured.
func NewService(primary Index, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With("component", "search"),
		versions: make(map[string]*indexVersion),
	}
}

// Search tries the primary index if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("primary search failed, falling back", "err", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", "err", err)
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument pushes the document to the primary index in the background.
// Writes for one document are serialized and a record older than the last one
// written is dropped, so the index never moves back to a previous status.
func (s *Service) IndexDocument(doc workflow.Document) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	record := RecordFromDocument(doc)
	version := s.versionFor(doc.ID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		version.mu.Lock()
		defer version.mu.Unlock()
		if doc.UpdatedAt.Before(version.written) {
			s.logger.Debug("skip stale index write", "documentCode", record.Code, "status", record.Status)
			return
		}
		if err := s.primary.IndexDocuments([]DocumentRecord{record}); err != nil {
			s.logger.Warn("index document", "documentCode", record.Code, "err", err)
			return
		}
		version.written = doc.UpdatedAt
	}()
}

func (s *Service) versionFor(id string) *indexVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		v = &indexVersion{}
		s.versions[id] = v
	}
	return v
}

// Reindex reads every document from source and pushes it to the primary index.
func (s *Service) Reindex(ctx context.Context, source DocumentSource) (int, error) {
	if s.primary == nil || !s.primary.Healthy() {
		return 0, nil
	}
	documents, err := source.ListDocuments(ctx)
	if err != nil {
		return 0, err
	}
	records := make([]DocumentRecord, 0, len(documents))
	for _, doc := range documents {
		records = append(records, RecordFromDocument(doc))
	}
	if err := s.primary.IndexDocuments(records); err != nil {
		return 0, err
	}
	s.logger.Info("reindexed documents", "count", len(records))
	return len(records), nil
}

// Wait blocks until background indexing has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
