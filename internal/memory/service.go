package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentormind/mentormind/internal/llm"
	"github.com/mentormind/mentormind/internal/model"
	"github.com/mentormind/mentormind/internal/storage"
)

// Store is the slice of the storage layer the memory service needs.
type Store interface {
	UpsertMemoryDocument(ctx context.Context, d storage.MemoryDocument) error
	ListUnindexedMemoryDocuments(ctx context.Context, limit int) ([]storage.MemoryDocument, error)
	MarkMemoryDocumentsIndexed(ctx context.Context, evaluationIDs []string) error
	GetMemoryDocumentsByIDs(ctx context.Context, evaluationIDs []string) ([]storage.MemoryDocument, error)
}

// Index is the ANN side of the memory service.
type Index interface {
	Upsert(ctx context.Context, points []Point) error
	Query(ctx context.Context, embedding []float32, f Filter, limit int) ([]Hit, error)
	Healthy(ctx context.Context) error
}

// Service stores past-mistake documents and recalls the ones most similar to
// the current judging context.
type Service struct {
	store    Store
	index    Index
	embedder llm.EmbeddingProvider
	logger   *slog.Logger
}

// NewService wires the memory service.
func NewService(store Store, index Index, embedder llm.EmbeddingProvider, logger *slog.Logger) *Service {
	return &Service{store: store, index: index, embedder: embedder, logger: logger}
}

// Remember persists a memory document. The Postgres write is authoritative;
// the Qdrant upsert is best-effort and left to the backfill loop on failure.
func (s *Service) Remember(ctx context.Context, entry model.MemoryEntry, document string) error {
	vec, err := s.embedder.Embed(ctx, document)
	if err != nil {
		return fmt.Errorf("memory: embed document for %s: %w", entry.EvaluationID, err)
	}

	doc := storage.MemoryDocument{
		EvaluationID: entry.EvaluationID,
		Document:     document,
		Metadata:     entry,
		Embedding:    vec,
	}
	if err := s.store.UpsertMemoryDocument(ctx, doc); err != nil {
		return err
	}

	point := Point{
		EvaluationID:  entry.EvaluationID,
		Category:      entry.Category,
		PrimaryMetric: entry.PrimaryMetric,
		MetaScore:     entry.JudgeMetaScore,
		PrimaryGap:    entry.PrimaryGap,
		CreatedAt:     entry.Timestamp,
		Embedding:     vec.Slice(),
	}
	if err := s.index.Upsert(ctx, []Point{point}); err != nil {
		s.logger.WarnContext(ctx, "memory: index upsert failed, leaving for backfill",
			"evaluation_id", entry.EvaluationID, "error", err)
		return nil
	}
	if err := s.store.MarkMemoryDocumentsIndexed(ctx, []string{entry.EvaluationID}); err != nil {
		return err
	}
	return nil
}

// Recall returns the memory entries most similar to the query text.
func (s *Service) Recall(ctx context.Context, queryText string, f Filter, topN int) ([]model.MemoryEntry, error) {
	vec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	hits, err := s.index.Query(ctx, vec.Slice(), f, topN)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.EvaluationID
	}
	docs, err := s.store.GetMemoryDocumentsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	entries := make([]model.MemoryEntry, len(docs))
	for i, d := range docs {
		entries[i] = d.Metadata
	}
	return entries, nil
}

// Healthy reports index reachability.
func (s *Service) Healthy(ctx context.Context) error {
	return s.index.Healthy(ctx)
}

// BackfillOnce mirrors one batch of unindexed documents into Qdrant.
// Returns the number of documents indexed.
func (s *Service) BackfillOnce(ctx context.Context, batchSize int) (int, error) {
	docs, err := s.store.ListUnindexedMemoryDocuments(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	points := make([]Point, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		points[i] = Point{
			EvaluationID:  d.EvaluationID,
			Category:      d.Metadata.Category,
			PrimaryMetric: d.Metadata.PrimaryMetric,
			MetaScore:     d.Metadata.JudgeMetaScore,
			PrimaryGap:    d.Metadata.PrimaryGap,
			CreatedAt:     d.CreatedAt,
			Embedding:     d.Embedding.Slice(),
		}
		ids[i] = d.EvaluationID
	}

	if err := s.index.Upsert(ctx, points); err != nil {
		return 0, err
	}
	if err := s.store.MarkMemoryDocumentsIndexed(ctx, ids); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// RunBackfill loops BackfillOnce until ctx is done. One immediate pass runs at
// startup so documents written during downtime are indexed without waiting a
// full interval.
func (s *Service) RunBackfill(ctx context.Context, interval time.Duration, batchSize int) {
	run := func() {
		for {
			n, err := s.BackfillOnce(ctx, batchSize)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.WarnContext(ctx, "memory: backfill pass failed", "error", err)
				}
				return
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "memory: backfilled documents", "count", n)
			}
			if n < batchSize {
				return
			}
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
