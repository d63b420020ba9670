package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/mentormind/mentormind/internal/model"
)

// MemoryDocument is one past-mistake document. The row is the durable record;
// the Qdrant point mirroring it is rebuilt from here on backfill.
type MemoryDocument struct {
	EvaluationID string
	Document     string
	Metadata     model.MemoryEntry
	Embedding    pgvector.Vector
	IndexedAt    *time.Time
	CreatedAt    time.Time
}

// UpsertMemoryDocument stores a memory document with its embedding and clears
// indexed_at so the backfill loop will (re)index it in Qdrant.
func (db *DB) UpsertMemoryDocument(ctx context.Context, d MemoryDocument) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO memory_documents (evaluation_id, document, metadata, embedding, indexed_at, created_at)
		 VALUES ($1, $2, $3, $4, NULL, $5)
		 ON CONFLICT (evaluation_id) DO UPDATE
		 SET document = EXCLUDED.document,
		     metadata = EXCLUDED.metadata,
		     embedding = EXCLUDED.embedding,
		     indexed_at = NULL`,
		d.EvaluationID, d.Document, d.Metadata, d.Embedding, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert memory document: %w", err)
	}
	return nil
}

// ListUnindexedMemoryDocuments returns documents not yet mirrored to Qdrant,
// oldest first.
func (db *DB) ListUnindexedMemoryDocuments(ctx context.Context, limit int) ([]MemoryDocument, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT evaluation_id, document, metadata, embedding, indexed_at, created_at
		 FROM memory_documents
		 WHERE indexed_at IS NULL
		 ORDER BY created_at
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unindexed memory documents: %w", err)
	}
	defer rows.Close()

	var out []MemoryDocument
	for rows.Next() {
		var d MemoryDocument
		if err := rows.Scan(&d.EvaluationID, &d.Document, &d.Metadata, &d.Embedding, &d.IndexedAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan memory document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetMemoryDocumentsByIDs loads memory documents for the given evaluations.
// Order follows the input; missing IDs are skipped.
func (db *DB) GetMemoryDocumentsByIDs(ctx context.Context, evaluationIDs []string) ([]MemoryDocument, error) {
	if len(evaluationIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT evaluation_id, document, metadata, embedding, indexed_at, created_at
		 FROM memory_documents
		 WHERE evaluation_id = ANY($1)`, evaluationIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get memory documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]MemoryDocument, len(evaluationIDs))
	for rows.Next() {
		var d MemoryDocument
		if err := rows.Scan(&d.EvaluationID, &d.Document, &d.Metadata, &d.Embedding, &d.IndexedAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan memory document: %w", err)
		}
		byID[d.EvaluationID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MemoryDocument, 0, len(byID))
	for _, id := range evaluationIDs {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// MarkMemoryDocumentsIndexed stamps indexed_at after a successful Qdrant upsert.
func (db *DB) MarkMemoryDocumentsIndexed(ctx context.Context, evaluationIDs []string) error {
	if len(evaluationIDs) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE memory_documents SET indexed_at = now() WHERE evaluation_id = ANY($1)`,
		evaluationIDs,
	)
	if err != nil {
		return fmt.Errorf("storage: mark memory documents indexed: %w", err)
	}
	return nil
}
