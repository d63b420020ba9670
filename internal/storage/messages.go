package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
)

const messageColumns = `id, snapshot_id, client_message_id, role, content,
	is_complete, selected_metrics, token_count, created_at`

func scanMessage(row pgx.Row) (model.ChatMessage, error) {
	var m model.ChatMessage
	err := row.Scan(
		&m.ID, &m.SnapshotID, &m.ClientMessageID, &m.Role, &m.Content,
		&m.IsComplete, &m.SelectedMetrics, &m.TokenCount, &m.CreatedAt,
	)
	return m, err
}

// InsertMessage inserts a chat message row. Returns inserted=false when the
// (snapshot_id, client_message_id, role) row already exists, which is the
// idempotency signal for retried turns.
func (db *DB) InsertMessage(ctx context.Context, m model.ChatMessage) (model.ChatMessage, bool, error) {
	if m.ID == "" {
		m.ID = model.NewID(model.PrefixMessage)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO chat_messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (snapshot_id, client_message_id, role) DO NOTHING`,
		m.ID, m.SnapshotID, m.ClientMessageID, m.Role, m.Content,
		m.IsComplete, m.SelectedMetrics, m.TokenCount, m.CreatedAt,
	)
	if err != nil {
		return model.ChatMessage{}, false, fmt.Errorf("storage: insert message: %w", err)
	}
	return m, tag.RowsAffected() == 1, nil
}

// GetMessage retrieves one row of a turn by its idempotency triple.
func (db *DB) GetMessage(ctx context.Context, snapshotID, clientMessageID, role string) (model.ChatMessage, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM chat_messages
		 WHERE snapshot_id = $1 AND client_message_id = $2 AND role = $3`,
		snapshotID, clientMessageID, role,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ChatMessage{}, fmt.Errorf("storage: message (%s, %s, %s): %w", snapshotID, clientMessageID, role, ErrNotFound)
		}
		return model.ChatMessage{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// UpdateAssistantContent persists streamed content in place. Used both for
// checkpointing a partial stream and for finalizing it.
func (db *DB) UpdateAssistantContent(ctx context.Context, snapshotID, clientMessageID, content string, tokenCount int, complete bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE chat_messages
		 SET content = $4, token_count = $5, is_complete = $6
		 WHERE snapshot_id = $1 AND client_message_id = $2 AND role = $3`,
		snapshotID, clientMessageID, model.RoleAssistant, content, tokenCount, complete,
	)
	if err != nil {
		return fmt.Errorf("storage: update assistant content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: assistant message (%s, %s): %w", snapshotID, clientMessageID, ErrNotFound)
	}
	return nil
}

// ListMessages returns a snapshot's messages in chronological order.
func (db *DB) ListMessages(ctx context.Context, snapshotID string) ([]model.ChatMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM chat_messages
		 WHERE snapshot_id = $1 ORDER BY created_at, role DESC`, snapshotID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListRecentMessages returns the last limit completed messages in
// chronological order. This is the coach's rolling context window; in-flight
// assistant rows never enter the prompt.
func (db *DB) ListRecentMessages(ctx context.Context, snapshotID string, limit int) ([]model.ChatMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
		     SELECT `+messageColumns+` FROM chat_messages
		     WHERE snapshot_id = $1 AND is_complete
		     ORDER BY created_at DESC, role
		     LIMIT $2
		 ) recent ORDER BY created_at, role DESC`, snapshotID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent messages: %w", err)
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan recent message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetSelectedMetrics returns the metric focus fixed by the session's first
// real user message, or nil when none was set.
func (db *DB) GetSelectedMetrics(ctx context.Context, snapshotID string) ([]metric.Slug, error) {
	var slugs []metric.Slug
	err := db.pool.QueryRow(ctx,
		`SELECT selected_metrics FROM chat_messages
		 WHERE snapshot_id = $1 AND selected_metrics IS NOT NULL
		 ORDER BY created_at
		 LIMIT 1`, snapshotID,
	).Scan(&slugs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get selected metrics: %w", err)
	}
	return slugs, nil
}
