package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
)

const snapshotColumns = `id, evaluation_id, judge_evaluation_id, question_text, answer_text,
	model_name, judge_model, primary_metric, bonus_metrics, category,
	user_scores, judge_scores, evidence, meta_score, weighted_gap, overall_feedback,
	chat_turn_count, max_chat_turns, status, deleted_at, created_at`

func scanSnapshot(row pgx.Row) (model.Snapshot, error) {
	var s model.Snapshot
	err := row.Scan(
		&s.ID, &s.EvaluationID, &s.JudgeEvaluationID, &s.QuestionText, &s.AnswerText,
		&s.ModelName, &s.JudgeModel, &s.PrimaryMetric, &s.BonusMetrics, &s.Category,
		&s.UserScores, &s.JudgeScores, &s.Evidence, &s.MetaScore, &s.WeightedGap, &s.OverallFeedback,
		&s.ChatTurnCount, &s.MaxChatTurns, &s.Status, &s.DeletedAt, &s.CreatedAt,
	)
	return s, err
}

// CreateSnapshot inserts a snapshot. The UNIQUE constraint on evaluation_id
// guarantees at most one snapshot per judged submission; a duplicate insert
// returns ErrAlreadyExists so the caller can resume from the existing row.
func (db *DB) CreateSnapshot(ctx context.Context, s model.Snapshot) (model.Snapshot, error) {
	if s.ID == "" {
		s.ID = model.NewID(model.PrefixSnapshot)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = model.SnapshotActive
	}
	err := WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO snapshots (`+snapshotColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			s.ID, s.EvaluationID, s.JudgeEvaluationID, s.QuestionText, s.AnswerText,
			s.ModelName, s.JudgeModel, s.PrimaryMetric, s.BonusMetrics, s.Category,
			s.UserScores, s.JudgeScores, s.Evidence, s.MetaScore, s.WeightedGap, s.OverallFeedback,
			s.ChatTurnCount, s.MaxChatTurns, s.Status, s.DeletedAt, s.CreatedAt,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return model.Snapshot{}, fmt.Errorf("storage: snapshot for %s: %w", s.EvaluationID, ErrAlreadyExists)
		}
		return model.Snapshot{}, fmt.Errorf("storage: create snapshot: %w", err)
	}
	return s, nil
}

// GetSnapshotByEvaluationID retrieves the snapshot of a judged submission.
func (db *DB) GetSnapshotByEvaluationID(ctx context.Context, evaluationID string) (model.Snapshot, error) {
	s, err := scanSnapshot(db.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE evaluation_id = $1`, evaluationID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Snapshot{}, fmt.Errorf("storage: snapshot for %s: %w", evaluationID, ErrNotFound)
		}
		return model.Snapshot{}, fmt.Errorf("storage: get snapshot by evaluation: %w", err)
	}
	return s, nil
}

// GetSnapshot retrieves a snapshot by ID. Archived snapshots are invisible.
func (db *DB) GetSnapshot(ctx context.Context, id string) (model.Snapshot, error) {
	s, err := scanSnapshot(db.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1 AND deleted_at IS NULL`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Snapshot{}, fmt.Errorf("storage: snapshot %s: %w", id, ErrNotFound)
		}
		return model.Snapshot{}, fmt.Errorf("storage: get snapshot: %w", err)
	}
	return s, nil
}

// GetSnapshotAnyStatus retrieves a snapshot regardless of soft-delete state.
// The chat engine uses it to tell an archived snapshot apart from a missing
// one; everything else goes through GetSnapshot.
func (db *DB) GetSnapshotAnyStatus(ctx context.Context, id string) (model.Snapshot, error) {
	s, err := scanSnapshot(db.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Snapshot{}, fmt.Errorf("storage: snapshot %s: %w", id, ErrNotFound)
		}
		return model.Snapshot{}, fmt.Errorf("storage: get snapshot: %w", err)
	}
	return s, nil
}

// SnapshotFilter narrows ListSnapshots. Zero values mean no constraint.
type SnapshotFilter struct {
	PrimaryMetric metric.Slug
	Category      string
	Status        string
	Page          int // 1-based
	PerPage       int
}

// ListSnapshots returns non-archived snapshots newest first, with the total
// count matching the filter.
func (db *DB) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]model.Snapshot, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = 20
	}

	where := []string{"deleted_at IS NULL"}
	args := []any{}
	if f.PrimaryMetric != "" {
		args = append(args, f.PrimaryMetric)
		where = append(where, fmt.Sprintf("primary_metric = $%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM snapshots WHERE `+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count snapshots: %w", err)
	}

	args = append(args, f.PerPage, (f.Page-1)*f.PerPage)
	rows, err := db.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE `+cond+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// ReserveChatTurn atomically increments the snapshot's turn counter if budget
// remains. Returns the new turn count, or ErrTurnLimitReached when the budget
// is exhausted, or ErrNotFound for unknown/archived snapshots. The conditional
// UPDATE is the only gate against concurrent turn overruns.
func (db *DB) ReserveChatTurn(ctx context.Context, snapshotID string) (int, error) {
	var count int
	err := WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		return db.pool.QueryRow(ctx,
			`UPDATE snapshots
			 SET chat_turn_count = chat_turn_count + 1
			 WHERE id = $1 AND deleted_at IS NULL AND chat_turn_count < max_chat_turns
			 RETURNING chat_turn_count`, snapshotID,
		).Scan(&count)
	})
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("storage: reserve chat turn: %w", err)
	}

	// Distinguish exhausted budget from a missing snapshot.
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT true FROM snapshots WHERE id = $1 AND deleted_at IS NULL`, snapshotID,
	).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("storage: snapshot %s: %w", snapshotID, ErrNotFound)
		}
		return 0, fmt.Errorf("storage: reserve chat turn: %w", err)
	}
	return 0, ErrTurnLimitReached
}

// ReleaseChatTurn returns a reserved turn after a failed stream so the learner
// is not charged for output never produced. Never decrements below zero.
func (db *DB) ReleaseChatTurn(ctx context.Context, snapshotID string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE snapshots SET chat_turn_count = chat_turn_count - 1
		 WHERE id = $1 AND chat_turn_count > 0`, snapshotID,
	)
	if err != nil {
		return fmt.Errorf("storage: release chat turn: %w", err)
	}
	return nil
}

// SetSnapshotStatus transitions a snapshot between active and completed.
func (db *DB) SetSnapshotStatus(ctx context.Context, snapshotID, status string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE snapshots SET status = $2 WHERE id = $1 AND deleted_at IS NULL`, snapshotID, status,
	)
	if err != nil {
		return fmt.Errorf("storage: set snapshot status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: snapshot %s: %w", snapshotID, ErrNotFound)
	}
	return nil
}

// ArchiveSnapshot soft-deletes a snapshot. Archived snapshots disappear from
// reads but their rows, messages, and memory documents are preserved.
func (db *DB) ArchiveSnapshot(ctx context.Context, snapshotID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE snapshots SET status = $2, deleted_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, snapshotID, model.SnapshotArchived,
	)
	if err != nil {
		return fmt.Errorf("storage: archive snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: snapshot %s: %w", snapshotID, ErrNotFound)
	}
	return nil
}
