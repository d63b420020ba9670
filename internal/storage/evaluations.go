package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mentormind/mentormind/internal/model"
)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateQuestion inserts a rubric question.
func (db *DB) CreateQuestion(ctx context.Context, q model.Question) (model.Question, error) {
	if q.ID == "" {
		q.ID = model.NewID(model.PrefixQuestion)
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO questions (id, question_text, category, rubric, primary_metric, bonus_metrics, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		q.ID, q.Text, q.Category, q.Rubric, q.PrimaryMetric, q.BonusMetrics, q.CreatedAt,
	)
	if err != nil {
		return model.Question{}, fmt.Errorf("storage: create question: %w", err)
	}
	return q, nil
}

// GetQuestion retrieves a question by ID.
func (db *DB) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	var q model.Question
	err := db.pool.QueryRow(ctx,
		`SELECT id, question_text, category, rubric, primary_metric, bonus_metrics, created_at
		 FROM questions WHERE id = $1`, id,
	).Scan(&q.ID, &q.Text, &q.Category, &q.Rubric, &q.PrimaryMetric, &q.BonusMetrics, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Question{}, fmt.Errorf("storage: question %s: %w", id, ErrNotFound)
		}
		return model.Question{}, fmt.Errorf("storage: get question: %w", err)
	}
	return q, nil
}

// CreateModelResponse inserts a candidate model answer. A duplicate
// (question_id, model_name) pair returns ErrAlreadyExists.
func (db *DB) CreateModelResponse(ctx context.Context, r model.ModelResponse) (model.ModelResponse, error) {
	if r.ID == "" {
		r.ID = model.NewID(model.PrefixResponse)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO model_responses (id, question_id, model_name, answer_text, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.QuestionID, r.ModelName, r.AnswerText, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ModelResponse{}, fmt.Errorf("storage: response for (%s, %s): %w", r.QuestionID, r.ModelName, ErrAlreadyExists)
		}
		return model.ModelResponse{}, fmt.Errorf("storage: create model response: %w", err)
	}
	return r, nil
}

// GetResponseContext loads a model response together with its question.
// This is the judge's full input context.
func (db *DB) GetResponseContext(ctx context.Context, responseID string) (model.ModelResponse, model.Question, error) {
	var r model.ModelResponse
	var q model.Question
	err := db.pool.QueryRow(ctx,
		`SELECT r.id, r.question_id, r.model_name, r.answer_text, r.created_at,
		        q.id, q.question_text, q.category, q.rubric, q.primary_metric, q.bonus_metrics, q.created_at
		 FROM model_responses r
		 JOIN questions q ON q.id = r.question_id
		 WHERE r.id = $1`, responseID,
	).Scan(
		&r.ID, &r.QuestionID, &r.ModelName, &r.AnswerText, &r.CreatedAt,
		&q.ID, &q.Text, &q.Category, &q.Rubric, &q.PrimaryMetric, &q.BonusMetrics, &q.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ModelResponse{}, model.Question{}, fmt.Errorf("storage: response %s: %w", responseID, ErrNotFound)
		}
		return model.ModelResponse{}, model.Question{}, fmt.Errorf("storage: get response context: %w", err)
	}
	return r, q, nil
}

// CreateLearnerEvaluation inserts a learner submission with judged=false.
func (db *DB) CreateLearnerEvaluation(ctx context.Context, e model.LearnerEvaluation) (model.LearnerEvaluation, error) {
	if e.ID == "" {
		e.ID = model.NewID(model.PrefixEvaluation)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO learner_evaluations (id, response_id, scores, judged, created_at)
		 VALUES ($1, $2, $3, false, $4)`,
		e.ID, e.ResponseID, e.Scores, e.CreatedAt,
	)
	if err != nil {
		return model.LearnerEvaluation{}, fmt.Errorf("storage: create learner evaluation: %w", err)
	}
	e.Judged = false
	return e, nil
}

// GetLearnerEvaluation retrieves a learner evaluation by ID.
func (db *DB) GetLearnerEvaluation(ctx context.Context, id string) (model.LearnerEvaluation, error) {
	var e model.LearnerEvaluation
	err := db.pool.QueryRow(ctx,
		`SELECT id, response_id, scores, judged, created_at
		 FROM learner_evaluations WHERE id = $1`, id,
	).Scan(&e.ID, &e.ResponseID, &e.Scores, &e.Judged, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LearnerEvaluation{}, fmt.Errorf("storage: evaluation %s: %w", id, ErrNotFound)
		}
		return model.LearnerEvaluation{}, fmt.Errorf("storage: get learner evaluation: %w", err)
	}
	return e, nil
}

// ListUnjudgedEvaluations returns evaluations awaiting a judge run, oldest first.
// Used to re-enqueue work lost to a crash between submit and judge completion.
func (db *DB) ListUnjudgedEvaluations(ctx context.Context, limit int) ([]model.LearnerEvaluation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, response_id, scores, judged, created_at
		 FROM learner_evaluations
		 WHERE judged = false
		 ORDER BY created_at
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unjudged: %w", err)
	}
	defer rows.Close()

	var out []model.LearnerEvaluation
	for rows.Next() {
		var e model.LearnerEvaluation
		if err := rows.Scan(&e.ID, &e.ResponseID, &e.Scores, &e.Judged, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan unjudged: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEvaluationJudged flips judged exactly once. Returns false when another
// worker already claimed the flip.
func (db *DB) MarkEvaluationJudged(ctx context.Context, id string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE learner_evaluations SET judged = true WHERE id = $1 AND judged = false`, id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark judged: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateJudgeEvaluation inserts a judge result. The UNIQUE constraint on
// evaluation_id guarantees at most one judge result per submission.
func (db *DB) CreateJudgeEvaluation(ctx context.Context, j model.JudgeEvaluation) (model.JudgeEvaluation, error) {
	if j.ID == "" {
		j.ID = model.NewID(model.PrefixJudgeEvaluation)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	err := WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO judge_evaluations (id, evaluation_id, independent_scores, alignment, meta_score,
			 overall_feedback, improvement_areas, positive_feedback, memory_context,
			 primary_metric, primary_metric_gap, weighted_gap, judge_model, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			j.ID, j.EvaluationID, j.IndependentScores, j.Alignment, j.MetaScore,
			j.OverallFeedback, j.ImprovementAreas, j.PositiveFeedback, j.MemoryContext,
			j.PrimaryMetric, j.PrimaryMetricGap, j.WeightedGap, j.JudgeModel, j.CreatedAt,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return model.JudgeEvaluation{}, fmt.Errorf("storage: judge result for %s: %w", j.EvaluationID, ErrAlreadyExists)
		}
		return model.JudgeEvaluation{}, fmt.Errorf("storage: create judge evaluation: %w", err)
	}
	return j, nil
}

// GetJudgeEvaluationByEvaluationID retrieves the judge result for a submission.
func (db *DB) GetJudgeEvaluationByEvaluationID(ctx context.Context, evaluationID string) (model.JudgeEvaluation, error) {
	var j model.JudgeEvaluation
	err := db.pool.QueryRow(ctx,
		`SELECT id, evaluation_id, independent_scores, alignment, meta_score,
		        overall_feedback, improvement_areas, positive_feedback, memory_context,
		        primary_metric, primary_metric_gap, weighted_gap, judge_model, created_at
		 FROM judge_evaluations WHERE evaluation_id = $1`, evaluationID,
	).Scan(
		&j.ID, &j.EvaluationID, &j.IndependentScores, &j.Alignment, &j.MetaScore,
		&j.OverallFeedback, &j.ImprovementAreas, &j.PositiveFeedback, &j.MemoryContext,
		&j.PrimaryMetric, &j.PrimaryMetricGap, &j.WeightedGap, &j.JudgeModel, &j.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.JudgeEvaluation{}, fmt.Errorf("storage: judge result for %s: %w", evaluationID, ErrNotFound)
		}
		return model.JudgeEvaluation{}, fmt.Errorf("storage: get judge evaluation: %w", err)
	}
	return j, nil
}
