package model

import (
	"time"

	"github.com/mentormind/mentormind/internal/metric"
)

// Question is an immutable rubric question. Generated by an external
// collaborator; the core only reads it.
type Question struct {
	ID            string         `json:"id"`
	Text          string         `json:"text"`
	Category      string         `json:"category"`
	Rubric        map[int]string `json:"rubric"` // 1..5 → level description.
	PrimaryMetric metric.Slug    `json:"primary_metric"`
	BonusMetrics  []metric.Slug  `json:"bonus_metrics"` // Disjoint from PrimaryMetric.
	CreatedAt     time.Time      `json:"created_at"`
}

// ModelResponse is the immutable answer of a candidate model to a question.
// Unique per (question_id, model_name).
type ModelResponse struct {
	ID         string    `json:"id"`
	QuestionID string    `json:"question_id"`
	ModelName  string    `json:"model_name"`
	AnswerText string    `json:"answer_text"`
	CreatedAt  time.Time `json:"created_at"`
}

// MetricScore is one learner-assigned score. Score is nil when the learner
// marked the metric not applicable; Reasoning must be non-empty iff Score is set.
type MetricScore struct {
	Score     *int   `json:"score"`
	Reasoning string `json:"reasoning"`
}

// LearnerEvaluation is one learner submission: exactly eight slug-keyed scores.
// Created by the external submitter; the orchestrator flips Judged exactly once.
type LearnerEvaluation struct {
	ID         string                       `json:"id"`
	ResponseID string                       `json:"response_id"`
	Scores     map[metric.Slug]MetricScore  `json:"scores"`
	Judged     bool                         `json:"judged"`
	CreatedAt  time.Time                    `json:"created_at"`
}

// IndependentScore is the judge's blind stage-1 score for one metric.
type IndependentScore struct {
	Score     *int   `json:"score"`
	Rationale string `json:"rationale"`
}

// Alignment verdicts. Deterministic functions of the user/judge score pair;
// never taken from the LLM.
const (
	VerdictAligned           = "aligned"
	VerdictOverEstimated     = "over_estimated"
	VerdictUnderEstimated    = "under_estimated"
	VerdictSigOverEstimated  = "significantly_over_estimated"
	VerdictSigUnderEstimated = "significantly_under_estimated"
	VerdictNotApplicable     = "not_applicable"
)

// AlignmentEntry compares the learner's score against the judge's for one metric.
// Gap is user − judge; nil when either side is unscored.
type AlignmentEntry struct {
	UserScore  *int   `json:"user_score"`
	JudgeScore *int   `json:"judge_score"`
	Gap        *int   `json:"gap"`
	Verdict    string `json:"verdict"`
	Feedback   string `json:"feedback"`
}

// MemoryEntry is one past-mistake record surfaced from vector memory into a
// judge stage-2 session.
type MemoryEntry struct {
	EvaluationID   string      `json:"evaluation_id"`
	Category       string      `json:"category"`
	PrimaryMetric  metric.Slug `json:"primary_metric"`
	JudgeMetaScore int         `json:"judge_meta_score"`
	PrimaryGap     float64     `json:"primary_gap"`
	Feedback       string      `json:"feedback"`
	MistakePattern string      `json:"mistake_pattern"`
	Timestamp      time.Time   `json:"timestamp"`
}

// JudgeEvaluation is the judge's full output for one learner evaluation (1:1
// after success). WeightedGap and MetaScore are computed locally from the score
// vectors, never by the LLM.
type JudgeEvaluation struct {
	ID                string                              `json:"id"`
	EvaluationID      string                              `json:"evaluation_id"`
	IndependentScores map[metric.Slug]IndependentScore    `json:"independent_scores"`
	Alignment         map[metric.Slug]AlignmentEntry      `json:"alignment_analysis"`
	MetaScore         int                                 `json:"meta_score"`
	OverallFeedback   string                              `json:"overall_feedback"`
	ImprovementAreas  []string                            `json:"improvement_areas"`
	PositiveFeedback  []string                            `json:"positive_feedback"`
	MemoryContext     []MemoryEntry                       `json:"memory_context,omitempty"`
	PrimaryMetric     metric.Slug                         `json:"primary_metric"`
	PrimaryMetricGap  float64                             `json:"primary_metric_gap"`
	WeightedGap       float64                             `json:"weighted_gap"`
	JudgeModel        string                              `json:"judge_model"`
	CreatedAt         time.Time                           `json:"created_at"`
}
