package model

import (
	"time"

	"github.com/mentormind/mentormind/internal/metric"
)

// EvidenceItem is a quote with byte offsets into the model answer, produced by
// judge stage-1 and validated by the evidence verifier.
//
// HighlightAvailable is a stronger claim than Verified: it guarantees exact
// byte equality answer[Start:End] == Quote, so the UI may paint a highlight.
type EvidenceItem struct {
	Quote              string `json:"quote"`
	Start              int    `json:"start"`
	End                int    `json:"end"`
	Why                string `json:"why"`
	Better             string `json:"better"`
	Verified           bool   `json:"verified"`
	HighlightAvailable bool   `json:"highlight_available"`
}

// Snapshot lifecycle states.
const (
	SnapshotActive    = "active"
	SnapshotCompleted = "completed"
	SnapshotArchived  = "archived"
)

// Snapshot is the denormalized, immutable record of one judge run: question,
// answer, both score vectors, verified evidence, and the chat counters.
// Evidence is nil when stage-1 evidence parsing or verification failed
// (graceful degradation); it is never partially populated.
type Snapshot struct {
	ID                string                               `json:"id"`
	EvaluationID      string                               `json:"evaluation_id"`
	JudgeEvaluationID string                               `json:"judge_evaluation_id"`
	QuestionText      string                               `json:"question_text"`
	AnswerText        string                               `json:"answer_text"`
	ModelName         string                               `json:"model_name"`
	JudgeModel        string                               `json:"judge_model"`
	PrimaryMetric     metric.Slug                          `json:"primary_metric"`
	BonusMetrics      []metric.Slug                        `json:"bonus_metrics"`
	Category          string                               `json:"category"`
	UserScores        map[metric.Slug]MetricScore          `json:"user_scores"`
	JudgeScores       map[metric.Slug]IndependentScore     `json:"judge_scores"`
	Evidence          map[metric.Slug][]EvidenceItem       `json:"evidence"`
	MetaScore         int                                  `json:"meta_score"`
	WeightedGap       float64                              `json:"weighted_gap"`
	OverallFeedback   string                               `json:"overall_feedback"`
	ChatTurnCount     int                                  `json:"chat_turn_count"`
	MaxChatTurns      int                                  `json:"max_chat_turns"`
	Status            string                               `json:"status"`
	DeletedAt         *time.Time                           `json:"deleted_at,omitempty"`
	CreatedAt         time.Time                            `json:"created_at"`
}
