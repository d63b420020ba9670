package model

import (
	"fmt"
	"time"

	"github.com/mentormind/mentormind/internal/metric"
)

// Error codes returned in the standard error envelope.
const (
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeNotFound      = "not_found"
	ErrCodeConflict      = "conflict"
	ErrCodeTurnLimit     = "turn_limit_reached"
	ErrCodeInternalError = "internal_error"
	ErrCodeUnavailable   = "unavailable"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every response for request correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SubmitEvaluationRequest is the wire shape of POST /evaluations/submit.
type SubmitEvaluationRequest struct {
	ResponseID  string                 `json:"response_id"`
	Evaluations map[string]MetricScore `json:"evaluations"`
}

// Validate enforces the learner-evaluation invariant: exactly eight entries,
// all slugs present, scores in 1..5 or null, reasoning non-empty iff scored.
func (r SubmitEvaluationRequest) Validate() (map[metric.Slug]MetricScore, error) {
	if r.ResponseID == "" {
		return nil, fmt.Errorf("response_id is required")
	}
	if len(r.Evaluations) != metric.Count {
		return nil, fmt.Errorf("evaluations must contain exactly %d metrics, got %d", metric.Count, len(r.Evaluations))
	}

	scores := make(map[metric.Slug]MetricScore, metric.Count)
	for raw, ms := range r.Evaluations {
		slug := metric.Slug(raw)
		if !metric.IsValid(slug) {
			return nil, metric.InvalidSlugError{Input: raw}
		}
		if ms.Score != nil {
			if *ms.Score < 1 || *ms.Score > 5 {
				return nil, fmt.Errorf("metric %s: score must be between 1 and 5", slug)
			}
			if ms.Reasoning == "" {
				return nil, fmt.Errorf("metric %s: reasoning is required when a score is set", slug)
			}
		} else if ms.Reasoning != "" {
			return nil, fmt.Errorf("metric %s: reasoning must be empty when no score is set", slug)
		}
		scores[slug] = ms
	}

	for _, slug := range metric.All() {
		if _, ok := scores[slug]; !ok {
			return nil, fmt.Errorf("metric %s is missing", slug)
		}
	}
	return scores, nil
}

// SubmitEvaluationResponse is returned by POST /evaluations/submit.
type SubmitEvaluationResponse struct {
	EvaluationID string `json:"evaluation_id"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// FeedbackResponse is returned by GET /evaluations/{id}/feedback once judged.
type FeedbackResponse struct {
	EvaluationID           string                         `json:"evaluation_id"`
	JudgeMetaScore         int                            `json:"judge_meta_score"`
	OverallFeedback        string                         `json:"overall_feedback"`
	AlignmentAnalysis      map[metric.Slug]AlignmentEntry `json:"alignment_analysis"`
	ImprovementAreas       []string                       `json:"improvement_areas"`
	PositiveFeedback       []string                       `json:"positive_feedback"`
	PastPatternsReferenced int                            `json:"past_patterns_referenced"`
}

// ProcessingResponse is returned while judged=false.
type ProcessingResponse struct {
	Status string `json:"status"`
}

// SnapshotListResponse is the paginated snapshot listing.
type SnapshotListResponse struct {
	Items   []Snapshot `json:"items"`
	Total   int        `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
}

// ChatRequest is the wire shape of POST /snapshots/{id}/chat.
type ChatRequest struct {
	Message         string   `json:"message"`
	ClientMessageID string   `json:"client_message_id"`
	SelectedMetrics []string `json:"selected_metrics,omitempty"`
	IsInit          bool     `json:"is_init,omitempty"`
}

// MetricStats is the per-metric block of the overview.
type MetricStats struct {
	AvgPrimaryMetricGap float64 `json:"avg_primary_metric_gap"`
	Count               int     `json:"count"`
	Trend               string  `json:"trend"`
}

// Trend values for MetricStats.
const (
	TrendImproving        = "improving"
	TrendStable           = "stable"
	TrendDeclining        = "declining"
	TrendInsufficientData = "insufficient_data"
)

// StatsOverview is returned by GET /stats/overview.
type StatsOverview struct {
	TotalEvaluations int                         `json:"total_evaluations"`
	AvgMetaScore     float64                     `json:"avg_meta_score"`
	Metrics          map[metric.Slug]MetricStats `json:"metrics"`
	ImprovementTrend string                      `json:"improvement_trend"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Postgres   string `json:"postgres"`
	Qdrant     string `json:"qdrant,omitempty"`
	JudgeQueue int    `json:"judge_queue_depth"`
	Uptime     int64  `json:"uptime_seconds"`
}
