// Package judge runs the two-stage evaluation pipeline: blind per-metric
// scoring with evidence extraction, then a mentoring comparison against the
// learner's scores. All arithmetic (gaps, weighted gap, meta-score, verdicts)
// is computed locally; the LLM only contributes scores, rationales, and prose.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mentormind/mentormind/internal/evidence"
	"github.com/mentormind/mentormind/internal/llm"
	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
)

// Parse failures abort the pipeline and leave the evaluation retriable.
var (
	ErrStage1Parse = errors.New("judge: stage-1 parse failed")
	ErrStage2Parse = errors.New("judge: stage-2 parse failed")
)

// Completer is the blocking side of the LLM gateway.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Result, error)
}

// Pipeline drives the two judge stages for one evaluation.
type Pipeline struct {
	llm      Completer
	model    string
	verifier *evidence.Verifier
	logger   *slog.Logger
}

// NewPipeline wires the stage runner.
func NewPipeline(completer Completer, judgeModel string, verifier *evidence.Verifier, logger *slog.Logger) *Pipeline {
	return &Pipeline{llm: completer, model: judgeModel, verifier: verifier, logger: logger}
}

// Stage1Result is the blind-scoring output. Evidence is already verified; it
// is nil when evidence parsing failed (scores survive that).
type Stage1Result struct {
	Scores   map[metric.Slug]model.IndependentScore
	Evidence map[metric.Slug][]model.EvidenceItem
}

// Evidence stays raw here so a malformed evidence object cannot fail the
// unmarshal that carries the scores.
type stage1Wire struct {
	IndependentScores map[string]model.IndependentScore `json:"independent_scores"`
	Evidence          json.RawMessage                   `json:"evidence"`
}

type wireEvidence struct {
	Quote  string `json:"quote"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Why    string `json:"why"`
	Better string `json:"better"`
}

// Stage1 scores the answer blind and extracts evidence.
func (p *Pipeline) Stage1(ctx context.Context, q model.Question, r model.ModelResponse) (Stage1Result, error) {
	res, err := p.llm.Complete(ctx, llm.Request{
		Model:       p.model,
		Temperature: 0.1,
		JSONMode:    true,
		Purpose:     llm.PurposeJudge,
		Messages: []llm.Message{
			{Role: "system", Content: stage1System},
			{Role: "user", Content: stage1Prompt(q, r)},
		},
	})
	if err != nil {
		return Stage1Result{}, fmt.Errorf("judge: stage-1 completion: %w", err)
	}

	raw, err := extractJSON(res.Content)
	if err != nil {
		return Stage1Result{}, fmt.Errorf("%w: %v", ErrStage1Parse, err)
	}
	var wire stage1Wire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Stage1Result{}, fmt.Errorf("%w: %v", ErrStage1Parse, err)
	}

	scores, err := validateScores(wire.IndependentScores)
	if err != nil {
		return Stage1Result{}, fmt.Errorf("%w: %v", ErrStage1Parse, err)
	}

	// Evidence failures never invalidate scores: the snapshot degrades to
	// evidence=null instead.
	items, evErr := parseEvidence(wire.Evidence)
	if evErr != nil {
		p.logger.WarnContext(ctx, "judge: evidence payload rejected, degrading to null", "error", evErr)
		return Stage1Result{Scores: scores}, nil
	}
	return Stage1Result{
		Scores:   scores,
		Evidence: p.verifier.VerifyAll(ctx, r.AnswerText, items),
	}, nil
}

// validateScores enforces the eight-slug contract on stage-1 scores.
func validateScores(in map[string]model.IndependentScore) (map[metric.Slug]model.IndependentScore, error) {
	out := make(map[metric.Slug]model.IndependentScore, metric.Count)
	for raw, s := range in {
		slug, err := metric.Parse(raw)
		if err != nil {
			return nil, err
		}
		if s.Score != nil {
			if *s.Score < 1 || *s.Score > 5 {
				return nil, fmt.Errorf("metric %s: score %d out of range", slug, *s.Score)
			}
			if s.Rationale == "" {
				return nil, fmt.Errorf("metric %s: scored without rationale", slug)
			}
		}
		out[slug] = s
	}
	for _, slug := range metric.All() {
		if _, ok := out[slug]; !ok {
			return nil, fmt.Errorf("metric %s missing from independent_scores", slug)
		}
	}
	return out, nil
}

// parseEvidence decodes the evidence object in isolation from the scores, so
// a type mismatch inside it surfaces here and nowhere else.
func parseEvidence(raw json.RawMessage) (map[metric.Slug][]model.EvidenceItem, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var in map[string][]wireEvidence
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return convertEvidence(in)
}

// convertEvidence maps wire evidence onto domain items, rejecting unknown
// metric keys. The whole payload is rejected on any bad key so the snapshot
// never stores partially-validated evidence.
func convertEvidence(in map[string][]wireEvidence) (map[metric.Slug][]model.EvidenceItem, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[metric.Slug][]model.EvidenceItem, len(in))
	for raw, items := range in {
		slug, err := metric.Parse(raw)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			continue
		}
		converted := make([]model.EvidenceItem, 0, len(items))
		for _, it := range items {
			converted = append(converted, model.EvidenceItem{
				Quote: it.Quote, Start: it.Start, End: it.End,
				Why: it.Why, Better: it.Better,
			})
		}
		out[slug] = converted
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Stage2Result is the mentoring prose from the second stage.
type Stage2Result struct {
	AlignmentFeedback map[metric.Slug]string
	OverallFeedback   string
	ImprovementAreas  []string
	PositiveFeedback  []string
}

type stage2Wire struct {
	AlignmentAnalysis map[string]struct {
		Feedback string `json:"feedback"`
	} `json:"alignment_analysis"`
	OverallFeedback  string   `json:"overall_feedback"`
	ImprovementAreas []string `json:"improvement_areas"`
	PositiveFeedback []string `json:"positive_feedback"`
}

// Stage2 generates the mentoring prose. The deterministic comparison table
// and memory context go into the prompt; the completion contributes only text.
func (p *Pipeline) Stage2(ctx context.Context, q model.Question, alignment map[metric.Slug]model.AlignmentEntry, scores map[metric.Slug]model.IndependentScore, memoryCtx []model.MemoryEntry) (Stage2Result, error) {
	res, err := p.llm.Complete(ctx, llm.Request{
		Model:       p.model,
		Temperature: 0.4,
		JSONMode:    true,
		Purpose:     llm.PurposeJudge,
		Messages: []llm.Message{
			{Role: "system", Content: stage2System},
			{Role: "user", Content: stage2Prompt(q, alignment, scores, formatMemoryBlock(memoryCtx))},
		},
	})
	if err != nil {
		return Stage2Result{}, fmt.Errorf("judge: stage-2 completion: %w", err)
	}

	raw, err := extractJSON(res.Content)
	if err != nil {
		return Stage2Result{}, fmt.Errorf("%w: %v", ErrStage2Parse, err)
	}
	var wire stage2Wire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Stage2Result{}, fmt.Errorf("%w: %v", ErrStage2Parse, err)
	}
	if wire.OverallFeedback == "" {
		return Stage2Result{}, fmt.Errorf("%w: empty overall_feedback", ErrStage2Parse)
	}

	feedback := make(map[metric.Slug]string, metric.Count)
	for raw, entry := range wire.AlignmentAnalysis {
		slug := metric.Slug(raw)
		if !metric.IsValid(slug) {
			continue // prose for an unknown key is dropped, not fatal
		}
		feedback[slug] = entry.Feedback
	}

	return Stage2Result{
		AlignmentFeedback: feedback,
		OverallFeedback:   wire.OverallFeedback,
		ImprovementAreas:  wire.ImprovementAreas,
		PositiveFeedback:  wire.PositiveFeedback,
	}, nil
}
