package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentormind/mentormind/internal/evidence"
	"github.com/mentormind/mentormind/internal/llm"
	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
)

type fakeCompleter struct {
	responses []string
	requests  []llm.Request
	err       error
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (llm.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return llm.Result{}, f.err
	}
	if len(f.responses) == 0 {
		return llm.Result{}, errors.New("fakeCompleter: out of responses")
	}
	content := f.responses[0]
	f.responses = f.responses[1:]
	return llm.Result{Content: content}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(completer Completer) *Pipeline {
	return NewPipeline(completer, "judge-model-v1", evidence.New(25, 2000, discardLogger()), discardLogger())
}

func testQuestion() model.Question {
	return model.Question{
		ID:            "q_1",
		Text:          "Is the claim in the answer accurate?",
		Category:      "security",
		Rubric:        map[int]string{1: "wrong", 5: "fully accurate"},
		PrimaryMetric: metric.Truthfulness,
		BonusMetrics:  []metric.Slug{metric.Clarity, metric.Safety},
	}
}

func testResponse(answer string) model.ModelResponse {
	return model.ModelResponse{
		ID:         "resp_1",
		QuestionID: "q_1",
		ModelName:  "candidate-7b",
		AnswerText: answer,
	}
}

// stage1JSON builds a well-formed stage-1 completion covering all eight
// metrics, with optional mutations applied before marshalling.
func stage1JSON(t *testing.T, mutate func(map[string]any)) string {
	t.Helper()
	scores := make(map[string]any)
	for _, slug := range metric.All() {
		scores[string(slug)] = map[string]any{"score": 4, "rationale": "solid on this axis"}
	}
	payload := map[string]any{"independent_scores": scores}
	if mutate != nil {
		mutate(payload)
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(raw)
}

func stage2JSON(t *testing.T, mutate func(map[string]any)) string {
	t.Helper()
	analysis := make(map[string]any)
	for _, slug := range metric.All() {
		analysis[string(slug)] = map[string]any{"feedback": "Bu metrikte uyumlusunuz."}
	}
	payload := map[string]any{
		"alignment_analysis": analysis,
		"overall_feedback":   "Genel kalibrasyonunuz iyi. Kanıt okumaya devam edin.",
		"improvement_areas":  []string{"Kanıtları daha dikkatli okuyun."},
		"positive_feedback":  []string{"Birincil metrikte tutarlısınız."},
	}
	if mutate != nil {
		mutate(payload)
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(raw)
}

func TestStage1ParsesScoresAndVerifiesEvidence(t *testing.T) {
	answer := "The capital of Australia is Sydney, which is also its largest city."
	quote := "The capital of Australia is Sydney"

	completer := &fakeCompleter{responses: []string{
		stage1JSON(t, func(p map[string]any) {
			p["evidence"] = map[string]any{
				"truthfulness": []map[string]any{{
					"quote": quote, "start": 0, "end": len(quote),
					"why": "factual error", "better": "The capital of Australia is Canberra",
				}},
			}
		}),
	}}

	s1, err := newTestPipeline(completer).Stage1(context.Background(), testQuestion(), testResponse(answer))
	require.NoError(t, err)

	require.Len(t, s1.Scores, metric.Count)
	require.NotNil(t, s1.Scores[metric.Safety].Score)
	assert.Equal(t, 4, *s1.Scores[metric.Safety].Score)

	require.Len(t, s1.Evidence[metric.Truthfulness], 1)
	item := s1.Evidence[metric.Truthfulness][0]
	assert.True(t, item.Verified)
	assert.True(t, item.HighlightAvailable)
	assert.Equal(t, quote, answer[item.Start:item.End])

	require.Len(t, completer.requests, 1)
	assert.Equal(t, "judge-model-v1", completer.requests[0].Model)
	assert.InDelta(t, 0.1, completer.requests[0].Temperature, 1e-9)
	assert.Equal(t, llm.PurposeJudge, completer.requests[0].Purpose)
}

func TestStage1AcceptsFencedJSON(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		"Here are my scores:\n```json\n" + stage1JSON(t, nil) + "\n```",
	}}

	s1, err := newTestPipeline(completer).Stage1(context.Background(), testQuestion(), testResponse("answer"))
	require.NoError(t, err)
	assert.Len(t, s1.Scores, metric.Count)
	assert.Nil(t, s1.Evidence)
}

func TestStage1RejectsMissingMetric(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		stage1JSON(t, func(p map[string]any) {
			delete(p["independent_scores"].(map[string]any), string(metric.Robustness))
		}),
	}}

	_, err := newTestPipeline(completer).Stage1(context.Background(), testQuestion(), testResponse("answer"))
	assert.ErrorIs(t, err, ErrStage1Parse)
}

func TestStage1RejectsScoreWithoutRationale(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		stage1JSON(t, func(p map[string]any) {
			p["independent_scores"].(map[string]any)[string(metric.Bias)] = map[string]any{"score": 3, "rationale": ""}
		}),
	}}

	_, err := newTestPipeline(completer).Stage1(context.Background(), testQuestion(), testResponse("answer"))
	assert.ErrorIs(t, err, ErrStage1Parse)
}

func TestStage1AllowsNullScores(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		stage1JSON(t, func(p map[string]any) {
			p["independent_scores"].(map[string]any)[string(metric.Efficiency)] = map[string]any{"score": nil, "rationale": ""}
		}),
	}}

	s1, err := newTestPipeline(completer).Stage1(context.Background(), testQuestion(), testResponse("answer"))
	require.NoError(t, err)
	assert.Nil(t, s1.Scores[metric.Efficiency].Score)
}

func TestStage1EvidenceFailureKeepsScores(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		stage1JSON(t, func(p map[string]any) {
			p["evidence"] = map[string]any{
				"not_a_metric": []map[string]any{{"quote": "x", "start": 0, "end": 1}},
			}
		}),
	}}

	s1, err := newTestPipeline(completer).Stage1(context.Background(), testQuestion(), testResponse("answer"))
	require.NoError(t, err)
	assert.Len(t, s1.Scores, metric.Count)
	assert.Nil(t, s1.Evidence, "bad evidence payload degrades to null without touching scores")
}

func TestStage1MistypedEvidenceKeepsScores(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		stage1JSON(t, func(p map[string]any) {
			p["evidence"] = map[string]any{
				"truthfulness": []map[string]any{{"quote": 5, "start": "zero"}},
			}
		}),
	}}

	s1, err := newTestPipeline(completer).Stage1(context.Background(), testQuestion(), testResponse("answer"))
	require.NoError(t, err, "evidence with wrong value types must not invalidate scores")
	assert.Len(t, s1.Scores, metric.Count)
	require.NotNil(t, s1.Scores[metric.Truthfulness].Score)
	assert.Equal(t, 4, *s1.Scores[metric.Truthfulness].Score)
	assert.Nil(t, s1.Evidence)
}

func TestStage1NullEvidenceKeepsScores(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		stage1JSON(t, func(p map[string]any) { p["evidence"] = nil }),
	}}

	s1, err := newTestPipeline(completer).Stage1(context.Background(), testQuestion(), testResponse("answer"))
	require.NoError(t, err)
	assert.Len(t, s1.Scores, metric.Count)
	assert.Nil(t, s1.Evidence)
}

func TestStage1CompletionErrorPropagates(t *testing.T) {
	wantErr := fmt.Errorf("wrapped: %w", llm.ErrRateLimited)
	completer := &fakeCompleter{err: wantErr}

	_, err := newTestPipeline(completer).Stage1(context.Background(), testQuestion(), testResponse("answer"))
	assert.ErrorIs(t, err, llm.ErrRateLimited)
}

func TestStage2ParsesProse(t *testing.T) {
	completer := &fakeCompleter{responses: []string{stage2JSON(t, nil)}}
	p := newTestPipeline(completer)

	user, judgeScores := uniformScores(4)
	alignment := buildAlignment(user, judgeScores)

	s2, err := p.Stage2(context.Background(), testQuestion(), alignment, judgeScores, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, s2.OverallFeedback)
	assert.Len(t, s2.AlignmentFeedback, metric.Count)
	assert.NotEmpty(t, s2.ImprovementAreas)

	require.Len(t, completer.requests, 1)
	assert.InDelta(t, 0.4, completer.requests[0].Temperature, 1e-9)
}

func TestStage2RejectsEmptyOverallFeedback(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		stage2JSON(t, func(p map[string]any) { p["overall_feedback"] = "" }),
	}}
	p := newTestPipeline(completer)

	user, judgeScores := uniformScores(4)
	_, err := p.Stage2(context.Background(), testQuestion(), buildAlignment(user, judgeScores), judgeScores, nil)
	assert.ErrorIs(t, err, ErrStage2Parse)
}

func TestStage2DropsUnknownAlignmentKeys(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		stage2JSON(t, func(p map[string]any) {
			p["alignment_analysis"].(map[string]any)["vibes"] = map[string]any{"feedback": "?"}
		}),
	}}
	p := newTestPipeline(completer)

	user, judgeScores := uniformScores(4)
	s2, err := p.Stage2(context.Background(), testQuestion(), buildAlignment(user, judgeScores), judgeScores, nil)
	require.NoError(t, err)
	assert.Len(t, s2.AlignmentFeedback, metric.Count)
}

func TestStage2PromptIncludesMemoryBlock(t *testing.T) {
	completer := &fakeCompleter{responses: []string{stage2JSON(t, nil)}}
	p := newTestPipeline(completer)

	user, judgeScores := uniformScores(4)
	mem := []model.MemoryEntry{{
		Category:       "security",
		PrimaryMetric:  metric.Truthfulness,
		JudgeMetaScore: 2,
		PrimaryGap:     2,
		MistakePattern: model.VerdictSigOverEstimated,
		Feedback:       "Kanıt olmadan yüksek puan verme eğilimi.",
	}}

	_, err := p.Stage2(context.Background(), testQuestion(), buildAlignment(user, judgeScores), judgeScores, mem)
	require.NoError(t, err)
	require.Len(t, completer.requests, 1)
	assert.Contains(t, completer.requests[0].Messages[1].Content, "Recurring patterns")
	assert.Contains(t, completer.requests[0].Messages[1].Content, model.VerdictSigOverEstimated)
}
