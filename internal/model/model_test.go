package model

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentormind/mentormind/internal/metric"
)

func intPtr(v int) *int { return &v }

func fullSubmitRequest() SubmitEvaluationRequest {
	evals := make(map[string]MetricScore, metric.Count)
	for _, slug := range metric.All() {
		evals[string(slug)] = MetricScore{Score: intPtr(3), Reasoning: "reasoned"}
	}
	return SubmitEvaluationRequest{ResponseID: "resp_20250101_000000_aabbccddeeff", Evaluations: evals}
}

func TestSubmitValidateAccepts(t *testing.T) {
	req := fullSubmitRequest()
	req.Evaluations[string(metric.Safety)] = MetricScore{Score: nil, Reasoning: ""}

	scores, err := req.Validate()
	require.NoError(t, err)
	assert.Len(t, scores, metric.Count)
	assert.Nil(t, scores[metric.Safety].Score)
	assert.Equal(t, 3, *scores[metric.Truthfulness].Score)
}

func TestSubmitValidateRejects(t *testing.T) {
	t.Run("missing response id", func(t *testing.T) {
		req := fullSubmitRequest()
		req.ResponseID = ""
		_, err := req.Validate()
		assert.Error(t, err)
	})

	t.Run("missing metric", func(t *testing.T) {
		req := fullSubmitRequest()
		delete(req.Evaluations, string(metric.Bias))
		_, err := req.Validate()
		assert.Error(t, err)
	})

	t.Run("unknown metric", func(t *testing.T) {
		req := fullSubmitRequest()
		delete(req.Evaluations, string(metric.Bias))
		req.Evaluations["creativity"] = MetricScore{Score: intPtr(3), Reasoning: "x"}
		_, err := req.Validate()
		var ise metric.InvalidSlugError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, "creativity", ise.Input)
	})

	t.Run("score out of range", func(t *testing.T) {
		req := fullSubmitRequest()
		req.Evaluations[string(metric.Clarity)] = MetricScore{Score: intPtr(6), Reasoning: "x"}
		_, err := req.Validate()
		assert.Error(t, err)
	})

	t.Run("scored without reasoning", func(t *testing.T) {
		req := fullSubmitRequest()
		req.Evaluations[string(metric.Clarity)] = MetricScore{Score: intPtr(4)}
		_, err := req.Validate()
		assert.Error(t, err)
	})

	t.Run("reasoning without score", func(t *testing.T) {
		req := fullSubmitRequest()
		req.Evaluations[string(metric.Clarity)] = MetricScore{Reasoning: "stray"}
		_, err := req.Validate()
		assert.Error(t, err)
	})

	t.Run("nine entries", func(t *testing.T) {
		req := fullSubmitRequest()
		req.Evaluations["extra"] = MetricScore{}
		_, err := req.Validate()
		assert.Error(t, err)
	})
}

func TestNewIDFormat(t *testing.T) {
	at := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	id := newIDAt(PrefixSnapshot, at)

	re := regexp.MustCompile(`^snap_20250314_150926_[0-9a-f]{12}$`)
	assert.Regexp(t, re, id)

	other := newIDAt(PrefixSnapshot, at)
	assert.NotEqual(t, id, other, "random suffix must differ")
}

func TestInitClientMessageID(t *testing.T) {
	assert.Equal(t, "init_snap_x", InitClientMessageID("snap_x"))
}
