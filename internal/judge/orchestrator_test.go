package judge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentormind/mentormind/internal/memory"
	"github.com/mentormind/mentormind/internal/model"
	"github.com/mentormind/mentormind/internal/storage"
)

type fakeJudgeStore struct {
	mu       sync.Mutex
	eval     model.LearnerEvaluation
	question model.Question
	response model.ModelResponse

	judgeRows map[string]model.JudgeEvaluation
	snapshots []model.Snapshot
	judged    bool
	calls     []string

	createJudgeErr error
}

func (s *fakeJudgeStore) judgedNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.judged
}

func newFakeJudgeStore(answer string) *fakeJudgeStore {
	user, _ := uniformScores(4)
	return &fakeJudgeStore{
		eval:      model.LearnerEvaluation{ID: "eval_1", ResponseID: "resp_1", Scores: user},
		question:  testQuestion(),
		response:  testResponse(answer),
		judgeRows: make(map[string]model.JudgeEvaluation),
	}
}

func (s *fakeJudgeStore) GetLearnerEvaluation(_ context.Context, id string) (model.LearnerEvaluation, error) {
	s.calls = append(s.calls, "get_eval")
	if id != s.eval.ID {
		return model.LearnerEvaluation{}, storage.ErrNotFound
	}
	e := s.eval
	e.Judged = s.judged
	return e, nil
}

func (s *fakeJudgeStore) GetResponseContext(_ context.Context, responseID string) (model.ModelResponse, model.Question, error) {
	s.calls = append(s.calls, "get_context")
	if responseID != s.response.ID {
		return model.ModelResponse{}, model.Question{}, storage.ErrNotFound
	}
	return s.response, s.question, nil
}

func (s *fakeJudgeStore) CreateJudgeEvaluation(_ context.Context, j model.JudgeEvaluation) (model.JudgeEvaluation, error) {
	s.calls = append(s.calls, "create_judge")
	if s.createJudgeErr != nil {
		return model.JudgeEvaluation{}, s.createJudgeErr
	}
	if _, ok := s.judgeRows[j.EvaluationID]; ok {
		return model.JudgeEvaluation{}, storage.ErrAlreadyExists
	}
	j.ID = fmt.Sprintf("judge_%d", len(s.judgeRows)+1)
	s.judgeRows[j.EvaluationID] = j
	return j, nil
}

func (s *fakeJudgeStore) GetJudgeEvaluationByEvaluationID(_ context.Context, evaluationID string) (model.JudgeEvaluation, error) {
	s.calls = append(s.calls, "get_judge")
	j, ok := s.judgeRows[evaluationID]
	if !ok {
		return model.JudgeEvaluation{}, storage.ErrNotFound
	}
	return j, nil
}

func (s *fakeJudgeStore) CreateSnapshot(_ context.Context, snap model.Snapshot) (model.Snapshot, error) {
	s.calls = append(s.calls, "create_snapshot")
	for _, existing := range s.snapshots {
		if existing.EvaluationID == snap.EvaluationID {
			return model.Snapshot{}, storage.ErrAlreadyExists
		}
	}
	snap.ID = fmt.Sprintf("snap_%d", len(s.snapshots)+1)
	s.snapshots = append(s.snapshots, snap)
	return snap, nil
}

func (s *fakeJudgeStore) GetSnapshotByEvaluationID(_ context.Context, evaluationID string) (model.Snapshot, error) {
	s.calls = append(s.calls, "get_snapshot")
	for _, snap := range s.snapshots {
		if snap.EvaluationID == evaluationID {
			return snap, nil
		}
	}
	return model.Snapshot{}, storage.ErrNotFound
}

func (s *fakeJudgeStore) MarkEvaluationJudged(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "mark_judged")
	if s.judged {
		return false, nil
	}
	s.judged = true
	return true, nil
}

func (s *fakeJudgeStore) ListUnjudgedEvaluations(_ context.Context, limit int) ([]model.LearnerEvaluation, error) {
	if s.judged {
		return nil, nil
	}
	return []model.LearnerEvaluation{s.eval}, nil
}

type fakeJudgeMemory struct {
	recalled   []model.MemoryEntry
	recallErr  error
	remembered []model.MemoryEntry
	rememberErr error
}

func (m *fakeJudgeMemory) Recall(_ context.Context, _ string, _ memory.Filter, _ int) ([]model.MemoryEntry, error) {
	if m.recallErr != nil {
		return nil, m.recallErr
	}
	return m.recalled, nil
}

func (m *fakeJudgeMemory) Remember(_ context.Context, entry model.MemoryEntry, _ string) error {
	if m.rememberErr != nil {
		return m.rememberErr
	}
	m.remembered = append(m.remembered, entry)
	return nil
}

func newTestOrchestrator(store *fakeJudgeStore, mem *fakeJudgeMemory, completer Completer) *Orchestrator {
	cfg := Config{QueueSize: 4, StageTimeout: time.Minute, MemoryTopN: 3, MaxChatTurns: 10}
	return NewOrchestrator(store, mem, newTestPipeline(completer), cfg, discardLogger())
}

func TestProcessHappyPath(t *testing.T) {
	store := newFakeJudgeStore("The answer under evaluation.")
	mem := &fakeJudgeMemory{}
	completer := &fakeCompleter{responses: []string{stage1JSON(t, nil), stage2JSON(t, nil)}}
	o := newTestOrchestrator(store, mem, completer)

	require.NoError(t, o.process(context.Background(), "eval_1"))

	// Judge row before snapshot, snapshot before judged flag.
	assert.Equal(t, []string{"get_eval", "get_context", "create_judge", "create_snapshot", "mark_judged"}, store.calls)
	assert.True(t, store.judged)

	require.Len(t, store.snapshots, 1)
	snap := store.snapshots[0]
	assert.Equal(t, "eval_1", snap.EvaluationID)
	assert.Equal(t, "judge_1", snap.JudgeEvaluationID)
	assert.Equal(t, 5, snap.MetaScore, "learner and judge agree everywhere")
	assert.Zero(t, snap.WeightedGap)
	assert.Equal(t, 10, snap.MaxChatTurns)
	assert.Equal(t, model.SnapshotActive, snap.Status)
	assert.Equal(t, "judge-model-v1", snap.JudgeModel)

	row := store.judgeRows["eval_1"]
	assert.NotEmpty(t, row.OverallFeedback)
	for slug, entry := range row.Alignment {
		assert.Equal(t, model.VerdictAligned, entry.Verdict)
		assert.NotEmpty(t, entry.Feedback, "stage-2 prose merged for %s", slug)
	}

	require.Len(t, mem.remembered, 1)
	assert.Equal(t, "eval_1", mem.remembered[0].EvaluationID)
	assert.Equal(t, model.VerdictAligned, mem.remembered[0].MistakePattern)
}

func TestProcessStage2FailureLeavesEvaluationPending(t *testing.T) {
	store := newFakeJudgeStore("answer")
	completer := &fakeCompleter{responses: []string{stage1JSON(t, nil), "not json at all"}}
	o := newTestOrchestrator(store, &fakeJudgeMemory{}, completer)

	err := o.process(context.Background(), "eval_1")
	require.ErrorIs(t, err, ErrStage2Parse)
	assert.False(t, store.judged)
	assert.Empty(t, store.snapshots)
	assert.Empty(t, store.judgeRows)
}

func TestProcessSkipsAlreadyJudged(t *testing.T) {
	store := newFakeJudgeStore("answer")
	store.judged = true
	completer := &fakeCompleter{}
	o := newTestOrchestrator(store, &fakeJudgeMemory{}, completer)

	require.NoError(t, o.process(context.Background(), "eval_1"))
	assert.Empty(t, completer.requests, "no LLM calls for a judged evaluation")
	assert.Empty(t, store.snapshots)
}

func TestProcessResumesAfterPartialRun(t *testing.T) {
	store := newFakeJudgeStore("answer")
	// Simulate a crash after the judge row was written but before the snapshot.
	store.judgeRows["eval_1"] = model.JudgeEvaluation{
		ID:           "judge_existing",
		EvaluationID: "eval_1",
		MetaScore:    3,
		JudgeModel:   "judge-model-v1",
	}
	completer := &fakeCompleter{responses: []string{stage1JSON(t, nil), stage2JSON(t, nil)}}
	o := newTestOrchestrator(store, &fakeJudgeMemory{}, completer)

	require.NoError(t, o.process(context.Background(), "eval_1"))

	require.Len(t, store.snapshots, 1)
	assert.Equal(t, "judge_existing", store.snapshots[0].JudgeEvaluationID)
	assert.Equal(t, 3, store.snapshots[0].MetaScore, "snapshot resumes from the persisted judge row")
	assert.True(t, store.judged)
}

func TestProcessReusesSnapshotAfterPartialRun(t *testing.T) {
	store := newFakeJudgeStore("answer")
	// Simulate a crash after judge row and snapshot were written but before
	// the judged flag flipped. The rerun must not mint a second snapshot.
	store.judgeRows["eval_1"] = model.JudgeEvaluation{
		ID:           "judge_existing",
		EvaluationID: "eval_1",
		MetaScore:    3,
		JudgeModel:   "judge-model-v1",
	}
	store.snapshots = append(store.snapshots, model.Snapshot{
		ID:                "snap_existing",
		EvaluationID:      "eval_1",
		JudgeEvaluationID: "judge_existing",
		Status:            model.SnapshotActive,
	})
	completer := &fakeCompleter{responses: []string{stage1JSON(t, nil), stage2JSON(t, nil)}}
	o := newTestOrchestrator(store, &fakeJudgeMemory{}, completer)

	require.NoError(t, o.process(context.Background(), "eval_1"))

	require.Len(t, store.snapshots, 1, "exactly one snapshot per judged evaluation")
	assert.Equal(t, "snap_existing", store.snapshots[0].ID)
	assert.True(t, store.judged)
}

func TestProcessRecallFailureIsNonFatal(t *testing.T) {
	store := newFakeJudgeStore("answer")
	mem := &fakeJudgeMemory{recallErr: errors.New("qdrant down")}
	completer := &fakeCompleter{responses: []string{stage1JSON(t, nil), stage2JSON(t, nil)}}
	o := newTestOrchestrator(store, mem, completer)

	require.NoError(t, o.process(context.Background(), "eval_1"))
	assert.True(t, store.judged)
	assert.Nil(t, store.judgeRows["eval_1"].MemoryContext)
}

func TestProcessRememberFailureIsNonFatal(t *testing.T) {
	store := newFakeJudgeStore("answer")
	mem := &fakeJudgeMemory{rememberErr: errors.New("embedding service down")}
	completer := &fakeCompleter{responses: []string{stage1JSON(t, nil), stage2JSON(t, nil)}}
	o := newTestOrchestrator(store, mem, completer)

	require.NoError(t, o.process(context.Background(), "eval_1"))
	assert.True(t, store.judged)
}

func TestRunDrainsQueueAndRecovers(t *testing.T) {
	store := newFakeJudgeStore("answer")
	completer := &fakeCompleter{responses: []string{stage1JSON(t, nil), stage2JSON(t, nil)}}
	o := newTestOrchestrator(store, &fakeJudgeMemory{}, completer)

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)

	// The recovery sweep alone should pick up eval_1 without an Enqueue.
	require.Eventually(t, store.judgedNow, 5*time.Second, 10*time.Millisecond)

	cancel()
	o.Wait()
}

func TestEnqueueFullQueue(t *testing.T) {
	store := newFakeJudgeStore("answer")
	o := newTestOrchestrator(store, &fakeJudgeMemory{}, &fakeCompleter{})

	for i := 0; i < 4; i++ {
		assert.True(t, o.Enqueue(fmt.Sprintf("eval_%d", i)))
	}
	assert.False(t, o.Enqueue("eval_overflow"))
	assert.Equal(t, 4, o.QueueDepth())
}
