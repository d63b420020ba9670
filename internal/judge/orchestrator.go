package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentormind/mentormind/internal/memory"
	"github.com/mentormind/mentormind/internal/model"
	"github.com/mentormind/mentormind/internal/storage"
)

// Store is the slice of the storage layer the orchestrator needs.
type Store interface {
	GetLearnerEvaluation(ctx context.Context, id string) (model.LearnerEvaluation, error)
	GetResponseContext(ctx context.Context, responseID string) (model.ModelResponse, model.Question, error)
	CreateJudgeEvaluation(ctx context.Context, j model.JudgeEvaluation) (model.JudgeEvaluation, error)
	GetJudgeEvaluationByEvaluationID(ctx context.Context, evaluationID string) (model.JudgeEvaluation, error)
	CreateSnapshot(ctx context.Context, s model.Snapshot) (model.Snapshot, error)
	GetSnapshotByEvaluationID(ctx context.Context, evaluationID string) (model.Snapshot, error)
	MarkEvaluationJudged(ctx context.Context, id string) (bool, error)
	ListUnjudgedEvaluations(ctx context.Context, limit int) ([]model.LearnerEvaluation, error)
}

// Memory is the vector-memory surface used around stage-2.
type Memory interface {
	Recall(ctx context.Context, queryText string, f memory.Filter, topN int) ([]model.MemoryEntry, error)
	Remember(ctx context.Context, entry model.MemoryEntry, document string) error
}

// Config bounds the orchestrator.
type Config struct {
	QueueSize    int
	StageTimeout time.Duration
	MemoryTopN   int
	MaxChatTurns int
}

// Orchestrator consumes judge tasks from a bounded queue. The durable gate is
// judged=false in the database; the queue is just a wake-up signal, so
// duplicate or lost enqueues are harmless.
type Orchestrator struct {
	store    Store
	memory   Memory
	pipeline *Pipeline
	cfg      Config
	logger   *slog.Logger

	queue chan string
	done  chan struct{}
}

// NewOrchestrator wires the background judge worker.
func NewOrchestrator(store Store, mem Memory, pipeline *Pipeline, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Orchestrator{
		store:    store,
		memory:   mem,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan string, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Enqueue schedules an evaluation for judging. Returns false when the queue
// is full; the evaluation is still picked up by the recovery sweep.
func (o *Orchestrator) Enqueue(evaluationID string) bool {
	select {
	case o.queue <- evaluationID:
		return true
	default:
		o.logger.Warn("judge: queue full, relying on recovery sweep", "evaluation_id", evaluationID)
		return false
	}
}

// QueueDepth reports the number of pending tasks.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// Run consumes the queue until ctx is canceled. The in-flight task is allowed
// to finish during shutdown. Call Wait to block until the worker has drained.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)

	o.recoverPending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			// Detach from the shutdown signal: an interrupted judge run
			// wastes two LLM calls and leaves the evaluation pending again.
			taskCtx := context.WithoutCancel(ctx)
			if err := o.process(taskCtx, id); err != nil {
				o.logger.ErrorContext(taskCtx, "judge: pipeline failed, evaluation stays pending",
					"evaluation_id", id, "error", err)
			}
		}
	}
}

// Wait blocks until Run has returned.
func (o *Orchestrator) Wait() {
	<-o.done
}

// recoverPending re-enqueues evaluations whose judge run was lost to a crash.
func (o *Orchestrator) recoverPending(ctx context.Context) {
	pending, err := o.store.ListUnjudgedEvaluations(ctx, o.cfg.QueueSize)
	if err != nil {
		o.logger.WarnContext(ctx, "judge: recovery sweep failed", "error", err)
		return
	}
	for _, e := range pending {
		o.Enqueue(e.ID)
	}
	if len(pending) > 0 {
		o.logger.InfoContext(ctx, "judge: recovered pending evaluations", "count", len(pending))
	}
}

// process runs the full pipeline for one evaluation, in strict order:
// stage-1, memory query, stage-2, snapshot write, memory insert, judged=true.
func (o *Orchestrator) process(ctx context.Context, evaluationID string) error {
	eval, err := o.store.GetLearnerEvaluation(ctx, evaluationID)
	if err != nil {
		return err
	}
	if eval.Judged {
		o.logger.DebugContext(ctx, "judge: evaluation already judged, skipping", "evaluation_id", evaluationID)
		return nil
	}

	resp, question, err := o.store.GetResponseContext(ctx, eval.ResponseID)
	if err != nil {
		return err
	}

	started := time.Now()
	stage1Ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	s1, err := o.pipeline.Stage1(stage1Ctx, question, resp)
	cancel()
	if err != nil {
		return err
	}

	// Memory recall is best-effort: an empty or failed recall never blocks
	// the pipeline. A nil memory means Qdrant is not configured.
	var memoryCtx []model.MemoryEntry
	if o.memory != nil {
		recalled, err := o.memory.Recall(ctx,
			memoryQueryText(question.PrimaryMetric, question.Category),
			memory.Filter{
				PrimaryMetric: question.PrimaryMetric,
				Category:      question.Category,
				ExcludeID:     evaluationID,
			},
			o.cfg.MemoryTopN,
		)
		if err != nil {
			o.logger.WarnContext(ctx, "judge: memory recall failed, continuing without context",
				"evaluation_id", evaluationID, "error", err)
		} else {
			memoryCtx = recalled
		}
	}

	alignment := buildAlignment(eval.Scores, s1.Scores)
	w := weightedGap(eval.Scores, s1.Scores, question.PrimaryMetric, question.BonusMetrics)
	meta := metaScore(w)
	pGap := primaryMetricGap(eval.Scores, s1.Scores, question.PrimaryMetric)

	stage2Ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	s2, err := o.pipeline.Stage2(stage2Ctx, question, alignment, s1.Scores, memoryCtx)
	cancel()
	if err != nil {
		return err
	}

	// The LLM's prose joins the deterministic table; verdicts and gaps are
	// already final.
	for slug, entry := range alignment {
		entry.Feedback = s2.AlignmentFeedback[slug]
		alignment[slug] = entry
	}

	judgeEval, err := o.store.CreateJudgeEvaluation(ctx, model.JudgeEvaluation{
		EvaluationID:      evaluationID,
		IndependentScores: s1.Scores,
		Alignment:         alignment,
		MetaScore:         meta,
		OverallFeedback:   s2.OverallFeedback,
		ImprovementAreas:  s2.ImprovementAreas,
		PositiveFeedback:  s2.PositiveFeedback,
		MemoryContext:     memoryCtx,
		PrimaryMetric:     question.PrimaryMetric,
		PrimaryMetricGap:  pGap,
		WeightedGap:       w,
		JudgeModel:        o.pipeline.model,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// A previous run wrote the judge row but crashed before finishing.
		// Resume from the persisted result so the retry stays idempotent.
		judgeEval, err = o.store.GetJudgeEvaluationByEvaluationID(ctx, evaluationID)
	}
	if err != nil {
		return err
	}

	snapshot, err := o.store.CreateSnapshot(ctx, model.Snapshot{
		EvaluationID:      evaluationID,
		JudgeEvaluationID: judgeEval.ID,
		QuestionText:      question.Text,
		AnswerText:        resp.AnswerText,
		ModelName:         resp.ModelName,
		JudgeModel:        judgeEval.JudgeModel,
		PrimaryMetric:     question.PrimaryMetric,
		BonusMetrics:      question.BonusMetrics,
		Category:          question.Category,
		UserScores:        eval.Scores,
		JudgeScores:       judgeEval.IndependentScores,
		Evidence:          s1.Evidence,
		MetaScore:         judgeEval.MetaScore,
		WeightedGap:       judgeEval.WeightedGap,
		OverallFeedback:   judgeEval.OverallFeedback,
		MaxChatTurns:      o.cfg.MaxChatTurns,
		Status:            model.SnapshotActive,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Same crash window as the judge row: the snapshot landed but the
		// judged flag did not. Reuse it instead of minting a second one.
		snapshot, err = o.store.GetSnapshotByEvaluationID(ctx, evaluationID)
	}
	if err != nil {
		return fmt.Errorf("judge: snapshot write: %w", err)
	}

	// Memory insert is log-only on failure.
	if o.memory != nil {
		entry := model.MemoryEntry{
			EvaluationID:   evaluationID,
			Category:       question.Category,
			PrimaryMetric:  question.PrimaryMetric,
			JudgeMetaScore: judgeEval.MetaScore,
			PrimaryGap:     judgeEval.PrimaryMetricGap,
			Feedback:       firstSentence(judgeEval.OverallFeedback),
			MistakePattern: mistakePattern(alignment, question.PrimaryMetric),
			Timestamp:      time.Now().UTC(),
		}
		doc := memoryDocument(question, resp, alignment, judgeEval.MetaScore, judgeEval.OverallFeedback)
		if err := o.memory.Remember(ctx, entry, doc); err != nil {
			o.logger.WarnContext(ctx, "judge: memory insert failed",
				"evaluation_id", evaluationID, "error", err)
		}
	}

	if _, err := o.store.MarkEvaluationJudged(ctx, evaluationID); err != nil {
		return err
	}

	o.logger.InfoContext(ctx, "judge: evaluation judged",
		"evaluation_id", evaluationID,
		"snapshot_id", snapshot.ID,
		"meta_score", judgeEval.MetaScore,
		"weighted_gap", judgeEval.WeightedGap,
		"elapsed", time.Since(started))
	return nil
}
