package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mentormind/mentormind/internal/chat"
	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
	"github.com/mentormind/mentormind/internal/storage"
)

// Store is the storage surface the handlers read and write.
type Store interface {
	Ping(ctx context.Context) error
	GetResponseContext(ctx context.Context, responseID string) (model.ModelResponse, model.Question, error)
	CreateLearnerEvaluation(ctx context.Context, e model.LearnerEvaluation) (model.LearnerEvaluation, error)
	GetLearnerEvaluation(ctx context.Context, id string) (model.LearnerEvaluation, error)
	GetJudgeEvaluationByEvaluationID(ctx context.Context, evaluationID string) (model.JudgeEvaluation, error)
	GetSnapshot(ctx context.Context, id string) (model.Snapshot, error)
	GetSnapshotAnyStatus(ctx context.Context, id string) (model.Snapshot, error)
	ListSnapshots(ctx context.Context, f storage.SnapshotFilter) ([]model.Snapshot, int, error)
	ArchiveSnapshot(ctx context.Context, id string) error
	ListMessages(ctx context.Context, snapshotID string) ([]model.ChatMessage, error)
}

// Judge is the queue surface of the judge orchestrator.
type Judge interface {
	Enqueue(evaluationID string) bool
	QueueDepth() int
}

// Coach runs chat turns.
type Coach interface {
	Turn(ctx context.Context, snapshotID string, req model.ChatRequest, emit func(delta string) error) (chat.TurnResult, error)
}

// StatsProvider assembles the progress overview.
type StatsProvider interface {
	Overview(ctx context.Context) (model.StatsOverview, error)
}

// MemoryHealth reports vector index reachability for the health endpoint.
type MemoryHealth interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  Store
	judge               Judge
	coach               Coach
	stats               StatsProvider
	memory              MemoryHealth
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Memory.
type HandlersDeps struct {
	DB                  Store
	Judge               Judge
	Coach               Coach
	Stats               StatsProvider
	Memory              MemoryHealth
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		judge:               d.Judge,
		coach:               d.Coach,
		stats:               d.Stats,
		memory:              d.Memory,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleSubmitEvaluation handles POST /evaluations/submit.
func (h *Handlers) HandleSubmitEvaluation(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitEvaluationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	scores, err := req.Validate()
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if _, _, err := h.db.GetResponseContext(r.Context(), req.ResponseID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "model response not found")
			return
		}
		h.internalError(w, r, "submit: load response", err)
		return
	}

	eval, err := h.db.CreateLearnerEvaluation(r.Context(), model.LearnerEvaluation{
		ResponseID: req.ResponseID,
		Scores:     scores,
	})
	if err != nil {
		h.internalError(w, r, "submit: create evaluation", err)
		return
	}

	// The queue is a wake-up signal; a full queue is not an error because the
	// recovery sweep picks the row up from judged=false.
	h.judge.Enqueue(eval.ID)

	writeJSON(w, r, http.StatusOK, model.SubmitEvaluationResponse{
		EvaluationID: eval.ID,
		Status:       "submitted",
		Message:      "evaluation queued for judging",
	})
}

// HandleFeedback handles GET /evaluations/{id}/feedback.
func (h *Handlers) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	eval, err := h.db.GetLearnerEvaluation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "evaluation not found")
			return
		}
		h.internalError(w, r, "feedback: load evaluation", err)
		return
	}

	if !eval.Judged {
		writeJSON(w, r, http.StatusOK, model.ProcessingResponse{Status: "processing"})
		return
	}

	judgeEval, err := h.db.GetJudgeEvaluationByEvaluationID(r.Context(), id)
	if err != nil {
		h.internalError(w, r, "feedback: load judge result", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.FeedbackResponse{
		EvaluationID:           id,
		JudgeMetaScore:         judgeEval.MetaScore,
		OverallFeedback:        judgeEval.OverallFeedback,
		AlignmentAnalysis:      judgeEval.Alignment,
		ImprovementAreas:       judgeEval.ImprovementAreas,
		PositiveFeedback:       judgeEval.PositiveFeedback,
		PastPatternsReferenced: len(judgeEval.MemoryContext),
	})
}

// HandleRejudge handles POST /evaluations/{id}/rejudge. Safe to call while a
// run is in flight; the judged=false gate makes duplicate enqueues harmless.
func (h *Handlers) HandleRejudge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	eval, err := h.db.GetLearnerEvaluation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "evaluation not found")
			return
		}
		h.internalError(w, r, "rejudge: load evaluation", err)
		return
	}
	if eval.Judged {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "evaluation already judged")
		return
	}

	h.judge.Enqueue(eval.ID)
	writeJSON(w, r, http.StatusOK, model.SubmitEvaluationResponse{
		EvaluationID: eval.ID,
		Status:       "submitted",
		Message:      "evaluation re-queued for judging",
	})
}

// HandleListSnapshots handles GET /snapshots/.
func (h *Handlers) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.SnapshotFilter{
		Category: q.Get("category"),
		Status:   q.Get("status"),
		Page:     boundedIntParam(q.Get("page"), 1, 1_000_000, 1),
		PerPage:  boundedIntParam(q.Get("per_page"), 1, 100, 20),
	}
	if raw := q.Get("primary_metric"); raw != "" {
		slug, err := metric.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, err.Error())
			return
		}
		filter.PrimaryMetric = slug
	}

	items, total, err := h.db.ListSnapshots(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "snapshots: list", err)
		return
	}
	if items == nil {
		items = []model.Snapshot{}
	}
	writeJSON(w, r, http.StatusOK, model.SnapshotListResponse{
		Items:   items,
		Total:   total,
		Page:    filter.Page,
		PerPage: filter.PerPage,
	})
}

// HandleGetSnapshot handles GET /snapshots/{id}.
func (h *Handlers) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.db.GetSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "snapshot not found")
			return
		}
		h.internalError(w, r, "snapshots: get", err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleDeleteSnapshot handles DELETE /snapshots/{id}. Idempotent: archiving
// an already-archived snapshot succeeds.
func (h *Handlers) HandleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.db.ArchiveSnapshot(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		// Either never existed (404) or already archived (idempotent success).
		if _, lookupErr := h.db.GetSnapshotAnyStatus(r.Context(), id); lookupErr != nil {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "snapshot not found")
			return
		}
		err = nil
	}
	if err != nil {
		h.internalError(w, r, "snapshots: archive", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "archived"})
}

// HandleListMessages handles GET /snapshots/{id}/messages. Only completed
// messages are part of the history contract.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.db.GetSnapshot(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "snapshot not found")
			return
		}
		h.internalError(w, r, "messages: load snapshot", err)
		return
	}

	all, err := h.db.ListMessages(r.Context(), id)
	if err != nil {
		h.internalError(w, r, "messages: list", err)
		return
	}
	completed := make([]model.ChatMessage, 0, len(all))
	for _, m := range all {
		if m.IsComplete {
			completed = append(completed, m)
		}
	}
	writeJSON(w, r, http.StatusOK, completed)
}

// HandleStatsOverview handles GET /stats/overview.
func (h *Handlers) HandleStatsOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.stats.Overview(r.Context())
	if err != nil {
		h.internalError(w, r, "stats: overview", err)
		return
	}
	writeJSON(w, r, http.StatusOK, overview)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Postgres:   pgStatus,
		JudgeQueue: h.judge.QueueDepth(),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}

	// Qdrant being down degrades memory recall but never blocks judging, so
	// it only ever downgrades health to degraded.
	if h.memory != nil {
		if err := h.memory.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

// boundedIntParam parses a positive integer query parameter, clamping it into
// [min, max] and falling back to def on absent or malformed input.
func boundedIntParam(raw string, min, max, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return def
	}
	if v > max {
		return max
	}
	return v
}
