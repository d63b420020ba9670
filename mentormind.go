// Package mentormind is the public API for embedding the MentorMind
// evaluator-training server:
//
//	app, err := mentormind.New(
//	    mentormind.WithVersion(version),
//	    mentormind.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: mentormind (root) imports
// internal/*, but internal/* never imports the root.
package mentormind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/mentormind/mentormind/internal/chat"
	"github.com/mentormind/mentormind/internal/config"
	"github.com/mentormind/mentormind/internal/evidence"
	"github.com/mentormind/mentormind/internal/judge"
	"github.com/mentormind/mentormind/internal/llm"
	"github.com/mentormind/mentormind/internal/memory"
	"github.com/mentormind/mentormind/internal/server"
	"github.com/mentormind/mentormind/internal/stats"
	"github.com/mentormind/mentormind/internal/storage"
	"github.com/mentormind/mentormind/internal/telemetry"
	"github.com/mentormind/mentormind/migrations"
)

// Backfill cadence for memory documents whose Qdrant upsert failed. Not worth
// a config knob: the loop is cheap and the batch bounds each pass.
const (
	memoryBackfillInterval = time.Minute
	memoryBackfillBatch    = 100
)

// App is the MentorMind server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	orch         *judge.Orchestrator
	memorySvc    *memory.Service // nil when Qdrant is not configured
	qdrantIndex  *memory.QdrantIndex
	usageLog     *llm.UsageLog // nil when the usage sink is disabled
	otelShutdown telemetry.Shutdown
	orchCancel   context.CancelFunc
	logger       *slog.Logger
	version      string
}

// New initialises the server: connects to Postgres, runs migrations, wires
// the judge pipeline, vector memory, coach engine, and HTTP layer. It does
// NOT start any goroutines or accept connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.llmBaseURL != "" {
		cfg.LLMBaseURL = o.llmBaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("mentormind starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Usage sink for every LLM call. Disabled with an empty path.
	var usageLog *llm.UsageLog
	if cfg.LLMLogPath != "" {
		usageLog, err = llm.OpenUsageLog(cfg.LLMLogPath)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("usage log: %w", err)
		}
		logger.Info("llm usage log", "path", cfg.LLMLogPath)
	} else {
		logger.Info("llm usage log: disabled")
	}

	// One client serves the judge (blocking) and the coach (streaming); the
	// routes differ only by model name and temperature.
	llmClient := llm.New(cfg.LLMBaseURL, cfg.LLMAPIKey, logger, llm.WithUsageLog(usageLog))
	embedder := llm.NewOpenAIEmbedder(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions, nil)

	// Vector memory (optional, disabled when QDRANT_URL is empty). Judging
	// works without it; recall and remember just no-op.
	var memorySvc *memory.Service
	var qdrantIndex *memory.QdrantIndex
	if cfg.QdrantURL != "" {
		qdrantIndex, err = memory.NewQdrantIndex(memory.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			closeAll(db, usageLog, otelShutdown)
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			closeAll(db, usageLog, otelShutdown)
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		memorySvc = memory.NewService(db, qdrantIndex, embedder, logger)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Judge pipeline and its background worker.
	verifier := evidence.New(cfg.EvidenceAnchorLen, cfg.EvidenceSearchWindow, logger)
	pipeline := judge.NewPipeline(llmClient, cfg.JudgeModel, verifier, logger)

	var judgeMemory judge.Memory
	if memorySvc != nil {
		judgeMemory = memorySvc
	}
	orch := judge.NewOrchestrator(db, judgeMemory, pipeline, judge.Config{
		QueueSize:    cfg.JudgeQueueSize,
		StageTimeout: cfg.JudgeStageTimeout,
		MemoryTopN:   cfg.MemoryTopN,
		MaxChatTurns: cfg.MaxChatTurns,
	}, logger)

	// Coach engine and stats aggregator.
	coach := chat.NewEngine(db, llmClient, chat.Config{
		Model:         cfg.CoachModel,
		HistoryWindow: cfg.ChatHistoryWindow,
	}, logger)
	aggregator := stats.New(db, logger)

	srvCfg := server.Config{
		DB:                  db,
		Judge:               orch,
		Coach:               coach,
		Stats:               aggregator,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if memorySvc != nil {
		srvCfg.Memory = memorySvc
	}
	srv := server.New(srvCfg)

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		orch:         orch,
		memorySvc:    memorySvc,
		qdrantIndex:  qdrantIndex,
		usageLog:     usageLog,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the judge worker, memory backfill, and HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return, Shutdown
// is called automatically, so callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// The judge worker gets its own cancel so shutdown can drain it AFTER the
	// HTTP server stops accepting new submissions.
	orchCtx, orchCancel := context.WithCancel(context.Background())
	a.orchCancel = orchCancel
	go a.orch.Run(orchCtx)

	if a.memorySvc != nil {
		go a.memorySvc.RunBackfill(ctx, memoryBackfillInterval, memoryBackfillBatch)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		orchCancel()
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop the judge worker and wait for the in-flight run to finish,
// (3) close the vector index, usage log, database pool, and OTEL providers.
// An interrupted judge run is not lost: the evaluation stays judged=false
// and the recovery sweep re-enqueues it on next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mentormind shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.orchCancel != nil {
		a.orchCancel()
		drained := make(chan struct{})
		go func() {
			a.orch.Wait()
			close(drained)
		}()
		drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownJudgeDrainTimeout)
		select {
		case <-drained:
		case <-drainCtx.Done():
			a.logger.Warn("judge drain timed out; pending evaluations will be recovered on restart",
				"queue_depth", a.orch.QueueDepth())
		}
		drainCancel()
	}

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.usageLog != nil {
		_ = a.usageLog.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("mentormind stopped")
	return nil
}

func closeAll(db *storage.DB, usageLog *llm.UsageLog, otelShutdown telemetry.Shutdown) {
	if usageLog != nil {
		_ = usageLog.Close()
	}
	db.Close()
	_ = otelShutdown(context.Background())
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
