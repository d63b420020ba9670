// Package chat drives the coach conversation over one snapshot: an idempotent
// turn keyed by client_message_id, an atomic turn-limit counter, resumable
// streams via update-in-place, and a bounded history window. The conditional
// UPDATE on the snapshot row is the only concurrency gate; there is no
// application-level lock.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mentormind/mentormind/internal/llm"
	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
	"github.com/mentormind/mentormind/internal/storage"
)

var (
	// ErrSnapshotNotFound maps to HTTP 404.
	ErrSnapshotNotFound = errors.New("chat: snapshot not found")
	// ErrSnapshotUnavailable maps to HTTP 409: the snapshot exists but is
	// archived or completed.
	ErrSnapshotUnavailable = errors.New("chat: snapshot not active")
	// ErrInvalidRequest maps to HTTP 422.
	ErrInvalidRequest = errors.New("chat: invalid request")
)

// Store is the storage surface the engine needs.
type Store interface {
	GetSnapshotAnyStatus(ctx context.Context, id string) (model.Snapshot, error)
	ReserveChatTurn(ctx context.Context, snapshotID string) (int, error)
	ReleaseChatTurn(ctx context.Context, snapshotID string) error
	GetMessage(ctx context.Context, snapshotID, clientMessageID, role string) (model.ChatMessage, error)
	InsertMessage(ctx context.Context, m model.ChatMessage) (model.ChatMessage, bool, error)
	UpdateAssistantContent(ctx context.Context, snapshotID, clientMessageID, content string, tokenCount int, complete bool) error
	ListRecentMessages(ctx context.Context, snapshotID string, limit int) ([]model.ChatMessage, error)
	GetSelectedMetrics(ctx context.Context, snapshotID string) ([]metric.Slug, error)
}

// Streamer is the streaming side of the LLM gateway.
type Streamer interface {
	Stream(ctx context.Context, req llm.Request, onDelta func(delta string) error) (llm.Result, error)
}

// Config bounds the engine.
type Config struct {
	Model         string
	HistoryWindow int // completed messages fed into the prompt
}

// Engine runs coach turns for snapshots.
type Engine struct {
	store  Store
	llm    Streamer
	cfg    Config
	logger *slog.Logger
}

// NewEngine wires the coach engine.
func NewEngine(store Store, streamer Streamer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	return &Engine{store: store, llm: streamer, cfg: cfg, logger: logger}
}

// TurnResult is the outcome of one coach turn. Replayed is true when the
// content came from storage instead of a fresh LLM stream.
type TurnResult struct {
	Content  string
	Replayed bool
}

// Turn executes one coach turn. Content deltas are pushed through emit as
// they arrive; an emit error stops the stream and leaves the assistant row
// resumable. Replayed turns emit the stored content as a single chunk.
func (e *Engine) Turn(ctx context.Context, snapshotID string, req model.ChatRequest, emit func(delta string) error) (TurnResult, error) {
	snap, err := e.store.GetSnapshotAnyStatus(ctx, snapshotID)
	if errors.Is(err, storage.ErrNotFound) {
		return TurnResult{}, ErrSnapshotNotFound
	}
	if err != nil {
		return TurnResult{}, err
	}
	if snap.Status != model.SnapshotActive {
		return TurnResult{}, fmt.Errorf("%w (status %s)", ErrSnapshotUnavailable, snap.Status)
	}

	if req.IsInit {
		return e.initGreeting(ctx, snap, req, emit)
	}
	return e.userTurn(ctx, snap, req, emit)
}

// userTurn is the ordinary turn path: duplicate check, atomic increment, user
// row, assistant row, stream, finalize. The order is load-bearing; see the
// idempotency notes on each step.
func (e *Engine) userTurn(ctx context.Context, snap model.Snapshot, req model.ChatRequest, emit func(string) error) (TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return TurnResult{}, fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}
	if _, err := uuid.Parse(req.ClientMessageID); err != nil {
		return TurnResult{}, fmt.Errorf("%w: client_message_id must be a UUID", ErrInvalidRequest)
	}

	// Duplicate check before anything that counts. A retried turn whose user
	// row exists never touches the counter again.
	userRow, err := e.store.GetMessage(ctx, snap.ID, req.ClientMessageID, model.RoleUser)
	switch {
	case err == nil:
		return e.resumeOrReplay(ctx, snap, userRow, emit)
	case !errors.Is(err, storage.ErrNotFound):
		return TurnResult{}, err
	}

	selected, firstMessage, err := e.resolveMetrics(ctx, snap, req)
	if err != nil {
		return TurnResult{}, err
	}

	// Atomic turn increment. The conditional UPDATE is the race gate: with
	// one turn of budget left and two concurrent requests, exactly one wins.
	if _, err := e.store.ReserveChatTurn(ctx, snap.ID); err != nil {
		return TurnResult{}, err
	}

	// Window before the user row goes in, so the current message appears only
	// as the prompt's final message.
	history, err := e.store.ListRecentMessages(ctx, snap.ID, e.cfg.HistoryWindow)
	if err != nil {
		e.releaseTurn(ctx, snap.ID)
		return TurnResult{}, err
	}

	userMsg := model.ChatMessage{
		SnapshotID:      snap.ID,
		ClientMessageID: req.ClientMessageID,
		Role:            model.RoleUser,
		Content:         req.Message,
		IsComplete:      true,
	}
	if firstMessage {
		userMsg.SelectedMetrics = selected
	}
	_, inserted, err := e.store.InsertMessage(ctx, userMsg)
	if err != nil {
		e.releaseTurn(ctx, snap.ID)
		return TurnResult{}, err
	}
	if !inserted {
		// A concurrent request with the same client_message_id won the insert
		// race after our duplicate check. Refund this reservation; only the
		// winner's turn counts.
		e.releaseTurn(ctx, snap.ID)
		existing, err := e.store.GetMessage(ctx, snap.ID, req.ClientMessageID, model.RoleUser)
		if err != nil {
			return TurnResult{}, err
		}
		return e.resumeOrReplay(ctx, snap, existing, emit)
	}

	if err := e.ensureAssistantPlaceholder(ctx, snap.ID, req.ClientMessageID); err != nil {
		return TurnResult{}, err
	}

	return e.stream(ctx, snap, selected, history, req.Message, req.ClientMessageID, emit)
}

// resumeOrReplay handles a turn whose user row already exists. A completed
// assistant row is replayed from storage; an incomplete or missing one is
// regenerated in place. Neither path touches the turn counter.
func (e *Engine) resumeOrReplay(ctx context.Context, snap model.Snapshot, userRow model.ChatMessage, emit func(string) error) (TurnResult, error) {
	assistant, err := e.store.GetMessage(ctx, snap.ID, userRow.ClientMessageID, model.RoleAssistant)
	switch {
	case err == nil && assistant.IsComplete:
		if err := emit(assistant.Content); err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Content: assistant.Content, Replayed: true}, nil
	case err == nil:
		// Resume: same row id, content reset, regenerate.
		if err := e.store.UpdateAssistantContent(ctx, snap.ID, userRow.ClientMessageID, "", 0, false); err != nil {
			return TurnResult{}, err
		}
	case errors.Is(err, storage.ErrNotFound):
		if err := e.ensureAssistantPlaceholder(ctx, snap.ID, userRow.ClientMessageID); err != nil {
			return TurnResult{}, err
		}
	default:
		return TurnResult{}, err
	}

	selected, err := e.store.GetSelectedMetrics(ctx, snap.ID)
	if err != nil {
		return TurnResult{}, err
	}
	if selected == nil {
		selected = defaultMetrics(snap)
	}
	history, err := e.store.ListRecentMessages(ctx, snap.ID, e.cfg.HistoryWindow)
	if err != nil {
		return TurnResult{}, err
	}
	// The current turn's user row is complete and would otherwise show up in
	// its own window.
	history = excludeTurn(history, userRow.ClientMessageID)

	return e.stream(ctx, snap, selected, history, userRow.Content, userRow.ClientMessageID, emit)
}

// initGreeting is the bonus opening turn: assistant-only row, fixed client
// message id, no counter increment.
func (e *Engine) initGreeting(ctx context.Context, snap model.Snapshot, req model.ChatRequest, emit func(string) error) (TurnResult, error) {
	initID := model.InitClientMessageID(snap.ID)
	if req.ClientMessageID != "" && req.ClientMessageID != initID {
		return TurnResult{}, fmt.Errorf("%w: init turn requires client_message_id %q", ErrInvalidRequest, initID)
	}

	assistant, err := e.store.GetMessage(ctx, snap.ID, initID, model.RoleAssistant)
	switch {
	case err == nil && assistant.IsComplete:
		if err := emit(assistant.Content); err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Content: assistant.Content, Replayed: true}, nil
	case err == nil:
		if err := e.store.UpdateAssistantContent(ctx, snap.ID, initID, "", 0, false); err != nil {
			return TurnResult{}, err
		}
	case errors.Is(err, storage.ErrNotFound):
		if err := e.ensureAssistantPlaceholder(ctx, snap.ID, initID); err != nil {
			return TurnResult{}, err
		}
	default:
		return TurnResult{}, err
	}

	selected, _, err := e.resolveMetrics(ctx, snap, req)
	if err != nil {
		return TurnResult{}, err
	}
	return e.stream(ctx, snap, selected, nil, "", initID, emit)
}

// resolveMetrics returns the session's metric focus. Once a user message has
// fixed the set it is immutable; before that, the request may choose 1..3
// slugs, and an init turn without a choice falls back to the snapshot's
// primary and bonus metrics.
func (e *Engine) resolveMetrics(ctx context.Context, snap model.Snapshot, req model.ChatRequest) (selected []metric.Slug, firstMessage bool, err error) {
	stored, err := e.store.GetSelectedMetrics(ctx, snap.ID)
	if err != nil {
		return nil, false, err
	}
	if stored != nil {
		return stored, false, nil
	}

	if len(req.SelectedMetrics) == 0 {
		if req.IsInit {
			return defaultMetrics(snap), false, nil
		}
		return nil, false, fmt.Errorf("%w: selected_metrics required on the first message", ErrInvalidRequest)
	}
	if len(req.SelectedMetrics) > 3 {
		return nil, false, fmt.Errorf("%w: at most 3 selected_metrics", ErrInvalidRequest)
	}

	seen := make(map[metric.Slug]bool, len(req.SelectedMetrics))
	for _, raw := range req.SelectedMetrics {
		slug, perr := metric.Parse(raw)
		if perr != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, perr)
		}
		if seen[slug] {
			return nil, false, fmt.Errorf("%w: duplicate metric %s", ErrInvalidRequest, slug)
		}
		seen[slug] = true
		selected = append(selected, slug)
	}
	return selected, !req.IsInit, nil
}

// defaultMetrics is the init-greeting fallback focus.
func defaultMetrics(snap model.Snapshot) []metric.Slug {
	out := []metric.Slug{snap.PrimaryMetric}
	for _, b := range snap.BonusMetrics {
		if len(out) == 3 {
			break
		}
		out = append(out, b)
	}
	return out
}

func (e *Engine) ensureAssistantPlaceholder(ctx context.Context, snapshotID, clientMessageID string) error {
	_, inserted, err := e.store.InsertMessage(ctx, model.ChatMessage{
		SnapshotID:      snapshotID,
		ClientMessageID: clientMessageID,
		Role:            model.RoleAssistant,
		Content:         "",
		IsComplete:      false,
	})
	if err != nil {
		return err
	}
	if !inserted {
		// Lost a race with another attempt of the same turn; reset in place.
		return e.store.UpdateAssistantContent(ctx, snapshotID, clientMessageID, "", 0, false)
	}
	return nil
}

// stream generates the assistant content, emitting deltas as they arrive, and
// finalizes the assistant row. On any failure the row keeps the partial
// content with is_complete=false so the next retry resumes in place; the turn
// increment is deliberately not rolled back.
func (e *Engine) stream(ctx context.Context, snap model.Snapshot, selected []metric.Slug, history []model.ChatMessage, message, clientMessageID string, emit func(string) error) (TurnResult, error) {
	var sb strings.Builder
	res, streamErr := e.llm.Stream(ctx, llm.Request{
		Model:       e.cfg.Model,
		Temperature: 0.7,
		Purpose:     llm.PurposeCoach,
		Messages: []llm.Message{
			{Role: "system", Content: coachSystem},
			{Role: "user", Content: coachPrompt(snap, selected, history, message)},
		},
	}, func(delta string) error {
		sb.WriteString(delta)
		return emit(delta)
	})

	content := sb.String()
	tokens := res.Usage.CompletionTokens

	// Persist past caller disconnects; losing the partial content would turn
	// a resumable row into a blank one.
	persistCtx := context.WithoutCancel(ctx)
	if streamErr != nil {
		if err := e.store.UpdateAssistantContent(persistCtx, snap.ID, clientMessageID, content, tokens, false); err != nil {
			e.logger.ErrorContext(persistCtx, "chat: partial content not persisted",
				"snapshot_id", snap.ID, "client_message_id", clientMessageID, "error", err)
		}
		return TurnResult{}, fmt.Errorf("chat: stream: %w", streamErr)
	}

	if err := e.store.UpdateAssistantContent(persistCtx, snap.ID, clientMessageID, content, tokens, true); err != nil {
		return TurnResult{}, err
	}
	e.logger.InfoContext(ctx, "chat: turn completed",
		"snapshot_id", snap.ID, "client_message_id", clientMessageID, "tokens", tokens)
	return TurnResult{Content: content}, nil
}

// releaseTurn undoes a reservation when the user row never made it to
// storage. Failures after the user row exists keep their turn.
func (e *Engine) releaseTurn(ctx context.Context, snapshotID string) {
	if err := e.store.ReleaseChatTurn(context.WithoutCancel(ctx), snapshotID); err != nil {
		e.logger.WarnContext(ctx, "chat: turn release failed", "snapshot_id", snapshotID, "error", err)
	}
}

// excludeTurn drops both rows of the given turn from a history window.
func excludeTurn(history []model.ChatMessage, clientMessageID string) []model.ChatMessage {
	out := history[:0]
	for _, m := range history {
		if m.ClientMessageID != clientMessageID {
			out = append(out, m)
		}
	}
	return out
}
