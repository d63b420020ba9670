package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentormind/mentormind/internal/llm"
	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
	"github.com/mentormind/mentormind/internal/storage"
)

const turnID = "3f0e8a9c-1b2d-4c5e-8f7a-6b5c4d3e2f1a"

type fakeChatStore struct {
	snapshot model.Snapshot
	messages map[string]model.ChatMessage // key: client_message_id + "/" + role

	reserveCalls int
	releaseCalls int
	reserveErr   error
	insertErr    error

	// When set, a rival request lands this user row between the caller's
	// duplicate check and its own insert.
	raceUserRow *model.ChatMessage
}

func newFakeChatStore() *fakeChatStore {
	score := 3
	judgeScore := 5
	return &fakeChatStore{
		snapshot: model.Snapshot{
			ID:            "snap_1",
			QuestionText:  "Is the claim accurate?",
			AnswerText:    "The capital of Australia is Sydney.",
			Category:      "geography",
			PrimaryMetric: metric.Truthfulness,
			BonusMetrics:  []metric.Slug{metric.Clarity},
			UserScores: map[metric.Slug]model.MetricScore{
				metric.Truthfulness: {Score: &score, Reasoning: "seems roughly right"},
			},
			JudgeScores: map[metric.Slug]model.IndependentScore{
				metric.Truthfulness: {Score: &judgeScore, Rationale: "factually wrong capital"},
			},
			Evidence: map[metric.Slug][]model.EvidenceItem{
				metric.Truthfulness: {{Quote: "The capital of Australia is Sydney", Verified: true, Why: "wrong capital"}},
			},
			MetaScore:       2,
			OverallFeedback: "Kanıtları daha dikkatli okuyun.",
			MaxChatTurns:    15,
			Status:          model.SnapshotActive,
		},
		messages: make(map[string]model.ChatMessage),
	}
}

func key(clientMessageID, role string) string { return clientMessageID + "/" + role }

func (s *fakeChatStore) GetSnapshotAnyStatus(_ context.Context, id string) (model.Snapshot, error) {
	if id != s.snapshot.ID {
		return model.Snapshot{}, storage.ErrNotFound
	}
	return s.snapshot, nil
}

func (s *fakeChatStore) ReserveChatTurn(_ context.Context, _ string) (int, error) {
	if s.reserveErr != nil {
		return 0, s.reserveErr
	}
	if s.snapshot.ChatTurnCount >= s.snapshot.MaxChatTurns {
		return 0, storage.ErrTurnLimitReached
	}
	s.reserveCalls++
	s.snapshot.ChatTurnCount++
	return s.snapshot.ChatTurnCount, nil
}

func (s *fakeChatStore) ReleaseChatTurn(_ context.Context, _ string) error {
	s.releaseCalls++
	if s.snapshot.ChatTurnCount > 0 {
		s.snapshot.ChatTurnCount--
	}
	return nil
}

func (s *fakeChatStore) GetMessage(_ context.Context, _, clientMessageID, role string) (model.ChatMessage, error) {
	m, ok := s.messages[key(clientMessageID, role)]
	if !ok {
		return model.ChatMessage{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *fakeChatStore) InsertMessage(_ context.Context, m model.ChatMessage) (model.ChatMessage, bool, error) {
	if s.insertErr != nil {
		return model.ChatMessage{}, false, s.insertErr
	}
	if s.raceUserRow != nil && m.Role == model.RoleUser {
		s.messages[key(m.ClientMessageID, m.Role)] = *s.raceUserRow
		s.raceUserRow = nil
		return m, false, nil
	}
	k := key(m.ClientMessageID, m.Role)
	if _, ok := s.messages[k]; ok {
		return m, false, nil
	}
	m.ID = fmt.Sprintf("msg_%d", len(s.messages)+1)
	s.messages[k] = m
	return m, true, nil
}

func (s *fakeChatStore) UpdateAssistantContent(_ context.Context, _, clientMessageID, content string, tokenCount int, complete bool) error {
	k := key(clientMessageID, model.RoleAssistant)
	m, ok := s.messages[k]
	if !ok {
		return storage.ErrNotFound
	}
	m.Content = content
	m.TokenCount = tokenCount
	m.IsComplete = complete
	s.messages[k] = m
	return nil
}

func (s *fakeChatStore) ListRecentMessages(_ context.Context, _ string, limit int) ([]model.ChatMessage, error) {
	var out []model.ChatMessage
	for _, m := range s.messages {
		if m.IsComplete {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeChatStore) GetSelectedMetrics(_ context.Context, _ string) ([]metric.Slug, error) {
	for _, m := range s.messages {
		if m.SelectedMetrics != nil {
			return m.SelectedMetrics, nil
		}
	}
	return nil, nil
}

type fakeStreamer struct {
	deltas   []string
	err      error
	requests []llm.Request
}

func (f *fakeStreamer) Stream(_ context.Context, req llm.Request, onDelta func(string) error) (llm.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return llm.Result{}, f.err
	}
	var content strings.Builder
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return llm.Result{Content: content.String()}, err
		}
		content.WriteString(d)
	}
	return llm.Result{
		Content: content.String(),
		Usage:   llm.Usage{CompletionTokens: len(f.deltas)},
	}, nil
}

func newTestEngine(store Store, streamer Streamer) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(store, streamer, Config{Model: "coach-model-v1", HistoryWindow: 6}, logger)
}

func collect(emitted *[]string) func(string) error {
	return func(delta string) error {
		*emitted = append(*emitted, delta)
		return nil
	}
}

func firstTurnRequest() model.ChatRequest {
	return model.ChatRequest{
		Message:         "Neden doğruluk puanım düşük?",
		ClientMessageID: turnID,
		SelectedMetrics: []string{"truthfulness"},
	}
}

func TestTurnSnapshotMissing(t *testing.T) {
	e := newTestEngine(newFakeChatStore(), &fakeStreamer{})
	_, err := e.Turn(context.Background(), "snap_missing", firstTurnRequest(), func(string) error { return nil })
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestTurnSnapshotArchived(t *testing.T) {
	store := newFakeChatStore()
	store.snapshot.Status = model.SnapshotArchived
	e := newTestEngine(store, &fakeStreamer{})

	_, err := e.Turn(context.Background(), "snap_1", firstTurnRequest(), func(string) error { return nil })
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)
}

func TestTurnValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.ChatRequest)
	}{
		{"empty message", func(r *model.ChatRequest) { r.Message = "  " }},
		{"non-uuid client id", func(r *model.ChatRequest) { r.ClientMessageID = "turn-1" }},
		{"no metrics on first message", func(r *model.ChatRequest) { r.SelectedMetrics = nil }},
		{"too many metrics", func(r *model.ChatRequest) {
			r.SelectedMetrics = []string{"truthfulness", "safety", "bias", "clarity"}
		}},
		{"unknown metric", func(r *model.ChatRequest) { r.SelectedMetrics = []string{"vibes"} }},
		{"duplicate metric", func(r *model.ChatRequest) { r.SelectedMetrics = []string{"safety", "safety"} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeChatStore()
			e := newTestEngine(store, &fakeStreamer{})
			req := firstTurnRequest()
			tc.mutate(&req)

			_, err := e.Turn(context.Background(), "snap_1", req, func(string) error { return nil })
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, store.reserveCalls, "validation failures never touch the counter")
		})
	}
}

func TestTurnStreamsAndFinalizes(t *testing.T) {
	store := newFakeChatStore()
	streamer := &fakeStreamer{deltas: []string{"Çünkü ", "kanıt ", "açık."}}
	e := newTestEngine(store, streamer)

	var emitted []string
	res, err := e.Turn(context.Background(), "snap_1", firstTurnRequest(), collect(&emitted))
	require.NoError(t, err)

	assert.Equal(t, "Çünkü kanıt açık.", res.Content)
	assert.False(t, res.Replayed)
	assert.Equal(t, []string{"Çünkü ", "kanıt ", "açık."}, emitted)
	assert.Equal(t, 1, store.reserveCalls)

	user := store.messages[key(turnID, model.RoleUser)]
	assert.True(t, user.IsComplete)
	assert.Equal(t, []metric.Slug{metric.Truthfulness}, user.SelectedMetrics)

	assistant := store.messages[key(turnID, model.RoleAssistant)]
	assert.True(t, assistant.IsComplete)
	assert.Equal(t, "Çünkü kanıt açık.", assistant.Content)
	assert.Equal(t, 3, assistant.TokenCount)

	require.Len(t, streamer.requests, 1)
	assert.Equal(t, llm.PurposeCoach, streamer.requests[0].Purpose)
	prompt := streamer.requests[0].Messages[1].Content
	assert.Contains(t, prompt, "The capital of Australia is Sydney", "evidence quote reaches the prompt")
	assert.Contains(t, prompt, "truthfulness")
}

func TestTurnReplaysDuplicate(t *testing.T) {
	store := newFakeChatStore()
	streamer := &fakeStreamer{deltas: []string{"first ", "answer"}}
	e := newTestEngine(store, streamer)

	_, err := e.Turn(context.Background(), "snap_1", firstTurnRequest(), func(string) error { return nil })
	require.NoError(t, err)
	countAfterFirst := store.snapshot.ChatTurnCount

	var emitted []string
	res, err := e.Turn(context.Background(), "snap_1", firstTurnRequest(), collect(&emitted))
	require.NoError(t, err)

	assert.True(t, res.Replayed)
	assert.Equal(t, "first answer", res.Content)
	assert.Equal(t, []string{"first answer"}, emitted, "replay emits the stored content as one chunk")
	assert.Equal(t, countAfterFirst, store.snapshot.ChatTurnCount, "duplicate never increments")
	assert.Len(t, streamer.requests, 1, "duplicate never reaches the LLM")
}

func TestTurnResumesIncompleteStream(t *testing.T) {
	store := newFakeChatStore()
	streamer := &fakeStreamer{deltas: []string{"tam ", "cevap"}}
	e := newTestEngine(store, streamer)

	// A prior attempt left the pair behind with a partial assistant row.
	store.messages[key(turnID, model.RoleUser)] = model.ChatMessage{
		ID: "msg_u", SnapshotID: "snap_1", ClientMessageID: turnID,
		Role: model.RoleUser, Content: "Neden?", IsComplete: true,
		SelectedMetrics: []metric.Slug{metric.Truthfulness},
	}
	store.messages[key(turnID, model.RoleAssistant)] = model.ChatMessage{
		ID: "msg_a", SnapshotID: "snap_1", ClientMessageID: turnID,
		Role: model.RoleAssistant, Content: "yarım ka", IsComplete: false,
	}
	store.snapshot.ChatTurnCount = 1

	res, err := e.Turn(context.Background(), "snap_1", firstTurnRequest(), func(string) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, "tam cevap", res.Content)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, store.snapshot.ChatTurnCount, "resume never increments")
	assert.Zero(t, store.reserveCalls)

	assistant := store.messages[key(turnID, model.RoleAssistant)]
	assert.Equal(t, "msg_a", assistant.ID, "same row id, update in place")
	assert.True(t, assistant.IsComplete)
	assert.Equal(t, "tam cevap", assistant.Content)
}

func TestTurnLimitReached(t *testing.T) {
	store := newFakeChatStore()
	store.snapshot.ChatTurnCount = store.snapshot.MaxChatTurns
	streamer := &fakeStreamer{deltas: []string{"x"}}
	e := newTestEngine(store, streamer)

	_, err := e.Turn(context.Background(), "snap_1", firstTurnRequest(), func(string) error { return nil })
	assert.ErrorIs(t, err, storage.ErrTurnLimitReached)
	assert.Empty(t, streamer.requests, "limit check precedes LLM contact")
	_, ok := store.messages[key(turnID, model.RoleAssistant)]
	assert.False(t, ok, "no assistant row on a rejected turn")
}

func TestTurnDisconnectLeavesResumableRow(t *testing.T) {
	store := newFakeChatStore()
	streamer := &fakeStreamer{deltas: []string{"bir ", "iki ", "üç"}}
	e := newTestEngine(store, streamer)

	calls := 0
	_, err := e.Turn(context.Background(), "snap_1", firstTurnRequest(), func(string) error {
		calls++
		if calls == 2 {
			return errors.New("client gone")
		}
		return nil
	})
	require.Error(t, err)

	assistant := store.messages[key(turnID, model.RoleAssistant)]
	assert.False(t, assistant.IsComplete)
	assert.Equal(t, "bir iki ", assistant.Content, "partial content persisted for resume")
	assert.Equal(t, 1, store.snapshot.ChatTurnCount, "increment is not rolled back on disconnect")
	assert.Zero(t, store.releaseCalls)
}

func TestTurnConcurrentDuplicateChargesOneTurn(t *testing.T) {
	store := newFakeChatStore()
	streamer := &fakeStreamer{deltas: []string{"x"}}
	e := newTestEngine(store, streamer)

	// A rival request with the same client_message_id completed its turn
	// between our duplicate check and our user-row insert.
	store.raceUserRow = &model.ChatMessage{
		ID: "msg_rival_u", SnapshotID: "snap_1", ClientMessageID: turnID,
		Role: model.RoleUser, Content: "Neden doğruluk puanım düşük?", IsComplete: true,
		SelectedMetrics: []metric.Slug{metric.Truthfulness},
	}
	store.messages[key(turnID, model.RoleAssistant)] = model.ChatMessage{
		ID: "msg_rival_a", SnapshotID: "snap_1", ClientMessageID: turnID,
		Role: model.RoleAssistant, Content: "hazır cevap", IsComplete: true,
	}
	store.snapshot.ChatTurnCount = 1 // the rival's reservation

	var emitted []string
	res, err := e.Turn(context.Background(), "snap_1", firstTurnRequest(), collect(&emitted))
	require.NoError(t, err)

	assert.True(t, res.Replayed)
	assert.Equal(t, "hazır cevap", res.Content)
	assert.Equal(t, []string{"hazır cevap"}, emitted)
	assert.Equal(t, 1, store.releaseCalls, "the losing reservation is refunded")
	assert.Equal(t, 1, store.snapshot.ChatTurnCount, "one turn charged for one delivered answer")
	assert.Empty(t, streamer.requests, "the loser never streams")
}

func TestTurnReleaseOnUserRowFailure(t *testing.T) {
	store := newFakeChatStore()
	store.insertErr = errors.New("pg down")
	e := newTestEngine(store, &fakeStreamer{})

	_, err := e.Turn(context.Background(), "snap_1", firstTurnRequest(), func(string) error { return nil })
	require.Error(t, err)
	assert.Equal(t, 1, store.releaseCalls, "reservation returned when the user row never persisted")
}

func TestInitGreeting(t *testing.T) {
	store := newFakeChatStore()
	streamer := &fakeStreamer{deltas: []string{"Merhaba! ", "Başlayalım."}}
	e := newTestEngine(store, streamer)

	req := model.ChatRequest{IsInit: true}
	res, err := e.Turn(context.Background(), "snap_1", req, func(string) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, "Merhaba! Başlayalım.", res.Content)
	assert.Zero(t, store.snapshot.ChatTurnCount, "greeting is free")
	assert.Zero(t, store.reserveCalls)

	initID := model.InitClientMessageID("snap_1")
	assistant := store.messages[key(initID, model.RoleAssistant)]
	assert.True(t, assistant.IsComplete)
	_, userExists := store.messages[key(initID, model.RoleUser)]
	assert.False(t, userExists, "init is the only unpaired assistant row")

	// Second init replays without another stream.
	res2, err := e.Turn(context.Background(), "snap_1", req, func(string) error { return nil })
	require.NoError(t, err)
	assert.True(t, res2.Replayed)
	assert.Equal(t, res.Content, res2.Content)
	assert.Len(t, streamer.requests, 1)
}

func TestInitGreetingRejectsForeignID(t *testing.T) {
	e := newTestEngine(newFakeChatStore(), &fakeStreamer{})
	req := model.ChatRequest{IsInit: true, ClientMessageID: turnID}
	_, err := e.Turn(context.Background(), "snap_1", req, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInitGreetingDefaultMetricsInPrompt(t *testing.T) {
	store := newFakeChatStore()
	streamer := &fakeStreamer{deltas: []string{"selam"}}
	e := newTestEngine(store, streamer)

	_, err := e.Turn(context.Background(), "snap_1", model.ChatRequest{IsInit: true}, func(string) error { return nil })
	require.NoError(t, err)

	require.Len(t, streamer.requests, 1)
	prompt := streamer.requests[0].Messages[1].Content
	assert.Contains(t, prompt, string(metric.Truthfulness), "primary metric in the fallback focus")
	assert.Contains(t, prompt, string(metric.Clarity), "bonus metric in the fallback focus")
	assert.Contains(t, prompt, "Open the session")
}

func TestTurnHistoryWindowInPrompt(t *testing.T) {
	store := newFakeChatStore()
	streamer := &fakeStreamer{deltas: []string{"ok"}}
	e := newTestEngine(store, streamer)

	store.messages[key("old-turn", model.RoleUser)] = model.ChatMessage{
		ClientMessageID: "old-turn", Role: model.RoleUser,
		Content: "önceki soru", IsComplete: true,
		SelectedMetrics: []metric.Slug{metric.Truthfulness},
	}
	store.messages[key("old-turn", model.RoleAssistant)] = model.ChatMessage{
		ClientMessageID: "old-turn", Role: model.RoleAssistant,
		Content: "önceki cevap", IsComplete: true,
	}

	req := firstTurnRequest()
	req.SelectedMetrics = nil // focus already fixed by the earlier turn
	_, err := e.Turn(context.Background(), "snap_1", req, func(string) error { return nil })
	require.NoError(t, err)

	require.Len(t, streamer.requests, 1)
	prompt := streamer.requests[0].Messages[1].Content
	assert.Contains(t, prompt, "önceki soru")
	assert.Contains(t, prompt, "önceki cevap")
	assert.Contains(t, prompt, req.Message)
}
