package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mentormind/mentormind/internal/chat"
	"github.com/mentormind/mentormind/internal/llm"
	"github.com/mentormind/mentormind/internal/model"
	"github.com/mentormind/mentormind/internal/storage"
)

// HandleChat handles POST /snapshots/{id}/chat as an SSE stream. Precondition
// failures (404/409/422/429) come back as plain JSON errors; once the first
// token arrives the response is committed as text/event-stream.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	snapshotID := r.PathValue("id")

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Headers are written lazily on the first emitted token so that engine
	// preconditions can still produce proper status codes.
	sse := &sseWriter{w: w, flusher: flusher}

	_, err := h.coach.Turn(r.Context(), snapshotID, req, sse.emit)
	if err != nil {
		if sse.started {
			// The stream is already committed; surface the failure as an
			// error event and let the client retry with the same
			// client_message_id.
			sse.writeErrorEvent(err)
			h.logger.WarnContext(r.Context(), "chat stream aborted",
				"snapshot_id", snapshotID, "client_message_id", req.ClientMessageID, "error", err)
			return
		}
		h.writeChatError(w, r, err)
		return
	}

	if !sse.started {
		// Zero-token completion still commits the stream shape.
		sse.start()
	}
	sse.writeDone()
}

// writeChatError maps engine errors onto the chat status contract.
func (h *Handlers) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrSnapshotNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "snapshot not found")
	case errors.Is(err, chat.ErrSnapshotUnavailable):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, chat.ErrInvalidRequest):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrTurnLimitReached):
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeTurnLimit, "chat turn limit reached for this snapshot")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "snapshot not found")
	case errors.Is(err, llm.ErrConnection), errors.Is(err, llm.ErrTimeout), errors.Is(err, llm.ErrRateLimited):
		// The coach model is unreachable or throttled; the client can retry
		// the same client_message_id without losing a turn's worth of output.
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "coach model unavailable")
	default:
		h.internalError(w, r, "chat: turn failed", err)
	}
}

// sseWriter serializes coach deltas into the data: {"content":...} protocol.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()

	// Long-lived stream; the server-wide WriteTimeout must not kill it.
	rc := http.NewResponseController(s.w)
	_ = rc.SetWriteDeadline(time.Time{})
}

func (s *sseWriter) emit(delta string) error {
	s.start()
	payload, err := json.Marshal(map[string]string{"content": delta})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writeDone() {
	_, _ = fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func (s *sseWriter) writeErrorEvent(err error) {
	code := model.ErrCodeInternalError
	payload, merr := json.Marshal(map[string]string{"code": code, "message": err.Error()})
	if merr != nil {
		return
	}
	_, _ = fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", payload)
	s.flusher.Flush()
}
