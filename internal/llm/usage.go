package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Logical routes recorded in the usage log. Purpose names who asked for the
// call, not how it traveled.
const (
	PurposeJudge = "judge"
	PurposeCoach = "coach"
)

// UsageRecord is one line of the usage log.
type UsageRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Purpose          string    `json:"purpose"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	DurationMS       int64     `json:"duration_ms"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
}

// UsageLog appends one JSON object per LLM call to a file. Appends are
// serialized; the log is the audit trail for spend reconstruction.
type UsageLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenUsageLog opens (creating if needed) the JSONL usage log at path.
func OpenUsageLog(path string) (*UsageLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("usage log: open %s: %w", path, err)
	}
	return &UsageLog{f: f}, nil
}

// Append writes one record as a single JSON line.
func (u *UsageLog) Append(rec UsageRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("usage log: marshal: %w", err)
	}
	line = append(line, '\n')

	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := u.f.Write(line); err != nil {
		return fmt.Errorf("usage log: write: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (u *UsageLog) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.f.Close()
}
