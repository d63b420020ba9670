package model

import (
	"time"

	"github.com/mentormind/mentormind/internal/metric"
)

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one row of a coach conversation. The pair of rows sharing
// (snapshot_id, client_message_id) forms one turn; the unique constraint on
// (snapshot_id, client_message_id, role) is the idempotency anchor.
//
// An assistant row with IsComplete=false is a resumable in-flight stream.
// SelectedMetrics is non-nil only on the first real user message and fixes the
// session's metric focus.
type ChatMessage struct {
	ID              string        `json:"id"`
	SnapshotID      string        `json:"snapshot_id"`
	ClientMessageID string        `json:"client_message_id"`
	Role            string        `json:"role"`
	Content         string        `json:"content"`
	IsComplete      bool          `json:"is_complete"`
	SelectedMetrics []metric.Slug `json:"selected_metrics,omitempty"`
	TokenCount      int           `json:"token_count"`
	CreatedAt       time.Time     `json:"created_at"`
}

// InitClientMessageID returns the fixed client message id of the one assistant
// row allowed to exist without a paired user row: the init greeting.
func InitClientMessageID(snapshotID string) string {
	return "init_" + snapshotID
}
