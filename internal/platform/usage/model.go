// Package usage persists the derived accounting records the router emits
// when upstream events carry token usage data. Accounting is recorded
// independently of whether the primary dispatch succeeded, so a failing
// consumer never loses a usage record.
package usage

import (
	"time"

	"github.com/google/uuid"
)

// Record is one usage accounting entry, tagged with the consumer kind that
// received (or would have received) the originating event.
type Record struct {
	ID           uuid.UUID `json:"id"`
	SessionID    string    `json:"session_id"`
	OwnerID      string    `json:"owner_id"`
	ConsumerKind string    `json:"consumer_kind"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}
