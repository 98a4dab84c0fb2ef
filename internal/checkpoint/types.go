// Package checkpoint snapshots the conversation transcript per thread so a
// restarted Scout can pick up where it left off.
package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/scout/internal/llm"
)

// Trigger describes what caused a checkpoint to be created.
type Trigger string

const (
	TriggerTurn     Trigger = "turn"     // after a completed turn
	TriggerShutdown Trigger = "shutdown" // graceful shutdown
	TriggerManual   Trigger = "manual"   // explicit request
)

// Checkpoint is a point-in-time snapshot of one thread's transcript.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`

	// Messages is nil in metadata-only listings.
	Messages []llm.Message `json:"messages,omitempty"`

	ByteSize     int64 `json:"byte_size"` // compressed size; 0 in memory
	MessageCount int   `json:"message_count"`
}

// Saver persists checkpoints.
type Saver interface {
	// Save stores a snapshot of messages for threadID.
	Save(ctx context.Context, threadID string, trigger Trigger, messages []llm.Message) (*Checkpoint, error)

	// Latest returns the newest checkpoint for threadID, or nil if the
	// thread has none.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// List returns checkpoint metadata for threadID, newest first.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)

	Close() error
}

// snapshot copies messages so later transcript edits do not reach a
// stored checkpoint.
func snapshot(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}

func newID() (uuid.UUID, error) {
	return uuid.NewV7()
}
