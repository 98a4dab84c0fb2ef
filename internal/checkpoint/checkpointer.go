package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/scout/internal/llm"
)

// Checkpointer saves one thread's transcript through a Saver. Save
// failures are logged and never interrupt the conversation.
type Checkpointer struct {
	saver    Saver
	threadID string
	log      *slog.Logger
}

// NewCheckpointer creates a checkpointer for threadID.
func NewCheckpointer(saver Saver, threadID string, log *slog.Logger) *Checkpointer {
	if log == nil {
		log = slog.Default()
	}
	return &Checkpointer{saver: saver, threadID: threadID, log: log}
}

// ThreadID returns the thread this checkpointer writes, or "" for a nil
// checkpointer.
func (c *Checkpointer) ThreadID() string {
	if c == nil {
		return ""
	}
	return c.threadID
}

// OnTurn records the transcript after a completed turn.
func (c *Checkpointer) OnTurn(ctx context.Context, messages []llm.Message) {
	c.create(ctx, TriggerTurn, messages)
}

// OnShutdown records the final transcript.
func (c *Checkpointer) OnShutdown(ctx context.Context, messages []llm.Message) {
	c.create(ctx, TriggerShutdown, messages)
}

func (c *Checkpointer) create(ctx context.Context, trigger Trigger, messages []llm.Message) {
	if c == nil || c.saver == nil {
		return
	}
	cp, err := c.saver.Save(ctx, c.threadID, trigger, messages)
	if err != nil {
		c.log.Error("checkpoint failed", "thread", c.threadID, "trigger", trigger, "error", err)
		return
	}
	c.log.Debug("checkpoint created",
		"id", cp.ID.String()[:8],
		"thread", c.threadID,
		"trigger", trigger,
		"messages", cp.MessageCount,
		"bytes", cp.ByteSize,
	)
}

// Restore returns the newest saved transcript for the thread, or nil when
// there is none. A snapshot that does not begin with a system message is
// rejected.
func (c *Checkpointer) Restore(ctx context.Context) ([]llm.Message, error) {
	cp, err := c.saver.Latest(ctx, c.threadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil || len(cp.Messages) == 0 {
		return nil, nil
	}
	if cp.Messages[0].Role != llm.RoleSystem {
		return nil, fmt.Errorf("checkpoint %s: transcript does not start with a system message", cp.ID)
	}
	c.log.Info("restored checkpoint",
		"id", cp.ID.String()[:8],
		"thread", c.threadID,
		"messages", cp.MessageCount,
		"created", cp.CreatedAt,
	)
	return cp.Messages, nil
}
