package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/scout/internal/llm"
)

// MemorySaver keeps checkpoints in process memory. It is the default
// when no checkpoint path is configured.
type MemorySaver struct {
	mu      sync.Mutex
	threads map[string][]*Checkpoint // oldest first
	keep    int
}

// NewMemorySaver creates a MemorySaver that retains up to keep snapshots
// per thread. keep <= 0 retains only the latest.
func NewMemorySaver(keep int) *MemorySaver {
	if keep <= 0 {
		keep = 1
	}
	return &MemorySaver{threads: make(map[string][]*Checkpoint), keep: keep}
}

// Save implements [Saver].
func (m *MemorySaver) Save(_ context.Context, threadID string, trigger Trigger, messages []llm.Message) (*Checkpoint, error) {
	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	cp := &Checkpoint{
		ID:           id,
		ThreadID:     threadID,
		CreatedAt:    time.Now().UTC(),
		Trigger:      trigger,
		Messages:     snapshot(messages),
		MessageCount: len(messages),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.threads[threadID], cp)
	if len(list) > m.keep {
		list = list[len(list)-m.keep:]
	}
	m.threads[threadID] = list
	return cp, nil
}

// Latest implements [Saver].
func (m *MemorySaver) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.threads[threadID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	cp.Messages = snapshot(cp.Messages)
	return &cp, nil
}

// List implements [Saver].
func (m *MemorySaver) List(_ context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.threads[threadID]
	out := make([]*Checkpoint, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		meta := *list[i]
		meta.Messages = nil
		out = append(out, &meta)
	}
	return out, nil
}

// Close implements [Saver].
func (m *MemorySaver) Close() error { return nil }
