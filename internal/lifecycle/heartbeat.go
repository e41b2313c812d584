// Package lifecycle owns the two process-wide timer loops that keep the
// Registry accurate: a per-agent heartbeat and a process-wide garbage
// collector. Lifecycle depends on Registry; Registry has no knowledge of
// Lifecycle.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/registry"
)

const defaultHeartbeatInterval = 60 * time.Second

// Heartbeat runs a single agent's periodic lastHeartbeat refresh. Starting a
// second heartbeat for the same agent supersedes the first: Start cancels the
// old loop's context, and the old loop also exits on its next tick once its
// generation no longer matches.
type Heartbeat struct {
	store    *registry.Store
	interval time.Duration

	mu         sync.Mutex
	cancel     context.CancelFunc
	generation uint64
	done       chan struct{}
}

// NewHeartbeat creates a Heartbeat bound to store. interval of zero uses the
// default (60s).
func NewHeartbeat(store *registry.Store, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Heartbeat{store: store, interval: interval}
}

// Start begins the heartbeat loop for guid: an immediate write followed by
// one write per tick. Calling Start again supersedes any loop already
// running on this Heartbeat.
func (h *Heartbeat) Start(ctx context.Context, guid string) {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.generation++
	gen := h.generation
	done := make(chan struct{})
	h.done = done
	h.mu.Unlock()

	go h.run(loopCtx, guid, gen, done)
}

// Stop halts the active heartbeat loop, if any. Idempotent.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Heartbeat) run(ctx context.Context, guid string, gen uint64, done chan struct{}) {
	defer close(done)

	h.tick(ctx, guid, gen)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.stillCurrent(gen) {
				return
			}
			h.tick(ctx, guid, gen)
		}
	}
}

func (h *Heartbeat) stillCurrent(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation == gen
}

func (h *Heartbeat) tick(ctx context.Context, guid string, gen uint64) {
	entry, err := h.store.Get(ctx, guid)
	if err != nil {
		slog.Warn("heartbeat: entry missing, will retry next tick", "guid", guid, "error", err)
		return
	}
	entry.LastHeartbeat = time.Now().UTC()
	if err := h.store.Put(ctx, entry); err != nil {
		slog.Error("heartbeat: write failed", "guid", guid, "error", err)
	}
}
