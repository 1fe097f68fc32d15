package hub

import (
	"sync"
	"time"
)

const maxPendingBytes = 64 * 1024

// OutputBatcher coalesces terminal output per session and hands each batch to
// onFlush after interval, or sooner once maxPendingBytes accumulate. Flushes
// for the same batcher never overlap, so a caller that calls Flush is
// guaranteed every earlier chunk has already been handed off.
type OutputBatcher struct {
	mu       sync.Mutex
	flushMu  sync.Mutex
	pending  map[string]*pendingOutput
	interval time.Duration
	onFlush  func(sessionID string, data []byte)
}

type pendingOutput struct {
	data  []byte
	timer *time.Timer
}

func NewOutputBatcher(interval time.Duration, onFlush func(string, []byte)) *OutputBatcher {
	return &OutputBatcher{
		pending:  make(map[string]*pendingOutput),
		interval: interval,
		onFlush:  onFlush,
	}
}

func (b *OutputBatcher) Add(sessionID string, data []byte) {
	b.mu.Lock()
	p, exists := b.pending[sessionID]
	if !exists {
		p = &pendingOutput{}
		b.pending[sessionID] = p
	}
	p.data = append(p.data, data...)
	full := len(p.data) >= maxPendingBytes
	if !full && p.timer == nil {
		p.timer = time.AfterFunc(b.interval, func() {
			b.Flush(sessionID)
		})
	}
	b.mu.Unlock()

	if full {
		b.Flush(sessionID)
	}
}

// Flush hands off any pending output for sessionID immediately.
func (b *OutputBatcher) Flush(sessionID string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	p, exists := b.pending[sessionID]
	if !exists {
		b.mu.Unlock()
		return
	}
	delete(b.pending, sessionID)
	if p.timer != nil {
		p.timer.Stop()
	}
	b.mu.Unlock()

	if b.onFlush != nil && len(p.data) > 0 {
		b.onFlush(sessionID, p.data)
	}
}

func (b *OutputBatcher) FlushAll() {
	b.mu.Lock()
	sessions := make([]string, 0, len(b.pending))
	for id := range b.pending {
		sessions = append(sessions, id)
	}
	b.mu.Unlock()

	for _, id := range sessions {
		b.Flush(id)
	}
}
