package server

import (
	"sync"
	"time"
)

// FrameSender delivers batches of output frames.
type FrameSender interface {
	Broadcast(frames []OutputFrame)
	Log(level int, format string, args ...interface{})
}

// OutgoingBatcher collects output frames and sends them after a short
// debounce, so the engine loop never waits on a client.
type OutgoingBatcher struct {
	mu               sync.Mutex
	pending          []OutputFrame
	debounceTimer    *time.Timer
	debounceInterval time.Duration
	sender           FrameSender
	batchCount       int
}

// NewOutgoingBatcher creates a batcher with the given sender.
func NewOutgoingBatcher(sender FrameSender) *OutgoingBatcher {
	return &OutgoingBatcher{
		debounceInterval: 10 * time.Millisecond,
		sender:           sender,
	}
}

// Queue adds a frame and starts the debounce timer if it is not running.
func (b *OutgoingBatcher) Queue(frame OutputFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, frame)
	if b.debounceTimer == nil {
		b.debounceTimer = time.AfterFunc(b.debounceInterval, b.flush)
	}
}

// FlushNow immediately sends all pending frames.
func (b *OutgoingBatcher) FlushNow() {
	b.mu.Lock()
	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.mu.Unlock()

	b.flush()
}

// flush sends pending frames (called by timer or FlushNow).
func (b *OutgoingBatcher) flush() {
	b.mu.Lock()
	b.debounceTimer = nil
	frames := b.pending
	b.pending = nil
	b.batchCount++
	count := b.batchCount
	b.mu.Unlock()

	if len(frames) == 0 {
		return
	}
	b.sender.Log(4, "[OUT] BATCH %d (%d frames)", count, len(frames))
	b.sender.Broadcast(frames)
}

// PendingCount returns the number of pending frames (for testing).
func (b *OutgoingBatcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
