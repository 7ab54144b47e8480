// Package bridge carries results from worker goroutines back to the single
// goroutine that owns the script engine.
//
// Workers only ever call Post. The owning loop calls Drain and hands the
// envelopes to a Registry, which invokes the handler registered for each
// request id exactly once.
package bridge

import (
	"sync"
	"sync/atomic"
)

// Envelope is one result crossing the goroutine boundary. It is immutable:
// either Err is non-nil and Result is nil, or Err is nil.
type Envelope struct {
	requestID string
	err       error
	result    any
}

// NewResult builds a success envelope.
func NewResult(requestID string, result any) Envelope {
	return Envelope{requestID: requestID, result: result}
}

// NewError builds a failure envelope.
func NewError(requestID string, err error) Envelope {
	return Envelope{requestID: requestID, err: err}
}

// RequestID returns the id that correlates the envelope with its handler.
func (e Envelope) RequestID() string { return e.requestID }

// Err returns the worker failure, if any.
func (e Envelope) Err() error { return e.err }

// Result returns the success payload. Always nil when Err is set.
func (e Envelope) Result() any { return e.result }

// State is the lifecycle of a Bridge.
type State int32

const (
	Running State = iota
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Bridge is a many-producer, single-consumer inbox of envelopes.
type Bridge struct {
	mu    sync.Mutex
	queue []Envelope
	state atomic.Int32
	wake  chan struct{}
}

// New creates a running Bridge.
func New() *Bridge {
	return &Bridge{
		wake: make(chan struct{}, 1),
	}
}

// Post queues a result from any goroutine. A non-nil err wins over result.
// After Stop it silently does nothing.
func (b *Bridge) Post(requestID string, result any, err error) {
	if err != nil {
		b.PostEnvelope(NewError(requestID, err))
		return
	}
	b.PostEnvelope(NewResult(requestID, result))
}

// PostEnvelope queues an already built envelope.
func (b *Bridge) PostEnvelope(env Envelope) {
	b.mu.Lock()
	if b.State() == Stopped {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, env)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
		// a wakeup is already pending
	}
}

// Drain removes and returns every queued envelope in admission order.
// Only the owning loop may call it.
func (b *Bridge) Drain() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil
	}
	envs := b.queue
	b.queue = nil
	return envs
}

// Len returns the number of queued envelopes.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Wake is signalled after a Post. A single pending signal may cover several
// posts, so the receiver must Drain everything.
func (b *Bridge) Wake() <-chan struct{} {
	return b.wake
}

// State reports whether the bridge still accepts posts.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Stop moves the bridge to Stopped and discards queued envelopes. Later
// posts are dropped and Drain returns nothing. Stopping twice is harmless.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.state.Store(int32(Stopped))
	b.queue = nil
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}
