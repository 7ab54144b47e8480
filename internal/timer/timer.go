// Package timer keeps the pending timeouts and intervals of a script engine.
//
// A Manager is owned by a single loop goroutine and carries no lock. It never
// holds callbacks: Tick reports which ids are due and the owner maps them to
// whatever it needs to run.
package timer

import (
	"container/heap"
	"errors"
	"fmt"
	"time"
)

// ErrNegativeDelay is returned by Schedule for delays below zero.
var ErrNegativeDelay = errors.New("timer: negative delay")

// ID identifies a scheduled timer. IDs are never reused by a Manager.
type ID uint64

// entry is one pending timer.
type entry struct {
	id        ID
	deadline  time.Time
	interval  time.Duration
	repeating bool
	cancelled bool
	seq       uint64 // insertion order, breaks deadline ties
	index     int    // position in the heap, -1 once popped
}

// entryHeap is a min-heap ordered by (deadline, seq).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Manager holds pending timers ordered by deadline.
type Manager struct {
	entries entryHeap
	byID    map[ID]*entry
	lastID  ID
	seq     uint64
	live    int
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now as the source of scheduling time.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		byID: make(map[ID]*entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Schedule adds a timer due delay from now. A repeating timer uses delay as
// its interval. Zero delay is due on the next Tick.
func (m *Manager) Schedule(delay time.Duration, repeating bool) (ID, error) {
	if delay < 0 {
		return 0, fmt.Errorf("%w: %v", ErrNegativeDelay, delay)
	}

	m.lastID++
	m.seq++
	e := &entry{
		id:        m.lastID,
		deadline:  m.now().Add(delay),
		interval:  delay,
		repeating: repeating,
		seq:       m.seq,
	}
	heap.Push(&m.entries, e)
	m.byID[e.id] = e
	m.live++
	return e.id, nil
}

// Cancel marks a timer cancelled. The entry stays in the heap until Tick or
// NextDeadline reaches it. Returns false if the id is unknown, already fired
// or already cancelled.
func (m *Manager) Cancel(id ID) bool {
	e, ok := m.byID[id]
	if !ok || e.cancelled {
		return false
	}
	e.cancelled = true
	m.live--
	return true
}

// Tick collects every timer due at now, in deadline order. Cancelled entries
// met on the way are purged. Repeating entries move forward by one interval
// from their previous deadline and fire at most once per Tick.
func (m *Manager) Tick(now time.Time) []ID {
	var fired []ID
	var again []*entry

	for len(m.entries) > 0 {
		top := m.entries[0]
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&m.entries)

		if top.cancelled {
			delete(m.byID, top.id)
			continue
		}

		fired = append(fired, top.id)
		if top.repeating {
			top.deadline = top.deadline.Add(top.interval)
			again = append(again, top)
		} else {
			delete(m.byID, top.id)
			m.live--
		}
	}

	// Rescheduled entries keep their seq so ties still follow creation order.
	for _, e := range again {
		heap.Push(&m.entries, e)
	}
	return fired
}

// NextDeadline returns the earliest deadline among live timers.
func (m *Manager) NextDeadline() (time.Time, bool) {
	m.purgeHead()
	if len(m.entries) == 0 {
		return time.Time{}, false
	}
	return m.entries[0].deadline, true
}

// Deadline returns the current deadline of a live timer.
func (m *Manager) Deadline(id ID) (time.Time, bool) {
	e, ok := m.byID[id]
	if !ok || e.cancelled {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Count returns the number of live timers.
func (m *Manager) Count() int {
	return m.live
}

// Clear cancels every timer.
func (m *Manager) Clear() {
	m.entries = nil
	m.byID = make(map[ID]*entry)
	m.live = 0
}

// purgeHead drops cancelled entries sitting at the top of the heap.
func (m *Manager) purgeHead() {
	for len(m.entries) > 0 && m.entries[0].cancelled {
		e := heap.Pop(&m.entries).(*entry)
		delete(m.byID, e.id)
	}
}
