package bridge

import (
	"errors"
	"fmt"
)

// ErrDuplicateRequest is returned when a request id is registered twice.
var ErrDuplicateRequest = errors.New("bridge: request id already registered")

// Handler receives the outcome of a request on the owning loop.
type Handler func(err error, result any)

// Logger is the logging surface the registry needs.
type Logger interface {
	Log(level int, format string, args ...interface{})
}

// Registry maps request ids to handlers. Like the timer manager it belongs
// to the loop goroutine and has no lock.
type Registry struct {
	handlers map[string]Handler
	log      Logger
}

// NewRegistry creates an empty Registry. log may be nil.
func NewRegistry(log Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// Register installs the handler for requestID.
func (r *Registry) Register(requestID string, h Handler) error {
	if h == nil {
		return fmt.Errorf("bridge: nil handler for %q", requestID)
	}
	if _, exists := r.handlers[requestID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateRequest, requestID)
	}
	r.handlers[requestID] = h
	return nil
}

// Unregister drops the handler for requestID. Envelopes that arrive for it
// later are discarded.
func (r *Registry) Unregister(requestID string) bool {
	if _, ok := r.handlers[requestID]; !ok {
		return false
	}
	delete(r.handlers, requestID)
	return true
}

// Has reports whether a handler is waiting for requestID.
func (r *Registry) Has(requestID string) bool {
	_, ok := r.handlers[requestID]
	return ok
}

// Len returns the number of waiting handlers.
func (r *Registry) Len() int {
	return len(r.handlers)
}

// Dispatch invokes the handler of each envelope in order and removes it, so
// a handler runs at most once. Envelopes with no handler are logged and
// dropped. Returns the number of handlers invoked.
func (r *Registry) Dispatch(envs []Envelope) int {
	n := 0
	for _, env := range envs {
		h, ok := r.handlers[env.RequestID()]
		if !ok {
			r.logf(2, "bridge: dropping result for unknown request %s", env.RequestID())
			continue
		}
		delete(r.handlers, env.RequestID())
		h(env.Err(), env.Result())
		n++
	}
	return n
}

func (r *Registry) logf(level int, format string, args ...interface{}) {
	if r.log != nil {
		r.log.Log(level, format, args...)
	}
}
