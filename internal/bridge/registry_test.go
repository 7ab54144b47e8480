package bridge

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Log(level int, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func TestDispatchInvokesHandlerOnce(t *testing.T) {
	b := New()
	r := NewRegistry(nil)

	calls := 0
	var gotErr error
	var gotResult any
	require.NoError(t, r.Register("req-1", func(err error, result any) {
		calls++
		gotErr, gotResult = err, result
	}))

	go b.Post("req-1", 42, nil)
	select {
	case <-b.Wake():
	case <-time.After(time.Second):
		t.Fatal("no wakeup after Post")
	}

	assert.Equal(t, 1, r.Dispatch(b.Drain()))
	assert.Equal(t, 1, calls)
	assert.NoError(t, gotErr)
	assert.Equal(t, 42, gotResult)

	// A second post for the same id finds no handler.
	b.Post("req-1", 43, nil)
	assert.Equal(t, 0, r.Dispatch(b.Drain()))
	assert.Equal(t, 1, calls)
}

func TestDispatchDeliversErrors(t *testing.T) {
	r := NewRegistry(nil)
	failure := errors.New("file not found")

	var gotErr error
	var gotResult any = "unset"
	require.NoError(t, r.Register("req", func(err error, result any) {
		gotErr, gotResult = err, result
	}))

	r.Dispatch([]Envelope{NewError("req", failure)})
	assert.ErrorIs(t, gotErr, failure)
	assert.Nil(t, gotResult)
}

func TestDispatchUnknownIsLoggedAndDropped(t *testing.T) {
	log := &recordingLogger{}
	r := NewRegistry(log)

	assert.NotPanics(t, func() {
		assert.Equal(t, 0, r.Dispatch([]Envelope{NewResult("expired", 1)}))
	})
	require.Len(t, log.lines, 1)
	assert.Contains(t, log.lines[0], "expired")
}

func TestDispatchKeepsOrder(t *testing.T) {
	r := NewRegistry(nil)

	var order []string
	for _, id := range []string{"a", "b", "c"} {
		id := id
		require.NoError(t, r.Register(id, func(error, any) { order = append(order, id) }))
	}

	r.Dispatch([]Envelope{NewResult("c", nil), NewResult("a", nil), NewResult("b", nil)})
	assert.Equal(t, []string{"c", "a", "b"}, order)
	assert.Equal(t, 0, r.Len())
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("x", func(error, any) {}))

	err := r.Register("x", func(error, any) {})
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Error(t, r.Register("y", nil))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(nil)
	called := false
	require.NoError(t, r.Register("x", func(error, any) { called = true }))

	assert.True(t, r.Has("x"))
	assert.True(t, r.Unregister("x"))
	assert.False(t, r.Unregister("x"))
	assert.False(t, r.Has("x"))

	r.Dispatch([]Envelope{NewResult("x", 1)})
	assert.False(t, called)
}

func TestHandlerMayRegisterDuringDispatch(t *testing.T) {
	r := NewRegistry(nil)

	second := false
	require.NoError(t, r.Register("first", func(error, any) {
		require.NoError(t, r.Register("second", func(error, any) { second = true }))
	}))

	r.Dispatch([]Envelope{NewResult("first", nil)})
	assert.True(t, r.Has("second"))

	r.Dispatch([]Envelope{NewResult("second", nil)})
	assert.True(t, second)
}
