package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler counts the events it receives and optionally fails.
type recordingHandler struct {
	mu        sync.Mutex
	received  []*TaskEvent
	handleErr error
}

func (h *recordingHandler) HandleEvent(_ context.Context, event *TaskEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, event)
	return h.handleErr
}

func TestInMemoryEventEmitter(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("emit event with no handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		event, err := NewTaskEvent(TypeJobCompleted, "task-1", map[string]int{"index": 0})
		require.NoError(t, err)

		assert.NoError(t, emitter.EmitEvent(context.Background(), event))
	})

	t.Run("every handler receives the event", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		first := &recordingHandler{}
		second := &recordingHandler{}
		emitter.RegisterHandler(first)
		emitter.RegisterHandler(second)

		event, err := NewTaskEvent(TypeTaskFinished, "task-2", map[string]string{"status": "completed"})
		require.NoError(t, err)
		require.NoError(t, emitter.EmitEvent(context.Background(), event))

		require.Len(t, first.received, 1)
		require.Len(t, second.received, 1)
		assert.Same(t, event, first.received[0])

		var payload map[string]string
		require.NoError(t, first.received[0].UnmarshalPayload(&payload))
		assert.Equal(t, "completed", payload["status"])
	})

	t.Run("failing handler does not stop delivery", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		failing := &recordingHandler{handleErr: errors.New("archive down")}
		ok := &recordingHandler{}
		emitter.RegisterHandler(failing)
		emitter.RegisterHandler(ok)

		event, err := NewTaskEvent(TypeTaskFinished, "task-3", nil)
		require.NoError(t, err)

		err = emitter.EmitEvent(context.Background(), event)
		assert.EqualError(t, err, "archive down")
		assert.Len(t, ok.received, 1)
	})

	t.Run("handlers only see subscribed types", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		finishedOnly := &recordingHandler{}
		everything := &recordingHandler{}
		emitter.RegisterHandler(finishedOnly, TypeTaskFinished)
		emitter.RegisterHandler(everything)

		for _, typ := range []string{TypeJobCompleted, TypeJobCompleted, TypeTaskFinished} {
			event, err := NewTaskEvent(typ, "task-5", nil)
			require.NoError(t, err)
			require.NoError(t, emitter.EmitEvent(context.Background(), event))
		}

		require.Len(t, finishedOnly.received, 1)
		assert.Equal(t, TypeTaskFinished, finishedOnly.received[0].Type)
		assert.Len(t, everything.received, 3)
	})

	t.Run("panicking handler is contained", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		ok := &recordingHandler{}
		emitter.RegisterHandler(HandlerFunc(func(context.Context, *TaskEvent) error {
			panic("boom")
		}))
		emitter.RegisterHandler(ok)

		event, err := NewTaskEvent(TypeJobCompleted, "task-6", nil)
		require.NoError(t, err)

		err = emitter.EmitEvent(context.Background(), event)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked: boom")
		assert.Len(t, ok.received, 1)
	})

	t.Run("handler func adapter", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		var got string
		emitter.RegisterHandler(HandlerFunc(func(_ context.Context, e *TaskEvent) error {
			got = e.TaskID
			return nil
		}))

		event, err := NewTaskEvent(TypeJobCompleted, "task-4", nil)
		require.NoError(t, err)
		require.NoError(t, emitter.EmitEvent(context.Background(), event))
		assert.Equal(t, "task-4", got)
	})
}
