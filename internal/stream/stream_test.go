package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phrazzld/glyph-api/internal/platform/logger"
	"github.com/phrazzld/glyph-api/internal/poll"
	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedWaiter returns the queued snapshots in order, then blocks.
type scriptedWaiter struct {
	mu     sync.Mutex
	steps  []*poll.Snapshot
	err    error
	sinces []poll.Fingerprint
}

func (s *scriptedWaiter) Wait(ctx context.Context, _ string, since poll.Fingerprint, maxWait time.Duration) (*poll.Snapshot, error) {
	s.mu.Lock()
	s.sinces = append(s.sinces, since)
	if len(s.steps) > 0 {
		next := s.steps[0]
		s.steps = s.steps[1:]
		s.mu.Unlock()
		return next, nil
	}
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(maxWait):
		return nil, errors.New("script exhausted")
	}
}

func snapshot(status task.Status, completed, failed, total int) *poll.Snapshot {
	t := &task.Task{ID: "t1", Status: status, CompletedImages: completed, FailedImages: failed, TotalImages: total}
	s := &poll.Snapshot{
		TaskID:          t.ID,
		Status:          status,
		CompletedImages: completed,
		FailedImages:    failed,
		TotalImages:     total,
		Since:           poll.FingerprintOf(t),
	}
	if status.Terminal() {
		ok := status == task.StatusCompleted
		s.Success = &ok
	}
	return s
}

func dial(t *testing.T, h *Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, "t1")
	}))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStreamPushesProgressUntilFinished(t *testing.T) {
	t.Parallel()
	waiter := &scriptedWaiter{steps: []*poll.Snapshot{
		snapshot(task.StatusPending, 0, 0, 2),
		snapshot(task.StatusProcessing, 1, 0, 2),
		snapshot(task.StatusCompleted, 2, 0, 2),
	}}
	h := NewHandler(waiter, Config{PingPeriod: time.Second}, logger.Discard())
	conn := dial(t, h)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frames []Frame
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
			break
		}
		frames = append(frames, f)
	}

	require.Len(t, frames, 3)
	assert.Equal(t, FrameProgress, frames[0].Type)
	assert.Equal(t, task.StatusPending, frames[0].Task.Status)
	assert.Equal(t, FrameProgress, frames[1].Type)
	assert.Equal(t, 1, frames[1].Task.CompletedImages)
	assert.Equal(t, FrameFinished, frames[2].Type)
	require.NotNil(t, frames[2].Task.Success)
	assert.True(t, *frames[2].Task.Success)

	waiter.mu.Lock()
	defer waiter.mu.Unlock()
	assert.Equal(t, []poll.Fingerprint{"initial", "0.0", "1.0"}, waiter.sinces)
}

func TestStreamSkipsUnchangedSnapshots(t *testing.T) {
	t.Parallel()
	waiter := &scriptedWaiter{steps: []*poll.Snapshot{
		snapshot(task.StatusProcessing, 1, 0, 3),
		snapshot(task.StatusProcessing, 1, 0, 3),
		snapshot(task.StatusFailed, 3, 3, 3),
	}}
	h := NewHandler(waiter, Config{PingPeriod: time.Second}, logger.Discard())
	conn := dial(t, h)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var types []string
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		types = append(types, f.Type)
	}
	assert.Equal(t, []string{FrameProgress, FrameFinished}, types)
}

func TestStreamReportsWaitErrors(t *testing.T) {
	t.Parallel()
	waiter := &scriptedWaiter{err: task.ErrTaskNotFound}
	h := NewHandler(waiter, Config{PingPeriod: time.Second}, logger.Discard())
	conn := dial(t, h)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, "task unavailable", f.Error)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestStreamCountsClients(t *testing.T) {
	t.Parallel()
	waiter := &scriptedWaiter{}
	h := NewHandler(waiter, Config{PingPeriod: time.Second}, logger.Discard())
	conn := dial(t, h)

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Clients() == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no origin header", want: true},
		{name: "same host", origin: "http://api.example.com", want: true},
		{name: "listed origin", allowed: []string{"http://localhost:3000/"}, origin: "http://localhost:3000", want: true},
		{name: "unlisted origin", allowed: []string{"http://localhost:3000"}, origin: "https://evil.example", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://evil.example", want: true},
		{name: "malformed origin", origin: "http://%zz", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://api.example.com/api/translate/stream/t1", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	h := NewHandler(&scriptedWaiter{}, Config{PingPeriod: time.Second}, logger.Discard())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, "t1")
	}))
	t.Cleanup(srv.Close)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
