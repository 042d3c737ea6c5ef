package poll

import (
	"context"
	"testing"
	"time"

	"github.com/phrazzld/glyph-api/internal/coord"
	"github.com/phrazzld/glyph-api/internal/platform/logger"
	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPoller(t *testing.T) (*Poller, *task.Store) {
	t.Helper()
	store := task.NewStore(coord.NewMemory(), task.DefaultConfig(), logger.Discard())
	poller := NewPoller(store, func() int { return 4 }, Config{
		Interval: 5 * time.Millisecond,
		MaxWait:  200 * time.Millisecond,
	}, logger.Discard())
	return poller, store
}

func createTask(t *testing.T, store *task.Store, n int) *task.Task {
	t.Helper()
	images := make([]task.Image, n)
	for i := range images {
		images[i] = task.Image{Data: []byte{byte(i)}, MIMEType: "image/png"}
	}
	created, err := store.CreateTask(context.Background(), images, "English")
	require.NoError(t, err)
	return created
}

func TestWaitReturnsPendingSnapshotAtMaxWait(t *testing.T) {
	t.Parallel()
	poller, store := newTestPoller(t)
	created := createTask(t, store, 2)

	start := time.Now()
	snap, err := poller.Wait(context.Background(), created.ID, "", 40*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	assert.Equal(t, task.StatusPending, snap.Status)
	assert.Nil(t, snap.Success)
	assert.Len(t, snap.Results, 2)
	assert.Equal(t, 0.0, snap.ProgressPercentage)
	assert.Equal(t, Fingerprint("0.0"), snap.Since)
	require.NotNil(t, snap.EstimatedWaitTime)
	assert.Equal(t, 5.0, *snap.EstimatedWaitTime, "estimates are clamped to at least five seconds")
}

func TestWaitWithZeroTimeoutReturnsImmediately(t *testing.T) {
	t.Parallel()
	poller, store := newTestPoller(t)
	created := createTask(t, store, 1)

	start := time.Now()
	snap, err := poller.Wait(context.Background(), created.ID, "", 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "a zero timeout is a plain status check")
	assert.Equal(t, task.StatusPending, snap.Status)

	_, err = poller.Wait(context.Background(), "missing", "", 0)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestWaitCapsRequestedTimeout(t *testing.T) {
	t.Parallel()
	poller, store := newTestPoller(t)
	created := createTask(t, store, 1)

	start := time.Now()
	_, err := poller.Wait(context.Background(), created.ID, "", time.Hour)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitReturnsOnProgress(t *testing.T) {
	t.Parallel()
	poller, store := newTestPoller(t)
	created := createTask(t, store, 3)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.CompleteJob(context.Background(), created.ID, 1, task.Outcome{Text: "middle"})
	}()

	snap, err := poller.Wait(context.Background(), created.ID, "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, snap.Status)
	assert.Equal(t, 1, snap.CompletedImages)
	assert.InDelta(t, 33.33, snap.ProgressPercentage, 0.01)
	assert.Equal(t, Fingerprint("1.0"), snap.Since)
	assert.Equal(t, "middle", snap.Results[1].TranslatedText)
	assert.Equal(t, task.StatusPending, snap.Results[0].Status)

	// Resuming from the returned fingerprint waits for the next change
	start := time.Now()
	snap, err = poller.Wait(context.Background(), created.ID, snap.Since, 30*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 1, snap.CompletedImages)

	// A stale fingerprint returns at once
	start = time.Now()
	_, err = poller.Wait(context.Background(), created.ID, "0.0", time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitReturnsTerminalSnapshot(t *testing.T) {
	t.Parallel()
	poller, store := newTestPoller(t)
	ctx := context.Background()
	created := createTask(t, store, 1)

	require.NoError(t, store.CompleteJob(ctx, created.ID, 0, task.Outcome{Text: "hello", ProcessingTime: time.Second}))

	snap, err := poller.Wait(ctx, created.ID, "1.0", time.Second)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, snap.Status)
	require.NotNil(t, snap.Success)
	assert.True(t, *snap.Success)
	assert.Equal(t, "hello", snap.TranslatedText)
	assert.Equal(t, 100.0, snap.ProgressPercentage)
	assert.Nil(t, snap.EstimatedWaitTime)
	assert.NotNil(t, snap.CompletedAt)
}

func TestWaitFailedTask(t *testing.T) {
	t.Parallel()
	poller, store := newTestPoller(t)
	ctx := context.Background()
	created := createTask(t, store, 2)

	require.NoError(t, store.CompleteJob(ctx, created.ID, 0, task.Outcome{Error: "blocked"}))
	require.NoError(t, store.CompleteJob(ctx, created.ID, 1, task.Outcome{Error: "blocked"}))

	snap, err := poller.Wait(ctx, created.ID, "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, snap.Status)
	require.NotNil(t, snap.Success)
	assert.False(t, *snap.Success)
	assert.Empty(t, snap.TranslatedText)
	assert.Equal(t, Fingerprint("2.2"), snap.Since)
}

func TestWaitUnknownTask(t *testing.T) {
	t.Parallel()
	poller, _ := newTestPoller(t)

	_, err := poller.Wait(context.Background(), "missing", "", time.Second)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestWaitStopsWhenClientLeaves(t *testing.T) {
	t.Parallel()
	poller, store := newTestPoller(t)
	created := createTask(t, store, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := poller.Wait(ctx, created.ID, "", time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseFingerprint(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in    string
		valid bool
	}{
		{in: "", valid: true},
		{in: "0.0", valid: true},
		{in: "3.1", valid: true},
		{in: "3", valid: false},
		{in: "a.b", valid: false},
		{in: "-1.0", valid: false},
		{in: "1.2", valid: false},
	}

	for _, tc := range testCases {
		_, err := ParseFingerprint(tc.in)
		if tc.valid {
			assert.NoError(t, err, tc.in)
		} else {
			assert.ErrorIs(t, err, ErrInvalidFingerprint, tc.in)
		}
	}
}
