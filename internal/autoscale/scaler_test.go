package autoscale

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/glyph-api/internal/coord"
	"github.com/phrazzld/glyph-api/internal/platform/logger"
	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePool struct {
	mu sync.Mutex
	n  int
}

func (p *fakePool) SetTargetCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n = n
}

func (p *fakePool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

type fakeQueue struct {
	mu      sync.Mutex
	pending int64
}

func (q *fakeQueue) set(n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = n
}

func (q *fakeQueue) QueueStats(context.Context) (task.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return task.QueueStats{Pending: q.pending, Total: q.pending}, nil
}

type recordingMetrics struct {
	mu      sync.Mutex
	reasons []string
}

func (m *recordingMetrics) ObserveScaleDecision(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

type cluster struct {
	client coord.Client
	clock  *clock
	queue  *fakeQueue
}

func newCluster() *cluster {
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &cluster{
		client: coord.NewMemory(coord.WithClock(c.Now)),
		clock:  c,
		queue:  &fakeQueue{},
	}
}

func (c *cluster) scaler(id string, workers int, opts ...Option) (*Scaler, *fakePool) {
	pool := &fakePool{n: workers}
	opts = append([]Option{WithClock(c.clock.Now)}, opts...)
	return NewScaler(c.client, c.queue, pool, DefaultConfig(), id, logger.Discard(), opts...), pool
}

func TestEvaluateScalesSingleInstance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCluster()
	metrics := &recordingMetrics{}
	s, pool := c.scaler("instance-a", 50, WithMetrics(metrics))

	require.NoError(t, s.Heartbeat(ctx))
	c.queue.set(150)

	d, err := s.Evaluate(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 100, d.Target)
	assert.True(t, d.Changed)

	require.NoError(t, s.SyncAssignment(ctx))
	assert.Equal(t, 100, pool.Count())
	assert.Equal(t, []string{ReasonHighLoad}, metrics.reasons)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"instance-a"}, status.Instances)
	assert.Equal(t, map[string]int{"instance-a": 100}, status.Assignments)
	require.NotNil(t, status.LastDecision)
	assert.Equal(t, 100, status.LastDecision.Target)
	assert.Equal(t, 150, status.LastDecision.Queue)
	assert.Equal(t, ReasonHighLoad, status.LastDecision.Reason)
}

func TestEvaluateSplitsAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCluster()
	a, poolA := c.scaler("instance-a", 50)
	b, poolB := c.scaler("instance-b", 50)

	require.NoError(t, a.Heartbeat(ctx))
	require.NoError(t, b.Heartbeat(ctx))
	c.queue.set(200)

	d, err := a.Evaluate(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 150, d.Target, "reported workers of both instances count")

	require.NoError(t, a.SyncAssignment(ctx))
	require.NoError(t, b.SyncAssignment(ctx))
	assert.Equal(t, 75, poolA.Count())
	assert.Equal(t, 75, poolB.Count())

	// The other instance recomputes from the assignments once the lease is free
	c.clock.Advance(time.Minute)
	c.queue.set(50)
	d, err = b.Evaluate(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 150, d.Target)
	assert.False(t, d.Changed)
}

func TestEvaluateSkipsWhenLeaseHeld(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCluster()
	s, pool := c.scaler("instance-a", 50)
	require.NoError(t, s.Heartbeat(ctx))
	c.queue.set(600)

	lease, err := coord.Acquire(ctx, c.client, lockKey, time.Minute)
	require.NoError(t, err)

	d, err := s.Evaluate(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)

	require.NoError(t, s.SyncAssignment(ctx))
	assert.Equal(t, 50, pool.Count(), "no assignment keeps the initial count")

	require.NoError(t, lease.Release(ctx))
	d, err = s.Evaluate(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1000, d.Target)
}

// stallingQueue runs stall before reporting, to simulate a holder that is
// paused mid-evaluation.
type stallingQueue struct {
	*fakeQueue
	stall func()
}

func (q *stallingQueue) QueueStats(ctx context.Context) (task.QueueStats, error) {
	q.stall()
	return q.fakeQueue.QueueStats(ctx)
}

func TestEvaluateDiscardsDecisionAfterLeaseLapses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCluster()
	c.queue.set(600)

	var rival *coord.Lease
	queue := &stallingQueue{fakeQueue: c.queue, stall: func() {
		c.clock.Advance(time.Minute)
		var err error
		rival, err = coord.Acquire(ctx, c.client, lockKey, time.Minute)
		require.NoError(t, err)
	}}
	metrics := &recordingMetrics{}
	s := NewScaler(c.client, queue, &fakePool{n: 50}, DefaultConfig(), "instance-a", logger.Discard(),
		WithClock(c.clock.Now), WithMetrics(metrics))
	require.NoError(t, s.Heartbeat(ctx))

	d, err := s.Evaluate(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)

	assignments, err := c.client.HGetAll(ctx, assignmentsKey)
	require.NoError(t, err)
	assert.Empty(t, assignments, "a lapsed holder must not write assignments")

	state, err := c.client.HGetAll(ctx, stateKey)
	require.NoError(t, err)
	assert.NotContains(t, state, fieldReason)
	assert.Empty(t, metrics.reasons)

	require.NotNil(t, rival)
	assert.NoError(t, rival.Release(ctx), "the new holder keeps its lease")
}

func TestEvaluatePurgesStaleInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCluster()
	a, _ := c.scaler("instance-a", 50)
	gone, _ := c.scaler("instance-gone", 50)

	require.NoError(t, gone.Heartbeat(ctx))
	c.clock.Advance(4 * time.Minute)
	require.NoError(t, a.Heartbeat(ctx))
	c.queue.set(50)

	d, err := a.Evaluate(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 50, d.Target)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"instance-a"}, status.Instances)
	assert.NotContains(t, status.Assignments, "instance-gone")

	workers, err := c.client.HGetAll(ctx, workersKey)
	require.NoError(t, err)
	assert.NotContains(t, workers, "instance-gone")
}

func TestRunDeregistersOnShutdown(t *testing.T) {
	t.Parallel()
	c := newCluster()
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.EvalInterval = 5 * time.Millisecond
	pool := &fakePool{n: 50}
	s := NewScaler(c.client, c.queue, pool, cfg, "instance-a", logger.Discard(), WithClock(c.clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		assignments, err := c.client.HGetAll(context.Background(), assignmentsKey)
		return err == nil && assignments["instance-a"] == "50"
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	members, err := c.client.ZRangeByScore(context.Background(), instancesKey, 0)
	require.NoError(t, err)
	assert.Empty(t, members)
}

// brokenHDel fails every hash field delete.
type brokenHDel struct {
	coord.Client
}

func (brokenHDel) HDel(context.Context, string, ...string) error {
	return errors.New("connection reset")
}

func TestDeregisterLogsCleanupFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCluster()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	s := NewScaler(brokenHDel{Client: c.client}, c.queue, &fakePool{n: 5}, DefaultConfig(), "instance-a", log,
		WithClock(c.clock.Now))
	require.NoError(t, s.Heartbeat(ctx))

	s.deregister()

	members, err := c.client.ZRangeByScore(ctx, instancesKey, 0)
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Contains(t, buf.String(), "failed to remove worker count")
	assert.Contains(t, buf.String(), "failed to remove assignment")
}
