package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/glyph-api/internal/coord"
	"github.com/phrazzld/glyph-api/internal/credential"
	"github.com/phrazzld/glyph-api/internal/platform/logger"
	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/phrazzld/glyph-api/internal/translation"
	"github.com/phrazzld/glyph-api/internal/translation/translationtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *task.Store
	registry *credential.Registry
	fake     *translationtest.Func
	pool     *Pool
}

func testConfig() Config {
	return Config{
		IdlePoll:        5 * time.Millisecond,
		CallTimeout:     time.Second,
		MaxRetries:      2,
		RetryBaseDelay:  time.Millisecond,
		MaxStoreBackoff: 10 * time.Millisecond,
	}
}

func newFixture(t *testing.T, limits credential.Limits, taskCfg task.Config, fn func(context.Context, translation.Request) (translation.Result, error)) *fixture {
	t.Helper()
	return newFixtureWith(t, limits, taskCfg, credential.DefaultConfig(), testConfig(), fn)
}

func newFixtureWith(t *testing.T, limits credential.Limits, taskCfg task.Config, credCfg credential.Config, poolCfg Config, fn func(context.Context, translation.Request) (translation.Result, error)) *fixture {
	t.Helper()
	client := coord.NewMemory()
	store := task.NewStore(client, taskCfg, logger.Discard())

	registry, err := credential.NewRegistry(client, []credential.Credential{
		{ID: "primary", APIKey: "secret-1", Limits: limits},
	}, credCfg, logger.Discard())
	require.NoError(t, err)

	fake := &translationtest.Func{Fn: fn}
	pool := NewPool(store, registry, fake, poolCfg, logger.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return &fixture{store: store, registry: registry, fake: fake, pool: pool}
}

var generous = credential.Limits{RPM: 100000, RPD: 1000000, TPM: 10000000}

func images(n int) []task.Image {
	out := make([]task.Image, n)
	for i := range out {
		out[i] = task.Image{Data: []byte{byte(i + 1)}, MIMEType: "image/jpeg"}
	}
	return out
}

func waitTerminal(t *testing.T, store *task.Store, id string) *task.Task {
	t.Helper()
	var snapshot *task.Task
	require.Eventually(t, func() bool {
		got, err := store.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		snapshot = got
		return got.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	return snapshot
}

func TestPoolProcessesAllJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, generous, task.DefaultConfig(), nil)

	created, err := f.store.CreateTask(context.Background(), images(5), "Japanese")
	require.NoError(t, err)

	f.pool.SetTargetCount(3)
	done := waitTerminal(t, f.store, created.ID)

	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, 5, done.CompletedImages)
	assert.Equal(t, 0, done.FailedImages)
	for _, job := range done.Jobs {
		assert.Equal(t, "translated to Japanese", job.TranslatedText)
	}

	calls := f.fake.Calls()
	require.Len(t, calls, 5)
	keys := make(map[string]bool)
	for _, c := range calls {
		assert.Equal(t, "secret-1", c.APIKey)
		assert.Equal(t, "image/jpeg", c.MIMEType)
		keys[c.IdempotencyKey] = true
	}
	assert.Len(t, keys, 5, "every job carries its own idempotency key")

	require.Eventually(t, func() bool { return f.pool.Stats().Processed == 5 }, time.Second, 5*time.Millisecond)
	stats := f.pool.Stats()
	assert.Equal(t, int64(5), stats.Successful)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, 3, stats.Total)
}

func TestPoolRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := newFixture(t, generous, task.DefaultConfig(), func(_ context.Context, req translation.Request) (translation.Result, error) {
		if calls.Add(1) == 1 {
			return translation.Result{}, fmt.Errorf("upstream hiccup: %w", translation.ErrTransient)
		}
		return translation.Result{Text: "ok"}, nil
	})

	created, err := f.store.CreateTask(context.Background(), images(1), "English")
	require.NoError(t, err)
	f.pool.SetTargetCount(1)

	done := waitTerminal(t, f.store, created.ID)
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, "ok", done.Jobs[0].TranslatedText)
	assert.Equal(t, int32(2), calls.Load(), "the only key is reused for the retry")

	statuses, err := f.registry.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, credential.HealthActive, statuses[0].Health)
}

func TestPoolRequeuesWhenRetryFindsKeyCoolingDown(t *testing.T) {
	t.Parallel()

	credCfg := credential.DefaultConfig()
	credCfg.FailureThreshold = 1
	credCfg.BaseCooldown = 60 * time.Millisecond
	poolCfg := testConfig()
	poolCfg.QuotaRequeueDelay = 50 * time.Millisecond

	var calls atomic.Int32
	f := newFixtureWith(t, generous, task.DefaultConfig(), credCfg, poolCfg, func(context.Context, translation.Request) (translation.Result, error) {
		if calls.Add(1) == 1 {
			return translation.Result{}, fmt.Errorf("upstream hiccup: %w", translation.ErrTransient)
		}
		return translation.Result{Text: "ok"}, nil
	})

	created, err := f.store.CreateTask(context.Background(), images(1), "English")
	require.NoError(t, err)
	f.pool.SetTargetCount(1)

	done := waitTerminal(t, f.store, created.ID)
	assert.Equal(t, task.StatusCompleted, done.Status, "the job goes back to the queue instead of failing")
	assert.Equal(t, "ok", done.Jobs[0].TranslatedText)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPoolRequeuesUntilQuotaFrees(t *testing.T) {
	t.Parallel()

	credCfg := credential.DefaultConfig()
	credCfg.QuotaCooldown = 80 * time.Millisecond
	poolCfg := testConfig()
	poolCfg.QuotaRequeueDelay = 30 * time.Millisecond

	f := newFixtureWith(t, generous, task.DefaultConfig(), credCfg, poolCfg, nil)
	require.NoError(t, f.registry.ReportOutcome(context.Background(), "primary", credential.Outcome{
		Err: fmt.Errorf("429: %w", translation.ErrQuota),
	}))

	created, err := f.store.CreateTask(context.Background(), images(1), "English")
	require.NoError(t, err)
	f.pool.SetTargetCount(1)

	done := waitTerminal(t, f.store, created.ID)
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, "translated to English", done.Jobs[0].TranslatedText)
	assert.Len(t, f.fake.Calls(), 1, "no call is made while the key is cooling down")
}

func TestPoolWaitsBetweenQuotaRequeues(t *testing.T) {
	t.Parallel()

	cfg := task.DefaultConfig()
	cfg.MaxQuotaRequeues = 2
	poolCfg := testConfig()
	poolCfg.QuotaRequeueDelay = 50 * time.Millisecond

	f := newFixtureWith(t, generous, cfg, credential.DefaultConfig(), poolCfg, nil)
	require.NoError(t, f.registry.ReportOutcome(context.Background(), "primary", credential.Outcome{
		Err: fmt.Errorf("429: %w", translation.ErrQuota),
	}))

	created, err := f.store.CreateTask(context.Background(), images(1), "English")
	require.NoError(t, err)

	start := time.Now()
	f.pool.SetTargetCount(1)
	done := waitTerminal(t, f.store, created.ID)

	assert.Equal(t, task.StatusFailed, done.Status)
	assert.Contains(t, done.Jobs[0].Error, "no api credentials available")
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "requeues must not happen back to back")
	assert.Empty(t, f.fake.Calls())
}

func TestPoolDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, generous, task.DefaultConfig(), func(context.Context, translation.Request) (translation.Result, error) {
		return translation.Result{}, fmt.Errorf("%w: image unreadable", translation.ErrPermanent)
	})

	created, err := f.store.CreateTask(context.Background(), images(2), "English")
	require.NoError(t, err)
	f.pool.SetTargetCount(1)

	done := waitTerminal(t, f.store, created.ID)
	assert.Equal(t, task.StatusFailed, done.Status)
	assert.Equal(t, 2, done.FailedImages)
	assert.Contains(t, done.Jobs[0].Error, "image unreadable")
	assert.Len(t, f.fake.Calls(), 2)

	// Content errors do not count against the key
	statuses, err := f.registry.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, credential.HealthActive, statuses[0].Health)
}

func TestPoolFailsJobWhenQuotaStaysExhausted(t *testing.T) {
	t.Parallel()

	cfg := task.DefaultConfig()
	cfg.MaxQuotaRequeues = 0
	f := newFixture(t, credential.Limits{RPM: 100, RPD: 1, TPM: 100000}, cfg, nil)

	created, err := f.store.CreateTask(context.Background(), images(2), "English")
	require.NoError(t, err)
	f.pool.SetTargetCount(1)

	done := waitTerminal(t, f.store, created.ID)
	assert.Equal(t, task.StatusCompleted, done.Status, "one image still succeeded")
	assert.Equal(t, 1, done.FailedImages)
	assert.Contains(t, done.Jobs[1].Error, "no api credentials available")
	assert.Len(t, f.fake.Calls(), 1)
}

func TestSetTargetCount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, generous, task.DefaultConfig(), nil)

	f.pool.SetTargetCount(6)
	assert.Equal(t, 6, f.pool.Count())

	f.pool.SetTargetCount(2)
	assert.Equal(t, 2, f.pool.Count())

	f.pool.SetTargetCount(-1)
	assert.Equal(t, 0, f.pool.Count())

	f.pool.SetTargetCount(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.pool.Shutdown(ctx))

	f.pool.SetTargetCount(3)
	assert.Equal(t, 0, f.pool.Count(), "a shut down pool stays empty")
}

func TestShutdownWaitsForInFlightJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newFixture(t, generous, task.DefaultConfig(), func(ctx context.Context, _ translation.Request) (translation.Result, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return translation.Result{Text: "finished"}, nil
		case <-ctx.Done():
			return translation.Result{}, ctx.Err()
		}
	})

	created, err := f.store.CreateTask(context.Background(), images(1), "English")
	require.NoError(t, err)
	f.pool.SetTargetCount(1)
	<-started

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdownErr <- f.pool.Shutdown(ctx)
	}()

	assert.Equal(t, 1, f.pool.Stats().Active)
	close(release)
	require.NoError(t, <-shutdownErr)

	got, err := f.store.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestShutdownCancelsAfterDeadline(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var once sync.Once
	f := newFixture(t, generous, task.DefaultConfig(), func(ctx context.Context, _ translation.Request) (translation.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return translation.Result{}, ctx.Err()
	})

	_, err := f.store.CreateTask(context.Background(), images(1), "English")
	require.NoError(t, err)
	f.pool.SetTargetCount(1)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = f.pool.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	base := 100 * time.Millisecond

	for attempt := 0; attempt < 4; attempt++ {
		full := base * time.Duration(1<<attempt)
		for i := 0; i < 20; i++ {
			d := retryDelay(base, attempt)
			assert.GreaterOrEqual(t, d, full/2)
			assert.Less(t, d, full)
		}
	}
}

func TestNextStoreBackoff(t *testing.T) {
	t.Parallel()
	max := time.Second

	d := nextStoreBackoff(0, max)
	assert.Equal(t, 250*time.Millisecond, d)
	d = nextStoreBackoff(d, max)
	assert.Equal(t, 500*time.Millisecond, d)
	d = nextStoreBackoff(d, max)
	assert.Equal(t, max, d)
	assert.Equal(t, max, nextStoreBackoff(d, max))
}
