package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/glyph-api/internal/credential"
	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/phrazzld/glyph-api/internal/translation"
)

// JobStore is the part of the task store the pool depends on.
type JobStore interface {
	ClaimNextJob(ctx context.Context) (*task.Claim, error)
	CompleteJob(ctx context.Context, taskID string, index int, outcome task.Outcome) error
	RequeueJob(ctx context.Context, taskID string, index int) (bool, error)
}

// Credentials hands out API keys and receives call outcomes.
type Credentials interface {
	Acquire(ctx context.Context) (*credential.Credential, error)
	ReportOutcome(ctx context.Context, id string, outcome credential.Outcome) error
}

// Metrics receives per-job observations. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveJob(outcome string, d time.Duration)
	ObserveAcquire(result string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveJob(string, time.Duration) {}
func (noopMetrics) ObserveAcquire(string)            {}

// Job outcomes reported to Metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRequeued  = "requeued"
)

// Config holds worker tuning.
type Config struct {
	// IdlePoll is how long a unit sleeps after finding the queue empty
	IdlePoll time.Duration

	// CallTimeout bounds every single translation attempt
	CallTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt for
	// transient failures
	MaxRetries int

	// RetryBaseDelay is the first retry delay; later delays double
	RetryBaseDelay time.Duration

	// MaxStoreBackoff caps the sleep after coordination store errors
	MaxStoreBackoff time.Duration

	// QuotaRequeueDelay is how long a unit holds a job that found every key
	// unavailable before putting it back on the queue
	QuotaRequeueDelay time.Duration
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		IdlePoll:          time.Second,
		CallTimeout:       60 * time.Second,
		MaxRetries:        3,
		RetryBaseDelay:    time.Second,
		MaxStoreBackoff:   5 * time.Second,
		QuotaRequeueDelay: 5 * time.Second,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total      int   `json:"total_workers"`
	Active     int   `json:"active_workers"`
	Idle       int   `json:"idle_workers"`
	Processed  int64 `json:"total_processed"`
	Successful int64 `json:"successful_jobs"`
	Failed     int64 `json:"failed_jobs"`
}

// unit is one execution goroutine. Closing retire asks it to exit at its
// next loop boundary.
type unit struct {
	id     int
	retire chan struct{}
}

// Pool supervises a variable number of execution units. Each unit claims
// jobs from the shared queue independently; the pool only reconciles how
// many units are running.
type Pool struct {
	store      JobStore
	creds      Credentials
	translator translation.Translator
	config     Config
	metrics    Metrics
	logger     *slog.Logger

	// ctx is cancelled only to force-stop units that outlive Shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	units  map[int]*unit
	nextID int
	closed bool

	busy       atomic.Int64
	processed  atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics reports job observations to m.
func WithMetrics(m Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// NewPool creates an empty pool. Call SetTargetCount to start units.
func NewPool(store JobStore, creds Credentials, translator translation.Translator, config Config, logger *slog.Logger, opts ...Option) *Pool {
	defaults := DefaultConfig()
	if config.IdlePoll <= 0 {
		config.IdlePoll = defaults.IdlePoll
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if config.MaxStoreBackoff <= 0 {
		config.MaxStoreBackoff = defaults.MaxStoreBackoff
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.QuotaRequeueDelay < 0 {
		config.QuotaRequeueDelay = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		store:      store,
		creds:      creds,
		translator: translator,
		config:     config,
		metrics:    noopMetrics{},
		logger:     logger.With("component", "worker_pool"),
		ctx:        ctx,
		cancel:     cancel,
		units:      make(map[int]*unit),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetTargetCount spawns or retires units until n are running. Retired units
// finish the job they hold before exiting.
func (p *Pool) SetTargetCount(n int) {
	if n < 0 {
		n = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	current := len(p.units)
	switch {
	case n > current:
		for i := current; i < n; i++ {
			u := &unit{id: p.nextID, retire: make(chan struct{})}
			p.nextID++
			p.units[u.id] = u
			p.wg.Add(1)
			go p.run(u)
		}
	case n < current:
		// Retire the newest units first
		ids := make([]int, 0, current)
		for id := range p.units {
			ids = append(ids, id)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(ids)))
		for _, id := range ids[:current-n] {
			close(p.units[id].retire)
			delete(p.units, id)
		}
	default:
		return
	}

	p.logger.Info("worker count changed", "from", current, "to", n)
}

// Count returns the number of units that have not been retired.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.units)
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	total := p.Count()
	active := int(p.busy.Load())
	if active > total {
		// Retired units may still be finishing a job
		total = active
	}
	return Stats{
		Total:      total,
		Active:     active,
		Idle:       total - active,
		Processed:  p.processed.Load(),
		Successful: p.successful.Load(),
		Failed:     p.failed.Load(),
	}
}

// Shutdown retires every unit and waits for in-flight jobs to finish. If ctx
// expires first, the remaining units are cancelled and ctx's error is
// returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for id, u := range p.units {
			close(u.retire)
			delete(p.units, id)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool drain timed out, cancelling in-flight jobs",
			"in_flight", p.busy.Load())
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// run is the unit loop.
func (p *Pool) run(u *unit) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", u.id)
	log.Debug("starting worker")
	var storeBackoff time.Duration

	for {
		select {
		case <-u.retire:
			log.Debug("worker retired")
			return
		case <-p.ctx.Done():
			return
		default:
		}

		wait := p.step(log, &storeBackoff)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-u.retire:
			timer.Stop()
			log.Debug("worker retired")
			return
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
