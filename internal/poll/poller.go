package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/phrazzld/glyph-api/internal/task"
)

// ErrInvalidFingerprint is returned by ParseFingerprint for malformed input.
var ErrInvalidFingerprint = errors.New("invalid progress fingerprint")

// Fingerprint identifies how far a task has progressed, as
// "<completed>.<failed>". The zero value means no progress seen yet.
type Fingerprint string

// FingerprintOf returns the current fingerprint of t.
func FingerprintOf(t *task.Task) Fingerprint {
	return Fingerprint(fmt.Sprintf("%d.%d", t.CompletedImages, t.FailedImages))
}

// ParseFingerprint validates a client supplied fingerprint. An empty string
// is accepted and means no progress seen yet.
func ParseFingerprint(s string) (Fingerprint, error) {
	if s == "" {
		return "", nil
	}
	completed, failed, ok := strings.Cut(s, ".")
	if !ok {
		return "", ErrInvalidFingerprint
	}
	c, err := strconv.Atoi(completed)
	if err != nil || c < 0 {
		return "", ErrInvalidFingerprint
	}
	f, err := strconv.Atoi(failed)
	if err != nil || f < 0 || f > c {
		return "", ErrInvalidFingerprint
	}
	return Fingerprint(s), nil
}

func (f Fingerprint) orZero() Fingerprint {
	if f == "" {
		return "0.0"
	}
	return f
}

// Reader is the part of the task store the poller needs.
type Reader interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	EstimateWait(ctx context.Context, remaining, capacity int) (time.Duration, error)
}

// Metrics receives how long each wait lasted.
type Metrics interface {
	ObservePollWait(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObservePollWait(time.Duration) {}

// Config tunes the long-poll loop.
type Config struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Interval: 500 * time.Millisecond,
		MaxWait:  60 * time.Second,
	}
}

// Poller waits for task progress on behalf of long-poll clients.
type Poller struct {
	reader   Reader
	capacity func() int
	config   Config
	logger   *slog.Logger
	metrics  Metrics
}

// Option configures a Poller.
type Option func(*Poller)

// WithMetrics reports wait durations to m.
func WithMetrics(m Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// NewPoller creates a Poller. capacity reports the number of workers used for
// wait estimates; nil means one.
func NewPoller(reader Reader, capacity func() int, config Config, logger *slog.Logger, opts ...Option) *Poller {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxWait <= 0 {
		config.MaxWait = defaults.MaxWait
	}
	if capacity == nil {
		capacity = func() int { return 1 }
	}
	p := &Poller{
		reader:   reader,
		capacity: capacity,
		config:   config,
		logger:   logger.With("component", "poller"),
		metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxWait returns the longest wait a caller may request.
func (p *Poller) MaxWait() time.Duration {
	return p.config.MaxWait
}

// Wait returns as soon as the task is terminal or its fingerprint differs from
// since. Otherwise it returns the current snapshot once maxWait passes; a
// timeout is not an error. maxWait is capped at the configured maximum, and
// zero or less returns the current snapshot without waiting.
func (p *Poller) Wait(ctx context.Context, taskID string, since Fingerprint, maxWait time.Duration) (*Snapshot, error) {
	start := time.Now()
	defer func() { p.metrics.ObservePollWait(time.Since(start)) }()

	if maxWait > p.config.MaxWait {
		maxWait = p.config.MaxWait
	}
	since = since.orZero()

	if maxWait <= 0 {
		t, err := p.reader.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return p.Snapshot(ctx, t)
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		t, err := p.reader.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Terminal() || FingerprintOf(t) != since {
			return p.Snapshot(ctx, t)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			t, err := p.reader.GetTask(ctx, taskID)
			if err != nil {
				return nil, err
			}
			p.logger.DebugContext(ctx, "long poll timed out",
				"task_id", taskID,
				"status", t.Status,
				"waited_ms", time.Since(start).Milliseconds())
			return p.Snapshot(ctx, t)
		case <-ticker.C:
		}
	}
}

// Snapshot renders t for clients, adding a wait estimate while it runs.
func (p *Poller) Snapshot(ctx context.Context, t *task.Task) (*Snapshot, error) {
	s := newSnapshot(t)
	if t.Terminal() {
		return s, nil
	}

	estimate, err := p.reader.EstimateWait(ctx, t.Remaining(), p.capacity())
	if err != nil {
		// The estimate is advisory
		p.logger.WarnContext(ctx, "failed to estimate wait", "task_id", t.ID, "error", err)
		return s, nil
	}
	seconds := estimate.Seconds()
	s.EstimatedWaitTime = &seconds
	return s, nil
}
