package autoscale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/phrazzld/glyph-api/internal/coord"
	"github.com/phrazzld/glyph-api/internal/task"
)

// Coordination store keys owned by the scaler.
const (
	instancesKey   = "cluster:instances"
	workersKey     = "cluster:workers"
	assignmentsKey = "cluster:assignments"
	lockKey        = "cluster:scale_lock"
	stateKey       = "cluster:scale_state"

	fieldLastScale = "last_scale_event"
	fieldLowCount  = "low_count"
	fieldTarget    = "last_target"
	fieldReason    = "last_reason"
	fieldQueue     = "last_queue"
	fieldDecidedAt = "last_decision_at"
)

// Pool is the local worker pool driven by the scaler.
type Pool interface {
	SetTargetCount(n int)
	Count() int
}

// QueueReader reports queue depth.
type QueueReader interface {
	QueueStats(ctx context.Context) (task.QueueStats, error)
}

// Metrics receives scaling decisions.
type Metrics interface {
	ObserveScaleDecision(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveScaleDecision(string) {}

// Config holds the scaler loop settings and the decision policy.
type Config struct {
	Policy            Policy
	HeartbeatInterval time.Duration
	EvalInterval      time.Duration
	StaleAfter        time.Duration
	LockTTL           time.Duration
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Policy:            DefaultPolicy(),
		HeartbeatInterval: 30 * time.Second,
		EvalInterval:      10 * time.Second,
		StaleAfter:        3 * time.Minute,
		LockTTL:           15 * time.Second,
	}
}

// LastDecision is the most recent decision recorded by any lease holder.
type LastDecision struct {
	Target    int       `json:"target"`
	Reason    string    `json:"reason"`
	Queue     int       `json:"queue_depth"`
	LowCount  int       `json:"low_count"`
	DecidedAt time.Time `json:"decided_at"`
}

// Status is the cluster view reported by the monitoring endpoint.
type Status struct {
	Instances    []string       `json:"instances"`
	Assignments  map[string]int `json:"assignments"`
	LastDecision *LastDecision  `json:"last_decision,omitempty"`
}

// Scaler registers this instance in the cluster, periodically computes the
// cluster-wide worker target under a lease, and applies this instance's share
// to the local pool.
type Scaler struct {
	client     coord.Client
	queue      QueueReader
	pool       Pool
	config     Config
	instanceID string
	logger     *slog.Logger
	metrics    Metrics
	now        func() time.Time
}

// Option configures a Scaler.
type Option func(*Scaler)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scaler) {
		s.now = now
	}
}

// WithMetrics reports decisions to m.
func WithMetrics(m Metrics) Option {
	return func(s *Scaler) {
		s.metrics = m
	}
}

// NewScaler creates a Scaler for the instance identified by instanceID.
func NewScaler(client coord.Client, queue QueueReader, pool Pool, config Config, instanceID string, logger *slog.Logger, opts ...Option) *Scaler {
	s := &Scaler{
		client:     client,
		queue:      queue,
		pool:       pool,
		config:     config,
		instanceID: instanceID,
		logger:     logger.With("component", "autoscaler", "instance_id", instanceID),
		metrics:    noopMetrics{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run heartbeats and evaluates until ctx is cancelled, then removes this
// instance from the cluster.
func (s *Scaler) Run(ctx context.Context) error {
	s.logger.Info("starting autoscaler",
		"eval_interval", s.config.EvalInterval,
		"heartbeat_interval", s.config.HeartbeatInterval)

	if err := s.Heartbeat(ctx); err != nil {
		s.logger.Error("initial heartbeat failed", "error", err)
	}

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()
	eval := time.NewTicker(s.config.EvalInterval)
	defer eval.Stop()

	for {
		select {
		case <-ctx.Done():
			s.deregister()
			return nil
		case <-heartbeat.C:
			if err := s.Heartbeat(ctx); err != nil {
				s.logger.Error("heartbeat failed", "error", err)
			}
		case <-eval.C:
			if _, err := s.Evaluate(ctx); err != nil {
				s.logger.Error("scaling evaluation failed", "error", err)
			}
			if err := s.SyncAssignment(ctx); err != nil {
				s.logger.Error("failed to apply worker assignment", "error", err)
			}
		}
	}
}

// Heartbeat marks this instance alive and publishes its running worker count.
func (s *Scaler) Heartbeat(ctx context.Context) error {
	if err := s.client.ZAdd(ctx, instancesKey, s.instanceID, coord.Score(s.now())); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	if err := s.client.HSet(ctx, workersKey, map[string]string{
		s.instanceID: strconv.Itoa(s.pool.Count()),
	}); err != nil {
		return fmt.Errorf("publish worker count: %w", err)
	}
	return nil
}

// Evaluate purges stale instances and, if this instance wins the scaling
// lease, decides and applies a new target. It returns nil without error when
// another instance holds the lease.
func (s *Scaler) Evaluate(ctx context.Context) (*Decision, error) {
	if err := s.purgeStale(ctx); err != nil {
		return nil, err
	}

	lease, err := coord.Acquire(ctx, s.client, lockKey, s.config.LockTTL)
	if errors.Is(err, coord.ErrLeaseHeld) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	held := true
	defer func() {
		if !held {
			return
		}
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("scaling lease lapsed before release", "error", err)
		}
	}()

	instances, err := s.activeInstances(ctx)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}

	stats, err := s.queue.QueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read queue depth: %w", err)
	}
	current, err := s.totalWorkers(ctx, instances)
	if err != nil {
		return nil, err
	}
	state, err := s.client.HGetAll(ctx, stateKey)
	if err != nil {
		return nil, fmt.Errorf("read scaling state: %w", err)
	}

	now := s.now()
	lowCount, _ := strconv.Atoi(state[fieldLowCount])
	var lastScale time.Time
	if ms, err := strconv.ParseInt(state[fieldLastScale], 10, 64); err == nil {
		lastScale = time.UnixMilli(ms)
	}

	decision := Decide(Input{
		Queue:     int(stats.Pending),
		Current:   current,
		LowCount:  lowCount,
		LastScale: lastScale,
		Now:       now,
	}, s.config.Policy)

	// A holder that stalled past its TTL must not overwrite the decision of
	// the instance that took the lease after it
	if err := lease.Extend(ctx, s.config.LockTTL); err != nil {
		if errors.Is(err, coord.ErrLeaseLost) {
			held = false
			s.logger.Warn("scaling lease lost before applying decision, discarding it",
				"target", decision.Target,
				"reason", decision.Reason)
			return nil, nil
		}
		return nil, err
	}
	s.metrics.ObserveScaleDecision(decision.Reason)

	if err := s.apply(ctx, decision, instances); err != nil {
		return nil, err
	}

	update := map[string]string{
		fieldLowCount:  strconv.Itoa(decision.LowCount),
		fieldTarget:    strconv.Itoa(decision.Target),
		fieldReason:    decision.Reason,
		fieldQueue:     strconv.FormatInt(stats.Pending, 10),
		fieldDecidedAt: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if decision.Changed {
		update[fieldLastScale] = strconv.FormatInt(now.UnixMilli(), 10)
		s.logger.Info("scaling workers",
			"from", current,
			"to", decision.Target,
			"reason", decision.Reason,
			"queue_depth", stats.Pending,
			"instances", len(instances))
	}
	if err := s.client.HSet(ctx, stateKey, update); err != nil {
		return nil, fmt.Errorf("store scaling state: %w", err)
	}
	return &decision, nil
}

// apply writes every instance's share of the target. Shares are rewritten even
// when the target is unchanged so joining and leaving instances rebalance.
func (s *Scaler) apply(ctx context.Context, d Decision, instances []string) error {
	shares := Split(d.Target, instances)
	fields := make(map[string]string, len(shares))
	for id, n := range shares {
		fields[id] = strconv.Itoa(n)
	}
	if err := s.client.HSet(ctx, assignmentsKey, fields); err != nil {
		return fmt.Errorf("write assignments: %w", err)
	}
	return nil
}

// SyncAssignment sizes the local pool to this instance's assignment. Without
// an assignment the pool keeps its current size.
func (s *Scaler) SyncAssignment(ctx context.Context) error {
	assignments, err := s.client.HGetAll(ctx, assignmentsKey)
	if err != nil {
		return fmt.Errorf("read assignments: %w", err)
	}
	raw, ok := assignments[s.instanceID]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse assignment %q: %w", raw, err)
	}
	s.pool.SetTargetCount(n)
	return nil
}

// purgeStale removes instances that stopped heartbeating along with their
// worker counts and assignments.
func (s *Scaler) purgeStale(ctx context.Context) error {
	cutoff := s.now().Add(-s.config.StaleAfter)
	stale, err := s.client.ZPopByScore(ctx, instancesKey, coord.Score(cutoff), 0)
	if err != nil {
		return fmt.Errorf("purge stale instances: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, workersKey, stale...); err != nil {
		return fmt.Errorf("purge stale worker counts: %w", err)
	}
	if err := s.client.HDel(ctx, assignmentsKey, stale...); err != nil {
		return fmt.Errorf("purge stale assignments: %w", err)
	}
	s.logger.Info("removed stale instances", "instances", stale)
	return nil
}

// activeInstances returns live instance ids in sorted order.
func (s *Scaler) activeInstances(ctx context.Context) ([]string, error) {
	cutoff := s.now().Add(-s.config.StaleAfter)
	instances, err := s.client.ZRangeByScore(ctx, instancesKey, coord.Score(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	sort.Strings(instances)
	return instances, nil
}

// totalWorkers sums each instance's assignment, falling back to its reported
// count when it has none yet.
func (s *Scaler) totalWorkers(ctx context.Context, instances []string) (int, error) {
	assignments, err := s.client.HGetAll(ctx, assignmentsKey)
	if err != nil {
		return 0, fmt.Errorf("read assignments: %w", err)
	}
	reported, err := s.client.HGetAll(ctx, workersKey)
	if err != nil {
		return 0, fmt.Errorf("read worker counts: %w", err)
	}

	total := 0
	for _, id := range instances {
		if n, err := strconv.Atoi(assignments[id]); err == nil {
			total += n
			continue
		}
		if n, err := strconv.Atoi(reported[id]); err == nil {
			total += n
		}
	}
	return total, nil
}

// deregister removes this instance so the next holder rebalances without it.
func (s *Scaler) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.client.ZRem(ctx, instancesKey, s.instanceID); err != nil {
		s.logger.Warn("failed to deregister instance", "error", err)
		return
	}
	if err := s.client.HDel(ctx, workersKey, s.instanceID); err != nil {
		s.logger.Warn("failed to remove worker count", "error", err)
	}
	if err := s.client.HDel(ctx, assignmentsKey, s.instanceID); err != nil {
		s.logger.Warn("failed to remove assignment", "error", err)
	}
	s.logger.Info("instance deregistered")
}

// Status reports the cluster membership, assignments and last decision.
func (s *Scaler) Status(ctx context.Context) (Status, error) {
	instances, err := s.activeInstances(ctx)
	if err != nil {
		return Status{}, err
	}
	raw, err := s.client.HGetAll(ctx, assignmentsKey)
	if err != nil {
		return Status{}, fmt.Errorf("read assignments: %w", err)
	}
	assignments := make(map[string]int, len(raw))
	for id, v := range raw {
		if n, err := strconv.Atoi(v); err == nil {
			assignments[id] = n
		}
	}

	out := Status{Instances: instances, Assignments: assignments}

	state, err := s.client.HGetAll(ctx, stateKey)
	if err != nil {
		return Status{}, fmt.Errorf("read scaling state: %w", err)
	}
	if reason, ok := state[fieldReason]; ok {
		last := &LastDecision{Reason: reason}
		last.Target, _ = strconv.Atoi(state[fieldTarget])
		last.Queue, _ = strconv.Atoi(state[fieldQueue])
		last.LowCount, _ = strconv.Atoi(state[fieldLowCount])
		if ms, err := strconv.ParseInt(state[fieldDecidedAt], 10, 64); err == nil {
			last.DecidedAt = time.UnixMilli(ms).UTC()
		}
		out.LastDecision = last
	}
	return out, nil
}
