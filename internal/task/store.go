package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/glyph-api/internal/coord"
	"github.com/phrazzld/glyph-api/internal/events"
)

// Coordination store keys owned by the task store.
const (
	queueKey      = "queue:pending"
	inflightKey   = "queue:inflight"
	retentionKey  = "tasks:retention"
	statsMillis   = "stats:job_ms"
	statsCount    = "stats:job_count"
	fieldDone     = "done"
	fieldFailed   = "failed"
	fieldTotal    = "total"
	fieldLanguage = "language"
	fieldCreated  = "created_at"
	fieldStarted  = "started_at"
	fieldStatus   = "status"
	fieldFinished = "completed_at"
	fieldElapsed  = "processing_time"
	fieldError    = "error"
	fieldDeadline = "retention_deadline"

	// hashGrace keeps the task hash readable a little past payload expiry so
	// the reaper, not Redis, decides when a task disappears.
	hashGrace = time.Hour

	// maxSkips bounds how many stale entries one ClaimNextJob call discards.
	maxSkips = 16

	// reapBatch bounds the number of tasks deleted per sweep.
	reapBatch = 100

	defaultMeanJob = 30 * time.Second
	minWait        = 5 * time.Second
	maxWait        = 300 * time.Second
)

// Config holds task store tuning.
type Config struct {
	// LeaseDuration is how long a claimed job may run before it is requeued
	LeaseDuration time.Duration

	// Retention is how long a task and its payloads are kept
	Retention time.Duration

	// MaxQuotaRequeues bounds how often a job may be bounced back to the
	// queue because no credential was available
	MaxQuotaRequeues int
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		LeaseDuration:    5 * time.Minute,
		Retention:        24 * time.Hour,
		MaxQuotaRequeues: 5,
	}
}

// jobRecord is the terminal state of one job as stored in the task hash.
type jobRecord struct {
	Status         Status    `json:"status"`
	TranslatedText string    `json:"translated_text,omitempty"`
	Error          string    `json:"error,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
	ProcessingTime float64   `json:"processing_time"`
}

// Store keeps tasks, their jobs and the work queue in the coordination store.
// All state lives behind the injected client, so any number of processes can
// share one queue.
type Store struct {
	client  coord.Client
	config  Config
	emitter events.EventEmitter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithEmitter publishes job and task events through emitter.
func WithEmitter(emitter events.EventEmitter) Option {
	return func(s *Store) {
		s.emitter = emitter
	}
}

// WithClock replaces the wall clock used for leases and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store backed by client.
func NewStore(client coord.Client, config Config, logger *slog.Logger, opts ...Option) *Store {
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = DefaultConfig().LeaseDuration
	}
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}

	s := &Store{
		client: client,
		config: config,
		logger: logger.With("component", "task_store"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func taskKey(id string) string {
	return "task:" + id
}

func payloadKey(id string, index int) string {
	return fmt.Sprintf("task:%s:img:%d", id, index)
}

func jobField(index int) string {
	return "job:" + strconv.Itoa(index)
}

func claimedField(index int) string {
	return "claimed:" + strconv.Itoa(index)
}

func attemptsField(index int) string {
	return "attempts:" + strconv.Itoa(index)
}

func mimeField(index int) string {
	return "mime:" + strconv.Itoa(index)
}

func entryOf(taskID string, index int) string {
	return taskID + "|" + strconv.Itoa(index)
}

func parseEntry(entry string) (string, int, error) {
	id, idx, ok := strings.Cut(entry, "|")
	if !ok || id == "" {
		return "", 0, fmt.Errorf("malformed queue entry %q", entry)
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("malformed queue entry %q", entry)
	}
	return id, index, nil
}

// CreateTask stores a new task with one pending job per image and enqueues
// the jobs in index order.
func (s *Store) CreateTask(ctx context.Context, images []Image, targetLanguage string) (*Task, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}

	id := uuid.NewString()
	now := s.now().UTC()
	deadline := now.Add(s.config.Retention)

	fields := map[string]string{
		fieldLanguage: targetLanguage,
		fieldTotal:    strconv.Itoa(len(images)),
		fieldCreated:  now.Format(time.RFC3339Nano),
		fieldDeadline: deadline.Format(time.RFC3339Nano),
	}
	entries := make([]string, len(images))
	jobs := make([]ImageJob, len(images))

	for i, img := range images {
		if err := s.client.Set(ctx, payloadKey(id, i), img.Data, s.config.Retention); err != nil {
			return nil, fmt.Errorf("store payload %d: %w", i, err)
		}
		fields[mimeField(i)] = img.MIMEType
		entries[i] = entryOf(id, i)
		jobs[i] = ImageJob{Index: i, Status: StatusPending, MIMEType: img.MIMEType}
	}

	if err := s.client.HSet(ctx, taskKey(id), fields); err != nil {
		return nil, fmt.Errorf("store task: %w", err)
	}
	if err := s.client.Expire(ctx, taskKey(id), s.config.Retention+hashGrace); err != nil {
		return nil, fmt.Errorf("set task expiry: %w", err)
	}
	if err := s.client.ZAdd(ctx, retentionKey, id, coord.Score(deadline)); err != nil {
		return nil, fmt.Errorf("schedule task retention: %w", err)
	}
	// Enqueue last so no worker can see a half-written task
	if err := s.client.Push(ctx, queueKey, entries...); err != nil {
		return nil, fmt.Errorf("enqueue jobs: %w", err)
	}

	s.logger.Info("task created",
		"task_id", id,
		"target_language", targetLanguage,
		"total_images", len(images))

	return &Task{
		ID:                id,
		TargetLanguage:    targetLanguage,
		Status:            StatusPending,
		Jobs:              jobs,
		CreatedAt:         now,
		RetentionDeadline: deadline,
		TotalImages:       len(images),
	}, nil
}

// ClaimNextJob takes the next job off the queue under a lease. It never
// blocks and returns ErrQueueEmpty when nothing is waiting. Entries whose task
// was reaped or whose job already completed are dropped along the way.
func (s *Store) ClaimNextJob(ctx context.Context) (*Claim, error) {
	for skipped := 0; skipped < maxSkips; skipped++ {
		now := s.now()
		entry, err := s.client.Claim(ctx, queueKey, inflightKey, now.Add(s.config.LeaseDuration))
		if errors.Is(err, coord.ErrEmpty) {
			return nil, ErrQueueEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}

		claim, err := s.loadClaim(ctx, entry, now)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			return claim, nil
		}
		s.ack(ctx, entry)
	}

	return nil, ErrQueueEmpty
}

// loadClaim resolves a claimed entry. It returns nil without error when the
// entry is stale and should be dropped.
func (s *Store) loadClaim(ctx context.Context, entry string, now time.Time) (*Claim, error) {
	id, index, err := parseEntry(entry)
	if err != nil {
		s.logger.Warn("dropping queue entry", "entry", entry, "error", err)
		return nil, nil
	}
	log := s.logger.With("task_id", id, "job_index", index)

	fields, err := s.client.HGetAll(ctx, taskKey(id))
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if len(fields) == 0 {
		log.Debug("dropping entry for reaped task")
		return nil, nil
	}
	if _, done := fields[jobField(index)]; done {
		log.Debug("dropping entry for completed job")
		return nil, nil
	}

	payload, err := s.client.Get(ctx, payloadKey(id, index))
	if errors.Is(err, coord.ErrNotFound) {
		log.Warn("dropping entry with expired payload")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payload %s/%d: %w", id, index, err)
	}

	stamp := now.UTC().Format(time.RFC3339Nano)
	if _, err := s.client.HSetNX(ctx, taskKey(id), fieldStarted, stamp); err != nil {
		return nil, fmt.Errorf("mark task started: %w", err)
	}
	if err := s.client.HSet(ctx, taskKey(id), map[string]string{claimedField(index): stamp}); err != nil {
		return nil, fmt.Errorf("mark job claimed: %w", err)
	}

	attempts, _ := strconv.Atoi(fields[attemptsField(index)])
	return &Claim{
		TaskID:   id,
		Index:    index,
		Payload:  payload,
		MIMEType: fields[mimeField(index)],
		Language: fields[fieldLanguage],
		Attempts: attempts,
	}, nil
}

func (s *Store) ack(ctx context.Context, entry string) {
	if _, err := s.client.ZRem(ctx, inflightKey, entry); err != nil {
		s.logger.Error("failed to ack queue entry", "entry", entry, "error", err)
	}
}

// CompleteJob records the terminal state of one job. Only the first
// completion for an index counts, so re-executions after a lease expiry are
// no-ops. The caller that finishes the last job also finishes the task.
func (s *Store) CompleteJob(ctx context.Context, taskID string, index int, outcome Outcome) error {
	entry := entryOf(taskID, index)
	log := s.logger.With("task_id", taskID, "job_index", index)

	fields, err := s.client.HGetAll(ctx, taskKey(taskID))
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		s.ack(ctx, entry)
		return ErrTaskNotFound
	}
	total, _ := strconv.Atoi(fields[fieldTotal])
	if index < 0 || index >= total {
		return ErrInvalidJobIndex
	}

	now := s.now().UTC()
	rec := jobRecord{
		Status:         StatusCompleted,
		TranslatedText: outcome.Text,
		CompletedAt:    now,
		ProcessingTime: outcome.ProcessingTime.Seconds(),
	}
	counters := []string{fieldDone}
	if outcome.Failed() {
		rec.Status = StatusFailed
		rec.TranslatedText = ""
		rec.Error = outcome.Error
		counters = append(counters, fieldFailed)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job record: %w", err)
	}

	written, counts, err := s.client.HSetNXIncr(ctx, taskKey(taskID), jobField(index), string(raw), counters...)
	if err != nil {
		return fmt.Errorf("record job %s/%d: %w", taskID, index, err)
	}
	s.ack(ctx, entry)

	if !written {
		log.Debug("ignoring duplicate job completion")
		return nil
	}

	if !outcome.Failed() && outcome.ProcessingTime > 0 {
		if err := s.RecordJobDuration(ctx, outcome.ProcessingTime); err != nil {
			log.Warn("failed to record job duration", "error", err)
		}
	}

	done := int(counts[0])
	log.Info("job completed",
		"status", rec.Status,
		"completed_images", done,
		"total_images", total)
	s.emit(ctx, events.TypeJobCompleted, taskID, JobCompleted{
		Index:     index,
		Status:    rec.Status,
		Completed: done,
		Total:     total,
	})

	if done == total {
		return s.finishTask(ctx, taskID, now)
	}
	return nil
}

// finishTask materialises the terminal status of a task whose last job just
// completed. Exactly one caller reaches it per task.
func (s *Store) finishTask(ctx context.Context, taskID string, now time.Time) error {
	fields, err := s.client.HGetAll(ctx, taskKey(taskID))
	if err != nil {
		return fmt.Errorf("load finished task %s: %w", taskID, err)
	}
	created, _ := time.Parse(time.RFC3339Nano, fields[fieldCreated])
	total, _ := strconv.Atoi(fields[fieldTotal])
	failed, _ := strconv.Atoi(fields[fieldFailed])

	update := map[string]string{
		fieldStatus:   string(StatusCompleted),
		fieldFinished: now.Format(time.RFC3339Nano),
		fieldElapsed:  strconv.FormatFloat(now.Sub(created).Seconds(), 'f', 3, 64),
	}
	if failed == total {
		update[fieldStatus] = string(StatusFailed)
		update[fieldError] = "all images failed to translate"
	}
	if err := s.client.HSet(ctx, taskKey(taskID), update); err != nil {
		return fmt.Errorf("finish task %s: %w", taskID, err)
	}

	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.logger.Info("task finished",
		"task_id", taskID,
		"status", t.Status,
		"failed_images", t.FailedImages,
		"total_images", t.TotalImages,
		"processing_time", t.ProcessingTime)
	s.emit(ctx, events.TypeTaskFinished, taskID, t)
	return nil
}

func (s *Store) emit(ctx context.Context, eventType, taskID string, payload interface{}) {
	if s.emitter == nil {
		return
	}
	event, err := events.NewTaskEvent(eventType, taskID, payload)
	if err != nil {
		s.logger.Error("failed to build event", "event_type", eventType, "task_id", taskID, "error", err)
		return
	}
	// Handler failures are logged by the emitter and never fail the job
	_ = s.emitter.EmitEvent(ctx, event)
}

// RequeueJob returns a claimed job to the queue after no credential was
// available. It reports false once the job has been bounced more than the
// configured number of times; the caller should then fail the job.
func (s *Store) RequeueJob(ctx context.Context, taskID string, index int) (bool, error) {
	exists, err := s.client.Exists(ctx, taskKey(taskID))
	if err != nil {
		return false, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !exists {
		s.ack(ctx, entryOf(taskID, index))
		return false, ErrTaskNotFound
	}

	attempts, err := s.client.HIncrBy(ctx, taskKey(taskID), attemptsField(index), 1)
	if err != nil {
		return false, fmt.Errorf("count requeue: %w", err)
	}
	if int(attempts) > s.config.MaxQuotaRequeues {
		return false, nil
	}

	moved, err := s.client.Nack(ctx, queueKey, inflightKey, entryOf(taskID, index))
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	if !moved {
		// The lease already lapsed and the reaper put it back
		s.logger.Debug("job was already requeued", "task_id", taskID, "job_index", index)
	}
	if err := s.client.HDel(ctx, taskKey(taskID), claimedField(index)); err != nil {
		s.logger.Warn("failed to clear claim marker", "task_id", taskID, "job_index", index, "error", err)
	}
	return true, nil
}

// GetTask returns the current snapshot of a task with jobs in index order.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(id))
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if len(fields) == 0 || fields[fieldTotal] == "" {
		return nil, ErrTaskNotFound
	}
	return decodeTask(id, fields), nil
}

// decodeTask builds a snapshot from the task hash. The status is derived
// from the aggregate counters rather than read back, so it can never be seen
// to regress while the terminal fields are still being written.
func decodeTask(id string, fields map[string]string) *Task {
	total, _ := strconv.Atoi(fields[fieldTotal])
	done, _ := strconv.Atoi(fields[fieldDone])
	failed, _ := strconv.Atoi(fields[fieldFailed])

	t := &Task{
		ID:              id,
		TargetLanguage:  fields[fieldLanguage],
		Jobs:            make([]ImageJob, total),
		Error:           fields[fieldError],
		CompletedImages: done,
		FailedImages:    failed,
		TotalImages:     total,
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields[fieldCreated])
	t.RetentionDeadline, _ = time.Parse(time.RFC3339Nano, fields[fieldDeadline])
	t.StartedAt = parseTime(fields[fieldStarted])
	t.CompletedAt = parseTime(fields[fieldFinished])
	t.ProcessingTime, _ = strconv.ParseFloat(fields[fieldElapsed], 64)

	for i := 0; i < total; i++ {
		job := ImageJob{Index: i, Status: StatusPending, MIMEType: fields[mimeField(i)]}
		job.Attempts, _ = strconv.Atoi(fields[attemptsField(i)])

		if raw, ok := fields[jobField(i)]; ok {
			var rec jobRecord
			if err := json.Unmarshal([]byte(raw), &rec); err == nil {
				completedAt := rec.CompletedAt
				job.Status = rec.Status
				job.TranslatedText = rec.TranslatedText
				job.Error = rec.Error
				job.CompletedAt = &completedAt
				job.ProcessingTime = rec.ProcessingTime
			}
		} else if _, ok := fields[claimedField(i)]; ok {
			job.Status = StatusProcessing
		}
		t.Jobs[i] = job
	}

	switch {
	case total > 0 && done >= total && failed >= total:
		t.Status = StatusFailed
	case total > 0 && done >= total:
		t.Status = StatusCompleted
	case t.StartedAt != nil || done > 0:
		t.Status = StatusProcessing
	default:
		t.Status = StatusPending
	}
	return t
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}

// ReapExpired requeues jobs whose lease lapsed and deletes tasks past their
// retention deadline.
func (s *Store) ReapExpired(ctx context.Context) (ReapResult, error) {
	var result ReapResult
	now := s.now()

	moved, err := s.client.RequeueExpired(ctx, queueKey, inflightKey, now, 0)
	if err != nil {
		return result, fmt.Errorf("requeue expired leases: %w", err)
	}
	result.Requeued = len(moved)
	for _, entry := range moved {
		id, index, err := parseEntry(entry)
		if err != nil {
			continue
		}
		s.logger.Warn("job lease expired, requeued", "task_id", id, "job_index", index)
		if err := s.client.HDel(ctx, taskKey(id), claimedField(index)); err != nil {
			s.logger.Warn("failed to clear claim marker", "task_id", id, "job_index", index, "error", err)
		}
	}

	expired, err := s.client.ZPopByScore(ctx, retentionKey, coord.Score(now), reapBatch)
	if err != nil {
		return result, fmt.Errorf("collect expired tasks: %w", err)
	}
	for _, id := range expired {
		if err := s.deleteTask(ctx, id); err != nil {
			s.logger.Error("failed to delete expired task", "task_id", id, "error", err)
			continue
		}
		result.Deleted++
	}

	return result, nil
}

func (s *Store) deleteTask(ctx context.Context, id string) error {
	fields, err := s.client.HGetAll(ctx, taskKey(id))
	if err != nil {
		return err
	}
	total, _ := strconv.Atoi(fields[fieldTotal])

	keys := make([]string, 0, total+1)
	keys = append(keys, taskKey(id))
	for i := 0; i < total; i++ {
		keys = append(keys, payloadKey(id, i))
	}
	return s.client.Del(ctx, keys...)
}

// QueueStats reports the current queue depth.
func (s *Store) QueueStats(ctx context.Context) (QueueStats, error) {
	pending, err := s.client.Len(ctx, queueKey)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue length: %w", err)
	}
	inflight, err := s.client.ZCard(ctx, inflightKey)
	if err != nil {
		return QueueStats{}, fmt.Errorf("in-flight count: %w", err)
	}
	return QueueStats{Pending: pending, InFlight: inflight, Total: pending + inflight}, nil
}

// RecordJobDuration adds one successful job to the running mean.
func (s *Store) RecordJobDuration(ctx context.Context, d time.Duration) error {
	if _, err := s.client.IncrBy(ctx, statsMillis, d.Milliseconds(), 0); err != nil {
		return err
	}
	_, err := s.client.Incr(ctx, statsCount, 0)
	return err
}

// MeanJobDuration returns the historical mean job time. The second result is
// false when nothing has been recorded yet.
func (s *Store) MeanJobDuration(ctx context.Context) (time.Duration, bool, error) {
	count, err := s.client.GetInt(ctx, statsCount)
	if err != nil {
		return 0, false, err
	}
	if count == 0 {
		return 0, false, nil
	}
	total, err := s.client.GetInt(ctx, statsMillis)
	if err != nil {
		return 0, false, err
	}
	return time.Duration(total/count) * time.Millisecond, true, nil
}

// EstimateWait gives a best-effort estimate of how long remaining jobs take
// with capacity workers, clamped to a sane range.
func (s *Store) EstimateWait(ctx context.Context, remaining, capacity int) (time.Duration, error) {
	mean, ok, err := s.MeanJobDuration(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		mean = defaultMeanJob
	}
	if capacity < 1 {
		capacity = 1
	}
	if remaining < 0 {
		remaining = 0
	}

	estimate := mean * time.Duration(remaining) / time.Duration(capacity)
	if estimate < minWait {
		estimate = minWait
	}
	if estimate > maxWait {
		estimate = maxWait
	}
	return estimate, nil
}
