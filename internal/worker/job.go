package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/phrazzld/glyph-api/internal/credential"
	"github.com/phrazzld/glyph-api/internal/redact"
	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/phrazzld/glyph-api/internal/translation"
)

// errNoCredential marks a job that could not get a key before any attempt.
var errNoCredential = errors.New("no api credentials available")

// step claims and processes at most one job. It returns how long the unit
// should sleep before the next claim.
func (p *Pool) step(log *slog.Logger, storeBackoff *time.Duration) time.Duration {
	claim, err := p.store.ClaimNextJob(p.ctx)
	switch {
	case errors.Is(err, task.ErrQueueEmpty):
		*storeBackoff = 0
		return p.config.IdlePoll
	case err != nil:
		if p.ctx.Err() != nil {
			return 0
		}
		*storeBackoff = nextStoreBackoff(*storeBackoff, p.config.MaxStoreBackoff)
		log.Error("failed to claim job", "error", err, "retry_in", *storeBackoff)
		return *storeBackoff
	}
	*storeBackoff = 0

	p.busy.Add(1)
	defer p.busy.Add(-1)

	p.process(log.With("task_id", claim.TaskID, "job_index", claim.Index), claim)
	return 0
}

func nextStoreBackoff(current, max time.Duration) time.Duration {
	if current <= 0 {
		return 250 * time.Millisecond
	}
	current *= 2
	if current > max {
		return max
	}
	return current
}

// process runs one claimed job through translation and records the result.
func (p *Pool) process(log *slog.Logger, claim *task.Claim) {
	start := time.Now()
	log.Debug("processing job", "attempts", claim.Attempts)

	result, err := p.translate(log, claim)
	elapsed := time.Since(start)

	if errors.Is(err, errNoCredential) {
		p.metrics.ObserveAcquire("exhausted")
		requeued, rqErr := p.requeue(claim)
		if rqErr != nil {
			// The lease expires and the reaper hands the job back
			log.Error("failed to requeue job", "error", rqErr)
			return
		}
		if requeued {
			log.Warn("no credential available, job requeued")
			p.metrics.ObserveJob(OutcomeRequeued, elapsed)
			return
		}
		log.Warn("no credential available and requeue limit reached, failing job")
	}

	outcome := task.Outcome{ProcessingTime: elapsed}
	if err != nil {
		outcome.Error = redact.Error(err)
	} else {
		outcome.Text = result.Text
	}

	if cErr := p.store.CompleteJob(p.ctx, claim.TaskID, claim.Index, outcome); cErr != nil {
		log.Error("failed to record job result", "error", cErr)
		return
	}

	p.processed.Add(1)
	if outcome.Failed() {
		p.failed.Add(1)
		p.metrics.ObserveJob(OutcomeFailed, elapsed)
		log.Warn("job failed", "error", outcome.Error, "duration_ms", elapsed.Milliseconds())
		return
	}
	p.successful.Add(1)
	p.metrics.ObserveJob(OutcomeCompleted, elapsed)
	log.Info("job completed", "duration_ms", elapsed.Milliseconds())
}

// requeue waits out QuotaRequeueDelay and hands the job back to the queue,
// so a cluster with every key cooling down does not burn through its
// requeue budget at once.
func (p *Pool) requeue(claim *task.Claim) (bool, error) {
	ctx := p.ctx
	if !sleep(p.ctx, p.config.QuotaRequeueDelay) {
		// Force-stopped while waiting; still return the job promptly
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return p.store.RequeueJob(ctx, claim.TaskID, claim.Index)
}

// translate calls the translator with retries. Credential problems switch to
// a different key for the next attempt. errNoCredential is returned when no
// key could be acquired.
func (p *Pool) translate(log *slog.Logger, claim *task.Claim) (translation.Result, error) {
	req := translation.Request{
		Image:          claim.Payload,
		MIMEType:       claim.MIMEType,
		Language:       claim.Language,
		IdempotencyKey: fmt.Sprintf("%s/%d", claim.TaskID, claim.Index),
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(p.config.RetryBaseDelay, attempt-1)
			log.Debug("retrying translation", "attempt", attempt, "delay", delay, "error", lastErr)
			if !sleep(p.ctx, delay) {
				return translation.Result{}, lastErr
			}
		}

		cred, err := p.creds.Acquire(p.ctx)
		if err != nil {
			if errors.Is(err, credential.ErrQuotaExhausted) {
				// Earlier attempts may have cooled the last usable key down
				if lastErr != nil {
					return translation.Result{}, fmt.Errorf("%w: %w", errNoCredential, lastErr)
				}
				return translation.Result{}, fmt.Errorf("%w: %w", errNoCredential, err)
			}
			lastErr = fmt.Errorf("acquire credential: %w", err)
			continue
		}
		p.metrics.ObserveAcquire("ok")
		req.APIKey = cred.APIKey

		callCtx, cancel := context.WithTimeout(p.ctx, p.config.CallTimeout)
		result, err := p.translator.Translate(callCtx, req)
		cancel()

		p.report(log, cred.ID, result, err)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !keyFault(err) || p.ctx.Err() != nil {
			return translation.Result{}, err
		}
	}
	return translation.Result{}, lastErr
}

// report forwards the call outcome to the credential registry. Permanent
// request errors say nothing about the key and count as a successful use.
func (p *Pool) report(log *slog.Logger, credID string, result translation.Result, err error) {
	outcome := credential.Outcome{Success: true, TokensUsed: result.TokensUsed}
	if err != nil && keyFault(err) {
		outcome = credential.Outcome{Err: err}
	}
	// Use a fresh context so outcomes are recorded during force-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rErr := p.creds.ReportOutcome(ctx, credID, outcome); rErr != nil {
		log.Warn("failed to report credential outcome", "credential_id", credID, "error", rErr)
	}
}

// keyFault reports whether err should count against the credential. Such
// errors are retried with another key.
func keyFault(err error) bool {
	return translation.IsTransient(err) || errors.Is(err, translation.ErrInvalidCredential)
}

// retryDelay follows base * 2^attempt with jitter in [0.5, 1.0).
func retryDelay(base time.Duration, attempt int) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(backoff * jitter)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
