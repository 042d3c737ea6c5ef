package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/glyph-api/internal/coord"
	"github.com/phrazzld/glyph-api/internal/translation"
)

const (
	roundRobinKey = "cred:rr"
	minuteTTL     = time.Minute
	dayTTL        = 24 * time.Hour

	circuitCoolingDown = "cooling_down"
	circuitDisabled    = "disabled"
)

// Config tunes the circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive transient failures that
	// opens the circuit. Quota and invalid-key errors open it at once.
	FailureThreshold int

	// BaseCooldown is the first cooldown once the threshold is reached; it
	// doubles with every further failure up to MaxCooldown
	BaseCooldown time.Duration
	MaxCooldown  time.Duration

	// QuotaCooldown applies when the service reports the key out of quota
	QuotaCooldown time.Duration

	// DisableDuration applies when the service rejects the key outright
	DisableDuration time.Duration
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      10 * time.Minute,
		QuotaCooldown:    10 * time.Minute,
		DisableDuration:  time.Hour,
	}
}

// Registry hands out credentials in round-robin order while honouring quotas
// and circuit state. All of its state lives in the coordination store, so
// every instance sees the same rotation and the same counters.
type Registry struct {
	client coord.Client
	creds  []Credential
	byID   map[string]int
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces the wall clock used to pick quota buckets.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a Registry over creds.
func NewRegistry(client coord.Client, creds []Credential, config Config, logger *slog.Logger, opts ...RegistryOption) (*Registry, error) {
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}

	r := &Registry{
		client: client,
		creds:  creds,
		byID:   make(map[string]int, len(creds)),
		config: config,
		logger: logger.With("component", "credential_registry"),
		now:    time.Now,
	}
	for i, c := range creds {
		r.byID[c.ID] = i
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger.Info("credentials loaded", "count", len(creds))
	return r, nil
}

// Len returns the number of configured credentials.
func (r *Registry) Len() int {
	return len(r.creds)
}

func rpmKey(id string, now time.Time) string {
	return fmt.Sprintf("cred:%s:rpm:%d", id, now.Unix()/60)
}

func rpdKey(id string, now time.Time) string {
	return fmt.Sprintf("cred:%s:rpd:%s", id, now.UTC().Format("20060102"))
}

func tpmKey(id string, now time.Time) string {
	return fmt.Sprintf("cred:%s:tpm:%d", id, now.Unix()/60)
}

func circuitKey(id string) string {
	return "cred:" + id + ":circuit"
}

func failuresKey(id string) string {
	return "cred:" + id + ":failures"
}

func lastFailureKey(id string) string {
	return "cred:" + id + ":last_failure"
}

// Acquire selects the next usable credential. The request is counted
// against the credential's quota as part of selection, so concurrent callers
// cannot overshoot a limit by more than the callers racing on the same
// bucket. It returns ErrQuotaExhausted when no credential is usable.
func (r *Registry) Acquire(ctx context.Context) (*Credential, error) {
	n := len(r.creds)
	counter, err := r.client.Incr(ctx, roundRobinKey, 0)
	if err != nil {
		return nil, fmt.Errorf("advance rotation: %w", err)
	}
	start := int((counter - 1) % int64(n))

	now := r.now()
	for attempt := 0; attempt < n; attempt++ {
		cred := r.creds[(start+attempt)%n]

		ok, err := r.reserve(ctx, cred, now)
		if err != nil {
			return nil, err
		}
		if ok {
			return &cred, nil
		}
	}

	r.logger.Warn("all credentials unavailable", "count", n)
	return nil, ErrQuotaExhausted
}

// reserve checks the circuit and quotas of cred and, if usable, counts one
// request against it.
func (r *Registry) reserve(ctx context.Context, cred Credential, now time.Time) (bool, error) {
	open, err := r.client.Exists(ctx, circuitKey(cred.ID))
	if err != nil {
		return false, fmt.Errorf("read circuit %s: %w", cred.ID, err)
	}
	if open {
		return false, nil
	}

	tokens, err := r.client.GetInt(ctx, tpmKey(cred.ID, now))
	if err != nil {
		return false, fmt.Errorf("read token usage %s: %w", cred.ID, err)
	}
	if tokens >= int64(cred.Limits.TPM) {
		r.logger.Debug("credential over token limit", "credential_id", cred.ID, "tokens", tokens)
		return false, nil
	}

	minute := rpmKey(cred.ID, now)
	perMinute, err := r.client.Incr(ctx, minute, minuteTTL)
	if err != nil {
		return false, fmt.Errorf("count request %s: %w", cred.ID, err)
	}
	if perMinute > int64(cred.Limits.RPM) {
		r.logger.Debug("credential over request limit", "credential_id", cred.ID, "requests", perMinute-1)
		return false, nil
	}

	perDay, err := r.client.Incr(ctx, rpdKey(cred.ID, now), dayTTL)
	if err != nil {
		return false, fmt.Errorf("count request %s: %w", cred.ID, err)
	}
	if perDay > int64(cred.Limits.RPD) {
		// Give the minute slot back; the day bucket stays saturated
		if _, err := r.client.IncrBy(ctx, minute, -1, minuteTTL); err != nil {
			r.logger.Warn("failed to release minute slot", "credential_id", cred.ID, "error", err)
		}
		r.logger.Debug("credential over daily limit", "credential_id", cred.ID)
		return false, nil
	}

	return true, nil
}

// ReportOutcome records token usage and updates the circuit breaker of the
// credential identified by id.
func (r *Registry) ReportOutcome(ctx context.Context, id string, outcome Outcome) error {
	idx, ok := r.byID[id]
	if !ok {
		return ErrUnknownCredential
	}
	cred := r.creds[idx]
	now := r.now()
	log := r.logger.With("credential_id", cred.ID)

	if outcome.TokensUsed > 0 {
		if _, err := r.client.IncrBy(ctx, tpmKey(cred.ID, now), int64(outcome.TokensUsed), minuteTTL); err != nil {
			return fmt.Errorf("record tokens %s: %w", cred.ID, err)
		}
	}

	if outcome.Success {
		if err := r.client.Del(ctx, failuresKey(cred.ID), circuitKey(cred.ID)); err != nil {
			return fmt.Errorf("reset circuit %s: %w", cred.ID, err)
		}
		return nil
	}

	failures, err := r.client.Incr(ctx, failuresKey(cred.ID), 0)
	if err != nil {
		return fmt.Errorf("count failure %s: %w", cred.ID, err)
	}
	stamp := []byte(now.UTC().Format(time.RFC3339Nano))
	if err := r.client.Set(ctx, lastFailureKey(cred.ID), stamp, 0); err != nil {
		return fmt.Errorf("record failure time %s: %w", cred.ID, err)
	}

	state, cooldown := r.cooldownFor(outcome.Err, failures)
	if cooldown <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, circuitKey(cred.ID), []byte(state), cooldown); err != nil {
		return fmt.Errorf("open circuit %s: %w", cred.ID, err)
	}
	log.Warn("credential circuit opened",
		"state", state,
		"consecutive_failures", failures,
		"cooldown", cooldown)
	return nil
}

// cooldownFor picks the circuit state and window for a failure.
func (r *Registry) cooldownFor(err error, failures int64) (string, time.Duration) {
	switch {
	case errors.Is(err, translation.ErrInvalidCredential):
		return circuitDisabled, r.config.DisableDuration
	case errors.Is(err, translation.ErrQuota):
		return circuitCoolingDown, r.config.QuotaCooldown
	case failures < int64(r.config.FailureThreshold):
		return "", 0
	}
	return circuitCoolingDown, Backoff(r.config.BaseCooldown, r.config.MaxCooldown, int(failures)-r.config.FailureThreshold)
}

// Backoff returns base doubled step times, capped at max.
func Backoff(base, max time.Duration, step int) time.Duration {
	d := base
	for i := 0; i < step; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Snapshot reports the state of every credential.
func (r *Registry) Snapshot(ctx context.Context) ([]Status, error) {
	now := r.now()
	out := make([]Status, 0, len(r.creds))

	for _, cred := range r.creds {
		st := Status{ID: cred.ID, Health: HealthActive, Limits: cred.Limits}

		raw, err := r.client.Get(ctx, circuitKey(cred.ID))
		switch {
		case err == nil:
			st.Health = HealthCoolingDown
			if string(raw) == circuitDisabled {
				st.Health = HealthDisabled
			}
			ttl, err := r.client.TTL(ctx, circuitKey(cred.ID))
			if err != nil {
				return nil, err
			}
			if ttl > 0 {
				until := now.Add(ttl).UTC()
				st.CooldownUntil = &until
			}
		case !errors.Is(err, coord.ErrNotFound):
			return nil, fmt.Errorf("read circuit %s: %w", cred.ID, err)
		}

		if st.Usage.RequestsThisMinute, err = r.client.GetInt(ctx, rpmKey(cred.ID, now)); err != nil {
			return nil, err
		}
		if st.Usage.RequestsToday, err = r.client.GetInt(ctx, rpdKey(cred.ID, now)); err != nil {
			return nil, err
		}
		if st.Usage.TokensThisMinute, err = r.client.GetInt(ctx, tpmKey(cred.ID, now)); err != nil {
			return nil, err
		}
		if st.ConsecutiveFailures, err = r.client.GetInt(ctx, failuresKey(cred.ID)); err != nil {
			return nil, err
		}

		if raw, err := r.client.Get(ctx, lastFailureKey(cred.ID)); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
				st.LastFailureAt = &t
			}
		}

		out = append(out, st)
	}
	return out, nil
}

// ActiveCount returns how many credentials currently have a closed circuit.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	active := 0
	for _, cred := range r.creds {
		open, err := r.client.Exists(ctx, circuitKey(cred.ID))
		if err != nil {
			return 0, fmt.Errorf("read circuit %s: %w", cred.ID, err)
		}
		if !open {
			active++
		}
	}
	return active, nil
}

// FirstActive returns the first credential with a closed circuit, for
// health probes. It does not count against quotas.
func (r *Registry) FirstActive(ctx context.Context) (*Credential, error) {
	for _, cred := range r.creds {
		open, err := r.client.Exists(ctx, circuitKey(cred.ID))
		if err != nil {
			return nil, fmt.Errorf("read circuit %s: %w", cred.ID, err)
		}
		if !open {
			c := cred
			return &c, nil
		}
	}
	return nil, ErrQuotaExhausted
}
