package gemini

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// KeySource returns an API key to probe with.
type KeySource func(ctx context.Context) (string, error)

// HealthProbe reports whether Gemini is reachable. Results are cached so
// frequent health checks do not spend quota.
type HealthProbe struct {
	translator *Translator
	keys       KeySource
	ttl        time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	healthy   bool
}

// NewHealthProbe creates a probe that caches its result for ttl.
func NewHealthProbe(translator *Translator, keys KeySource, ttl time.Duration, logger *slog.Logger) *HealthProbe {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &HealthProbe{
		translator: translator,
		keys:       keys,
		ttl:        ttl,
		timeout:    5 * time.Second,
		logger:     logger.With("component", "gemini_health"),
		now:        time.Now,
	}
}

// Healthy returns the cached probe result, refreshing it when stale.
func (p *HealthProbe) Healthy(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.checkedAt.IsZero() && p.now().Sub(p.checkedAt) < p.ttl {
		return p.healthy
	}

	p.healthy = p.check(ctx)
	p.checkedAt = p.now()
	return p.healthy
}

func (p *HealthProbe) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key, err := p.keys(ctx)
	if err != nil {
		p.logger.Warn("no credential available for health probe", "error", err)
		return false
	}
	if err := p.translator.Probe(ctx, key); err != nil {
		p.logger.Warn("gemini health probe failed", "error", err)
		return false
	}
	return true
}
