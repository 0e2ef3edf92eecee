package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit bounds how fast agents of one provider are spawned.
type RateLimit struct {
	Limit rate.Limit
	Burst int
}

// providerLimiters keeps one token bucket per provider. Providers without
// an override share the default limit, each with its own bucket.
type providerLimiters struct {
	mu        sync.Mutex
	def       RateLimit
	overrides map[string]RateLimit
	buckets   map[string]*rate.Limiter
}

func newProviderLimiters(def RateLimit, overrides map[string]RateLimit) *providerLimiters {
	return &providerLimiters{
		def:       def,
		overrides: overrides,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// wait blocks until the provider may spawn again or ctx is done.
func (p *providerLimiters) wait(ctx context.Context, provider string) error {
	return p.limiterFor(provider).Wait(ctx)
}

func (p *providerLimiters) limiterFor(provider string) *rate.Limiter {
	key := provider
	if key == "" {
		key = "default"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, ok := p.buckets[key]
	if !ok {
		cfg, ok := p.overrides[key]
		if !ok {
			cfg = p.def
		}
		if cfg.Limit <= 0 {
			cfg.Limit = rate.Inf
		}
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
		limiter = rate.NewLimiter(cfg.Limit, cfg.Burst)
		p.buckets[key] = limiter
	}
	return limiter
}
