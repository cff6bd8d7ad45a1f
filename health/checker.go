package health

import (
	"context"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-llm-gateway/core"
)

// Checker sweeps every provider once at startup, primary first, then keeps
// probing at half the configured interval. Steady-state probes target
// unavailable providers whose recovery window has elapsed and available
// providers whose status has gone stale.
type Checker struct {
	enabled    bool
	interval   time.Duration
	recovery   time.Duration
	staleAfter time.Duration
	sink       core.ProbeSink
	registry   core.AdapterRegistry

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger core.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, delay time.Duration) error
}

type Option func(*Checker)

func WithLogger(logger core.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

func NewChecker(cfg core.HealthConfig, recovery time.Duration, sink core.ProbeSink, registry core.AdapterRegistry, options ...Option) *Checker {
	interval := cfg.Interval()
	if interval <= 0 {
		interval = time.Minute
	}
	if recovery <= 0 {
		recovery = 5 * time.Minute
	}
	checker := &Checker{
		enabled:    cfg.Enabled,
		interval:   interval,
		recovery:   recovery,
		staleAfter: 5 * time.Minute,
		sink:       sink,
		registry:   registry,
		Now:        func() time.Time { return time.Now().UTC() },
		Sleep:      waitWithContext,
	}
	for _, option := range options {
		if option != nil {
			option(checker)
		}
	}
	_, checker.logger = glog.Resolve("health", nil, checker.logger)
	return checker
}

func (c *Checker) Start(ctx context.Context) {
	if !c.enabled {
		c.logger.Info("health checker disabled")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx)
}

func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Checker) run(ctx context.Context) {
	defer c.wg.Done()
	c.InitialSweep(ctx)
	for {
		if err := c.sleep(ctx, c.interval/2); err != nil {
			return
		}
		c.CheckStale(ctx)
	}
}

// InitialSweep probes every provider in table order, so the primary gets the
// first verdict before traffic starts flowing.
func (c *Checker) InitialSweep(ctx context.Context) {
	for _, provider := range c.sink.Providers() {
		c.probe(ctx, provider)
	}
}

// CheckStale probes unavailable providers once their recovery window has
// elapsed, and available providers whose last verdict has gone stale. A
// provider that was never probed is checked right away.
func (c *Checker) CheckStale(ctx context.Context) {
	now := c.now()
	status := c.sink.Status()
	for _, provider := range c.sink.Providers() {
		state, ok := status.ProviderStatuses[provider]
		if !ok {
			continue
		}
		if state.LastCheck.IsZero() {
			c.probe(ctx, provider)
			continue
		}
		since := now.Sub(state.LastCheck)
		if state.Available {
			if since <= c.staleAfter {
				continue
			}
		} else if since <= c.recovery {
			continue
		}
		c.probe(ctx, provider)
	}
}

func (c *Checker) probe(ctx context.Context, provider string) {
	adapter, ok := c.registry.Get(provider)
	if !ok {
		c.logger.Error("no adapter registered for provider, skipping probe", "provider", provider)
		return
	}
	healthy := adapter.HealthCheck(ctx)
	if !healthy {
		c.logger.Error("health probe failed", "provider", provider)
	}
	c.sink.ApplyProbeResult(ctx, provider, healthy)
}

func (c *Checker) now() time.Time {
	if c != nil && c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Checker) sleep(ctx context.Context, delay time.Duration) error {
	if c != nil && c.Sleep != nil {
		return c.Sleep(ctx, delay)
	}
	return waitWithContext(ctx, delay)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
