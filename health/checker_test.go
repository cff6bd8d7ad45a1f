package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-llm-gateway/core"
)

type stubSink struct {
	mu        sync.Mutex
	providers []string
	status    core.FailoverStatus
	applied   []string
	healthy   map[string]bool
}

func newStubSink(providers ...string) *stubSink {
	statuses := map[string]core.ProviderStatus{}
	for _, provider := range providers {
		statuses[provider] = core.ProviderStatus{Available: true}
	}
	return &stubSink{
		providers: providers,
		status:    core.FailoverStatus{ProviderStatuses: statuses},
		healthy:   map[string]bool{},
	}
}

func (s *stubSink) Providers() []string {
	return append([]string(nil), s.providers...)
}

func (s *stubSink) Status() core.FailoverStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubSink) ApplyProbeResult(_ context.Context, provider string, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, provider)
	s.healthy[provider] = healthy
}

func (s *stubSink) appliedOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applied...)
}

type stubAdapter struct {
	name    string
	healthy bool
}

func (a stubAdapter) Name() string { return a.name }

func (a stubAdapter) DefaultModel() string { return "model" }

func (a stubAdapter) ListModels(context.Context) ([]string, error) { return nil, nil }

func (a stubAdapter) HealthCheck(context.Context) bool { return a.healthy }

func (a stubAdapter) Invoke(context.Context, core.ChatRequest, string) (core.ResponseEnvelope, error) {
	return core.ResponseEnvelope{}, nil
}

type stubRegistry struct {
	adapters map[string]core.Adapter
}

func (r stubRegistry) Register(core.Adapter) error { return nil }

func (r stubRegistry) Get(provider string) (core.Adapter, bool) {
	adapter, ok := r.adapters[provider]
	return adapter, ok
}

func (r stubRegistry) List() []core.Adapter { return nil }

func newTestChecker(sink core.ProbeSink, registry core.AdapterRegistry) *Checker {
	checker := NewChecker(core.HealthConfig{Enabled: true, IntervalSeconds: 60}, 5*time.Minute, sink, registry)
	checker.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return checker
}

func TestChecker_InitialSweepProbesPrimaryFirst(t *testing.T) {
	sink := newStubSink("grok", "openai")
	registry := stubRegistry{adapters: map[string]core.Adapter{
		"grok":   stubAdapter{name: "grok", healthy: true},
		"openai": stubAdapter{name: "openai", healthy: false},
	}}
	checker := newTestChecker(sink, registry)

	checker.InitialSweep(context.Background())

	order := sink.appliedOrder()
	if len(order) != 2 || order[0] != "grok" || order[1] != "openai" {
		t.Fatalf("unexpected sweep order %v", order)
	}
	if !sink.healthy["grok"] || sink.healthy["openai"] {
		t.Fatalf("unexpected verdicts %v", sink.healthy)
	}
}

func TestChecker_CheckStaleSkipsFreshAvailableProviders(t *testing.T) {
	sink := newStubSink("grok", "openai")
	now := time.Unix(1_700_000_000, 0).UTC()
	sink.status.ProviderStatuses["grok"] = core.ProviderStatus{Available: true, LastCheck: now.Add(-time.Minute)}
	sink.status.ProviderStatuses["openai"] = core.ProviderStatus{Available: false, LastCheck: now.Add(-6 * time.Minute)}
	registry := stubRegistry{adapters: map[string]core.Adapter{
		"grok":   stubAdapter{name: "grok", healthy: true},
		"openai": stubAdapter{name: "openai", healthy: true},
	}}
	checker := newTestChecker(sink, registry)
	checker.Now = func() time.Time { return now }

	checker.CheckStale(context.Background())

	order := sink.appliedOrder()
	if len(order) != 1 || order[0] != "openai" {
		t.Fatalf("expected only recoverable provider probed, got %v", order)
	}
}

func TestChecker_CheckStaleWaitsRecoveryBeforeReprobing(t *testing.T) {
	sink := newStubSink("grok", "openai")
	now := time.Unix(1_700_000_000, 0).UTC()
	sink.status.ProviderStatuses["grok"] = core.ProviderStatus{Available: true, LastCheck: now.Add(-time.Minute)}
	sink.status.ProviderStatuses["openai"] = core.ProviderStatus{Available: false, LastCheck: now.Add(-time.Minute)}
	registry := stubRegistry{adapters: map[string]core.Adapter{
		"grok":   stubAdapter{name: "grok", healthy: true},
		"openai": stubAdapter{name: "openai", healthy: true},
	}}
	checker := newTestChecker(sink, registry)
	checker.Now = func() time.Time { return now }

	checker.CheckStale(context.Background())

	if order := sink.appliedOrder(); len(order) != 0 {
		t.Fatalf("expected no probes inside the recovery window, got %v", order)
	}
}

func TestChecker_CheckStaleProbesStaleProviders(t *testing.T) {
	sink := newStubSink("grok")
	now := time.Unix(1_700_000_000, 0).UTC()
	sink.status.ProviderStatuses["grok"] = core.ProviderStatus{Available: true, LastCheck: now.Add(-10 * time.Minute)}
	registry := stubRegistry{adapters: map[string]core.Adapter{
		"grok": stubAdapter{name: "grok", healthy: true},
	}}
	checker := newTestChecker(sink, registry)
	checker.Now = func() time.Time { return now }

	checker.CheckStale(context.Background())

	if order := sink.appliedOrder(); len(order) != 1 {
		t.Fatalf("expected stale provider probed, got %v", order)
	}
}

func TestChecker_UnregisteredProviderIsSkipped(t *testing.T) {
	sink := newStubSink("grok")
	checker := newTestChecker(sink, stubRegistry{adapters: map[string]core.Adapter{}})

	checker.InitialSweep(context.Background())

	if order := sink.appliedOrder(); len(order) != 0 {
		t.Fatalf("expected no probe results, got %v", order)
	}
}

func TestChecker_DisabledStartIsNoOp(t *testing.T) {
	sink := newStubSink("grok")
	checker := NewChecker(core.HealthConfig{Enabled: false}, time.Minute, sink, stubRegistry{adapters: map[string]core.Adapter{}})

	checker.Start(context.Background())
	checker.Stop()

	if order := sink.appliedOrder(); len(order) != 0 {
		t.Fatalf("expected no probes from disabled checker, got %v", order)
	}
}
