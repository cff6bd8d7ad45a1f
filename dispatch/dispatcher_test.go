package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-llm-gateway/core"
)

type fakeQueue struct {
	mu        sync.Mutex
	items     []core.RequestItem
	retries   []core.RequestItem
	responses map[string]core.ResponseEnvelope
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{responses: map[string]core.ResponseEnvelope{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, payload core.ChatRequest, priority int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := core.RequestItem{ID: "req_test", Payload: payload, Priority: priority}
	q.items = append(q.items, item)
	return item.ID, nil
}

func (q *fakeQueue) PriorityEnqueue(_ context.Context, item core.RequestItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries = append(q.retries, item)
	return nil
}

func (q *fakeQueue) Dequeue(context.Context) (*core.RequestItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return &item, nil
}

func (q *fakeQueue) Length(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *fakeQueue) StoreResponse(ctx context.Context, id string, envelope core.ResponseEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.responses[id]; !ok {
		q.responses[id] = envelope
	}
	return nil
}

func (q *fakeQueue) GetResponse(_ context.Context, id string) (*core.ResponseEnvelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	envelope, ok := q.responses[id]
	if !ok {
		return nil, nil
	}
	return &envelope, nil
}

func (q *fakeQueue) retried() []core.RequestItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]core.RequestItem(nil), q.retries...)
}

func (q *fakeQueue) stored(id string) (core.ResponseEnvelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	envelope, ok := q.responses[id]
	return envelope, ok
}

type fakeAdapter struct {
	name         string
	defaultModel string
	invoke       func(req core.ChatRequest) (core.ResponseEnvelope, error)
	gotModels    []string
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) DefaultModel() string { return a.defaultModel }

func (a *fakeAdapter) ListModels(context.Context) ([]string, error) { return nil, nil }

func (a *fakeAdapter) HealthCheck(context.Context) bool { return true }

func (a *fakeAdapter) Invoke(_ context.Context, req core.ChatRequest, requestID string) (core.ResponseEnvelope, error) {
	a.gotModels = append(a.gotModels, req.Model)
	envelope, err := a.invoke(req)
	envelope.ID = requestID
	return envelope, err
}

type fakeRegistry struct {
	adapters map[string]core.Adapter
}

func (r fakeRegistry) Register(core.Adapter) error { return nil }

func (r fakeRegistry) Get(provider string) (core.Adapter, bool) {
	adapter, ok := r.adapters[provider]
	return adapter, ok
}

func (r fakeRegistry) List() []core.Adapter { return nil }

type fakeFailover struct {
	mu          sync.Mutex
	current     string
	providers   []string
	unavailable map[string]bool
	successes   []string
	failures    []string
}

func (f *fakeFailover) Current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeFailover) Providers() []string { return f.providers }

func (f *fakeFailover) Status() core.FailoverStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	statuses := map[string]core.ProviderStatus{}
	for _, provider := range f.providers {
		statuses[provider] = core.ProviderStatus{Available: !f.unavailable[provider]}
	}
	return core.FailoverStatus{
		CurrentProvider:  f.current,
		ProviderStatuses: statuses,
	}
}

func (f *fakeFailover) ReportSuccess(provider string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, provider)
}

func (f *fakeFailover) ReportFailure(_ context.Context, provider string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, provider)
}

type fakeLimiter struct {
	allow bool
}

func (l fakeLimiter) AcquireWithDeadline(context.Context, time.Duration) (bool, error) {
	return l.allow, nil
}

type fakeCosts struct{}

func (fakeCosts) Cost(string, *core.Usage) float64 { return 0.25 }

type recordingSink struct {
	mu        sync.Mutex
	requests  []string
	responses []bool
	costs     []float64
}

func (s *recordingSink) RecordRequest(_ string, requestID string, _ string, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, requestID)
}

func (s *recordingSink) RecordResponse(_ string, _ string, success bool, _ time.Duration, _ *core.Usage, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, success)
	s.costs = append(s.costs, cost)
}

func newTestDispatcher(queue *fakeQueue, adapter *fakeAdapter, controller *fakeFailover, sink core.RequestSink) *Dispatcher {
	registry := fakeRegistry{adapters: map[string]core.Adapter{}}
	if adapter != nil {
		registry.adapters[adapter.name] = adapter
	}
	dispatcher := New(Config{
		Queue:    queue,
		Registry: registry,
		Failover: controller,
		Limiter:  fakeLimiter{allow: true},
		Sink:     sink,
		Costs:    fakeCosts{},
	})
	dispatcher.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return dispatcher
}

func testItem() core.RequestItem {
	return core.RequestItem{
		ID: "req_1",
		Payload: core.ChatRequest{
			Messages: []core.ChatMessage{{Role: "user", Content: "hello"}},
		},
		Priority:     50,
		EnqueuedAtMS: time.Now().UTC().UnixMilli(),
	}
}

func TestProcessOne_SuccessPublishesEnvelope(t *testing.T) {
	queue := newFakeQueue()
	adapter := &fakeAdapter{name: "grok", defaultModel: "grok-3-mini", invoke: func(core.ChatRequest) (core.ResponseEnvelope, error) {
		return core.ResponseEnvelope{Status: core.StatusCompleted, Content: "hi", Usage: &core.Usage{TotalTokens: 10}}, nil
	}}
	controller := &fakeFailover{current: "grok", providers: []string{"grok", "openai"}}
	sink := &recordingSink{}
	dispatcher := newTestDispatcher(queue, adapter, controller, sink)

	if err := dispatcher.ProcessOne(context.Background(), testItem()); err != nil {
		t.Fatalf("process: %v", err)
	}

	envelope, ok := queue.stored("req_1")
	if !ok || envelope.Status != core.StatusCompleted {
		t.Fatalf("expected completed envelope, got %+v ok=%v", envelope, ok)
	}
	if len(controller.successes) != 1 || controller.successes[0] != "grok" {
		t.Fatalf("expected success report, got %v", controller.successes)
	}
	if len(sink.costs) != 1 || sink.costs[0] != 0.25 {
		t.Fatalf("expected cost recorded, got %v", sink.costs)
	}
}

func TestProcessOne_RetryableFailureRequeues(t *testing.T) {
	queue := newFakeQueue()
	adapter := &fakeAdapter{name: "grok", defaultModel: "grok-3-mini", invoke: func(core.ChatRequest) (core.ResponseEnvelope, error) {
		return core.ResponseEnvelope{}, core.NewProviderError("grok", core.ErrorKindTransport, nil)
	}}
	controller := &fakeFailover{current: "grok", providers: []string{"grok", "openai"}}
	dispatcher := newTestDispatcher(queue, adapter, controller, &recordingSink{})

	if err := dispatcher.ProcessOne(context.Background(), testItem()); err != nil {
		t.Fatalf("process: %v", err)
	}

	retries := queue.retried()
	if len(retries) != 1 {
		t.Fatalf("expected one retry, got %d", len(retries))
	}
	retry := retries[0]
	if retry.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", retry.RetryCount)
	}
	if len(retry.TriedProviders) != 1 || retry.TriedProviders[0] != "grok" {
		t.Fatalf("expected tried providers recorded, got %v", retry.TriedProviders)
	}
	if retry.OriginalProvider != "grok" {
		t.Fatalf("expected original provider stamped, got %q", retry.OriginalProvider)
	}
	if _, ok := queue.stored("req_1"); ok {
		t.Fatalf("expected no terminal envelope while retryable")
	}
	if len(controller.failures) != 1 {
		t.Fatalf("expected failure report, got %v", controller.failures)
	}
}

func TestProcessOne_ExhaustionPublishesError(t *testing.T) {
	queue := newFakeQueue()
	adapter := &fakeAdapter{name: "openai", defaultModel: "gpt-4.1-2025-04-14", invoke: func(core.ChatRequest) (core.ResponseEnvelope, error) {
		return core.ResponseEnvelope{}, core.NewProviderError("openai", core.ErrorKindTransport, nil)
	}}
	controller := &fakeFailover{current: "openai", providers: []string{"grok", "openai"}}
	dispatcher := newTestDispatcher(queue, adapter, controller, &recordingSink{})

	item := testItem()
	item.OriginalProvider = "grok"
	item.TriedProviders = []string{"grok"}
	item.RetryCount = 1
	if err := dispatcher.ProcessOne(context.Background(), item); err != nil {
		t.Fatalf("process: %v", err)
	}

	envelope, ok := queue.stored("req_1")
	if !ok || envelope.Status != core.StatusError {
		t.Fatalf("expected error envelope, got %+v", envelope)
	}
	if envelope.Error == nil || envelope.Error.Type != core.ErrorTypeLLMService {
		t.Fatalf("expected llm_service_error, got %+v", envelope.Error)
	}
	if len(envelope.Error.TriedProviders) != 2 {
		t.Fatalf("expected both providers in tried list, got %v", envelope.Error.TriedProviders)
	}
	if len(queue.retried()) != 0 {
		t.Fatalf("expected no further retries")
	}
}

func TestProcessOne_TimeoutGetsTimeoutErrorType(t *testing.T) {
	queue := newFakeQueue()
	adapter := &fakeAdapter{name: "grok", defaultModel: "grok-3-mini", invoke: func(core.ChatRequest) (core.ResponseEnvelope, error) {
		return core.ResponseEnvelope{}, core.NewProviderError("grok", core.ErrorKindTimeout, context.DeadlineExceeded)
	}}
	controller := &fakeFailover{current: "grok", providers: []string{"grok"}}
	dispatcher := newTestDispatcher(queue, adapter, controller, &recordingSink{})

	if err := dispatcher.ProcessOne(context.Background(), testItem()); err != nil {
		t.Fatalf("process: %v", err)
	}

	envelope, _ := queue.stored("req_1")
	if envelope.Error == nil || envelope.Error.Type != core.ErrorTypeTimeout {
		t.Fatalf("expected timeout_error, got %+v", envelope.Error)
	}
}

func TestProcessOne_ExpiredDeadlineStillPublishesTimeout(t *testing.T) {
	queue := newFakeQueue()
	adapter := &fakeAdapter{name: "grok", defaultModel: "grok-3-mini", invoke: func(core.ChatRequest) (core.ResponseEnvelope, error) {
		return core.ResponseEnvelope{}, core.NewProviderError("grok", core.ErrorKindTimeout, context.DeadlineExceeded)
	}}
	controller := &fakeFailover{current: "grok", providers: []string{"grok"}}
	dispatcher := newTestDispatcher(queue, adapter, controller, &recordingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := dispatcher.ProcessOne(ctx, testItem()); err != nil {
		t.Fatalf("process: %v", err)
	}

	envelope, ok := queue.stored("req_1")
	if !ok || envelope.Status != core.StatusError {
		t.Fatalf("expected terminal envelope despite expired deadline, got %+v ok=%v", envelope, ok)
	}
	if envelope.Error == nil || envelope.Error.Type != core.ErrorTypeTimeout {
		t.Fatalf("expected timeout_error, got %+v", envelope.Error)
	}
}

func TestProcessOne_ModelUnknownIsTerminal(t *testing.T) {
	queue := newFakeQueue()
	adapter := &fakeAdapter{name: "grok", defaultModel: "grok-3-mini", invoke: func(core.ChatRequest) (core.ResponseEnvelope, error) {
		return core.ResponseEnvelope{}, core.NewProviderError("grok", core.ErrorKindModelUnknown, nil)
	}}
	controller := &fakeFailover{current: "grok", providers: []string{"grok", "openai"}}
	dispatcher := newTestDispatcher(queue, adapter, controller, &recordingSink{})

	if err := dispatcher.ProcessOne(context.Background(), testItem()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, ok := queue.stored("req_1"); !ok {
		t.Fatalf("expected terminal envelope for unknown model")
	}
	if len(queue.retried()) != 0 {
		t.Fatalf("unknown model must not retry")
	}
	if len(controller.failures) != 0 {
		t.Fatalf("unknown model is not a provider fault, got %v", controller.failures)
	}
}

func TestProcessOne_RewritesModelOnProviderChange(t *testing.T) {
	queue := newFakeQueue()
	adapter := &fakeAdapter{name: "openai", defaultModel: "gpt-4.1-2025-04-14", invoke: func(core.ChatRequest) (core.ResponseEnvelope, error) {
		return core.ResponseEnvelope{Status: core.StatusCompleted}, nil
	}}
	controller := &fakeFailover{current: "openai", providers: []string{"grok", "openai"}}
	dispatcher := newTestDispatcher(queue, adapter, controller, &recordingSink{})

	item := testItem()
	item.Payload.Model = "grok-3-mini"
	item.OriginalProvider = "grok"
	item.TriedProviders = []string{"grok"}
	item.RetryCount = 1
	if err := dispatcher.ProcessOne(context.Background(), item); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(adapter.gotModels) != 1 || adapter.gotModels[0] != "gpt-4.1-2025-04-14" {
		t.Fatalf("expected model rewritten to provider default, got %v", adapter.gotModels)
	}
}

func TestProcessOne_RebindsToUntriedProvider(t *testing.T) {
	queue := newFakeQueue()
	adapter := &fakeAdapter{name: "openai", defaultModel: "gpt-4.1-2025-04-14", invoke: func(core.ChatRequest) (core.ResponseEnvelope, error) {
		return core.ResponseEnvelope{Status: core.StatusCompleted}, nil
	}}
	controller := &fakeFailover{current: "grok", providers: []string{"grok", "openai"}}
	dispatcher := newTestDispatcher(queue, adapter, controller, &recordingSink{})

	item := testItem()
	item.OriginalProvider = "grok"
	item.TriedProviders = []string{"grok"}
	item.RetryCount = 1
	if err := dispatcher.ProcessOne(context.Background(), item); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(controller.successes) != 1 || controller.successes[0] != "openai" {
		t.Fatalf("expected rebind to openai, got %v", controller.successes)
	}
	if envelope, ok := queue.stored("req_1"); !ok || envelope.Status != core.StatusCompleted {
		t.Fatalf("expected completed envelope via rebind, got %+v", envelope)
	}
}

func TestProcessOne_SkipsUnavailableWhenRebinding(t *testing.T) {
	queue := newFakeQueue()
	adapter := &fakeAdapter{name: "grok", defaultModel: "grok-3-mini", invoke: func(core.ChatRequest) (core.ResponseEnvelope, error) {
		return core.ResponseEnvelope{}, core.NewProviderError("grok", core.ErrorKindTransport, nil)
	}}
	controller := &fakeFailover{
		current:     "grok",
		providers:   []string{"grok", "openai"},
		unavailable: map[string]bool{"openai": true},
	}
	dispatcher := newTestDispatcher(queue, adapter, controller, &recordingSink{})

	item := testItem()
	item.OriginalProvider = "grok"
	item.TriedProviders = []string{"grok"}
	item.RetryCount = 1
	if err := dispatcher.ProcessOne(context.Background(), item); err != nil {
		t.Fatalf("process: %v", err)
	}

	envelope, ok := queue.stored("req_1")
	if !ok || envelope.Status != core.StatusError {
		t.Fatalf("expected terminal error when no untried provider is available, got %+v", envelope)
	}
}

func TestProcessOne_MissingAdapterPublishesError(t *testing.T) {
	queue := newFakeQueue()
	controller := &fakeFailover{current: "grok", providers: []string{"grok"}}
	dispatcher := newTestDispatcher(queue, nil, controller, &recordingSink{})

	if err := dispatcher.ProcessOne(context.Background(), testItem()); err != nil {
		t.Fatalf("process: %v", err)
	}
	envelope, ok := queue.stored("req_1")
	if !ok || envelope.Error == nil {
		t.Fatalf("expected terminal error envelope, got %+v", envelope)
	}
}

func TestLoopOnce_SkipsWhenLimiterStarved(t *testing.T) {
	queue := newFakeQueue()
	if _, err := queue.Enqueue(context.Background(), core.ChatRequest{}, 50); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	controller := &fakeFailover{current: "grok", providers: []string{"grok"}}
	dispatcher := newTestDispatcher(queue, nil, controller, &recordingSink{})
	dispatcher.limiter = fakeLimiter{allow: false}

	if err := dispatcher.loopOnce(context.Background()); err != nil {
		t.Fatalf("loop once: %v", err)
	}
	if length, _ := queue.Length(context.Background()); length != 1 {
		t.Fatalf("expected item untouched when limiter starved")
	}
}
