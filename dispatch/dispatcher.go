package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-llm-gateway/core"
)

const (
	limiterWait      = 2 * time.Second
	dequeueWait      = 2 * time.Second
	dequeuePoll      = 100 * time.Millisecond
	processTimeout   = 30 * time.Second
	publishTimeout   = 5 * time.Second
	retryDelay       = time.Second
	errorStreakLimit = 10
	errorPause       = 5 * time.Second
)

// Limiter is the global dispatch budget.
type Limiter interface {
	AcquireWithDeadline(ctx context.Context, timeout time.Duration) (bool, error)
}

// FailoverController is the slice of the failover manager the dispatcher
// needs: who is current, provider availability, and outcome reporting.
type FailoverController interface {
	Current() string
	Providers() []string
	Status() core.FailoverStatus
	ReportSuccess(provider string)
	ReportFailure(ctx context.Context, provider string)
}

// CostModel prices a completed call for the metrics sink.
type CostModel interface {
	Cost(provider string, usage *core.Usage) float64
}

// Dispatcher drains the queue through the active provider. One request is in
// flight at a time; the token bucket paces dispatches and every attempt is
// bounded by a per-request deadline.
type Dispatcher struct {
	queue    core.Queue
	registry core.AdapterRegistry
	failover FailoverController
	limiter  Limiter
	sink     core.RequestSink
	costs    CostModel

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger core.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, delay time.Duration) error
}

type Config struct {
	Queue    core.Queue
	Registry core.AdapterRegistry
	Failover FailoverController
	Limiter  Limiter
	Sink     core.RequestSink
	Costs    CostModel
	Logger   core.Logger
}

func New(cfg Config) *Dispatcher {
	dispatcher := &Dispatcher{
		queue:    cfg.Queue,
		registry: cfg.Registry,
		failover: cfg.Failover,
		limiter:  cfg.Limiter,
		sink:     cfg.Sink,
		costs:    cfg.Costs,
		Now:      func() time.Time { return time.Now().UTC() },
		Sleep:    waitWithContext,
	}
	_, dispatcher.logger = glog.Resolve("dispatch", nil, cfg.Logger)
	if dispatcher.sink == nil {
		dispatcher.sink = core.NopRequestSink{}
	}
	return dispatcher
}

func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(runCtx)
}

func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	streak := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := d.loopOnce(ctx)
		if err == nil {
			streak = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		streak++
		d.logger.Error("dispatch loop error", "error", err, "streak", streak)
		if streak >= errorStreakLimit {
			d.logger.Error("dispatch loop pausing after repeated errors", "pause", errorPause.String())
			if sleepErr := d.sleep(ctx, errorPause); sleepErr != nil {
				return
			}
			streak = 0
		}
	}
}

func (d *Dispatcher) loopOnce(ctx context.Context) error {
	acquired, err := d.limiter.AcquireWithDeadline(ctx, limiterWait)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	item, err := d.dequeueWait(ctx)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}

	processCtx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()
	return d.ProcessOne(processCtx, *item)
}

// dequeueWait polls the queue up to the dequeue window so an idle gateway
// does not spin on its rate limit token.
func (d *Dispatcher) dequeueWait(ctx context.Context) (*core.RequestItem, error) {
	deadline := d.now().Add(dequeueWait)
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		if !d.now().Before(deadline) {
			return nil, nil
		}
		if err := d.sleep(ctx, dequeuePoll); err != nil {
			return nil, err
		}
	}
}

// ProcessOne runs a single attempt against the active provider. Retryable
// failures re-enter the queue in the retry band until every provider has
// been tried; terminal outcomes publish exactly one envelope.
func (d *Dispatcher) ProcessOne(ctx context.Context, item core.RequestItem) error {
	provider := d.failover.Current()
	if item.Tried(provider) {
		// the current provider already failed this item; an untried
		// available provider gets it instead when one exists
		if alternate, ok := d.untriedAvailable(item); ok {
			provider = alternate
		}
	}
	adapter, ok := d.registry.Get(provider)
	if !ok {
		return d.publishError(ctx, item, core.ErrorTypeLLMService, fmt.Sprintf("no adapter registered for provider %q", provider))
	}

	payload := item.Payload
	if item.OriginalProvider == "" {
		item.OriginalProvider = provider
	} else if provider != item.OriginalProvider {
		// retried on a different provider, the original model name would
		// not resolve there
		payload.Model = adapter.DefaultModel()
	}
	if payload.Model == "" {
		payload.Model = adapter.DefaultModel()
	}

	start := d.now()
	d.sink.RecordRequest(provider, item.ID, payload.Model, len(payload.Messages))

	envelope, err := adapter.Invoke(ctx, payload, item.ID)
	duration := d.now().Sub(start)

	if err == nil {
		d.failover.ReportSuccess(provider)
		var cost float64
		if d.costs != nil {
			cost = d.costs.Cost(provider, envelope.Usage)
		}
		d.sink.RecordResponse(provider, item.ID, true, duration, envelope.Usage, cost)
		// a response arriving right at the deadline still gets published
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if storeErr := d.queue.StoreResponse(storeCtx, item.ID, envelope); storeErr != nil {
			return storeErr
		}
		return nil
	}

	kind := core.KindOf(err)
	d.sink.RecordResponse(provider, item.ID, false, duration, nil, 0)

	if kind == core.ErrorKindModelUnknown {
		return d.publishError(ctx, item, core.ErrorTypeLLMService, err.Error())
	}

	d.failover.ReportFailure(ctx, provider)
	item.TriedProviders = appendUnique(item.TriedProviders, provider)
	item.RetryCount++

	if item.RetryCount < d.maxAttempts() {
		if sleepErr := d.sleep(ctx, retryDelay); sleepErr != nil {
			return d.publishError(ctx, item, errTypeForKind(kind), err.Error())
		}
		if enqueueErr := d.queue.PriorityEnqueue(ctx, item); enqueueErr != nil {
			d.logger.Error("retry enqueue failed, publishing terminal error", "request_id", item.ID, "error", enqueueErr)
			return d.publishError(ctx, item, errTypeForKind(kind), err.Error())
		}
		d.logger.Info("request requeued for retry", "request_id", item.ID, "retry", item.RetryCount, "failed_provider", provider)
		return nil
	}

	return d.publishError(ctx, item, errTypeForKind(kind), err.Error())
}

func (d *Dispatcher) untriedAvailable(item core.RequestItem) (string, bool) {
	status := d.failover.Status()
	for _, candidate := range d.failover.Providers() {
		if item.Tried(candidate) {
			continue
		}
		if state, ok := status.ProviderStatuses[candidate]; ok && !state.Available {
			continue
		}
		return candidate, true
	}
	return "", false
}

// maxAttempts is one attempt per configured provider.
func (d *Dispatcher) maxAttempts() int {
	attempts := len(d.failover.Providers())
	if attempts <= 0 {
		attempts = 1
	}
	return attempts
}

// publishError writes the terminal envelope on a detached context. The
// per-item deadline is often already gone here, and a client would poll
// pending until the response TTL if the write were dropped with it.
func (d *Dispatcher) publishError(ctx context.Context, item core.RequestItem, errType string, message string) error {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	envelope := core.ErrorEnvelope(message, errType, item.TriedProviders)
	envelope.ID = item.ID
	return d.queue.StoreResponse(storeCtx, item.ID, envelope)
}

func errTypeForKind(kind core.ErrorKind) string {
	if kind == core.ErrorKindTimeout {
		return core.ErrorTypeTimeout
	}
	return core.ErrorTypeLLMService
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func (d *Dispatcher) now() time.Time {
	if d != nil && d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) error {
	if d != nil && d.Sleep != nil {
		return d.Sleep(ctx, delay)
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
