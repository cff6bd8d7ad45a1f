package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-llm-gateway/core"
)

// ReconcilableQueue is a persistent queue that accepts drained items in the
// reconcile band.
type ReconcilableQueue interface {
	PersistentQueue
	ReconcileEnqueue(ctx context.Context, item core.RequestItem) error
}

const (
	persistAttempts   = 3
	reconcilePingBase = time.Second
	reconcilePingCap  = 10 * time.Second
)

// DegradingQueue fronts the persistent queue and falls back to the in-memory
// queue when the backend stays unreachable. While degraded, a single
// reconciler goroutine pings the backend and drains the fallback into the
// reconcile band before swapping the persistent queue back in.
type DegradingQueue struct {
	mu          sync.RWMutex
	primary     ReconcilableQueue
	secondary   *MemoryQueue
	degraded    bool
	reconciling bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger core.Logger
	Sleep  func(ctx context.Context, delay time.Duration) error
}

type DegradeOption func(*DegradingQueue)

func WithDegradeLogger(logger core.Logger) DegradeOption {
	return func(q *DegradingQueue) {
		q.logger = logger
	}
}

func NewDegradingQueue(primary ReconcilableQueue, secondary *MemoryQueue, options ...DegradeOption) *DegradingQueue {
	if secondary == nil {
		secondary = NewMemoryQueue(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	queue := &DegradingQueue{
		primary:   primary,
		secondary: secondary,
		baseCtx:   ctx,
		cancel:    cancel,
		Sleep:     waitWithContext,
	}
	for _, option := range options {
		if option != nil {
			option(queue)
		}
	}
	_, queue.logger = glog.Resolve("queue.degrade", nil, queue.logger)
	return queue
}

// Close stops the reconciler. Degraded-mode contents are lost.
func (q *DegradingQueue) Close() {
	q.cancel()
	q.wg.Wait()
}

// Degraded reports whether operations are currently served from memory.
func (q *DegradingQueue) Degraded() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.degraded
}

func (q *DegradingQueue) Enqueue(ctx context.Context, payload core.ChatRequest, priority int) (string, error) {
	var id string
	err := q.do(ctx, func(backend core.Queue) error {
		var opErr error
		id, opErr = backend.Enqueue(ctx, payload, priority)
		return opErr
	})
	return id, err
}

func (q *DegradingQueue) PriorityEnqueue(ctx context.Context, item core.RequestItem) error {
	return q.do(ctx, func(backend core.Queue) error {
		return backend.PriorityEnqueue(ctx, item)
	})
}

func (q *DegradingQueue) Dequeue(ctx context.Context) (*core.RequestItem, error) {
	var item *core.RequestItem
	err := q.do(ctx, func(backend core.Queue) error {
		var opErr error
		item, opErr = backend.Dequeue(ctx)
		return opErr
	})
	return item, err
}

func (q *DegradingQueue) Length(ctx context.Context) (int, error) {
	var length int
	err := q.do(ctx, func(backend core.Queue) error {
		var opErr error
		length, opErr = backend.Length(ctx)
		return opErr
	})
	return length, err
}

func (q *DegradingQueue) StoreResponse(ctx context.Context, id string, envelope core.ResponseEnvelope) error {
	return q.do(ctx, func(backend core.Queue) error {
		return backend.StoreResponse(ctx, id, envelope)
	})
}

func (q *DegradingQueue) GetResponse(ctx context.Context, id string) (*core.ResponseEnvelope, error) {
	var envelope *core.ResponseEnvelope
	err := q.do(ctx, func(backend core.Queue) error {
		var opErr error
		envelope, opErr = backend.GetResponse(ctx, id)
		return opErr
	})
	return envelope, err
}

func (q *DegradingQueue) do(ctx context.Context, op func(backend core.Queue) error) error {
	if done, err := q.fallback(op); done {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(attempt+1) * 0.5 * float64(time.Second))
			if err := q.sleep(ctx, delay); err != nil {
				return err
			}
		}
		lastErr = op(q.primary)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrUnavailable) {
			return lastErr
		}
	}

	q.enterDegraded(lastErr)
	if done, err := q.fallback(op); done {
		return err
	}
	// the reconciler recovered between enterDegraded and here
	return op(q.primary)
}

// fallback runs op against the memory queue while holding the mode lock, so
// the reconciler cannot clear the degraded flag between the routing decision
// and the secondary write.
func (q *DegradingQueue) fallback(op func(backend core.Queue) error) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.degraded {
		return false, nil
	}
	return true, op(q.secondary)
}

func (q *DegradingQueue) enterDegraded(cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.degraded {
		return
	}
	q.degraded = true
	q.logger.Error("persistent queue unavailable, serving from memory", "error", cause)
	if !q.reconciling {
		q.reconciling = true
		q.wg.Add(1)
		go q.reconcile()
	}
}

func (q *DegradingQueue) reconcile() {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.reconciling = false
		q.mu.Unlock()
	}()

	delay := reconcilePingBase
	for {
		if err := q.sleep(q.baseCtx, delay); err != nil {
			return
		}
		if err := q.primary.Ping(q.baseCtx); err != nil {
			if q.baseCtx.Err() != nil {
				return
			}
			delay *= 2
			if delay > reconcilePingCap {
				delay = reconcilePingCap
			}
			continue
		}
		if q.drain() {
			return
		}
		delay = reconcilePingBase
	}
}

// drain moves fallback contents into the persistent queue, then clears the
// degraded flag. The flag flips only under the mode lock with the fallback
// verifiably empty; anything enqueued while a drain pass ran is picked up by
// the next pass, so no item or response is stranded in memory.
func (q *DegradingQueue) drain() bool {
	var drainedItems, drainedResponses int
	for {
		items := q.secondary.Drain()
		for i, item := range items {
			if err := q.primary.ReconcileEnqueue(q.baseCtx, item); err != nil {
				for _, remaining := range items[i:] {
					q.secondary.Requeue(remaining)
				}
				q.logger.Error("reconcile drain interrupted", "error", err, "requeued", len(items)-i)
				return false
			}
		}
		drainedItems += len(items)

		responses := q.secondary.DrainResponses()
		for id, envelope := range responses {
			if err := q.primary.StoreResponse(q.baseCtx, id, envelope); err != nil {
				q.logger.Error("reconcile response publish failed", "error", err, "request_id", id)
			}
		}
		drainedResponses += len(responses)

		q.mu.Lock()
		if q.secondary.Pending() > 0 {
			q.mu.Unlock()
			continue
		}
		q.degraded = false
		q.mu.Unlock()
		q.logger.Info("persistent queue recovered", "drained_items", drainedItems, "drained_responses", drainedResponses)
		return true
	}
}

func (q *DegradingQueue) sleep(ctx context.Context, delay time.Duration) error {
	if q != nil && q.Sleep != nil {
		return q.Sleep(ctx, delay)
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

var _ core.Queue = (*DegradingQueue)(nil)
