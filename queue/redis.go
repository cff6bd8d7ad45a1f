package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-llm-gateway/core"
)

// ErrUnavailable marks failures of the persistent backend so the degrading
// wrapper can distinguish them from payload errors.
var ErrUnavailable = errors.New("queue: persistent backend unavailable")

// PersistentQueue is a Queue whose backend can be probed for liveness.
type PersistentQueue interface {
	core.Queue
	Ping(ctx context.Context) error
}

type RedisQueueConfig struct {
	QueueKey       string
	ResponsePrefix string
	ResponseExpiry time.Duration
}

// RedisQueue is the durable request queue. Requests live in one sorted set
// scored by the priority bands; responses are plain keys published once via
// SET NX with a TTL.
type RedisQueue struct {
	client redis.UniversalClient
	cfg    RedisQueueConfig

	logger core.Logger
	Now    func() time.Time
}

type RedisOption func(*RedisQueue)

func WithRedisLogger(logger core.Logger) RedisOption {
	return func(q *RedisQueue) {
		q.logger = logger
	}
}

func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig, options ...RedisOption) *RedisQueue {
	if cfg.QueueKey == "" {
		cfg.QueueKey = "grok_api_request_queue"
	}
	if cfg.ResponsePrefix == "" {
		cfg.ResponsePrefix = "response:"
	}
	if cfg.ResponseExpiry <= 0 {
		cfg.ResponseExpiry = time.Hour
	}
	queue := &RedisQueue{
		client: client,
		cfg:    cfg,
		Now:    func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(queue)
		}
	}
	_, queue.logger = glog.Resolve("queue", nil, queue.logger)
	return queue
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload core.ChatRequest, priority int) (string, error) {
	now := q.now()
	item := core.RequestItem{
		ID:           core.NewRequestID(now),
		Payload:      payload,
		Priority:     clampPriority(priority),
		EnqueuedAtMS: now.UnixMilli(),
	}
	if err := q.push(ctx, item, compositeScore(item.Priority, item.EnqueuedAtMS)); err != nil {
		return "", err
	}
	return item.ID, nil
}

// PriorityEnqueue re-enters a retried item at the front of the queue. The
// item keeps its ID and original enqueue time.
func (q *RedisQueue) PriorityEnqueue(ctx context.Context, item core.RequestItem) error {
	if item.ID == "" {
		return fmt.Errorf("queue: retry item requires an id")
	}
	if item.EnqueuedAtMS == 0 {
		item.EnqueuedAtMS = q.now().UnixMilli()
	}
	return q.push(ctx, item, retryScore(item.EnqueuedAtMS))
}

// ReconcileEnqueue re-inserts an item drained from the in-memory fallback.
func (q *RedisQueue) ReconcileEnqueue(ctx context.Context, item core.RequestItem) error {
	if item.EnqueuedAtMS == 0 {
		item.EnqueuedAtMS = q.now().UnixMilli()
	}
	return q.push(ctx, item, reconcileScore(item.Priority, item.EnqueuedAtMS))
}

func (q *RedisQueue) push(ctx context.Context, item core.RequestItem, score float64) error {
	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: encode item: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.cfg.QueueKey, redis.Z{Score: score, Member: string(encoded)}).Err(); err != nil {
		return fmt.Errorf("%w: zadd: %v", ErrUnavailable, err)
	}
	return nil
}

// Dequeue pops the lowest scored item, or nil when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (*core.RequestItem, error) {
	popped, err := q.client.ZPopMin(ctx, q.cfg.QueueKey, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: zpopmin: %v", ErrUnavailable, err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	raw, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("queue: unexpected member type %T", popped[0].Member)
	}
	var item core.RequestItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		q.logger.Error("dropping undecodable queue item", "error", err)
		return nil, fmt.Errorf("queue: decode item: %w", err)
	}
	return &item, nil
}

func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.ZCard(ctx, q.cfg.QueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: zcard: %v", ErrUnavailable, err)
	}
	return int(length), nil
}

// StoreResponse publishes the terminal envelope exactly once. A later write
// for the same ID is a no-op, the first writer wins.
func (q *RedisQueue) StoreResponse(ctx context.Context, id string, envelope core.ResponseEnvelope) error {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("queue: encode response: %w", err)
	}
	stored, err := q.client.SetNX(ctx, q.responseKey(id), string(encoded), q.cfg.ResponseExpiry).Result()
	if err != nil {
		return fmt.Errorf("%w: setnx: %v", ErrUnavailable, err)
	}
	if !stored {
		q.logger.Info("response already published, keeping first write", "request_id", id)
	}
	return nil
}

func (q *RedisQueue) GetResponse(ctx context.Context, id string) (*core.ResponseEnvelope, error) {
	raw, err := q.client.Get(ctx, q.responseKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	var envelope core.ResponseEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("queue: decode response: %w", err)
	}
	return &envelope, nil
}

func (q *RedisQueue) responseKey(id string) string {
	return q.cfg.ResponsePrefix + id
}

func (q *RedisQueue) now() time.Time {
	if q != nil && q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

// clampPriority floors at 1 so a fresh enqueue can never score into the
// retry band.
func clampPriority(priority int) int {
	if priority < 1 {
		return 1
	}
	if priority > 100 {
		return 100
	}
	return priority
}

var _ PersistentQueue = (*RedisQueue)(nil)
