package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-llm-gateway/core"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	queue := NewRedisQueue(client, RedisQueueConfig{
		QueueKey:       "test_queue",
		ResponsePrefix: "response:",
		ResponseExpiry: time.Hour,
	})
	return queue, server
}

func chatRequest(content string) core.ChatRequest {
	return core.ChatRequest{
		Model:    "grok-3-mini",
		Messages: []core.ChatMessage{{Role: "user", Content: content}},
	}
}

func TestRedisQueue_PriorityOrdering(t *testing.T) {
	queue, _ := newTestRedisQueue(t)
	ctx := context.Background()

	lowID, err := queue.Enqueue(ctx, chatRequest("low"), 90)
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	highID, err := queue.Enqueue(ctx, chatRequest("high"), 10)
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	first, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue first: %v", err)
	}
	if first == nil || first.ID != highID {
		t.Fatalf("expected high priority item first, got %+v", first)
	}
	second, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue second: %v", err)
	}
	if second == nil || second.ID != lowID {
		t.Fatalf("expected low priority item second, got %+v", second)
	}
}

func TestRedisQueue_FIFOWithinPriority(t *testing.T) {
	queue, _ := newTestRedisQueue(t)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0).UTC()
	stamps := []time.Time{base, base.Add(time.Millisecond), base.Add(2 * time.Millisecond)}
	index := 0
	queue.Now = func() time.Time {
		stamp := stamps[index%len(stamps)]
		index++
		return stamp
	}

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := queue.Enqueue(ctx, chatRequest("same"), 50)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	for i, expected := range ids {
		item, err := queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if item == nil || item.ID != expected {
			t.Fatalf("position %d: expected %s, got %+v", i, expected, item)
		}
	}
}

func TestRedisQueue_RetryBandBeatsNormalBand(t *testing.T) {
	queue, _ := newTestRedisQueue(t)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, chatRequest("fresh urgent"), 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	retry := core.RequestItem{
		ID:           "req_1_retry",
		Payload:      chatRequest("retry"),
		Priority:     80,
		EnqueuedAtMS: time.Now().UTC().UnixMilli(),
		RetryCount:   1,
	}
	if err := queue.PriorityEnqueue(ctx, retry); err != nil {
		t.Fatalf("priority enqueue: %v", err)
	}

	item, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item == nil || item.ID != "req_1_retry" {
		t.Fatalf("expected retry item first, got %+v", item)
	}
}

func TestRedisQueue_ReconcileBandSortsAfterRetry(t *testing.T) {
	queue, _ := newTestRedisQueue(t)
	ctx := context.Background()
	nowMS := time.Now().UTC().UnixMilli()

	reconciled := core.RequestItem{ID: "req_1_rec", Payload: chatRequest("drained"), Priority: 0, EnqueuedAtMS: nowMS}
	if err := queue.ReconcileEnqueue(ctx, reconciled); err != nil {
		t.Fatalf("reconcile enqueue: %v", err)
	}
	retry := core.RequestItem{ID: "req_1_retry", Payload: chatRequest("retry"), Priority: 0, EnqueuedAtMS: nowMS}
	if err := queue.PriorityEnqueue(ctx, retry); err != nil {
		t.Fatalf("priority enqueue: %v", err)
	}

	first, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if first == nil || first.ID != "req_1_retry" {
		t.Fatalf("expected retry before reconciled, got %+v", first)
	}
}

func TestRedisQueue_DequeueEmptyReturnsNil(t *testing.T) {
	queue, _ := newTestRedisQueue(t)

	item, err := queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func TestRedisQueue_Length(t *testing.T) {
	queue, _ := newTestRedisQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := queue.Enqueue(ctx, chatRequest("n"), 50); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	length, err := queue.Length(ctx)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if length != 3 {
		t.Fatalf("expected length 3, got %d", length)
	}
}

func TestRedisQueue_StoreResponseFirstWriteWins(t *testing.T) {
	queue, server := newTestRedisQueue(t)
	ctx := context.Background()

	first := core.ResponseEnvelope{Status: core.StatusCompleted, Content: "first"}
	if err := queue.StoreResponse(ctx, "req_1", first); err != nil {
		t.Fatalf("store first: %v", err)
	}
	second := core.ResponseEnvelope{Status: core.StatusError}
	if err := queue.StoreResponse(ctx, "req_1", second); err != nil {
		t.Fatalf("store second: %v", err)
	}

	stored, err := queue.GetResponse(ctx, "req_1")
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if stored == nil || stored.Content != "first" {
		t.Fatalf("expected first write to win, got %+v", stored)
	}
	if ttl := server.TTL("response:req_1"); ttl != time.Hour {
		t.Fatalf("expected one hour ttl, got %s", ttl)
	}
}

func TestRedisQueue_GetResponseMissing(t *testing.T) {
	queue, _ := newTestRedisQueue(t)

	stored, err := queue.GetResponse(context.Background(), "req_missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if stored != nil {
		t.Fatalf("expected nil for missing response, got %+v", stored)
	}
}
