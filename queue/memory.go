package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-llm-gateway/core"
)

type memoryEntry struct {
	item  core.RequestItem
	score float64
	seq   uint64
}

type memoryHeap []memoryEntry

func (h memoryHeap) Len() int { return len(h) }

func (h memoryHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h memoryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *memoryHeap) Push(x any) { *h = append(*h, x.(memoryEntry)) }

func (h *memoryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

type storedResponse struct {
	envelope  core.ResponseEnvelope
	expiresAt time.Time
}

// MemoryQueue is the degraded-mode fallback with the same ordering semantics
// as the persistent queue. Contents do not survive a process restart.
type MemoryQueue struct {
	mu        sync.Mutex
	entries   memoryHeap
	responses map[string]storedResponse
	seq       uint64
	expiry    time.Duration

	Now func() time.Time
}

func NewMemoryQueue(responseExpiry time.Duration) *MemoryQueue {
	if responseExpiry <= 0 {
		responseExpiry = time.Hour
	}
	return &MemoryQueue{
		responses: map[string]storedResponse{},
		expiry:    responseExpiry,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, payload core.ChatRequest, priority int) (string, error) {
	now := q.now()
	item := core.RequestItem{
		ID:           core.NewRequestID(now),
		Payload:      payload,
		Priority:     clampPriority(priority),
		EnqueuedAtMS: now.UnixMilli(),
	}
	q.pushEntry(item, compositeScore(item.Priority, item.EnqueuedAtMS))
	return item.ID, nil
}

func (q *MemoryQueue) PriorityEnqueue(_ context.Context, item core.RequestItem) error {
	if item.EnqueuedAtMS == 0 {
		item.EnqueuedAtMS = q.now().UnixMilli()
	}
	q.pushEntry(item, retryScore(item.EnqueuedAtMS))
	return nil
}

func (q *MemoryQueue) pushEntry(item core.RequestItem, score float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.entries, memoryEntry{item: item, score: score, seq: q.seq})
}

func (q *MemoryQueue) Dequeue(context.Context) (*core.RequestItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries.Len() == 0 {
		return nil, nil
	}
	entry := heap.Pop(&q.entries).(memoryEntry)
	return &entry.item, nil
}

func (q *MemoryQueue) Length(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len(), nil
}

func (q *MemoryQueue) StoreResponse(_ context.Context, id string, envelope core.ResponseEnvelope) error {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.responses[id]; ok && now.Before(existing.expiresAt) {
		return nil
	}
	q.responses[id] = storedResponse{envelope: envelope, expiresAt: now.Add(q.expiry)}
	return nil
}

func (q *MemoryQueue) GetResponse(_ context.Context, id string) (*core.ResponseEnvelope, error) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.responses[id]
	if !ok {
		return nil, nil
	}
	if !now.Before(stored.expiresAt) {
		delete(q.responses, id)
		return nil, nil
	}
	envelope := stored.envelope
	return &envelope, nil
}

// Requeue re-adds an item in its normal priority band, used when a drain
// into the persistent queue fails partway.
func (q *MemoryQueue) Requeue(item core.RequestItem) {
	if item.EnqueuedAtMS == 0 {
		item.EnqueuedAtMS = q.now().UnixMilli()
	}
	q.pushEntry(item, compositeScore(item.Priority, item.EnqueuedAtMS))
}

// Drain removes and returns every queued item in dequeue order, for
// reconciliation back into the persistent queue.
func (q *MemoryQueue) Drain() []core.RequestItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]core.RequestItem, 0, q.entries.Len())
	for q.entries.Len() > 0 {
		entry := heap.Pop(&q.entries).(memoryEntry)
		drained = append(drained, entry.item)
	}
	return drained
}

// Pending counts queued items plus buffered responses, for the reconciler's
// drain-complete check.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len() + len(q.responses)
}

// DrainResponses removes and returns unexpired response envelopes.
func (q *MemoryQueue) DrainResponses() map[string]core.ResponseEnvelope {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make(map[string]core.ResponseEnvelope, len(q.responses))
	for id, stored := range q.responses {
		if now.Before(stored.expiresAt) {
			drained[id] = stored.envelope
		}
		delete(q.responses, id)
	}
	return drained
}

func (q *MemoryQueue) now() time.Time {
	if q != nil && q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.Queue = (*MemoryQueue)(nil)
