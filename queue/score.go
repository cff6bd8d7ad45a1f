package queue

// Score bands for the sorted set backing the queue. Lower scores dequeue
// first.
//
//	retry band:     enqueued_at_ms alone, always below any normal composite
//	                because normal priorities floor at 1
//	normal band:    priority*10^13 + enqueued_at_ms
//	reconcile band: 10^14 + normal composite, keeps drained items from
//	                starving fresh high-priority traffic
const (
	priorityBandUnit  = 1e13
	reconcileBandBase = 1e14
)

func compositeScore(priority int, enqueuedAtMS int64) float64 {
	priority = clampPriority(priority)
	return float64(priority)*priorityBandUnit + float64(enqueuedAtMS)
}

func retryScore(enqueuedAtMS int64) float64 {
	return float64(enqueuedAtMS)
}

func reconcileScore(priority int, enqueuedAtMS int64) float64 {
	return reconcileBandBase + compositeScore(priority, enqueuedAtMS)
}
