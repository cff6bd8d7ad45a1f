package metrics

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-llm-gateway/core"
)

// PromRecorder bridges the MetricsRecorder contract onto Prometheus vectors.
// Vectors are registered lazily on first use; a metric name must keep the
// same tag keys for the process lifetime.
type PromRecorder struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPromRecorder(registerer prometheus.Registerer) *PromRecorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PromRecorder{
		registerer: registerer,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func (r *PromRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if value <= 0 {
		return
	}
	tags = core.CloneTags(tags)
	vec := r.counterVec(name, tagKeys(tags))
	if vec == nil {
		return
	}
	vec.With(prometheus.Labels(tags)).Add(float64(value))
}

func (r *PromRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	tags = core.CloneTags(tags)
	vec := r.histogramVec(name, tagKeys(tags))
	if vec == nil {
		return
	}
	vec.With(prometheus.Labels(tags)).Observe(value)
}

func (r *PromRecorder) counterVec(name string, keys []string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
	if err := r.registerer.Register(vec); err != nil {
		return nil
	}
	r.counters[name] = vec
	return vec
}

func (r *PromRecorder) histogramVec(name string, keys []string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Buckets: prometheus.DefBuckets,
	}, keys)
	if err := r.registerer.Register(vec); err != nil {
		return nil
	}
	r.histograms[name] = vec
	return vec
}

func tagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var _ core.MetricsRecorder = (*PromRecorder)(nil)
