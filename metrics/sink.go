package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-llm-gateway/core"
)

const pruneInterval = time.Hour

type requestLog struct {
	at           time.Time
	provider     string
	requestID    string
	model        string
	messageCount int
}

type responseLog struct {
	at       time.Time
	provider string
	success  bool
	duration time.Duration
	usage    core.Usage
	cost     float64
}

// Sink keeps a sliding window of request and response records and derives
// the reporting surface from it. Entries older than the window are pruned
// hourly and lazily on every report.
type Sink struct {
	mu        sync.Mutex
	enabled   bool
	window    time.Duration
	requests  []requestLog
	responses []responseLog
	recorder  core.MetricsRecorder

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger core.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, delay time.Duration) error
}

type Option func(*Sink)

func WithLogger(logger core.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

func WithRecorder(recorder core.MetricsRecorder) Option {
	return func(s *Sink) {
		s.recorder = recorder
	}
}

func NewSink(cfg core.MetricsConfig, options ...Option) *Sink {
	window := cfg.Window()
	if window <= 0 {
		window = 24 * time.Hour
	}
	sink := &Sink{
		enabled:  cfg.Enabled,
		window:   window,
		recorder: core.NopMetricsRecorder{},
		Now:      func() time.Time { return time.Now().UTC() },
		Sleep:    waitWithContext,
	}
	for _, option := range options {
		if option != nil {
			option(sink)
		}
	}
	_, sink.logger = glog.Resolve("metrics", nil, sink.logger)
	return sink
}

func (s *Sink) Start(ctx context.Context) {
	if !s.enabled {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if err := s.sleep(runCtx, pruneInterval); err != nil {
				return
			}
			s.prune(s.now())
		}
	}()
}

func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sink) RecordRequest(provider string, requestID string, model string, messageCount int) {
	if !s.enabled {
		return
	}
	now := s.now()
	s.mu.Lock()
	s.requests = append(s.requests, requestLog{
		at:           now,
		provider:     provider,
		requestID:    requestID,
		model:        model,
		messageCount: messageCount,
	})
	s.mu.Unlock()
	s.recorder.IncCounter(context.Background(), "gateway_requests_total", 1, map[string]string{"provider": provider})
}

func (s *Sink) RecordResponse(provider string, requestID string, success bool, duration time.Duration, usage *core.Usage, cost float64) {
	if !s.enabled {
		return
	}
	now := s.now()
	entry := responseLog{
		at:       now,
		provider: provider,
		success:  success,
		duration: duration,
		cost:     cost,
	}
	if usage != nil {
		entry.usage = *usage
	}
	s.mu.Lock()
	s.responses = append(s.responses, entry)
	s.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	ctx := context.Background()
	s.recorder.IncCounter(ctx, "gateway_responses_total", 1, map[string]string{"provider": provider, "outcome": outcome})
	s.recorder.ObserveHistogram(ctx, "gateway_request_duration_seconds", duration.Seconds(), map[string]string{"provider": provider})
	if usage != nil && usage.TotalTokens > 0 {
		s.recorder.IncCounter(ctx, "gateway_tokens_total", int64(usage.TotalTokens), map[string]string{"provider": provider})
	}
}

type ProviderMetrics struct {
	TotalRequests     int            `json:"total_requests"`
	Successful        int            `json:"successful"`
	Failed            int            `json:"failed"`
	SuccessRate       float64        `json:"success_rate"`
	AvgResponseTimeMS float64        `json:"avg_response_time_ms"`
	PromptTokens      int            `json:"prompt_tokens"`
	CompletionTokens  int            `json:"completion_tokens"`
	TotalTokens       int            `json:"total_tokens"`
	TotalCost         float64        `json:"total_cost"`
	HourlyRequests    map[string]int `json:"hourly_requests,omitempty"`
}

type Report struct {
	Enabled        bool                       `json:"enabled"`
	WindowHours    float64                    `json:"window_hours"`
	Overall        ProviderMetrics            `json:"overall"`
	FailoverEvents int                        `json:"failover_events"`
	Providers      map[string]ProviderMetrics `json:"providers"`
}

// Report aggregates the full current window across all providers.
func (s *Sink) Report() Report {
	return s.ReportFiltered("", 0)
}

// ReportFiltered narrows the report to one provider and/or a window shorter
// than the retention window. Failover events are counted as provider changes
// between consecutive responses and only appear in the aggregate view.
func (s *Sink) ReportFiltered(provider string, window time.Duration) Report {
	now := s.now()
	s.prune(now)

	if window <= 0 || window > s.window {
		window = s.window
	}
	cutoff := now.Add(-window)

	s.mu.Lock()
	responses := append([]responseLog(nil), s.responses...)
	requests := append([]requestLog(nil), s.requests...)
	s.mu.Unlock()

	report := Report{
		Enabled:     s.enabled,
		WindowHours: window.Hours(),
		Providers:   map[string]ProviderMetrics{},
	}

	perProvider := map[string]*providerAccumulator{}
	overall := &providerAccumulator{}
	previousProvider := ""
	for _, entry := range responses {
		if !entry.at.After(cutoff) {
			continue
		}
		if provider == "" {
			if previousProvider != "" && entry.provider != previousProvider {
				report.FailoverEvents++
			}
			previousProvider = entry.provider
		} else if entry.provider != provider {
			continue
		}

		overall.add(entry)
		accumulator, ok := perProvider[entry.provider]
		if !ok {
			accumulator = &providerAccumulator{}
			perProvider[entry.provider] = accumulator
		}
		accumulator.add(entry)
	}

	overallHourly := map[string]int{}
	perProviderHourly := map[string]map[string]int{}
	for _, entry := range requests {
		if !entry.at.After(cutoff) {
			continue
		}
		if provider != "" && entry.provider != provider {
			continue
		}
		hour := entry.at.Format("2006-01-02T15")
		overallHourly[hour]++
		hourly, ok := perProviderHourly[entry.provider]
		if !ok {
			hourly = map[string]int{}
			perProviderHourly[entry.provider] = hourly
		}
		hourly[hour]++
	}

	report.Overall = overall.metrics()
	report.Overall.HourlyRequests = overallHourly
	names := make([]string, 0, len(perProvider))
	for name := range perProvider {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		providerMetrics := perProvider[name].metrics()
		providerMetrics.HourlyRequests = perProviderHourly[name]
		report.Providers[name] = providerMetrics
	}
	return report
}

type providerAccumulator struct {
	total      int
	successful int
	durationMS float64
	usage      core.Usage
	cost       float64
}

func (a *providerAccumulator) add(entry responseLog) {
	a.total++
	if entry.success {
		a.successful++
	}
	a.durationMS += float64(entry.duration.Milliseconds())
	a.usage.PromptTokens += entry.usage.PromptTokens
	a.usage.CompletionTokens += entry.usage.CompletionTokens
	a.usage.TotalTokens += entry.usage.TotalTokens
	a.cost += entry.cost
}

func (a *providerAccumulator) metrics() ProviderMetrics {
	metrics := ProviderMetrics{
		TotalRequests:    a.total,
		Successful:       a.successful,
		Failed:           a.total - a.successful,
		PromptTokens:     a.usage.PromptTokens,
		CompletionTokens: a.usage.CompletionTokens,
		TotalTokens:      a.usage.TotalTokens,
		TotalCost:        a.cost,
	}
	if a.total > 0 {
		metrics.SuccessRate = float64(a.successful) / float64(a.total)
		metrics.AvgResponseTimeMS = a.durationMS / float64(a.total)
	}
	return metrics
}

func (s *Sink) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = pruneRequests(s.requests, cutoff)
	s.responses = pruneResponses(s.responses, cutoff)
}

func pruneRequests(entries []requestLog, cutoff time.Time) []requestLog {
	kept := entries[:0]
	for _, entry := range entries {
		if entry.at.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	return kept
}

func pruneResponses(entries []responseLog, cutoff time.Time) []responseLog {
	kept := entries[:0]
	for _, entry := range entries {
		if entry.at.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	return kept
}

func (s *Sink) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Sink) sleep(ctx context.Context, delay time.Duration) error {
	if s != nil && s.Sleep != nil {
		return s.Sleep(ctx, delay)
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

var _ core.RequestSink = (*Sink)(nil)
