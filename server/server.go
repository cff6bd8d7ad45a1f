package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-llm-gateway/core"
	"github.com/goliatone/go-llm-gateway/keys"
	"github.com/goliatone/go-llm-gateway/metrics"
	"github.com/goliatone/go-llm-gateway/providers"
)

// FailoverAdmin is the control surface the HTTP layer exposes over the
// failover manager.
type FailoverAdmin interface {
	Current() string
	Status() core.FailoverStatus
	ForceSwitch(provider string) error
	ResetProvider(provider string) error
}

type KeyAdmin interface {
	AddKey(provider string, key string) error
	RemoveKey(provider string, key string) error
	Stats() map[string]keys.ProviderStats
}

type MetricsReporter interface {
	Report() metrics.Report
	ReportFiltered(provider string, window time.Duration) metrics.Report
}

// adapterStats is satisfied by adapters that track per-provider traffic
// counters; others are skipped in the stats views.
type adapterStats interface {
	Stats() providers.Stats
}

type Config struct {
	Server core.ServerConfig
	RPS    int

	Queue       core.Queue
	Registry    core.AdapterRegistry
	Failover    FailoverAdmin
	Keys        KeyAdmin
	Metrics     MetricsReporter
	Degraded    func() bool
	PromHandler http.Handler
	Logger      core.Logger
}

type Server struct {
	cfg         core.ServerConfig
	rps         int
	queue       core.Queue
	registry    core.AdapterRegistry
	failover    FailoverAdmin
	keys        KeyAdmin
	metrics     MetricsReporter
	degraded    func() bool
	promHandler http.Handler

	httpServer *http.Server
	logger     core.Logger
}

func New(cfg Config) *Server {
	server := &Server{
		cfg:         cfg.Server,
		rps:         cfg.RPS,
		queue:       cfg.Queue,
		registry:    cfg.Registry,
		failover:    cfg.Failover,
		keys:        cfg.Keys,
		metrics:     cfg.Metrics,
		degraded:    cfg.Degraded,
		promHandler: cfg.PromHandler,
	}
	_, server.logger = glog.Resolve("server", nil, cfg.Logger)
	if server.rps <= 0 {
		server.rps = 1
	}
	if server.degraded == nil {
		server.degraded = func() bool { return false }
	}
	if server.promHandler == nil {
		server.promHandler = promhttp.Handler()
	}
	return server
}

func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/metrics", s.promHandler.ServeHTTP)

	router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(protected chi.Router) {
			protected.Use(s.requireBearer)
			protected.Post("/chat/completions", s.handleEnqueue)
			protected.Get("/requests/{requestID}", s.handleGetResponse)
			protected.Get("/models", s.handleModels)
			protected.Get("/stats", s.handleStats)
			protected.Get("/metrics", s.handleMetrics)
			protected.Get("/providers", s.handleProviders)
			protected.Get("/system/status", s.handleSystemStatus)
			protected.Post("/system/force-failover/{provider}", s.handleForceFailover)
			protected.Post("/system/reset-provider/{provider}", s.handleResetProvider)
			protected.Get("/keys", s.handleKeyStats)
			protected.Post("/keys", s.handleKeyAdd)
			protected.Delete("/keys", s.handleKeyRemove)
		})
	})

	return router
}

func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("http server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.APIKey)) != 1 {
			s.respondError(w, goerrors.New("invalid or missing bearer token", goerrors.CategoryAuth).
				WithTextCode(core.GatewayErrorUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type completionRequest struct {
	core.ChatRequest
	Priority *int `json:"priority,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, goerrors.New("invalid request body", goerrors.CategoryBadInput).
			WithTextCode(core.GatewayErrorBadInput))
		return
	}
	if err := validateCompletion(body); err != nil {
		s.respondError(w, err)
		return
	}

	priority := 10
	if body.Priority != nil {
		priority = *body.Priority
	}
	id, err := s.queue.Enqueue(r.Context(), body.ChatRequest, priority)
	if err != nil {
		s.respondError(w, err)
		return
	}

	length, lengthErr := s.queue.Length(r.Context())
	if lengthErr != nil {
		length = 0
	}
	estimated := length / s.rps
	if estimated < 1 {
		estimated = 1
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"request_id":     id,
		"status":         core.StatusQueued,
		"queue_position": length,
		"estimated_time": estimated,
	})
}

func validateCompletion(body completionRequest) *goerrors.Error {
	if len(body.Messages) == 0 {
		return goerrors.New("messages is required", goerrors.CategoryBadInput).
			WithTextCode(core.GatewayErrorBadInput)
	}
	for i, message := range body.Messages {
		if strings.TrimSpace(message.Role) == "" || strings.TrimSpace(message.Content) == "" {
			return goerrors.New(fmt.Sprintf("messages[%d] requires role and content", i), goerrors.CategoryBadInput).
				WithTextCode(core.GatewayErrorBadInput)
		}
	}
	if body.Priority != nil && (*body.Priority < 0 || *body.Priority > 100) {
		return goerrors.New("priority must be between 0 and 100", goerrors.CategoryBadInput).
			WithTextCode(core.GatewayErrorBadInput)
	}
	if body.ResponseFormat != "" && body.ResponseFormat != "json_object" {
		return goerrors.New("response_format must be json_object when set", goerrors.CategoryBadInput).
			WithTextCode(core.GatewayErrorBadInput)
	}
	return nil
}

func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	envelope, err := s.queue.GetResponse(r.Context(), requestID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if envelope == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"request_id": requestID,
			"status":     core.StatusPending,
		})
		return
	}
	s.respondJSON(w, http.StatusOK, envelope)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	provider := s.failover.Current()
	adapter, ok := s.registry.Get(provider)
	if !ok {
		s.respondError(w, goerrors.New(fmt.Sprintf("provider %q not registered", provider), goerrors.CategoryNotFound).
			WithTextCode(core.GatewayErrorProviderNotFound))
		return
	}
	models, err := adapter.ListModels(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	data := make([]map[string]any, 0, len(models))
	for _, model := range models {
		data = append(data, map[string]any{
			"id":       model,
			"object":   "model",
			"owned_by": provider,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	length, err := s.queue.Length(r.Context())
	if err != nil {
		length = -1
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"provider":       s.failover.Current(),
		"queue_length":   length,
		"queue_degraded": s.degraded(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	window := time.Duration(0)
	if hours := strings.TrimSpace(r.URL.Query().Get("window_hours")); hours != "" {
		parsed, err := strconv.Atoi(hours)
		if err != nil || parsed <= 0 {
			s.respondError(w, goerrors.New("window_hours must be a positive integer", goerrors.CategoryBadInput).
				WithTextCode(core.GatewayErrorBadInput))
			return
		}
		window = time.Duration(parsed) * time.Hour
	}
	s.respondJSON(w, http.StatusOK, s.metrics.ReportFiltered(provider, window))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	length, err := s.queue.Length(r.Context())
	if err != nil {
		length = -1
	}

	keyStats := s.keys.Stats()
	if provider != "" {
		filtered := map[string]keys.ProviderStats{}
		if stats, ok := keyStats[provider]; ok {
			filtered[provider] = stats
		}
		keyStats = filtered
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"usage_stats":          s.metrics.ReportFiltered(provider, 0),
		"current_queue_length": length,
		"api_keys":             keyStats,
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	length, err := s.queue.Length(r.Context())
	if err != nil {
		length = -1
	}

	llmStats := map[string]providers.Stats{}
	for _, adapter := range s.registry.List() {
		if provider != "" && adapter.Name() != provider {
			continue
		}
		if tracked, ok := adapter.(adapterStats); ok {
			llmStats[adapter.Name()] = tracked.Stats()
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"queue_status": map[string]any{
			"length":   length,
			"degraded": s.degraded(),
		},
		"llm_stats":       llmStats,
		"failover_status": s.failover.Status(),
		"metrics":         s.metrics.ReportFiltered(provider, 0),
	})
}

func (s *Server) handleForceFailover(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimSpace(chi.URLParam(r, "provider"))
	if provider == "" {
		s.respondError(w, goerrors.New("provider is required", goerrors.CategoryBadInput).
			WithTextCode(core.GatewayErrorBadInput))
		return
	}
	previous := s.failover.Current()
	if err := s.failover.ForceSwitch(provider); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"previous_provider": previous,
		"current_provider":  s.failover.Current(),
	})
}

func (s *Server) handleResetProvider(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimSpace(chi.URLParam(r, "provider"))
	if provider == "" {
		s.respondError(w, goerrors.New("provider is required", goerrors.CategoryBadInput).
			WithTextCode(core.GatewayErrorBadInput))
		return
	}
	if err := s.failover.ResetProvider(provider); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"provider_status": s.failover.Status().ProviderStatuses[provider],
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	status := s.failover.Status()
	all := append([]string{status.PrimaryProvider}, status.FailoverProviders...)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"providers":        all,
		"current_provider": status.CurrentProvider,
		"primary_provider": status.PrimaryProvider,
	})
}

type keyBody struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

func (s *Server) handleKeyStats(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.keys.Stats())
}

func (s *Server) handleKeyAdd(w http.ResponseWriter, r *http.Request) {
	var body keyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Provider == "" || body.Key == "" {
		s.respondError(w, goerrors.New("provider and key are required", goerrors.CategoryBadInput).
			WithTextCode(core.GatewayErrorBadInput))
		return
	}
	if err := s.keys.AddKey(body.Provider, body.Key); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"provider": body.Provider,
		"key":      keys.Mask(body.Key),
	})
}

func (s *Server) handleKeyRemove(w http.ResponseWriter, r *http.Request) {
	var body keyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Provider == "" || body.Key == "" {
		s.respondError(w, goerrors.New("provider and key are required", goerrors.CategoryBadInput).
			WithTextCode(core.GatewayErrorBadInput))
		return
	}
	if err := s.keys.RemoveKey(body.Provider, body.Key); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	mapped := core.MapError(err)
	body := map[string]any{
		"error": map[string]any{
			"message":   mapped.Message,
			"category":  mapped.Category,
			"text_code": mapped.TextCode,
		},
	}
	if len(mapped.Metadata) > 0 {
		body["error"].(map[string]any)["metadata"] = mapped.Metadata
	}
	s.respondJSON(w, mapped.Code, body)
}
