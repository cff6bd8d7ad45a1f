package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-llm-gateway/core"
	"github.com/goliatone/go-llm-gateway/dispatch"
	"github.com/goliatone/go-llm-gateway/failover"
	"github.com/goliatone/go-llm-gateway/health"
	"github.com/goliatone/go-llm-gateway/keys"
	"github.com/goliatone/go-llm-gateway/metrics"
	"github.com/goliatone/go-llm-gateway/providers"
	"github.com/goliatone/go-llm-gateway/queue"
	"github.com/goliatone/go-llm-gateway/ratelimit"
	"github.com/goliatone/go-llm-gateway/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := core.LoadConfig(ctx, nil, core.Config{})
	if err != nil {
		return err
	}

	_, logger := glog.Resolve("gateway", nil, nil)

	keyManager := keys.NewManager(cfg.RateLimit.RPS, keys.WithLogger(logger))
	keyManager.SetKeys("grok", cfg.Providers.GrokAPIKeys)
	keyManager.SetKeys("openai", cfg.Providers.OpenAIAPIKeys)

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr(),
		DB:   cfg.Redis.DB,
	})
	defer redisClient.Close()

	redisQueue := queue.NewRedisQueue(redisClient, queue.RedisQueueConfig{
		QueueKey:       cfg.Redis.QueueKey,
		ResponsePrefix: cfg.Redis.ResponsePrefix,
		ResponseExpiry: cfg.Redis.ResponseExpiry(),
	}, queue.WithRedisLogger(logger))
	gatewayQueue := queue.NewDegradingQueue(redisQueue, queue.NewMemoryQueue(cfg.Redis.ResponseExpiry()), queue.WithDegradeLogger(logger))
	defer gatewayQueue.Close()

	registry := providers.NewRegistry()
	if err := registry.Register(providers.NewGrokAdapter(cfg, keyManager, logger)); err != nil {
		return err
	}
	if err := registry.Register(providers.NewOpenAIAdapter(cfg, keyManager, logger)); err != nil {
		return err
	}

	all := cfg.AllProviders()
	failoverManager := failover.NewManager(cfg.Failover, all[0], all[1:], failover.WithLogger(logger))

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewSink(cfg.Metrics,
		metrics.WithRecorder(metrics.NewPromRecorder(promRegistry)),
		metrics.WithLogger(logger),
	)
	calculator := metrics.NewCalculator(cfg.Costs)

	limiter := ratelimit.NewTokenBucket(cfg.RateLimit.RPS)

	checker := health.NewChecker(cfg.Health, cfg.Failover.RecoveryTime(), failoverManager, registry, health.WithLogger(logger))
	dispatcher := dispatch.New(dispatch.Config{
		Queue:    gatewayQueue,
		Registry: registry,
		Failover: failoverManager,
		Limiter:  limiter,
		Sink:     sink,
		Costs:    calculator,
		Logger:   logger,
	})

	sink.Start(ctx)
	defer sink.Stop()
	checker.Start(ctx)
	defer checker.Stop()
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	httpServer := server.New(server.Config{
		Server:      cfg.Server,
		RPS:         cfg.RateLimit.RPS,
		Queue:       gatewayQueue,
		Registry:    registry,
		Failover:    failoverManager,
		Keys:        keyManager,
		Metrics:     sink,
		Degraded:    gatewayQueue.Degraded,
		PromHandler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Logger:      logger,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Start(ctx)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
