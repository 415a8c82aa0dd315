package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/mafdemo/workflow-go/config"
	"github.com/mafdemo/workflow-go/graph"
	"github.com/mafdemo/workflow-go/graph/emit"
	"github.com/mafdemo/workflow-go/graph/store"
)

// app holds everything a demo command needs, built from the configuration.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       store.Store
	checkpoints *graph.CheckpointManager
	metrics     *graph.PrometheusMetrics
	registry    *prometheus.Registry
	emitter     emit.Emitter

	tracer *sdktrace.TracerProvider
	server *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, events io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.checkpoints = graph.NewCheckpointManager(st, logger)
	logger.Info("checkpoint store ready", zap.String("driver", cfg.Store.Driver))

	a.registry.MustRegister(collectors.NewGoCollector())
	a.metrics = graph.NewPrometheusMetrics(a.registry)

	emitters := []emit.Emitter{}
	switch cfg.Log.Events {
	case "text":
		emitters = append(emitters, emit.NewLogEmitter(events, false))
	case "json":
		emitters = append(emitters, emit.NewLogEmitter(events, true))
	case "zap":
		emitters = append(emitters, emit.NewZapEmitter(logger))
	}

	if cfg.Tracing.Enabled {
		tp, err := newTracerProvider(ctx, cfg.Tracing)
		if err != nil {
			_ = a.store.Close()
			return nil, err
		}
		a.tracer = tp
		otel.SetTracerProvider(tp)
		emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("workflowdemo")))
		logger.Info("tracing enabled", zap.String("endpoint", cfg.Tracing.Endpoint))
	}
	a.emitter = emit.Multi(emitters...)

	if cfg.Metrics.Enabled {
		a.serveMetrics()
	}
	return a, nil
}

// engine builds an engine from the configuration. Checkpointing is enabled
// when configured or when the caller requires it.
func (a *app) engine(requireCheckpoints bool) (*graph.Engine, error) {
	opts := append(a.cfg.EngineOptions(),
		graph.WithLogger(a.logger),
		graph.WithMetrics(a.metrics),
		graph.WithEmitter(a.emitter),
	)
	if a.cfg.Engine.Checkpointing || requireCheckpoints {
		opts = append(opts, graph.WithCheckpointing(a.checkpoints))
	}
	return graph.New(opts...)
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", a.cfg.Metrics.Addr))
}

// close releases the store, stops the metrics server and flushes traces.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLitePath)
	case "mysql":
		return store.NewMySQLStore(cfg.MySQLDSN)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st := store.NewRedisStore(client, store.WithRedisPrefix(cfg.Redis.Prefix), store.WithRedisTTL(cfg.Redis.TTL))
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newTracerProvider(ctx context.Context, cfg config.TracingConfig) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
