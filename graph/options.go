package graph

import (
	"time"

	"go.uber.org/zap"

	"github.com/mafdemo/workflow-go/graph/emit"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(
//		graph.WithMaxSteps(100),
//		graph.WithMaxConcurrent(4),
//		graph.WithCheckpointing(graph.NewCheckpointManager(store.NewMemStore(), logger)),
//		graph.WithLogger(logger),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

// Options configures engine execution behavior.
type Options struct {
	// MaxSteps limits the number of supersteps per run. Zero means unlimited.
	MaxSteps int

	// MaxConcurrentExecutors bounds how many executors run at once within a
	// superstep. Zero means one goroutine per target executor.
	MaxConcurrentExecutors int

	// ExecutorTimeout bounds each handler invocation. Zero means no timeout.
	ExecutorTimeout time.Duration

	// Checkpoints, when set, saves a checkpoint after every superstep.
	Checkpoints *CheckpointManager

	Emitter emit.Emitter
	Metrics *PrometheusMetrics
	Logger  *zap.Logger
}

// WithMaxSteps limits the number of supersteps per run.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "max steps cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxSteps = n
		return nil
	}
}

// WithMaxConcurrent bounds executor parallelism within a superstep.
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "max concurrent executors cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxConcurrentExecutors = n
		return nil
	}
}

// WithExecutorTimeout bounds each handler invocation. A handler that exceeds
// it faults the run.
func WithExecutorTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "executor timeout cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.ExecutorTimeout = d
		return nil
	}
}

// WithCheckpointing enables automatic checkpoints after each superstep and
// is required by Engine.Resume and Run.RestoreCheckpoint.
func WithCheckpointing(m *CheckpointManager) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Checkpoints = m
		return nil
	}
}

// WithEmitter mirrors every run event to an observability sink.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = m
		return nil
	}
}

// WithLogger sets the engine logger. The default discards all output.
func WithLogger(l *zap.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Logger = l
		return nil
	}
}
