package graph

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mafdemo/workflow-go/graph/emit"
)

// Engine starts and resumes runs of validated workflows.
//
// An engine holds only configuration and may start any number of runs, but
// each Workflow can be owned by one run at a time.
//
// Example:
//
//	engine, err := graph.New(graph.WithMaxSteps(50))
//	if err != nil {
//		return err
//	}
//	run, err := engine.Start(ctx, wf, "", Text.New("Start"))
//	if err != nil {
//		return err
//	}
//	for ev := range run.Events() {
//		fmt.Println(ev)
//	}
type Engine struct {
	opts   Options
	logger *zap.Logger
}

// New creates an engine with the given options.
func New(opts ...Option) (*Engine, error) {
	cfg := &engineConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.opts.Logger == nil {
		cfg.opts.Logger = zap.NewNop()
	}
	if cfg.opts.Emitter == nil {
		cfg.opts.Emitter = emit.NewNullEmitter()
	}
	return &Engine{opts: cfg.opts, logger: cfg.opts.Logger.Named("engine")}, nil
}

// Options returns the engine configuration.
func (e *Engine) Options() Options { return e.opts }

// Start begins a run that delivers input to the workflow's start executor in
// superstep 1. An empty runID is replaced by a random UUID.
//
// The run is bound to ctx: cancelling it cancels the run.
func (e *Engine) Start(ctx context.Context, wf *Workflow, runID string, input Message) (*Run, error) {
	if wf == nil {
		return nil, &EngineError{Message: "workflow cannot be nil", Code: "MISSING_WORKFLOW"}
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := wf.acquire(); err != nil {
		return nil, err
	}

	r := newRun(ctx, e, wf, runID)
	r.pending = []envelope{{Target: wf.start, Msg: input}}
	r.metrics.AddPending(1)
	r.logger.Info("run started", zap.String("start", wf.start), zap.String("kind", input.Kind))

	go r.loop()
	return r, nil
}

// Resume starts a new run loop from a saved checkpoint, for example after the
// original run finished or the process restarted. The resumed run keeps the
// checkpoint's run id, step counter, queue and outstanding requests.
func (e *Engine) Resume(ctx context.Context, wf *Workflow, info CheckpointInfo) (*Run, error) {
	if wf == nil {
		return nil, &EngineError{Message: "workflow cannot be nil", Code: "MISSING_WORKFLOW"}
	}
	if e.opts.Checkpoints == nil {
		return nil, &EngineError{Message: "checkpointing is not configured", Code: "MISSING_CHECKPOINTS"}
	}

	snap, err := e.opts.Checkpoints.Load(ctx, info)
	if err != nil {
		return nil, err
	}
	if err := wf.acquire(); err != nil {
		return nil, err
	}

	r := newRun(ctx, e, wf, snap.RunID)
	if err := r.apply(ctx, info.CheckpointID, snap); err != nil {
		r.cancel()
		r.out.close()
		wf.release()
		return nil, err
	}
	r.metrics.IncrementCheckpoints("resume")
	r.logger.Info("run resumed", zap.String("checkpoint_id", info.CheckpointID), zap.Int("step", snap.Step))

	go r.loop()
	return r, nil
}
