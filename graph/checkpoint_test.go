package graph

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mafdemo/workflow-go/graph/store"
)

func newTestManager() *CheckpointManager {
	return NewCheckpointManager(store.NewMemStore(), nil)
}

// countFlow loops counts between counter C and a request port until the
// caller stops answering. Extra executors are connected downstream of C.
func countFlow(t *testing.T, c *counter, extra ...*counter) *Workflow {
	t.Helper()
	b := NewBuilder().
		Add(c, NewRequestPort("ask", countKind, countKind)).
		StartAt(c.id).
		Connect(c.id, "ask").
		Connect("ask", c.id).
		OutputFrom(c.id)
	for _, e := range extra {
		b.Add(e).Connect(c.id, e.id)
	}
	return mustBuild(t, b)
}

func TestCheckpointManager_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager()

	snap := &Snapshot{
		RunID:     "run",
		Step:      2,
		Pending:   []PendingMessage{{Source: "A", Target: "B", Kind: "text", Payload: json.RawMessage(`"hi"`)}},
		Executors: map[string]map[string]json.RawMessage{"B": {"total": json.RawMessage(`3`)}},
		CreatedAt: time.Now(),
	}
	first, err := mgr.Save(ctx, snap)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	again := *snap
	again.IdempotencyKey = ""
	again.CreatedAt = time.Now().Add(time.Minute)
	second, err := mgr.Save(ctx, &again)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if first.CheckpointID != second.CheckpointID {
		t.Errorf("expected identical snapshots to share an id, got %s and %s", first.CheckpointID, second.CheckpointID)
	}

	changed := again
	changed.IdempotencyKey = ""
	changed.Step = 3
	third, err := mgr.Save(ctx, &changed)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if third.CheckpointID == first.CheckpointID {
		t.Error("expected a different step to create a new checkpoint")
	}

	infos, err := mgr.List(ctx, "run")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 || infos[0].Step != 2 || infos[1].Step != 3 {
		t.Errorf("unexpected checkpoints %v", infos)
	}
	latest, err := mgr.Latest(ctx, "run")
	if err != nil || latest.CheckpointID != third.CheckpointID {
		t.Errorf("expected latest %s, got %v (%v)", third.CheckpointID, latest, err)
	}
}

func TestCheckpointManager_IdempotencyKey(t *testing.T) {
	a := &Snapshot{RunID: "r", Step: 1, Executors: map[string]map[string]json.RawMessage{"x": {"k": json.RawMessage(`1`)}}}
	b := &Snapshot{RunID: "r", Step: 1, Executors: map[string]map[string]json.RawMessage{"x": {"k": json.RawMessage(`1`)}}}

	ka, err := computeIdempotencyKey(a)
	if err != nil {
		t.Fatalf("computeIdempotencyKey failed: %v", err)
	}
	kb, _ := computeIdempotencyKey(b)
	if ka != kb {
		t.Errorf("expected equal keys, got %s and %s", ka, kb)
	}
	if len(ka) != len("sha256:")+64 || ka[:7] != "sha256:" {
		t.Errorf("unexpected key format %q", ka)
	}

	b.Step = 2
	if kc, _ := computeIdempotencyKey(b); kc == ka {
		t.Error("expected step to change the key")
	}
}

func TestCheckpointManager_LoadErrors(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager()

	info, err := mgr.Save(ctx, &Snapshot{RunID: "mine", Step: 1})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var restoreErr *CheckpointRestoreError
	if _, err := mgr.Load(ctx, CheckpointInfo{RunID: "theirs", CheckpointID: info.CheckpointID}); !errors.As(err, &restoreErr) {
		t.Errorf("expected CheckpointRestoreError for run mismatch, got %v", err)
	}
	if _, err := mgr.Load(ctx, CheckpointInfo{CheckpointID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := mgr.Latest(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Latest, got %v", err)
	}

	snap, err := mgr.Load(ctx, info)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.RunID != "mine" || snap.Step != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestRun_AutoCheckpointEachSuperstep(t *testing.T) {
	mgr := newTestManager()
	engine := newTestEngine(t, WithCheckpointing(mgr))

	run, err := engine.Start(context.Background(), pipeline(t), "auto", textKind.New("x"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	completed := filter(collect(t, run), EventSuperstepCompleted)

	if len(completed) != 3 {
		t.Fatalf("expected 3 completed supersteps, got %d", len(completed))
	}
	for i, ev := range completed {
		if ev.Checkpoint == nil {
			t.Fatalf("step %d: expected checkpoint info", ev.Step)
		}
		if ev.Checkpoint.Step != i+1 || ev.Checkpoint.RunID != "auto" {
			t.Errorf("unexpected checkpoint info %+v", ev.Checkpoint)
		}
	}

	infos, err := mgr.List(context.Background(), "auto")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 3 {
		t.Errorf("expected 3 stored checkpoints, got %d", len(infos))
	}

	snap, err := mgr.Load(context.Background(), *completed[0].Checkpoint)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap.Pending) != 1 || snap.Pending[0].Target != "B" {
		t.Fatalf("expected the message for B to be queued, got %+v", snap.Pending)
	}
	var payload string
	if err := json.Unmarshal(snap.Pending[0].Payload, &payload); err != nil || payload != "x -> A" {
		t.Errorf("expected queued payload %q, got %q (%v)", "x -> A", payload, err)
	}
}

func TestRun_RestoreRewindsLiveRun(t *testing.T) {
	c := &counter{id: "C"}
	engine := newTestEngine(t, WithCheckpointing(newTestManager()))

	run, err := engine.Start(context.Background(), countFlow(t, c), "rewind", countKind.New(1))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first := next(t, run, ofKind(EventRequestInfo))
	if first.Data != 1 {
		t.Fatalf("expected request for 1, got %v", first.Data)
	}
	cp := next(t, run, ofKind(EventSuperstepCompleted)).Checkpoint
	if cp == nil || cp.Step != 2 {
		t.Fatalf("expected checkpoint after step 2, got %+v", cp)
	}

	waitStatus(t, run, StatusSuspended)
	if err := run.SendResponse(first.Request.RequestID, 10); err != nil {
		t.Fatalf("SendResponse failed: %v", err)
	}
	second := next(t, run, ofKind(EventRequestInfo))
	if second.Data != 11 || second.Step != 4 {
		t.Fatalf("expected request for 11 in step 4, got %v in step %d", second.Data, second.Step)
	}
	waitStatus(t, run, StatusSuspended)

	if err := run.RestoreCheckpoint(context.Background(), *cp); err != nil {
		t.Fatalf("RestoreCheckpoint failed: %v", err)
	}
	restored := next(t, run, ofKind(EventCheckpointRestored))
	if restored.Checkpoint.CheckpointID != cp.CheckpointID || restored.Step != 2 {
		t.Errorf("unexpected restore event %+v", restored)
	}
	reannounced := next(t, run, ofKind(EventRequestInfo))
	if reannounced.Request.RequestID != first.Request.RequestID || reannounced.Data != 1 {
		t.Errorf("expected the step 2 request to be announced again, got %+v", reannounced.Request)
	}
	if c.total != 1 || run.Step() != 2 {
		t.Errorf("expected total 1 at step 2, got %d at step %d", c.total, run.Step())
	}

	var unknown *UnknownRequestError
	if err := run.SendResponse(second.Request.RequestID, 1); !errors.As(err, &unknown) {
		t.Errorf("expected the step 4 request to be gone, got %v", err)
	}
	if err := run.SendResponse(first.Request.RequestID, 5); err != nil {
		t.Fatalf("SendResponse after restore failed: %v", err)
	}
	third := next(t, run, ofKind(EventRequestInfo))
	if third.Data != 6 {
		t.Errorf("expected request for 6 after rewind, got %v", third.Data)
	}

	run.Cancel()
	collect(t, run)
}

func TestRun_FailedRestoreRollsBack(t *testing.T) {
	c := &counter{id: "C"}
	z := &counter{id: "Z"}
	engine := newTestEngine(t, WithCheckpointing(newTestManager()))

	run, err := engine.Start(context.Background(), countFlow(t, c, z), "", countKind.New(2))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	req := next(t, run, ofKind(EventRequestInfo))
	cp := next(t, run, ofKind(EventSuperstepCompleted)).Checkpoint

	waitStatus(t, run, StatusSuspended)
	if err := run.SendResponse(req.Request.RequestID, 3); err != nil {
		t.Fatalf("SendResponse failed: %v", err)
	}
	later := next(t, run, ofKind(EventRequestInfo))
	waitStatus(t, run, StatusSuspended)

	z.failRestore = true
	err = run.RestoreCheckpoint(context.Background(), *cp)

	var restoreErr *CheckpointRestoreError
	if !errors.As(err, &restoreErr) || restoreErr.ExecutorID != "Z" {
		t.Fatalf("expected CheckpointRestoreError from Z, got %v", err)
	}
	if c.total != 5 {
		t.Errorf("expected C to keep total 5, got %d", c.total)
	}
	if run.Step() != 4 {
		t.Errorf("expected step 4 to be kept, got %d", run.Step())
	}
	pending := run.PendingRequests()
	if len(pending) != 1 || pending[0].RequestID != later.Request.RequestID {
		t.Errorf("expected current request to stay outstanding, got %v", pending)
	}

	run.Cancel()
	collect(t, run)
}

func TestRun_RestoreRejectsForeignCheckpoint(t *testing.T) {
	mgr := newTestManager()
	engine := newTestEngine(t, WithCheckpointing(mgr))

	foreign, err := mgr.Save(context.Background(), &Snapshot{RunID: "other", Step: 1})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	run, err := engine.Start(context.Background(), countFlow(t, &counter{id: "C"}), "", countKind.New(1))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStatus(t, run, StatusSuspended)

	var restoreErr *CheckpointRestoreError
	if err := run.RestoreCheckpoint(context.Background(), foreign); !errors.As(err, &restoreErr) {
		t.Errorf("expected CheckpointRestoreError, got %v", err)
	}
	if err := run.RestoreCheckpoint(context.Background(), CheckpointInfo{CheckpointID: foreign.CheckpointID}); !errors.As(err, &restoreErr) {
		t.Errorf("expected CheckpointRestoreError without run id hint, got %v", err)
	}

	run.Cancel()
	collect(t, run)

	if err := run.RestoreCheckpoint(context.Background(), CheckpointInfo{CheckpointID: "x"}); !errors.Is(err, ErrRunFinished) {
		t.Errorf("expected ErrRunFinished, got %v", err)
	}
}

func TestEngine_ResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager()
	engine := newTestEngine(t, WithCheckpointing(mgr))
	wf := pipeline(t)

	run, err := engine.Start(ctx, wf, "resumable", textKind.New("x"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	collect(t, run)

	infos, err := mgr.List(ctx, "resumable")
	if err != nil || len(infos) != 3 {
		t.Fatalf("expected 3 checkpoints, got %v (%v)", infos, err)
	}

	resumed, err := engine.Resume(ctx, wf, infos[0])
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	events := collect(t, resumed)

	if resumed.ID() != "resumable" {
		t.Errorf("expected resumed run to keep its id, got %s", resumed.ID())
	}
	if events[0].Kind != EventCheckpointRestored {
		t.Errorf("expected first event CheckpointRestored, got %v", events[0].Kind)
	}
	if got := filter(events, EventSuperstepStarted); len(got) != 2 || got[0].Step != 2 {
		t.Errorf("expected supersteps 2 and 3, got %v", got)
	}
	if out, _ := resumed.Output(); out != "x -> A -> B" {
		t.Errorf("expected output after resume, got %v", out)
	}

	// Replayed steps produce identical snapshots and therefore no new rows.
	after, _ := mgr.List(ctx, "resumable")
	if len(after) != 3 {
		t.Errorf("expected replay to reuse checkpoints, got %d", len(after))
	}

	final, err := resumed.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint of finished run failed: %v", err)
	}
	if final.CheckpointID != infos[2].CheckpointID {
		t.Errorf("expected checkpoint of finished run to match step 3, got %+v", final)
	}
}

func TestEngine_ResumeRequiresCheckpointing(t *testing.T) {
	_, err := newTestEngine(t).Resume(context.Background(), pipeline(t), CheckpointInfo{CheckpointID: "x"})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != "MISSING_CHECKPOINTS" {
		t.Errorf("expected MISSING_CHECKPOINTS, got %v", err)
	}
}

func TestRun_ManualCheckpointAtBoundary(t *testing.T) {
	mgr := newTestManager()
	engine := newTestEngine(t, WithCheckpointing(mgr))
	c := &counter{id: "C"}

	run, err := engine.Start(context.Background(), countFlow(t, c), "manual", countKind.New(4))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	next(t, run, ofKind(EventSuperstepCompleted))
	auto := next(t, run, ofKind(EventSuperstepCompleted))
	waitStatus(t, run, StatusSuspended)

	info, err := run.Checkpoint(context.Background())
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if info.CheckpointID != auto.Checkpoint.CheckpointID {
		t.Errorf("expected suspended state to match the step 2 checkpoint, got %+v vs %+v", info, auto.Checkpoint)
	}

	snap, err := mgr.Load(context.Background(), info)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap.Requests) != 1 || string(snap.Executors["C"]["total"]) != "4" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	run.Cancel()
	collect(t, run)
}

func TestRun_CheckpointWithoutManager(t *testing.T) {
	run, err := newTestEngine(t).Start(context.Background(), pipeline(t), "", textKind.New("x"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	collect(t, run)

	var engineErr *EngineError
	if _, err := run.Checkpoint(context.Background()); !errors.As(err, &engineErr) {
		t.Errorf("expected EngineError, got %v", err)
	}
}
