package graph

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mafdemo/workflow-go/graph/store"
)

// CheckpointInfo identifies a saved checkpoint.
type CheckpointInfo struct {
	RunID        string
	CheckpointID string
	Step         int
}

// Snapshot is the complete restorable state of a run at a superstep
// boundary: the step counter, messages queued for the next superstep,
// outstanding external requests and every checkpointing executor's state.
type Snapshot struct {
	RunID          string                                `json:"run_id"`
	Step           int                                   `json:"step"`
	Pending        []PendingMessage                      `json:"pending"`
	Requests       []PendingRequest                      `json:"requests"`
	Executors      map[string]map[string]json.RawMessage `json:"executors"`
	IdempotencyKey string                                `json:"idempotency_key"`
	CreatedAt      time.Time                             `json:"created_at"`
}

// PendingMessage is a queued message in checkpointed form.
type PendingMessage struct {
	Source  string          `json:"source"`
	Target  string          `json:"target"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// PendingRequest is an outstanding external request in checkpointed form.
type PendingRequest struct {
	RequestID string          `json:"request_id"`
	PortID    string          `json:"port_id"`
	Step      int             `json:"step"`
	Data      json.RawMessage `json:"data"`
}

// computeIdempotencyKey hashes everything that defines a snapshot except its
// creation time: run id, step, pending messages (in queue order), outstanding
// requests and executor state. JSON object keys are emitted sorted, so equal
// state always produces equal keys.
//
// Format: "sha256:" + hex digest.
func computeIdempotencyKey(s *Snapshot) (string, error) {
	h := sha256.New()
	h.Write([]byte(s.RunID))

	stepBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(stepBytes, uint64(s.Step))
	h.Write(stepBytes)

	body, err := json.Marshal(struct {
		Pending   []PendingMessage                      `json:"pending"`
		Requests  []PendingRequest                      `json:"requests"`
		Executors map[string]map[string]json.RawMessage `json:"executors"`
	}{s.Pending, s.Requests, s.Executors})
	if err != nil {
		return "", err
	}
	h.Write(body)

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// CheckpointManager persists snapshots in a store.Store.
//
// Saving is idempotent: a snapshot whose idempotency key is already stored
// resolves to the existing checkpoint instead of creating a duplicate.
type CheckpointManager struct {
	store  store.Store
	logger *zap.Logger
}

// NewCheckpointManager creates a manager over st. A nil logger disables logging.
func NewCheckpointManager(st store.Store, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{store: st, logger: logger.Named("checkpoints")}
}

// Store returns the underlying store.
func (m *CheckpointManager) Store() store.Store { return m.store }

// Save persists snap and returns its identity.
func (m *CheckpointManager) Save(ctx context.Context, snap *Snapshot) (CheckpointInfo, error) {
	if snap.IdempotencyKey == "" {
		key, err := computeIdempotencyKey(snap)
		if err != nil {
			return CheckpointInfo{}, fmt.Errorf("compute idempotency key: %w", err)
		}
		snap.IdempotencyKey = key
	}

	if existing, err := m.store.FindByKey(ctx, snap.IdempotencyKey); err == nil {
		m.logger.Debug("checkpoint already stored",
			zap.String("run_id", snap.RunID), zap.Int("step", snap.Step), zap.String("checkpoint_id", existing.ID))
		return CheckpointInfo{RunID: existing.RunID, CheckpointID: existing.ID, Step: existing.Step}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return CheckpointInfo{}, fmt.Errorf("look up checkpoint: %w", err)
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return CheckpointInfo{}, fmt.Errorf("encode snapshot: %w", err)
	}
	cp := store.Checkpoint{
		ID:             uuid.NewString(),
		RunID:          snap.RunID,
		Step:           snap.Step,
		IdempotencyKey: snap.IdempotencyKey,
		Payload:        payload,
		CreatedAt:      snap.CreatedAt,
	}
	if err := m.store.Save(ctx, cp); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost a race with an identical save.
			if existing, ferr := m.store.FindByKey(ctx, snap.IdempotencyKey); ferr == nil {
				return CheckpointInfo{RunID: existing.RunID, CheckpointID: existing.ID, Step: existing.Step}, nil
			}
		}
		return CheckpointInfo{}, fmt.Errorf("save checkpoint: %w", err)
	}

	m.logger.Debug("checkpoint saved",
		zap.String("run_id", cp.RunID), zap.Int("step", cp.Step), zap.String("checkpoint_id", cp.ID))
	return CheckpointInfo{RunID: cp.RunID, CheckpointID: cp.ID, Step: cp.Step}, nil
}

// Load retrieves the snapshot for info. Mismatched run ids or steps are
// reported as CheckpointRestoreError.
func (m *CheckpointManager) Load(ctx context.Context, info CheckpointInfo) (*Snapshot, error) {
	cp, err := m.store.Load(ctx, info.CheckpointID)
	if err != nil {
		return nil, &CheckpointRestoreError{CheckpointID: info.CheckpointID, Cause: err}
	}

	var snap Snapshot
	if err := json.Unmarshal(cp.Payload, &snap); err != nil {
		return nil, &CheckpointRestoreError{CheckpointID: info.CheckpointID, Cause: fmt.Errorf("decode snapshot: %w", err)}
	}
	if info.RunID != "" && snap.RunID != info.RunID {
		return nil, &CheckpointRestoreError{CheckpointID: info.CheckpointID,
			Cause: fmt.Errorf("checkpoint belongs to run %s, not %s", snap.RunID, info.RunID)}
	}
	if snap.Step != cp.Step {
		return nil, &CheckpointRestoreError{CheckpointID: info.CheckpointID,
			Cause: fmt.Errorf("snapshot step %d does not match stored step %d", snap.Step, cp.Step)}
	}
	return &snap, nil
}

// List returns the checkpoints of a run ordered by step.
func (m *CheckpointManager) List(ctx context.Context, runID string) ([]CheckpointInfo, error) {
	cps, err := m.store.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]CheckpointInfo, len(cps))
	for i, cp := range cps {
		out[i] = CheckpointInfo{RunID: cp.RunID, CheckpointID: cp.ID, Step: cp.Step}
	}
	return out, nil
}

// Latest returns the most recent checkpoint of a run, or store.ErrNotFound.
func (m *CheckpointManager) Latest(ctx context.Context, runID string) (CheckpointInfo, error) {
	infos, err := m.List(ctx, runID)
	if err != nil {
		return CheckpointInfo{}, err
	}
	if len(infos) == 0 {
		return CheckpointInfo{}, store.ErrNotFound
	}
	return infos[len(infos)-1], nil
}

// encodePending converts queued envelopes to checkpoint form.
func encodePending(pending []envelope) ([]PendingMessage, error) {
	out := make([]PendingMessage, 0, len(pending))
	for _, env := range pending {
		raw, err := encodePayload(env.Msg)
		if err != nil {
			return nil, err
		}
		out = append(out, PendingMessage{Source: env.Source, Target: env.Target, Kind: env.Msg.Kind, Payload: raw})
	}
	return out, nil
}

// encodeRequests converts outstanding requests to checkpoint form, ordered by
// step then id.
func encodeRequests(reqs map[string]ExternalRequest) ([]PendingRequest, error) {
	out := make([]PendingRequest, 0, len(reqs))
	for _, req := range sortedRequests(reqs) {
		raw, err := json.Marshal(req.Data)
		if err != nil {
			return nil, fmt.Errorf("encode request %s: %w", req.RequestID, err)
		}
		out = append(out, PendingRequest{RequestID: req.RequestID, PortID: req.PortID, Step: req.Step, Data: raw})
	}
	return out, nil
}

func sortedRequests(reqs map[string]ExternalRequest) []ExternalRequest {
	out := make([]ExternalRequest, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// decodePending rebuilds queued envelopes against wf.
func decodePending(wf *Workflow, msgs []PendingMessage) ([]envelope, error) {
	out := make([]envelope, 0, len(msgs))
	for _, pm := range msgs {
		if _, ok := wf.executors[pm.Target]; !ok {
			return nil, fmt.Errorf("pending message targets unknown executor %q", pm.Target)
		}
		msg, err := wf.decode(pm.Kind, pm.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, envelope{Source: pm.Source, Target: pm.Target, Msg: msg})
	}
	return out, nil
}

// decodeRequests rebuilds outstanding requests against wf.
func decodeRequests(wf *Workflow, reqs []PendingRequest) (map[string]ExternalRequest, error) {
	out := make(map[string]ExternalRequest, len(reqs))
	for _, pr := range reqs {
		port, ok := wf.ports[pr.PortID]
		if !ok {
			return nil, fmt.Errorf("request %s belongs to unknown port %q", pr.RequestID, pr.PortID)
		}
		reqKind, _ := port.portKinds()
		data, err := reqKind.decode(pr.Data)
		if err != nil {
			return nil, fmt.Errorf("decode request %s: %w", pr.RequestID, err)
		}
		out[pr.RequestID] = ExternalRequest{RequestID: pr.RequestID, PortID: pr.PortID, Step: pr.Step, Data: data}
	}
	return out, nil
}
