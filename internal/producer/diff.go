package producer

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wI2L/jsondiff"
)

// stateTracker keeps the last checkpoint baseline per run so subsequent
// state updates can ship as RFC-6902 patches instead of full snapshots.
type stateTracker struct {
	baselines *lru.Cache[string, checkpointBaseline]
}

type checkpointBaseline struct {
	checkpointID string
	stateJSON    []byte
}

func newStateTracker(maxRuns int) (*stateTracker, error) {
	cache, err := lru.New[string, checkpointBaseline](maxRuns)
	if err != nil {
		return nil, err
	}
	return &stateTracker{baselines: cache}, nil
}

// setBaseline records a checkpoint as the diff base for a run.
func (t *stateTracker) setBaseline(runID, checkpointID string, stateJSON []byte) {
	// Copy: callers may reuse their buffer.
	snap := make([]byte, len(stateJSON))
	copy(snap, stateJSON)
	t.baselines.Add(runID, checkpointBaseline{checkpointID: checkpointID, stateJSON: snap})
}

// diff computes baseline→current as a JSON-Patch. Returns the base
// checkpoint id the patch applies to. Errors when no baseline exists for
// the run; the caller falls back to a snapshot.
func (t *stateTracker) diff(runID string, currentJSON []byte) (patch json.RawMessage, baseCheckpointID string, err error) {
	base, ok := t.baselines.Get(runID)
	if !ok {
		return nil, "", fmt.Errorf("no checkpoint baseline for run %s", runID)
	}
	ops, err := jsondiff.CompareJSON(base.stateJSON, currentJSON)
	if err != nil {
		return nil, "", fmt.Errorf("compute state diff: %w", err)
	}
	out, err := json.Marshal(ops)
	if err != nil {
		return nil, "", err
	}
	return out, base.checkpointID, nil
}

// drop forgets a run's baseline (terminal runs).
func (t *stateTracker) drop(runID string) {
	t.baselines.Remove(runID)
}
