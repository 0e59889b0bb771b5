package engine

import (
	"context"
	"fmt"

	"github.com/sandboxengine/engine/internal/engineerr"
	"github.com/sandboxengine/engine/internal/metrics"
	"github.com/sandboxengine/engine/internal/snapstore"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// CreateSnapshot takes an explicit snapshot of a Persistent session's
// current sandbox state (spec §6 "create_snapshot").
func (e *Engine) CreateSnapshot(ctx context.Context, sessionID string, metadata map[string]string) (*enginetypes.Snapshot, error) {
	e.sessMu.Lock()
	sess, ok := e.sessions[sessionID]
	e.sessMu.Unlock()
	if !ok {
		return nil, engineerr.New(engineerr.InvalidRequest, "unknown session")
	}
	backend, ok := e.backends[sess.backendName]
	if !ok {
		return nil, engineerr.New(engineerr.BackendUnavailable, "backend no longer registered")
	}
	snap, err := backend.Pause(ctx, sess.handle)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if snap.Metadata == nil {
			snap.Metadata = map[string]string{}
		}
		for k, v := range metadata {
			snap.Metadata[k] = v
		}
	}
	resumed, err := backend.Resume(ctx, snap, sess.handle.Limits)
	if err != nil {
		return nil, fmt.Errorf("engine: re-resume after explicit snapshot: %w", err)
	}
	e.sessMu.Lock()
	sess.handle = resumed
	e.sessMu.Unlock()
	return snap, nil
}

// RestoreSnapshot resumes a snapshot and optionally executes argv against
// it, returning the resulting response (spec §6 "restore_snapshot").
func (e *Engine) RestoreSnapshot(ctx context.Context, backendName enginetypes.Backend, snapshotHash string, argv []string, limits enginetypes.ResourceLimits) (*enginetypes.Response, error) {
	backend, ok := e.backends[backendName]
	if !ok {
		return nil, engineerr.New(engineerr.BackendUnavailable, fmt.Sprintf("no backend registered for %q", backendName))
	}
	snap, err := e.store.Get(ctx, snapshotHash)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.SnapshotNotFound, "load snapshot", err)
	}
	handle, err := backend.Resume(ctx, snap, limits)
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := backend.Destroy(context.Background(), handle); derr != nil {
			e.log.Warn("restore_snapshot destroy %s: %v", handle.ID, derr)
		}
	}()
	if len(argv) == 0 {
		return &enginetypes.Response{ExitCode: 0, SnapshotID: snap.Hash}, nil
	}
	return backend.Exec(ctx, handle, &enginetypes.Request{ID: "restore-" + snapshotHash, Argv: argv, Limits: limits})
}

func (e *Engine) ListSnapshots(ctx context.Context, filter snapstore.Filter) ([]enginetypes.Snapshot, error) {
	return e.store.List(ctx, filter)
}

func (e *Engine) GetSnapshot(ctx context.Context, hash string) (*enginetypes.Snapshot, error) {
	return e.store.Get(ctx, hash)
}

func (e *Engine) DeleteSnapshot(ctx context.Context, hash string) error {
	return e.store.Delete(ctx, hash)
}

// CreateBranch forks snapshotHash on backendName, discarding the live
// sandbox handle (spec §6 "create_branch" returns only the Branch record;
// use Branched-mode Execute to actually run against it).
func (e *Engine) CreateBranch(ctx context.Context, backendName enginetypes.Backend, snapshotHash string, limits enginetypes.ResourceLimits) (*enginetypes.Branch, error) {
	br, handle, err := e.branches.Fork(ctx, backendName, snapshotHash, "", limits)
	if err != nil {
		return nil, err
	}
	backend := e.backends[backendName]
	if derr := backend.Destroy(context.Background(), handle); derr != nil {
		e.log.Warn("create_branch destroy scratch sandbox %s: %v", handle.ID, derr)
	}
	return br, nil
}

// ListBranches returns every persisted branch, optionally restricted to
// those forked from a given snapshot (spec §6 "list_branches(snapshot_id?)").
func (e *Engine) ListBranches(ctx context.Context, divergenceSnapshot string) ([]enginetypes.Branch, error) {
	return e.branches.ListBranches(divergenceSnapshot)
}

// MergeBranches combines a set of diverged snapshots under strategy (spec
// §6 "merge_branches([branch_id], strategy)", §4.5). At least two snapshots
// are required.
func (e *Engine) MergeBranches(ctx context.Context, strategy enginetypes.MergeStrategy, base string, snapshots []string) (*enginetypes.Snapshot, error) {
	return e.branches.Merge(ctx, strategy, base, snapshots, enginetypes.ModeBranched)
}

// Prewarm instructs the warm pool to raise image's pre-warm target
// (spec §6 "prewarm").
func (e *Engine) Prewarm(ctx context.Context, backendName enginetypes.Backend, image string, count int) {
	img := e.images[image]
	img.Name = image
	img.PrewarmTarget = count
	e.images[image] = img
	e.pool.Ensure(backendName, img)
	metrics.PoolOccupancy.WithLabelValues(string(backendName), image).Set(0)
}

// HealthStatus reports per-component readiness for spec §6 "health".
type HealthStatus struct {
	Status          string            `json:"status"`
	ComponentStates map[string]string `json:"componentStates"`
}

func (e *Engine) Health(ctx context.Context) HealthStatus {
	states := make(map[string]string, len(e.backends))
	overall := "ok"
	for name := range e.backends {
		states[string(name)] = "ok"
	}
	if len(e.backends) == 0 {
		overall = "degraded"
	}
	return HealthStatus{Status: overall, ComponentStates: states}
}

// Metrics reports the spec §6 "metrics" surface. CacheHitRate and
// TotalExecutions come from the warm pool's counters alone (pool hits over
// pool acquisitions); the output cache's counters are not read. The start
// averages come from the timing the prometheus middleware
// (internal/engine/metrics_middleware.go) records.
type Metrics struct {
	CacheHitRate    float64        `json:"cacheHitRate"`
	AvgColdStartMS  float64        `json:"avgColdStartMs"`
	AvgWarmStartMS  float64        `json:"avgWarmStartMs"`
	TotalExecutions uint64         `json:"totalExecutions"`
	ActiveSnapshots int            `json:"activeSnapshots"`
	PoolOccupancy   map[string]int `json:"poolOccupancy"`
}

func (e *Engine) MetricsSnapshot(ctx context.Context) Metrics {
	poolStats := e.pool.Stats()
	var served, hits uint64
	occupancy := make(map[string]int, len(poolStats))
	for k, s := range poolStats {
		served += s.Served
		hits += s.Hits
		occupancy[k] = s.InUse
	}
	var hitRate float64
	if served > 0 {
		hitRate = float64(hits) / float64(served)
	}

	snaps, _ := e.store.List(ctx, snapstore.Filter{})
	metrics.SnapshotsActive.Set(float64(len(snaps)))

	return Metrics{
		CacheHitRate:    hitRate,
		AvgColdStartMS:  avgMillis(e.coldStartSum.Load(), e.coldStartCount.Load()),
		AvgWarmStartMS:  avgMillis(e.warmStartSum.Load(), e.warmStartCount.Load()),
		TotalExecutions: served,
		ActiveSnapshots: len(snaps),
		PoolOccupancy:   occupancy,
	}
}

func avgMillis(sumNanos, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(sumNanos) / float64(count) / 1e6
}
