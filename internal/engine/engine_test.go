package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandboxengine/engine/internal/branch"
	"github.com/sandboxengine/engine/internal/enginecontract"
	"github.com/sandboxengine/engine/internal/engineerr"
	"github.com/sandboxengine/engine/internal/outputcache"
	"github.com/sandboxengine/engine/internal/snapstore"
	"github.com/sandboxengine/engine/internal/warmpool"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// fakeBackend is a minimal enginecontract.Backend stub used to drive the
// mode router without any real container or microVM process.
type fakeBackend struct {
	name enginetypes.Backend

	pauseErr error
	forkErr  error

	prepareCalls atomic.Int32
	destroyCalls atomic.Int32
	nextID       atomic.Int64
}

func (f *fakeBackend) Prepare(ctx context.Context, image string, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	f.prepareCalls.Add(1)
	id := f.nextID.Add(1)
	return &enginetypes.SandboxHandle{ID: fmt.Sprintf("%s-%d", image, id), Backend: f.name, Image: image, State: enginetypes.SandboxRunning}, nil
}

func (f *fakeBackend) Exec(ctx context.Context, handle *enginetypes.SandboxHandle, req *enginetypes.Request) (*enginetypes.Response, error) {
	return &enginetypes.Response{RequestID: req.ID, ExitCode: 0, Stdout: []byte("ok")}, nil
}

func (f *fakeBackend) Pause(ctx context.Context, handle *enginetypes.SandboxHandle) (*enginetypes.Snapshot, error) {
	if f.pauseErr != nil {
		return nil, f.pauseErr
	}
	return &enginetypes.Snapshot{Hash: "snap-" + handle.ID}, nil
}

func (f *fakeBackend) Resume(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	return &enginetypes.SandboxHandle{ID: "resumed-" + snap.Hash, Backend: f.name}, nil
}

func (f *fakeBackend) Fork(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	if f.forkErr != nil {
		return nil, f.forkErr
	}
	return &enginetypes.SandboxHandle{ID: "forked-" + snap.Hash, Backend: f.name}, nil
}

func (f *fakeBackend) Destroy(ctx context.Context, handle *enginetypes.SandboxHandle) error {
	f.destroyCalls.Add(1)
	return nil
}

func (f *fakeBackend) Stats(ctx context.Context, handle *enginetypes.SandboxHandle) (*enginetypes.SandboxStats, error) {
	return &enginetypes.SandboxStats{}, nil
}

func (f *fakeBackend) Name() enginetypes.Backend { return f.name }

func newTestEngine(t *testing.T, backend *fakeBackend) *Engine {
	t.Helper()
	store, err := snapstore.Open(snapstore.Config{LocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("snapstore.Open() error: %v", err)
	}
	backends := map[enginetypes.Backend]enginecontract.Backend{backend.name: backend}
	pool := warmpool.NewManager(backends, warmpool.Config{})
	branches := branch.NewManager(store, backends)
	cache := outputcache.New(time.Hour)

	return New(Config{
		Backends: backends,
		Images:   map[string]enginetypes.EnvironmentImage{},
		Store:    store,
		Pool:     pool,
		Branches: branches,
		Cache:    cache,
	})
}

func baseRequest() *enginetypes.Request {
	return &enginetypes.Request{ID: "req-1", Mode: enginetypes.ModeEphemeral, Image: "alpine", Argv: []string{"echo", "hi"}}
}

func TestValidateRejectsEmptyID(t *testing.T) {
	req := baseRequest()
	req.ID = ""
	if err := validate(req); err == nil {
		t.Errorf("validate() should reject an empty request id")
	}
}

func TestValidateRejectsEmptyArgv(t *testing.T) {
	req := baseRequest()
	req.Argv = nil
	if err := validate(req); err == nil {
		t.Errorf("validate() should reject an empty argv")
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	req := baseRequest()
	req.Mode = enginetypes.Mode("bogus")
	if err := validate(req); err == nil {
		t.Errorf("validate() should reject an unknown mode")
	}
}

func TestValidateBranchedRequiresBranchFrom(t *testing.T) {
	req := baseRequest()
	req.Mode = enginetypes.ModeBranched
	req.BranchFrom = ""
	if err := validate(req); err == nil {
		t.Errorf("validate() should require branch_from for Branched mode")
	}
	req.BranchFrom = "some-hash"
	if err := validate(req); err != nil {
		t.Errorf("validate() should accept Branched mode once branch_from is set, got: %v", err)
	}
}

func TestExecuteEphemeralAlwaysDestroys(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	e := newTestEngine(t, backend)

	resp, err := e.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", resp.ExitCode)
	}
	if backend.destroyCalls.Load() != 1 {
		t.Errorf("ephemeral mode should destroy its sandbox exactly once, destroyed %d times", backend.destroyCalls.Load())
	}
}

func TestExecuteCachedModeHitsOnRepeat(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	e := newTestEngine(t, backend)

	req := baseRequest()
	req.Mode = enginetypes.ModeCached

	resp1, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}
	if resp1.CacheHit {
		t.Errorf("first cached execution should not be a cache hit")
	}

	resp2, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second Execute() error: %v", err)
	}
	if !resp2.CacheHit {
		t.Errorf("second identical cached execution should be a cache hit")
	}
}

func TestExecuteCheckpointedDegradesWhenUnsupported(t *testing.T) {
	backend := &fakeBackend{
		name:     enginetypes.BackendContainer,
		pauseErr: engineerr.New(engineerr.CheckpointUnsupported, "checkpoint not available"),
	}
	e := newTestEngine(t, backend)

	req := baseRequest()
	req.Mode = enginetypes.ModeCheckpointed

	resp, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() should degrade to cached semantics instead of failing, got error: %v", err)
	}
	if resp.SnapshotID != "" {
		t.Errorf("degraded checkpointed response should carry no snapshot id, got %q", resp.SnapshotID)
	}
}

func TestExecuteCheckpointedProducesSnapshot(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	e := newTestEngine(t, backend)

	req := baseRequest()
	req.Mode = enginetypes.ModeCheckpointed

	resp, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.SnapshotID == "" {
		t.Errorf("checkpointed execution should produce a snapshot id")
	}
}

func TestExecuteBranchedDegradesWhenForkUnsupported(t *testing.T) {
	backend := &fakeBackend{
		name:    enginetypes.BackendContainer,
		forkErr: engineerr.New(engineerr.ForkUnsupported, "fork not available"),
	}
	e := newTestEngine(t, backend)

	parent, err := e.store.Put(context.Background(), snapstore.PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("store.Put() error: %v", err)
	}

	req := baseRequest()
	req.Mode = enginetypes.ModeBranched
	req.BranchFrom = parent.Hash

	resp, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() should degrade to ephemeral exec instead of failing, got error: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Errorf("degraded branched response ExitCode = %d, want 0", resp.ExitCode)
	}
}

func TestExecutePersistentReusesSession(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	e := newTestEngine(t, backend)

	req := baseRequest()
	req.Mode = enginetypes.ModePersistent
	req.SessionID = "sess-1"

	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("second Execute() error: %v", err)
	}
	if backend.prepareCalls.Load() != 1 {
		t.Errorf("persistent mode should only Prepare once across repeated calls with the same session, prepared %d times", backend.prepareCalls.Load())
	}

	if err := e.StopSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("StopSession() error: %v", err)
	}
	if backend.destroyCalls.Load() != 1 {
		t.Errorf("StopSession() should destroy the session's sandbox exactly once, destroyed %d times", backend.destroyCalls.Load())
	}
}

func TestStopSessionUnknownSession(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	e := newTestEngine(t, backend)

	if err := e.StopSession(context.Background(), "never-started"); err == nil {
		t.Errorf("StopSession() on an unknown session should error")
	}
}

func TestHeartbeatResetsMissedCount(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	e := newTestEngine(t, backend)

	req := baseRequest()
	req.Mode = enginetypes.ModePersistent
	req.SessionID = "sess-hb"
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	e.sessMu.Lock()
	e.sessions["sess-hb"].missedHeartbeats = 2
	e.sessMu.Unlock()

	if err := e.Heartbeat(context.Background(), "sess-hb"); err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}

	e.sessMu.Lock()
	missed := e.sessions["sess-hb"].missedHeartbeats
	e.sessMu.Unlock()
	if missed != 0 {
		t.Errorf("Heartbeat() should reset missedHeartbeats to 0, got %d", missed)
	}

	if err := e.Heartbeat(context.Background(), "never-started"); err == nil {
		t.Errorf("Heartbeat() on an unknown session should error")
	}
}

func TestExtendSessionBoundedByMaxExtensions(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	e := newTestEngine(t, backend)
	e.sessionMaxExtensions = 1

	req := baseRequest()
	req.Mode = enginetypes.ModePersistent
	req.SessionID = "sess-ext"
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if _, err := e.ExtendSession(context.Background(), "sess-ext", time.Hour); err != nil {
		t.Fatalf("first ExtendSession() error: %v", err)
	}
	if _, err := e.ExtendSession(context.Background(), "sess-ext", time.Hour); err == nil {
		t.Errorf("ExtendSession() beyond sessionMaxExtensions should error")
	}
}

func TestSweepSessionsExpiresPastDeadline(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	e := newTestEngine(t, backend)

	req := baseRequest()
	req.Mode = enginetypes.ModePersistent
	req.SessionID = "sess-expire"
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	e.sessMu.Lock()
	e.sessions["sess-expire"].deadline = time.Now().Add(-time.Minute)
	e.sessMu.Unlock()

	e.sweepSessions(context.Background())

	e.sessMu.Lock()
	_, stillTracked := e.sessions["sess-expire"]
	e.sessMu.Unlock()
	if stillTracked {
		t.Errorf("sweepSessions() should remove a session past its deadline")
	}
	if backend.destroyCalls.Load() != 1 {
		t.Errorf("sweepSessions() should destroy the expired session's sandbox, destroyed %d times", backend.destroyCalls.Load())
	}
}

func TestSweepSessionsExpiresAfterMissedHeartbeatLimit(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	e := newTestEngine(t, backend)
	e.sessionMissedHeartbeatLimit = 3

	req := baseRequest()
	req.Mode = enginetypes.ModePersistent
	req.SessionID = "sess-missed"
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	e.sessMu.Lock()
	e.sessions["sess-missed"].missedHeartbeats = 3
	e.sessMu.Unlock()

	e.sweepSessions(context.Background())

	e.sessMu.Lock()
	_, stillTracked := e.sessions["sess-missed"]
	e.sessMu.Unlock()
	if stillTracked {
		t.Errorf("sweepSessions() should remove a session past the missed-heartbeat limit")
	}
}
