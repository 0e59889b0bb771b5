package branch

import (
	"context"
	"errors"
	"testing"

	"github.com/sandboxengine/engine/internal/enginecontract"
	"github.com/sandboxengine/engine/internal/snapstore"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// fakeBackend is a minimal enginecontract.Backend stub for exercising the
// branch manager without a real container or microVM runtime.
type fakeBackend struct {
	name      enginetypes.Backend
	forkErr   error
	forkCalls int
}

func (f *fakeBackend) Prepare(ctx context.Context, image string, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	return &enginetypes.SandboxHandle{ID: "sandbox-1", Backend: f.name, Image: image}, nil
}

func (f *fakeBackend) Exec(ctx context.Context, handle *enginetypes.SandboxHandle, req *enginetypes.Request) (*enginetypes.Response, error) {
	return &enginetypes.Response{ExitCode: 0}, nil
}

func (f *fakeBackend) Pause(ctx context.Context, handle *enginetypes.SandboxHandle) (*enginetypes.Snapshot, error) {
	return &enginetypes.Snapshot{Hash: "snap-from-pause"}, nil
}

func (f *fakeBackend) Resume(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	return &enginetypes.SandboxHandle{ID: "sandbox-resumed", Backend: f.name}, nil
}

func (f *fakeBackend) Fork(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	f.forkCalls++
	if f.forkErr != nil {
		return nil, f.forkErr
	}
	return &enginetypes.SandboxHandle{ID: "sandbox-forked", Backend: f.name, SnapshotChain: []string{snap.Hash}}, nil
}

func (f *fakeBackend) Destroy(ctx context.Context, handle *enginetypes.SandboxHandle) error { return nil }

func (f *fakeBackend) Stats(ctx context.Context, handle *enginetypes.SandboxHandle) (*enginetypes.SandboxStats, error) {
	return &enginetypes.SandboxStats{}, nil
}

func (f *fakeBackend) Name() enginetypes.Backend { return f.name }

func newTestManager(t *testing.T, backend enginecontract.Backend) (*Manager, *snapstore.Store) {
	t.Helper()
	store, err := snapstore.Open(snapstore.Config{LocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("snapstore.Open() error: %v", err)
	}
	backends := map[enginetypes.Backend]enginecontract.Backend{enginetypes.BackendContainer: backend}
	return NewManager(store, backends), store
}

func TestForkReturnsBranchAndHandle(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	snap, err := store.Put(ctx, snapstore.PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	br, handle, err := mgr.Fork(ctx, enginetypes.BackendContainer, snap.Hash, "", enginetypes.ResourceLimits{})
	if err != nil {
		t.Fatalf("Fork() error: %v", err)
	}
	if handle == nil || handle.ID != "sandbox-forked" {
		t.Errorf("Fork() handle = %+v, want a forked sandbox handle", handle)
	}
	if br.DivergenceSnapshot != snap.Hash {
		t.Errorf("Branch.DivergenceSnapshot = %q, want %q", br.DivergenceSnapshot, snap.Hash)
	}
	if br.RootSnapshot != snap.Hash {
		t.Errorf("Branch.RootSnapshot = %q, want %q (snap has no parent)", br.RootSnapshot, snap.Hash)
	}
	if backend.forkCalls != 1 {
		t.Errorf("expected exactly one backend Fork() call, got %d", backend.forkCalls)
	}
}

func TestForkPersistsBranchForListing(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	snap, err := store.Put(ctx, snapstore.PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	br, _, err := mgr.Fork(ctx, enginetypes.BackendContainer, snap.Hash, "", enginetypes.ResourceLimits{})
	if err != nil {
		t.Fatalf("Fork() error: %v", err)
	}

	list, err := mgr.ListBranches(snap.Hash)
	if err != nil {
		t.Fatalf("ListBranches() error: %v", err)
	}
	if len(list) != 1 || list[0].ID != br.ID {
		t.Errorf("ListBranches(%q) = %+v, want one entry with ID %q", snap.Hash, list, br.ID)
	}
}

func TestForkPropagatesBackendError(t *testing.T) {
	wantErr := errors.New("fork unsupported")
	backend := &fakeBackend{name: enginetypes.BackendContainer, forkErr: wantErr}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	snap, err := store.Put(ctx, snapstore.PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	if _, _, err := mgr.Fork(ctx, enginetypes.BackendContainer, snap.Hash, "", enginetypes.ResourceLimits{}); err == nil {
		t.Errorf("Fork() should propagate a backend fork error")
	}
}

func TestForkUnknownBackend(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	snap, err := store.Put(ctx, snapstore.PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	if _, _, err := mgr.Fork(ctx, enginetypes.BackendMicroVM, snap.Hash, "", enginetypes.ResourceLimits{}); err == nil {
		t.Errorf("Fork() with an unregistered backend should error")
	}
}

func TestMergeUnionKeepsPagesFromBoth(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	base, err := store.Put(ctx, snapstore.PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() base error: %v", err)
	}
	snapA, err := store.Put(ctx, snapstore.PutInput{ParentHash: base.Hash, ModeTag: enginetypes.ModeBranched, PageHashes: []string{"p1", "p2"}})
	if err != nil {
		t.Fatalf("Put() a error: %v", err)
	}
	snapB, err := store.Put(ctx, snapstore.PutInput{ParentHash: base.Hash, ModeTag: enginetypes.ModeBranched, PageHashes: []string{"p2", "p3"}})
	if err != nil {
		t.Fatalf("Put() b error: %v", err)
	}

	merged, err := mgr.Merge(ctx, enginetypes.MergeUnion, base.Hash, []string{snapA.Hash, snapB.Hash}, enginetypes.ModeBranched)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if merged.PageCount != 3 {
		t.Errorf("Merge(Union) PageCount = %d, want 3 (p1,p2,p3 deduped)", merged.PageCount)
	}
}

func TestMergeIntersectionKeepsSharedOnly(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	base, err := store.Put(ctx, snapstore.PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() base error: %v", err)
	}
	snapA, err := store.Put(ctx, snapstore.PutInput{ParentHash: base.Hash, ModeTag: enginetypes.ModeBranched, PageHashes: []string{"p1", "p2"}})
	if err != nil {
		t.Fatalf("Put() a error: %v", err)
	}
	snapB, err := store.Put(ctx, snapstore.PutInput{ParentHash: base.Hash, ModeTag: enginetypes.ModeBranched, PageHashes: []string{"p2", "p3"}})
	if err != nil {
		t.Fatalf("Put() b error: %v", err)
	}

	merged, err := mgr.Merge(ctx, enginetypes.MergeIntersection, base.Hash, []string{snapA.Hash, snapB.Hash}, enginetypes.ModeBranched)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if merged.PageCount != 1 {
		t.Errorf("Merge(Intersection) PageCount = %d, want 1 (only p2 shared)", merged.PageCount)
	}
}

func TestMergeLatestTakesB(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	base, err := store.Put(ctx, snapstore.PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() base error: %v", err)
	}
	snapA, err := store.Put(ctx, snapstore.PutInput{ParentHash: base.Hash, ModeTag: enginetypes.ModeBranched, PageHashes: []string{"p1"}})
	if err != nil {
		t.Fatalf("Put() a error: %v", err)
	}
	snapB, err := store.Put(ctx, snapstore.PutInput{ParentHash: base.Hash, ModeTag: enginetypes.ModeBranched, PageHashes: []string{"p2", "p3"}})
	if err != nil {
		t.Fatalf("Put() b error: %v", err)
	}

	merged, err := mgr.Merge(ctx, enginetypes.MergeLatest, base.Hash, []string{snapA.Hash, snapB.Hash}, enginetypes.ModeBranched)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if merged.PageCount != 2 {
		t.Errorf("Merge(Latest) PageCount = %d, want 2 (b's pages only)", merged.PageCount)
	}
}

func TestMergeUnknownStrategy(t *testing.T) {
	backend := &fakeBackend{name: enginetypes.BackendContainer}
	mgr, store := newTestManager(t, backend)
	ctx := context.Background()

	base, err := store.Put(ctx, snapstore.PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() base error: %v", err)
	}
	snapA, err := store.Put(ctx, snapstore.PutInput{ParentHash: base.Hash, ModeTag: enginetypes.ModeBranched})
	if err != nil {
		t.Fatalf("Put() a error: %v", err)
	}
	snapB, err := store.Put(ctx, snapstore.PutInput{ParentHash: base.Hash, ModeTag: enginetypes.ModeBranched})
	if err != nil {
		t.Fatalf("Put() b error: %v", err)
	}

	if _, err := mgr.Merge(ctx, enginetypes.MergeStrategy("bogus"), base.Hash, []string{snapA.Hash, snapB.Hash}, enginetypes.ModeBranched); err == nil {
		t.Errorf("Merge() with an unknown strategy should error")
	}
}
