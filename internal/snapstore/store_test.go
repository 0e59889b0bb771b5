package snapstore

import (
	"context"
	"testing"

	"github.com/sandboxengine/engine/pkg/enginetypes"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{LocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return s
}

func TestPutIsContentAddressedAndDeterministic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := PutInput{
		ModeTag:    enginetypes.ModeCheckpointed,
		PageHashes: []string{"bbb", "aaa", "ccc"},
		Metadata:   map[string]string{"z": "1", "a": "2"},
	}
	snap1, err := s.Put(ctx, in)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	s2 := openTestStore(t)
	snap2, err := s2.Put(ctx, in)
	if err != nil {
		t.Fatalf("Put() on second store error: %v", err)
	}

	if snap1.Hash != snap2.Hash {
		t.Errorf("Put() produced different hashes for identical input across stores: %s != %s", snap1.Hash, snap2.Hash)
	}
}

func TestPutDedupesIdenticalManifests(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := PutInput{ModeTag: enginetypes.ModeCached, PageHashes: []string{"p1"}}
	first, err := s.Put(ctx, in)
	if err != nil {
		t.Fatalf("first Put() error: %v", err)
	}
	second, err := s.Put(ctx, in)
	if err != nil {
		t.Fatalf("second Put() error: %v", err)
	}
	if first.Hash != second.Hash {
		t.Fatalf("expected identical hash on dedup, got %s and %s", first.Hash, second.Hash)
	}

	entry, ok := s.idx.get(first.Hash)
	if !ok {
		t.Fatalf("index entry missing for %s", first.Hash)
	}
	if entry.RefCount != 2 {
		t.Errorf("expected refcount 2 after two Puts of the same content, got %d", entry.RefCount)
	}
}

func TestPutPageDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data := []byte("same page bytes")
	h1, err := s.PutPage(ctx, data)
	if err != nil {
		t.Fatalf("PutPage() error: %v", err)
	}
	h2, err := s.PutPage(ctx, data)
	if err != nil {
		t.Fatalf("second PutPage() error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("PutPage() should dedup identical content, got %s != %s", h1, h2)
	}

	got, err := s.GetPage(ctx, h1)
	if err != nil {
		t.Fatalf("GetPage() error: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("GetPage() = %q, want %q", got, data)
	}
}

func TestGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	page, err := s.PutPage(ctx, []byte("page bytes"))
	if err != nil {
		t.Fatalf("PutPage() error: %v", err)
	}
	snap, err := s.Put(ctx, PutInput{
		ModeTag:    enginetypes.ModeCheckpointed,
		PageHashes: []string{page},
		Metadata:   map[string]string{"image": "alpine"},
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := s.Get(ctx, snap.Hash)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.PageCount != 1 {
		t.Errorf("PageCount = %d, want 1", got.PageCount)
	}
	if got.Metadata["image"] != "alpine" {
		t.Errorf("Metadata[image] = %q, want alpine", got.Metadata["image"])
	}

	hashes, err := s.PageHashes(ctx, snap.Hash)
	if err != nil {
		t.Fatalf("PageHashes() error: %v", err)
	}
	if len(hashes) != 1 || hashes[0] != page {
		t.Errorf("PageHashes() = %v, want [%s]", hashes, page)
	}
}

func TestPutRejectsMissingParent(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(context.Background(), PutInput{ParentHash: "does-not-exist", ModeTag: enginetypes.ModeCheckpointed})
	if err == nil {
		t.Errorf("expected error when parent hash does not exist")
	}
}

func TestDeleteRejectsNonzeroRefcount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	snap, err := s.Put(ctx, PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	if err := s.Delete(ctx, snap.Hash); err == nil {
		t.Errorf("Delete() should fail while refcount is nonzero")
	}

	if err := s.Release(snap.Hash); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := s.Delete(ctx, snap.Hash); err != nil {
		t.Errorf("Delete() after release should succeed, got: %v", err)
	}
}

func TestDeleteRejectsParentInUse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.Put(ctx, PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() root error: %v", err)
	}
	if err := s.Release(root.Hash); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	if _, err := s.Put(ctx, PutInput{ParentHash: root.Hash, ModeTag: enginetypes.ModeCheckpointed}); err != nil {
		t.Fatalf("Put() child error: %v", err)
	}

	if err := s.Delete(ctx, root.Hash); err == nil {
		t.Errorf("Delete() should refuse to remove a hash still referenced as a parent")
	}
}

func TestListFiltersByModeAndParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.Put(ctx, PutInput{ModeTag: enginetypes.ModeCheckpointed})
	if err != nil {
		t.Fatalf("Put() root error: %v", err)
	}
	if _, err := s.Put(ctx, PutInput{ParentHash: root.Hash, ModeTag: enginetypes.ModeBranched}); err != nil {
		t.Fatalf("Put() child error: %v", err)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List() returned %d snapshots, want 2", len(all))
	}

	children, err := s.List(ctx, Filter{ParentHash: root.Hash})
	if err != nil {
		t.Fatalf("List() with ParentHash filter error: %v", err)
	}
	if len(children) != 1 || children[0].ModeTag != enginetypes.ModeBranched {
		t.Errorf("List(ParentHash=root) = %+v, want one Branched snapshot", children)
	}
}

func TestBranchRecordsPersistAndList(t *testing.T) {
	s := openTestStore(t)

	br := &enginetypes.Branch{
		ID:                 "br-1",
		RootSnapshot:       "root-hash",
		DivergenceSnapshot: "div-hash",
	}
	if err := s.PutBranch(br); err != nil {
		t.Fatalf("PutBranch() error: %v", err)
	}

	got, err := s.GetBranch("br-1")
	if err != nil {
		t.Fatalf("GetBranch() error: %v", err)
	}
	if got.DivergenceSnapshot != "div-hash" {
		t.Errorf("GetBranch().DivergenceSnapshot = %q, want div-hash", got.DivergenceSnapshot)
	}

	list, err := s.ListBranches("div-hash")
	if err != nil {
		t.Fatalf("ListBranches() error: %v", err)
	}
	if len(list) != 1 || list[0].ID != "br-1" {
		t.Errorf("ListBranches(div-hash) = %+v, want one entry br-1", list)
	}

	none, err := s.ListBranches("other-hash")
	if err != nil {
		t.Fatalf("ListBranches() error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListBranches(other-hash) = %+v, want none", none)
	}
}
