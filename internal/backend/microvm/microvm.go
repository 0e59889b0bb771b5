// Package microvm adapts the Firecracker manager onto the engine's backend
// contract (spec §4.3): microVMs with a vsock guest agent, native
// snapshot/restore, and fork as a full restore of the memory image into a
// new sandbox (pages are not shared copy-on-write with the parent).
//
// Pause/Resume bypass the manager's own archive-then-upload-to-S3 path:
// they read and write the mem/vmstate/snapshot-meta.json files the
// manager's hibernate step already writes to local disk synchronously,
// routing their bytes through the content-addressed snapshot store instead
// of a time-keyed S3 object. This keeps the VMM-level snapshot mechanics
// exactly as the manager implements them while satisfying the store's
// determinism and dedup requirements on top.
package microvm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxengine/engine/internal/engineerr"
	"github.com/sandboxengine/engine/internal/enginelog"
	"github.com/sandboxengine/engine/internal/firecracker"
	"github.com/sandboxengine/engine/internal/snapstore"
	"github.com/sandboxengine/engine/internal/sparse"
	"github.com/sandboxengine/engine/internal/storage"
	"github.com/sandboxengine/engine/pkg/enginetypes"
	"github.com/sandboxengine/engine/pkg/types"
)

// Backend drives microVMs through a firecracker.Manager.
type Backend struct {
	manager *firecracker.Manager
	store   *snapstore.Store
	// localCheckpointStore is never used for S3 transfer: its sole purpose
	// is satisfying Hibernate/Wake's parameter, since their local-file fast
	// path is always taken here. No S3 client is attached.
	localCheckpointStore *storage.CheckpointStore
	log                  *enginelog.Logger
}

func New(manager *firecracker.Manager, store *snapstore.Store) (*Backend, error) {
	cs, err := storage.NewCheckpointStore(storage.S3Config{Bucket: "unused", Region: "us-east-1"})
	if err != nil {
		return nil, fmt.Errorf("microvm: init local checkpoint shim: %w", err)
	}
	return &Backend{manager: manager, store: store, localCheckpointStore: cs, log: enginelog.New("backend.microvm")}, nil
}

func (b *Backend) Name() enginetypes.Backend { return enginetypes.BackendMicroVM }

func (b *Backend) SupportsCheckpoint() bool { return true }
func (b *Backend) SupportsFork() bool       { return true }

// ResolveDigest hashes the base rootfs image bytes template resolves to,
// satisfying enginecontract.DigestResolver (spec §9 Open Question (a)).
// microVM templates have no registry tag to move underneath a name the way
// an OCI image does, but the same template name can still be repointed at a
// rebuilt rootfs file on disk, so content, not the name, is what the
// fingerprint cache must key on.
func (b *Backend) ResolveDigest(ctx context.Context, image string) (string, error) {
	path, err := firecracker.ResolveBaseImage(b.manager.ImagesDir(), image)
	if err != nil {
		return "", engineerr.Wrap(engineerr.ImageUnavailable, "resolve base image", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", engineerr.Wrap(engineerr.ImageUnavailable, "open base image", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", engineerr.Wrap(engineerr.ImageUnavailable, "hash base image", err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func (b *Backend) Prepare(ctx context.Context, image string, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	sb, err := b.manager.Create(ctx, types.SandboxConfig{
		Template: image,
		CpuCount: limits.CPUCount,
		MemoryMB: limits.MemoryMB,
		Timeout:  300,
	})
	if err != nil {
		return nil, engineerr.Wrap(engineerr.BackendUnavailable, "firecracker create", err)
	}
	return &enginetypes.SandboxHandle{
		ID:           sb.ID,
		Backend:      enginetypes.BackendMicroVM,
		Image:        image,
		State:        enginetypes.SandboxRunning,
		Limits:       limits,
		LastActivity: time.Now(),
	}, nil
}

func (b *Backend) Exec(ctx context.Context, handle *enginetypes.SandboxHandle, req *enginetypes.Request) (*enginetypes.Response, error) {
	start := time.Now()
	timeoutSec := int(req.Timeout / time.Second)
	if req.Timeout > 0 && timeoutSec == 0 {
		timeoutSec = 1
	}

	var cmd string
	var args []string
	if len(req.Argv) > 0 {
		cmd, args = req.Argv[0], req.Argv[1:]
	}

	result, err := b.manager.Exec(ctx, handle.ID, types.ProcessConfig{
		Command: cmd,
		Args:    args,
		Env:     req.Env,
		Timeout: timeoutSec,
	})
	duration := time.Since(start)

	if ctx.Err() != nil {
		return &enginetypes.Response{RequestID: req.ID, ExitCode: enginetypes.ExitSentinel, Duration: duration},
			engineerr.New(engineerr.Timeout, fmt.Sprintf("command exceeded %s", req.Timeout))
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.SandboxCrashed, "guest agent exec", err)
	}

	outCap := req.Limits.OutputCapBytes
	stdout, truncOut := capBytes([]byte(result.Stdout), outCap)
	stderr, truncErr := capBytes([]byte(result.Stderr), outCap)

	handle.LastActivity = time.Now()
	return &enginetypes.Response{
		RequestID: req.ID,
		ExitCode:  result.ExitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		Duration:  duration,
		Truncated: truncOut || truncErr,
	}, nil
}

func capBytes(b []byte, limit int) ([]byte, bool) {
	if limit <= 0 || len(b) <= limit {
		return b, false
	}
	return b[:limit], true
}

// snapshotFiles are the files the manager's hibernate step writes locally,
// relative to <dataDir>/sandboxes/<id>/snapshot/.
var snapshotFiles = []string{"mem", "vmstate", "snapshot-meta.json"}

// memFileName is the guest memory dump among snapshotFiles. Firecracker
// writes it at the guest's full configured size regardless of how much RAM
// the workload actually touched, so it is usually mostly zero pages; it is
// compacted with internal/sparse before entering the content-addressed
// store rather than stored byte-for-byte like vmstate and the metadata file.
const memFileName = "mem"

// compactMemFile runs sparse.Create against path and returns the resulting
// archive's bytes, deleting the intermediate archive file once read.
func compactMemFile(path string) ([]byte, error) {
	archivePath := path + ".sparse.zst"
	if _, err := sparse.Create(path, archivePath); err != nil {
		return nil, fmt.Errorf("compact mem file: %w", err)
	}
	defer os.Remove(archivePath)
	return os.ReadFile(archivePath)
}

// expandMemFile writes archive to a temp file and restores it into dstPath
// as a sparse file via internal/sparse, the inverse of compactMemFile.
func expandMemFile(archive []byte, dstPath string) error {
	archivePath := dstPath + ".sparse.zst"
	if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
		return fmt.Errorf("write mem archive: %w", err)
	}
	defer os.Remove(archivePath)
	return sparse.Restore(archivePath, dstPath)
}

func (b *Backend) snapshotDir(sandboxID string) string {
	return filepath.Join(b.manager.DataDir(), "sandboxes", sandboxID, "snapshot")
}

// Pause freezes the VM (manager.Hibernate writes mem/vmstate/meta locally
// before returning) then moves those files into the content-addressed
// store as pages, replacing the manager's own time-keyed S3 archive path.
func (b *Backend) Pause(ctx context.Context, handle *enginetypes.SandboxHandle) (*enginetypes.Snapshot, error) {
	if _, err := b.manager.Hibernate(ctx, handle.ID, b.localCheckpointStore); err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "hibernate microvm", err)
	}

	dir := b.snapshotDir(handle.ID)
	pageHashes := make([]string, 0, len(snapshotFiles))
	for _, name := range snapshotFiles {
		path := filepath.Join(dir, name)
		var data []byte
		var err error
		if name == memFileName {
			data, err = compactMemFile(path)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, engineerr.Wrap(engineerr.CheckpointFailed, fmt.Sprintf("read snapshot file %s", name), err)
		}
		hash, err := b.store.PutPage(ctx, data)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.CheckpointFailed, fmt.Sprintf("store snapshot file %s", name), err)
		}
		pageHashes = append(pageHashes, hash)
	}

	parent := ""
	if len(handle.SnapshotChain) > 0 {
		parent = handle.SnapshotChain[len(handle.SnapshotChain)-1]
	}
	snap, err := b.store.Put(ctx, snapstore.PutInput{
		ParentHash: parent,
		ModeTag:    enginetypes.ModeCheckpointed,
		PageHashes: pageHashes,
		Metadata: map[string]string{
			"backend": string(enginetypes.BackendMicroVM),
			"image":   handle.Image,
		},
	})
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "write snapshot manifest", err)
	}
	handle.State = enginetypes.SandboxPaused
	return snap, nil
}

// Resume writes the snapshot's page blobs back to the local file layout
// Wake's fast path expects, then restores through the manager. If this
// worker never cached the pages, GetPage falls through to the store's
// remote tier and repopulates local cache, giving cross-worker wake.
func (b *Backend) Resume(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	return b.restoreInto(ctx, snap, limits, restoreSandboxID(snap))
}

func (b *Backend) restoreInto(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits, sandboxID string) (*enginetypes.SandboxHandle, error) {
	if len(snap.Metadata) == 0 || snap.PageCount != len(snapshotFiles) {
		return nil, engineerr.New(engineerr.SnapshotCorrupt, "microvm snapshot must reference mem/vmstate/meta pages")
	}
	hashes, err := b.store.PageHashes(ctx, snap.Hash)
	if err != nil || len(hashes) != len(snapshotFiles) {
		return nil, engineerr.Wrap(engineerr.SnapshotCorrupt, "load snapshot page hashes", err)
	}

	dir := b.snapshotDir(sandboxID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "create snapshot dir", err)
	}
	for i, name := range snapshotFiles {
		data, err := b.store.GetPage(ctx, hashes[i])
		if err != nil {
			return nil, engineerr.Wrap(engineerr.SnapshotNotFound, fmt.Sprintf("load snapshot file %s", name), err)
		}
		dstPath := filepath.Join(dir, name)
		if name == memFileName {
			err = expandMemFile(data, dstPath)
		} else {
			err = os.WriteFile(dstPath, data, 0o644)
		}
		if err != nil {
			return nil, engineerr.Wrap(engineerr.CheckpointFailed, fmt.Sprintf("write snapshot file %s", name), err)
		}
	}

	sb, err := b.manager.Wake(ctx, sandboxID, "", b.localCheckpointStore, 300)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "wake microvm", err)
	}

	return &enginetypes.SandboxHandle{
		ID:            sb.ID,
		Backend:       enginetypes.BackendMicroVM,
		Image:         snap.Metadata["image"],
		State:         enginetypes.SandboxRunning,
		Limits:        limits,
		SnapshotChain: append(append([]string{}, ancestorsOf(snap)...), snap.Hash),
		LastActivity:  time.Now(),
	}, nil
}

// restoreSandboxID derives a stable sandbox ID from the snapshot hash so
// repeated resumes of the same snapshot address the same local directory.
func restoreSandboxID(snap *enginetypes.Snapshot) string {
	return "restore-" + snap.Hash[:16]
}

func ancestorsOf(snap *enginetypes.Snapshot) []string {
	if snap.ParentHash == "" {
		return nil
	}
	return []string{snap.ParentHash}
}

// Fork restores the parent snapshot into a fresh sandbox ID of its own, so
// each fork is a separate guest and the parent is not mutated. The child
// receives a full copy of the memory image; pages are not shared
// copy-on-write with the parent or with other forks.
func (b *Backend) Fork(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	h, err := b.restoreInto(ctx, snap, limits, "fork-"+uuid.NewString()[:18])
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ForkUnsupported, "fork via resume", err)
	}
	return h, nil
}

func (b *Backend) Destroy(ctx context.Context, handle *enginetypes.SandboxHandle) error {
	if err := b.manager.Kill(ctx, handle.ID); err != nil {
		return engineerr.Wrap(engineerr.BackendUnavailable, "kill microvm", err)
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context, handle *enginetypes.SandboxHandle) (*enginetypes.SandboxStats, error) {
	s, err := b.manager.Stats(ctx, handle.ID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.BackendUnavailable, "microvm stats", err)
	}
	return &enginetypes.SandboxStats{
		CPUPercent: s.CPUPercent,
		MemUsage:   s.MemUsage,
		MemLimit:   s.MemLimit,
		NetInput:   s.NetInput,
		NetOutput:  s.NetOutput,
		PIDs:       s.PIDs,
	}, nil
}
