// Package container adapts the podman CLI wrapper onto the engine's
// backend contract (spec §4.2): writable-overlay containers with a
// checkpoint facility for pause/resume, and no copy-on-write fork support.
package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxengine/engine/internal/engineerr"
	"github.com/sandboxengine/engine/internal/enginelog"
	"github.com/sandboxengine/engine/internal/podman"
	"github.com/sandboxengine/engine/internal/snapstore"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// Backend drives OCI containers through the local podman binary.
type Backend struct {
	client *podman.Client
	store  *snapstore.Store
	log    *enginelog.Logger

	// readyProbe is invoked after start; it blocks until the container's
	// init process answers ready or the deadline in ctx elapses.
	readyProbe func(ctx context.Context, containerName string) error
}

// New builds a container Backend. An explicit zero-value ProbeConfig
// (Kind == "") falls back to defaultProbeConfig rather than leaving
// readyProbe unset, so Prepare always gates handoff on a readiness check
// (spec §4.2).
func New(client *podman.Client, store *snapstore.Store, probeCfg ProbeConfig) *Backend {
	if probeCfg.Kind == "" {
		probeCfg = defaultProbeConfig()
	}
	return &Backend{
		client:     client,
		store:      store,
		log:        enginelog.New("backend.container"),
		readyProbe: newReadyProbe(client, probeCfg),
	}
}

func (b *Backend) Name() enginetypes.Backend { return enginetypes.BackendContainer }

func (b *Backend) SupportsCheckpoint() bool { return true }
func (b *Backend) SupportsFork() bool       { return false }

// ResolveDigest resolves image to the content digest podman reports for it,
// satisfying enginecontract.DigestResolver (spec §9 Open Question (a)): the
// fingerprint cache must key on what a tag currently points at, not the tag
// string itself, so a moved tag can't collide with output cached under its
// old bytes.
func (b *Backend) ResolveDigest(ctx context.Context, image string) (string, error) {
	exists, err := b.client.ImageExists(ctx, image)
	if err != nil {
		return "", engineerr.Wrap(engineerr.BackendUnavailable, "check image presence", err)
	}
	if !exists {
		if err := b.client.PullImage(ctx, image); err != nil {
			return "", engineerr.Wrap(engineerr.ImageUnavailable, fmt.Sprintf("pull %s", image), err)
		}
	}
	digest, err := b.client.InspectImageDigest(ctx, image)
	if err != nil {
		return "", engineerr.Wrap(engineerr.ImageUnavailable, "resolve image digest", err)
	}
	return digest, nil
}

// Prepare pulls the image if absent, creates a hardened container, and
// starts it (spec §4.2).
func (b *Backend) Prepare(ctx context.Context, image string, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	exists, err := b.client.ImageExists(ctx, image)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.BackendUnavailable, "check image presence", err)
	}
	if !exists {
		if err := b.client.PullImage(ctx, image); err != nil {
			return nil, engineerr.Wrap(engineerr.ImageUnavailable, fmt.Sprintf("pull %s", image), err)
		}
	}

	id := uuid.NewString()
	name := b.containerName(id)
	cfg := podman.DefaultContainerConfig(name, image)
	cfg.Labels["engine.sandbox_id"] = id
	if limits.MemoryMB > 0 {
		cfg.Memory = fmt.Sprintf("%dm", limits.MemoryMB)
	}
	if limits.CPUCount > 0 {
		cfg.CPUs = fmt.Sprintf("%d", limits.CPUCount)
	}
	cfg.CapAdd = []string{"CHECKPOINT_RESTORE"}

	if _, err := b.client.CreateContainer(ctx, cfg); err != nil {
		return nil, engineerr.Wrap(engineerr.ResourceExhausted, "create container", err)
	}
	if err := b.client.StartContainer(ctx, name); err != nil {
		return nil, engineerr.Wrap(engineerr.BackendUnavailable, "start container", err)
	}
	if b.readyProbe != nil {
		if err := b.readyProbe(ctx, name); err != nil {
			_ = b.client.RemoveContainer(context.Background(), name, true)
			return nil, engineerr.Wrap(engineerr.BackendUnavailable, "readiness probe", err)
		}
	}

	return &enginetypes.SandboxHandle{
		ID:           id,
		Backend:      enginetypes.BackendContainer,
		Image:        image,
		State:        enginetypes.SandboxRunning,
		Limits:       limits,
		LastActivity: time.Now(),
	}, nil
}

func (b *Backend) containerName(id string) string { return "engine-" + id }

// Exec attaches to the container and runs argv, enforcing timeout and the
// response's output cap (spec §4.1).
func (b *Backend) Exec(ctx context.Context, handle *enginetypes.SandboxHandle, req *enginetypes.Request) (*enginetypes.Response, error) {
	start := time.Now()
	execCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var stdin io.Reader
	if len(req.Stdin) > 0 {
		stdin = strings.NewReader(string(req.Stdin))
	}

	result, err := b.client.ExecInContainer(execCtx, podman.ExecConfig{
		Container: b.containerName(handle.ID),
		Command:   req.Argv,
		Env:       req.Env,
		Stdin:     stdin,
	})
	duration := time.Since(start)

	if execCtx.Err() != nil {
		return &enginetypes.Response{
			RequestID: req.ID,
			ExitCode:  enginetypes.ExitSentinel,
			Duration:  duration,
		}, engineerr.New(engineerr.Timeout, fmt.Sprintf("command exceeded %s", req.Timeout))
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.SandboxCrashed, "exec in container", err)
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

// Pause checkpoints the container to a local archive, stores it in the
// snapshot store, and returns the resulting Snapshot.
func (b *Backend) Pause(ctx context.Context, handle *enginetypes.SandboxHandle) (*enginetypes.Snapshot, error) {
	name := b.containerName(handle.ID)
	tmp, err := os.CreateTemp("", "engine-checkpoint-*.tar.zst")
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "create checkpoint temp file", err)
	}
	archivePath := tmp.Name()
	tmp.Close()
	defer os.Remove(archivePath)

	if err := b.client.CheckpointContainer(ctx, name, archivePath); err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "checkpoint container", err)
	}

	data, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "read checkpoint archive", err)
	}
	pageHash, err := b.store.PutPage(ctx, data)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "store checkpoint archive", err)
	}

	parent := ""
	if len(handle.SnapshotChain) > 0 {
		parent = handle.SnapshotChain[len(handle.SnapshotChain)-1]
	}
	snap, err := b.store.Put(ctx, snapstore.PutInput{
		ParentHash: parent,
		ModeTag:    enginetypes.ModeCheckpointed,
		PageHashes: []string{pageHash},
		Metadata:   map[string]string{"backend": string(enginetypes.BackendContainer), "image": handle.Image},
	})
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "write snapshot manifest", err)
	}

	handle.State = enginetypes.SandboxPaused
	return snap, nil
}

// Resume restores a container from a checkpoint snapshot.
func (b *Backend) Resume(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	if len(snap.Metadata) == 0 || snap.PageCount != 1 {
		return nil, engineerr.New(engineerr.SnapshotCorrupt, "container snapshot must reference exactly one checkpoint page")
	}
	hashes, err := b.store.PageHashes(ctx, snap.Hash)
	if err != nil || len(hashes) != 1 {
		return nil, engineerr.Wrap(engineerr.SnapshotCorrupt, "load checkpoint page hash", err)
	}
	data, err := b.store.GetPage(ctx, hashes[0])
	if err != nil {
		return nil, engineerr.Wrap(engineerr.SnapshotNotFound, "load checkpoint archive", err)
	}

	tmp, err := os.CreateTemp("", "engine-restore-*.tar")
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "create restore temp file", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "write restore temp file", err)
	}
	tmp.Close()

	id := uuid.NewString()
	name := b.containerName(id)
	if err := b.client.RestoreContainer(ctx, tmp.Name(), name); err != nil {
		return nil, engineerr.Wrap(engineerr.CheckpointFailed, "restore container", err)
	}

	return &enginetypes.SandboxHandle{
		ID:            id,
		Backend:       enginetypes.BackendContainer,
		Image:         snap.Metadata["image"],
		State:         enginetypes.SandboxRunning,
		Limits:        limits,
		SnapshotChain: append(append([]string{}, ancestorsOf(snap)...), snap.Hash),
		LastActivity:  time.Now(),
	}, nil
}

func ancestorsOf(snap *enginetypes.Snapshot) []string {
	if snap.ParentHash == "" {
		return nil
	}
	return []string{snap.ParentHash}
}

// Fork is not supported by the container backend: podman containers have no
// copy-on-write primitive over live process state.
func (b *Backend) Fork(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error) {
	return nil, engineerr.New(engineerr.ForkUnsupported, "container backend has no copy-on-write fork primitive")
}

// Destroy removes the container, its overlay, and its network namespace on
// every exit path.
func (b *Backend) Destroy(ctx context.Context, handle *enginetypes.SandboxHandle) error {
	name := b.containerName(handle.ID)
	if err := b.client.RemoveContainer(ctx, name, true); err != nil {
		return engineerr.Wrap(engineerr.BackendUnavailable, "remove container", err)
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context, handle *enginetypes.SandboxHandle) (*enginetypes.SandboxStats, error) {
	s, err := b.client.ContainerStats(ctx, b.containerName(handle.ID))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.BackendUnavailable, "container stats", err)
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
