// Package enginecontract defines the backend-agnostic sandbox contract
// (spec §4.1): the operations the mode router drives regardless of which
// isolation backend (container or microVM) is running underneath. Upper
// layers depend on this interface, not on a concrete backend, so swapping
// container for microVM never changes a caller.
package enginecontract

import (
	"context"

	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// Backend is the contract every isolation backend implements. Capability
// gaps are reported, not hidden: a backend that cannot checkpoint returns
// engineerr.CheckpointUnsupported rather than a degraded no-op.
type Backend interface {
	// Prepare allocates and boots a sandbox for image, ready to accept Exec.
	// It does not run the caller's command; Ephemeral mode calls Exec
	// immediately after, while Cached/warmed sandboxes sit idle until claimed.
	Prepare(ctx context.Context, image string, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error)

	// Exec runs argv inside an already-prepared sandbox and returns once the
	// command exits, times out, or ctx is cancelled.
	Exec(ctx context.Context, handle *enginetypes.SandboxHandle, req *enginetypes.Request) (*enginetypes.Response, error)

	// Pause freezes the sandbox and produces a Snapshot capturing enough
	// state to Resume it later, possibly on a different worker. Backends
	// that cannot snapshot (e.g. a container backend with no CRIU support
	// compiled in) return engineerr.CheckpointUnsupported.
	Pause(ctx context.Context, handle *enginetypes.SandboxHandle) (*enginetypes.Snapshot, error)

	// Resume restores a sandbox from snap, local-cache-first, falling back to
	// the snapshot store and then to a cold boot from the image template.
	Resume(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error)

	// Fork produces an independent child sandbox from snap. Backends
	// without fork support (e.g. a plain container backend) return
	// engineerr.ForkUnsupported. The microVM backend forks by restoring a
	// full copy of snap's memory image; pages are not shared copy-on-write.
	Fork(ctx context.Context, snap *enginetypes.Snapshot, limits enginetypes.ResourceLimits) (*enginetypes.SandboxHandle, error)

	// Destroy tears a sandbox down and releases every resource it held:
	// processes, network namespace or TAP device, disk overlay, cgroup.
	Destroy(ctx context.Context, handle *enginetypes.SandboxHandle) error

	// Stats reports live resource usage, used by the warm pool's cleanup
	// loop and by per-request accounting.
	Stats(ctx context.Context, handle *enginetypes.SandboxHandle) (*enginetypes.SandboxStats, error)

	// Name identifies the backend for logging and metrics labels.
	Name() enginetypes.Backend
}

// Capabilities reports which optional contract operations a backend
// actually supports, so the router can decide up front whether a
// Checkpointed or Branched request is even possible instead of discovering
// it after Prepare.
type Capabilities interface {
	SupportsCheckpoint() bool
	SupportsFork() bool
}

// DigestResolver is implemented by backends that can resolve an image name
// to a content digest independent of Prepare (spec §9 Open Question (a)).
// The router uses this to fingerprint Cached-mode output on the bytes an
// image tag currently points at, not the mutable tag string, so output
// cached under an old push of a tag is never served after the tag moves.
type DigestResolver interface {
	ResolveDigest(ctx context.Context, image string) (string, error)
}
