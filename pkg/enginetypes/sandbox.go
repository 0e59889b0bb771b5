package enginetypes

import "time"

// SandboxState is the lifecycle state a sandbox occupies at any instant.
type SandboxState string

const (
	SandboxPending    SandboxState = "pending"
	SandboxRunning    SandboxState = "running"
	SandboxPaused     SandboxState = "paused"
	SandboxStopped    SandboxState = "stopped"
	SandboxTerminated SandboxState = "terminated"
)

// SandboxHandle is the backend-local handle to a prepared sandbox. Fields
// beyond ID are opaque to the router; only the owning backend interprets them.
type SandboxHandle struct {
	ID            string
	Backend       Backend
	Image         string
	State         SandboxState
	Limits        ResourceLimits
	SnapshotChain []string // hashes of ancestor snapshots this sandbox was resumed from, root first
	LastActivity  time.Time
}

// SandboxStats mirrors the runtime-agnostic resource usage surface both
// backends populate.
type SandboxStats struct {
	CPUPercent float64
	MemUsage   uint64
	MemLimit   uint64
	NetInput   uint64
	NetOutput  uint64
	PIDs       int
}
