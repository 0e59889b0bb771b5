package enginetypes

import "time"

// Snapshot is a content-addressed record of a sandbox's process/memory state.
// Identity is the content hash; Surrogate is a short-lived local id used by
// callers that haven't computed the hash yet (e.g. "the last snapshot of
// request X").
type Snapshot struct {
	Hash       string            `json:"hash"` // content hash, primary identity
	Surrogate  string            `json:"surrogate,omitempty"`
	ParentHash string            `json:"parentHash,omitempty"` // empty if this is a root snapshot
	ModeTag    Mode              `json:"modeTag"`
	CreatedAt  time.Time         `json:"createdAt"`
	SizeBytes  int64             `json:"sizeBytes"`
	PageCount  int               `json:"pageCount"`
	Checksum   string            `json:"checksum"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MergeStrategy selects how conflicting page writes across branches resolve.
type MergeStrategy string

const (
	MergeLatest       MergeStrategy = "latest"
	MergeUnion        MergeStrategy = "union"
	MergeIntersection MergeStrategy = "intersection"
)

// Branch records a copy-on-write fork point. It is never mutated after
// creation; executing against it always produces a new Snapshot.
type Branch struct {
	ID                 string    `json:"id"`
	RootSnapshot       string    `json:"rootSnapshot"`       // the snapshot this branch's lineage is rooted at
	DivergenceSnapshot string    `json:"divergenceSnapshot"` // the snapshot this branch forked from
	ParentBranch       string    `json:"parentBranch,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// EnvironmentImage names a runnable image and its pre-warm policy.
type EnvironmentImage struct {
	Name          string          `json:"name"`
	Capabilities  map[string]bool `json:"capabilities,omitempty"`
	DefaultLimits ResourceLimits  `json:"defaultLimits,omitempty"`
	PrewarmTarget int             `json:"prewarmTarget,omitempty"`

	// Digest is a resolved content digest (e.g. "sha256:...") of Name. No
	// backend or engine code fills it in. Name alone can't be trusted: two
	// pulls of the same tag can serve different bytes if the tag moved. The
	// output cache fingerprint therefore uses the digest the engine resolves
	// through the backend's DigestResolver (cached per backend and image),
	// not this field.
	Digest string `json:"digest,omitempty"`
}
