// Package agentproto defines the request/response payloads and the gRPC
// service wiring used between the host and the in-VM sandbox agent.
//
// The service is carried over ordinary gRPC (vsock-dialed on the host side),
// but messages are plain Go structs marshaled with the JSON codec registered
// in codec.go rather than generated protobuf types. All RPCs here are unary;
// the PTY data channel is a raw vsock stream set up out-of-band by
// PTYCreate, not a gRPC stream.
package agentproto

// PingRequest carries no fields; Ping is a liveness probe.
type PingRequest struct{}

// PingResponse reports the agent's build version and uptime.
type PingResponse struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// ExecRequest runs a command synchronously inside the VM.
type ExecRequest struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Cwd            string            `json:"cwd"`
	Envs           map[string]string `json:"envs"`
	TimeoutSeconds int32             `json:"timeoutSeconds"`
}

// ExecResponse carries the captured output of a finished ExecRequest.
type ExecResponse struct {
	ExitCode int32  `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ReadFileRequest reads a single file from the VM filesystem.
type ReadFileRequest struct {
	Path string `json:"path"`
}

// ReadFileResponse carries the file's raw content.
type ReadFileResponse struct {
	Content []byte `json:"content"`
}

// WriteFileRequest writes content to a file in the VM filesystem.
type WriteFileRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    uint32 `json:"mode"`
}

// WriteFileResponse carries no fields; success is the absence of an error.
type WriteFileResponse struct{}

// ListDirRequest lists the entries of a directory.
type ListDirRequest struct {
	Path string `json:"path"`
}

// DirEntry describes one entry returned by ListDir.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Path  string `json:"path"`
}

// ListDirResponse carries the directory's entries.
type ListDirResponse struct {
	Entries []*DirEntry `json:"entries"`
}

// MakeDirRequest creates a directory, including any missing parents.
type MakeDirRequest struct {
	Path string `json:"path"`
}

// MakeDirResponse carries no fields.
type MakeDirResponse struct{}

// RemoveRequest removes a file or directory tree.
type RemoveRequest struct {
	Path string `json:"path"`
}

// RemoveResponse carries no fields.
type RemoveResponse struct{}

// ExistsRequest checks whether a path is present.
type ExistsRequest struct {
	Path string `json:"path"`
}

// ExistsResponse reports the result of an ExistsRequest.
type ExistsResponse struct {
	Exists bool `json:"exists"`
}

// StatRequest requests metadata for a single path.
type StatRequest struct {
	Path string `json:"path"`
}

// StatResponse carries file metadata.
type StatResponse struct {
	Name    string `json:"name"`
	IsDir   bool   `json:"isDir"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	ModTime string `json:"modTime"`
	Path    string `json:"path"`
}

// StatsRequest carries no fields; Stats is a point-in-time resource sample.
type StatsRequest struct{}

// StatsResponse carries live resource usage sampled from inside the VM.
type StatsResponse struct {
	MemUsage   uint64  `json:"memUsage"`
	MemLimit   uint64  `json:"memLimit"`
	CpuPercent float64 `json:"cpuPercent"`
	Pids       int32   `json:"pids"`
	NetInput   uint64  `json:"netInput"`
	NetOutput  uint64  `json:"netOutput"`
}

// ShutdownRequest carries no fields.
type ShutdownRequest struct{}

// ShutdownResponse carries no fields; the agent process exits after replying.
type ShutdownResponse struct{}

// SyncFSRequest carries no fields.
type SyncFSRequest struct{}

// SyncFSResponse carries no fields.
type SyncFSResponse struct{}

// PTYCreateRequest starts a new interactive shell session.
type PTYCreateRequest struct {
	Cols  int32  `json:"cols"`
	Rows  int32  `json:"rows"`
	Shell string `json:"shell"`
}

// PTYCreateResponse identifies the session and the vsock port its raw I/O
// is bridged on.
type PTYCreateResponse struct {
	SessionId string `json:"sessionId"`
	DataPort  uint32 `json:"dataPort"`
}

// PTYResizeRequest changes the terminal dimensions of a live session.
type PTYResizeRequest struct {
	SessionId string `json:"sessionId"`
	Cols      int32  `json:"cols"`
	Rows      int32  `json:"rows"`
}

// PTYResizeResponse carries no fields.
type PTYResizeResponse struct{}

// PTYKillRequest terminates a live session.
type PTYKillRequest struct {
	SessionId string `json:"sessionId"`
}

// PTYKillResponse carries no fields.
type PTYKillResponse struct{}
