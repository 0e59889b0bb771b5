package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sandboxengine/engine/internal/snapstore"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

func (s *Server) execute(c echo.Context) error {
	var req enginetypes.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body: "+err.Error()))
	}
	resp, err := s.engine.Execute(c.Request().Context(), &req)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

var streamUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// streamExecute runs a request to completion and emits its output as a
// stdout chunk and a stderr chunk (each only when non-empty) followed by a
// final event (spec §6 "stream_execute"); if execution fails it emits one
// stderr event carrying the error and no final event. The
// engine's backends return a complete Response rather than an incremental
// output stream, so this is chunked replay rather than live tailing; a true
// live stream would need a per-backend streaming Exec, which none of the
// wrapped CLIs (podman exec, the vsock guest agent) expose today.
func (s *Server) streamExecute(c echo.Context) error {
	var req enginetypes.Request
	req.ID = c.QueryParam("id")
	req.Image = c.QueryParam("image")
	req.Mode = enginetypes.Mode(c.QueryParam("mode"))
	if argv := c.QueryParams()["argv"]; len(argv) > 0 {
		req.Argv = argv
	}

	conn, err := streamUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, execErr := s.engine.Execute(c.Request().Context(), &req)
	if execErr != nil {
		_ = conn.WriteJSON(enginetypes.StreamEvent{Kind: enginetypes.StreamStderr, Chunk: []byte(execErr.Error())})
		return nil
	}

	if len(resp.Stdout) > 0 {
		_ = conn.WriteJSON(enginetypes.StreamEvent{Kind: enginetypes.StreamStdout, Chunk: resp.Stdout})
	}
	if len(resp.Stderr) > 0 {
		_ = conn.WriteJSON(enginetypes.StreamEvent{Kind: enginetypes.StreamStderr, Chunk: resp.Stderr})
	}
	return conn.WriteJSON(enginetypes.StreamEvent{Kind: enginetypes.StreamFinal, Progress: 1, Final: resp})
}

type createSnapshotRequest struct {
	SessionID string            `json:"sessionID"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) createSnapshot(c echo.Context) error {
	var req createSnapshotRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body: "+err.Error()))
	}
	snap, err := s.engine.CreateSnapshot(c.Request().Context(), req.SessionID, req.Metadata)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, snap)
}

type restoreSnapshotRequest struct {
	Backend enginetypes.Backend        `json:"backend"`
	Argv    []string                   `json:"argv,omitempty"`
	Limits  enginetypes.ResourceLimits `json:"limits,omitempty"`
}

func (s *Server) restoreSnapshot(c echo.Context) error {
	hash := c.Param("hash")
	var req restoreSnapshotRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body: "+err.Error()))
	}
	backend := req.Backend
	if backend == "" {
		backend = enginetypes.BackendContainer
	}
	resp, err := s.engine.RestoreSnapshot(c.Request().Context(), backend, hash, req.Argv, req.Limits)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listSnapshots(c echo.Context) error {
	filter := snapstore.Filter{
		ModeTag:    enginetypes.Mode(c.QueryParam("mode")),
		ParentHash: c.QueryParam("parentHash"),
	}
	snaps, err := s.engine.ListSnapshots(c.Request().Context(), filter)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, snaps)
}

func (s *Server) getSnapshot(c echo.Context) error {
	snap, err := s.engine.GetSnapshot(c.Request().Context(), c.Param("hash"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) deleteSnapshot(c echo.Context) error {
	if err := s.engine.DeleteSnapshot(c.Request().Context(), c.Param("hash")); err != nil {
		return jsonError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type createBranchRequest struct {
	Backend      enginetypes.Backend        `json:"backend"`
	SnapshotHash string                     `json:"snapshotHash"`
	Limits       enginetypes.ResourceLimits `json:"limits,omitempty"`
}

func (s *Server) createBranch(c echo.Context) error {
	var req createBranchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body: "+err.Error()))
	}
	backend := req.Backend
	if backend == "" {
		backend = enginetypes.BackendContainer
	}
	br, err := s.engine.CreateBranch(c.Request().Context(), backend, req.SnapshotHash, req.Limits)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, br)
}

func (s *Server) listBranches(c echo.Context) error {
	branches, err := s.engine.ListBranches(c.Request().Context(), c.QueryParam("snapshotID"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, branches)
}

type mergeBranchesRequest struct {
	Strategy  enginetypes.MergeStrategy `json:"strategy"`
	Base      string                    `json:"base"`
	Snapshots []string                  `json:"snapshots"`
}

func (s *Server) mergeBranches(c echo.Context) error {
	var req mergeBranchesRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body: "+err.Error()))
	}
	if len(req.Snapshots) < 2 {
		return c.JSON(http.StatusBadRequest, errBody("merge requires at least two snapshots"))
	}
	snap, err := s.engine.MergeBranches(c.Request().Context(), req.Strategy, req.Base, req.Snapshots)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

type prewarmRequest struct {
	Backend enginetypes.Backend `json:"backend"`
	Image   string              `json:"image"`
	Count   int                 `json:"count"`
}

func (s *Server) prewarm(c echo.Context) error {
	var req prewarmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body: "+err.Error()))
	}
	backend := req.Backend
	if backend == "" {
		backend = enginetypes.BackendContainer
	}
	s.engine.Prewarm(c.Request().Context(), backend, req.Image, req.Count)
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) stopSession(c echo.Context) error {
	if err := s.engine.StopSession(c.Request().Context(), c.Param("id")); err != nil {
		return jsonError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// heartbeatSession keeps a Persistent session alive without running a
// command (spec §5 "kept alive by periodic heartbeats").
func (s *Server) heartbeatSession(c echo.Context) error {
	if err := s.engine.Heartbeat(c.Request().Context(), c.Param("id")); err != nil {
		return jsonError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type extendSessionRequest struct {
	ExtensionSeconds int `json:"extensionSeconds"`
}

// extendSession pushes a Persistent session's deadline out, bounded by its
// configured extension limit (spec §5 "may be extended up to a configured
// number of times").
func (s *Server) extendSession(c echo.Context) error {
	var req extendSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body: "+err.Error()))
	}
	if req.ExtensionSeconds <= 0 {
		return c.JSON(http.StatusBadRequest, errBody("extensionSeconds must be positive"))
	}
	deadline, err := s.engine.ExtendSession(c.Request().Context(), c.Param("id"), time.Duration(req.ExtensionSeconds)*time.Second)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]time.Time{"deadline": deadline})
}

func (s *Server) engineMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.MetricsSnapshot(c.Request().Context()))
}

func jsonError(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, errBody(err.Error()))
}
