package engine

import (
	"context"
	"time"

	"github.com/sandboxengine/engine/internal/engineerr"
	"github.com/sandboxengine/engine/internal/metrics"
	"github.com/sandboxengine/engine/internal/outputcache"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// runEphemeral prepares a fresh sandbox, execs once, and always destroys it
// (spec §4.7 "Ephemeral"). No pool, no cache, no snapshot.
func (e *Engine) runEphemeral(ctx context.Context, req *enginetypes.Request) (*enginetypes.Response, error) {
	backend, err := e.backendFor(req)
	if err != nil {
		return nil, err
	}
	handle, err := backend.Prepare(ctx, req.Image, req.Limits)
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := backend.Destroy(context.Background(), handle); derr != nil {
			e.log.Warn("ephemeral destroy %s: %v", handle.ID, derr)
		}
	}()

	return backend.Exec(ctx, handle, req)
}

// runCached acquires from the warm pool, checks the output cache first, and
// releases back to the pool when done (spec §4.7 "Cached").
func (e *Engine) runCached(ctx context.Context, req *enginetypes.Request) (*enginetypes.Response, error) {
	backend, err := e.backendFor(req)
	if err != nil {
		return nil, err
	}
	img := e.imageFor(req)

	compute := func(ctx context.Context) (*enginetypes.Response, error) {
		handle, err := e.pool.Acquire(ctx, backend.Name(), img)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.ResourceExhausted, "acquire warm sandbox", err)
		}
		defer e.pool.Release(context.Background(), backend.Name(), img.Name, handle)
		return backend.Exec(ctx, handle, req)
	}

	fp := outputcache.Fingerprint{
		ImageDigest: e.resolveImageDigest(ctx, backend, img),
		Argv:        req.Argv,
		Env:         req.Env,
		StdinHash:   outputcache.HashStdin(req.Stdin),
	}
	resp, hit, err := e.cache.Execute(ctx, fp, compute)
	if err == nil {
		result := "miss"
		if hit {
			result = "hit"
		}
		metrics.CacheResultsTotal.WithLabelValues(result).Inc()
	}
	return resp, err
}

// runCheckpointed runs as Cached, then pauses and persists a snapshot. If
// the backend cannot checkpoint, the router degrades to plain Cached
// behavior rather than failing the request (spec §4.1, "degrades to Cached
// mode").
func (e *Engine) runCheckpointed(ctx context.Context, req *enginetypes.Request) (*enginetypes.Response, error) {
	backend, err := e.backendFor(req)
	if err != nil {
		return nil, err
	}
	img := e.imageFor(req)

	handle, err := e.pool.Acquire(ctx, backend.Name(), img)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ResourceExhausted, "acquire warm sandbox", err)
	}

	resp, execErr := backend.Exec(ctx, handle, req)
	if execErr != nil {
		e.pool.Release(context.Background(), backend.Name(), img.Name, handle)
		return nil, execErr
	}

	snap, pauseErr := backend.Pause(ctx, handle)
	if pauseErr != nil {
		if kind, ok := engineerr.KindOf(pauseErr); ok && kind == engineerr.CheckpointUnsupported {
			e.log.Warn("checkpoint unsupported on %s, degrading to cached semantics", backend.Name())
			e.pool.Release(context.Background(), backend.Name(), img.Name, handle)
			return resp, nil
		}
		e.pool.Release(context.Background(), backend.Name(), img.Name, handle)
		return nil, pauseErr
	}

	resp.SnapshotID = snap.Hash
	if derr := backend.Destroy(context.Background(), handle); derr != nil {
		e.log.Warn("checkpointed destroy after pause %s: %v", handle.ID, derr)
	}
	return resp, nil
}

// runBranched forks branch_from into an independent sandbox, execs, pauses,
// and chains the result to branch_from (spec §4.7 "Branched").
func (e *Engine) runBranched(ctx context.Context, req *enginetypes.Request) (*enginetypes.Response, error) {
	backend, err := e.backendFor(req)
	if err != nil {
		return nil, err
	}

	_, handle, err := e.branches.Fork(ctx, backend.Name(), req.BranchFrom, "", req.Limits)
	if err != nil {
		if kind, ok := engineerr.KindOf(err); ok && kind == engineerr.ForkUnsupported {
			e.log.Warn("fork unsupported on %s, degrading to ephemeral exec against image", backend.Name())
			return e.runEphemeral(ctx, req)
		}
		return nil, err
	}

	resp, execErr := backend.Exec(ctx, handle, req)
	if execErr != nil {
		_ = backend.Destroy(context.Background(), handle)
		return nil, execErr
	}

	snap, pauseErr := backend.Pause(ctx, handle)
	_ = backend.Destroy(context.Background(), handle)
	if pauseErr != nil {
		return nil, pauseErr
	}
	resp.SnapshotID = snap.Hash
	return resp, nil
}

// runPersistent acquires (or reuses) a long-lived sandbox bound to
// req.SessionID, outside the warm pool (spec §4.7 "Persistent"). Every
// Exec counts as a heartbeat, resetting the session's missed-heartbeat
// counter; callers that want to hold a session open without running a
// command use Heartbeat directly. The session is destroyed by an explicit
// StopSession, by RunSessionLifecycle's background sweep once its deadline
// or missed-heartbeat limit is reached (spec §5 "Long-running sessions"),
// or by Teardown.
func (e *Engine) runPersistent(ctx context.Context, req *enginetypes.Request) (*enginetypes.Response, error) {
	if req.SessionID == "" {
		return nil, engineerr.New(engineerr.InvalidRequest, "persistent mode requires session_id")
	}
	backend, err := e.backendFor(req)
	if err != nil {
		return nil, err
	}

	e.sessMu.Lock()
	sess, ok := e.sessions[req.SessionID]
	e.sessMu.Unlock()

	if !ok {
		handle, err := backend.Prepare(ctx, req.Image, req.Limits)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		sess = &persistentSession{
			handle:        handle,
			backendName:   backend.Name(),
			createdAt:     now,
			lastActivity:  now,
			lastHeartbeat: now,
			deadline:      now.Add(e.sessionMaxLifetime),
		}
		e.sessMu.Lock()
		e.sessions[req.SessionID] = sess
		e.sessMu.Unlock()
	}

	resp, err := backend.Exec(ctx, sess.handle, req)
	now := time.Now()
	e.sessMu.Lock()
	sess.lastActivity = now
	sess.lastHeartbeat = now
	sess.missedHeartbeats = 0
	e.sessMu.Unlock()
	return resp, err
}

// StopSession explicitly ends a persistent session and destroys its
// sandbox (spec §9, Open Question (b): sessions are in-memory, lost on
// engine restart, and ended this way, by teardown, or by the lifecycle
// sweep in sessions.go).
func (e *Engine) StopSession(ctx context.Context, sessionID string) error {
	e.sessMu.Lock()
	sess, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.sessMu.Unlock()
	if !ok {
		return engineerr.New(engineerr.InvalidRequest, "unknown session")
	}
	backend, ok := e.backends[sess.backendName]
	if !ok {
		return engineerr.New(engineerr.BackendUnavailable, "backend no longer registered")
	}
	return backend.Destroy(ctx, sess.handle)
}
