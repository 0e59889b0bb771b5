package engine

import (
	"context"
	"time"

	"github.com/sandboxengine/engine/internal/engineerr"
)

// RunSessionLifecycle starts the background sweep that expires Persistent
// sessions (spec §5 "Long-running sessions"): it runs on
// sessionHeartbeatInterval, terminating any session past its deadline or
// past sessionMissedHeartbeatLimit consecutive missed heartbeats, and, if
// sessionAutoCheckpointInterval is set, snapshotting sessions that have gone
// that long without an automatic checkpoint. It blocks until
// StopSessionLifecycle is called or ctx is cancelled; callers typically run
// it in its own goroutine alongside warmpool.Manager.Run.
func (e *Engine) RunSessionLifecycle(ctx context.Context) {
	t := time.NewTicker(e.sessionHeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.sessionStopCh:
			return
		case <-t.C:
			e.sweepSessions(ctx)
		}
	}
}

// StopSessionLifecycle signals RunSessionLifecycle to exit. Safe to call
// more than once.
func (e *Engine) StopSessionLifecycle() {
	e.sessionStopOnce.Do(func() { close(e.sessionStopCh) })
}

// sweepSessions walks every tracked Persistent session once, terminating
// those that have exceeded their deadline or missed too many heartbeats,
// and auto-checkpointing the rest when due.
func (e *Engine) sweepSessions(ctx context.Context) {
	now := time.Now()

	e.sessMu.Lock()
	var expired []string
	var checkpointDue []string
	for id, sess := range e.sessions {
		if now.Sub(sess.lastHeartbeat) > e.sessionHeartbeatInterval {
			sess.missedHeartbeats++
		}
		if now.After(sess.deadline) || sess.missedHeartbeats >= e.sessionMissedHeartbeatLimit {
			expired = append(expired, id)
			continue
		}
		if e.sessionAutoCheckpointInterval > 0 && now.Sub(sess.lastCheckpoint) >= e.sessionAutoCheckpointInterval {
			checkpointDue = append(checkpointDue, id)
		}
	}
	e.sessMu.Unlock()

	for _, id := range expired {
		e.terminateSession(ctx, id)
	}
	for _, id := range checkpointDue {
		e.autoCheckpointSession(ctx, id)
	}
}

func (e *Engine) terminateSession(ctx context.Context, sessionID string) {
	e.sessMu.Lock()
	sess, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.sessMu.Unlock()
	if !ok {
		return
	}
	backend, ok := e.backends[sess.backendName]
	if !ok {
		return
	}
	if err := backend.Destroy(ctx, sess.handle); err != nil {
		e.log.Warn("expire persistent session %s: destroy: %v", sessionID, err)
	} else {
		e.log.Info("expired persistent session %s (missed=%d, deadline passed=%t)",
			sessionID, sess.missedHeartbeats, time.Now().After(sess.deadline))
	}
}

// autoCheckpointSession pauses and immediately resumes the session's
// sandbox, the same round trip CreateSnapshot uses, so a crash between
// checkpoints never loses more than one auto-checkpoint interval of state.
func (e *Engine) autoCheckpointSession(ctx context.Context, sessionID string) {
	e.sessMu.Lock()
	sess, ok := e.sessions[sessionID]
	e.sessMu.Unlock()
	if !ok {
		return
	}
	backend, ok := e.backends[sess.backendName]
	if !ok {
		return
	}

	snap, err := backend.Pause(ctx, sess.handle)
	if err != nil {
		e.log.Warn("auto-checkpoint session %s: pause: %v", sessionID, err)
		return
	}
	resumed, err := backend.Resume(ctx, snap, sess.handle.Limits)
	if err != nil {
		e.log.Warn("auto-checkpoint session %s: re-resume: %v", sessionID, err)
		return
	}

	e.sessMu.Lock()
	if sess, ok := e.sessions[sessionID]; ok {
		sess.handle = resumed
		sess.lastCheckpoint = time.Now()
	}
	e.sessMu.Unlock()
	e.log.Info("auto-checkpointed persistent session %s -> snapshot %s", sessionID, snap.Hash)
}

// Heartbeat extends a Persistent session's liveness without running a
// command, for callers that hold a session open between execs (spec §5
// "kept alive by periodic heartbeats").
func (e *Engine) Heartbeat(ctx context.Context, sessionID string) error {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return engineerr.New(engineerr.InvalidRequest, "unknown session")
	}
	now := time.Now()
	sess.lastActivity = now
	sess.lastHeartbeat = now
	sess.missedHeartbeats = 0
	return nil
}

// ExtendSession pushes a Persistent session's deadline out by extension, up
// to sessionMaxExtensions times (spec §5 "may be extended up to a
// configured number of times").
func (e *Engine) ExtendSession(ctx context.Context, sessionID string, extension time.Duration) (time.Time, error) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return time.Time{}, engineerr.New(engineerr.InvalidRequest, "unknown session")
	}
	if sess.extensionsUsed >= e.sessionMaxExtensions {
		return time.Time{}, engineerr.New(engineerr.InvalidRequest, "session has no extensions remaining")
	}
	sess.extensionsUsed++
	sess.deadline = sess.deadline.Add(extension)
	return sess.deadline, nil
}
