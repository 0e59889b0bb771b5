// Package engine is the mode router (spec §4.7): it accepts a Request,
// selects a mode, drives a backend through that mode's lifecycle, and
// returns a Response. Every routed request flows through the same
// middleware chain the teacher codebase's sandbox router applies to its
// own routed operations — registered middleware wraps outermost-first,
// can short-circuit, observe, or augment, and the rolling-timeout-style
// bookkeeping (pool release, persistent session touch) always runs
// regardless of whether the wrapped call succeeded.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandboxengine/engine/internal/branch"
	"github.com/sandboxengine/engine/internal/enginecontract"
	"github.com/sandboxengine/engine/internal/engineerr"
	"github.com/sandboxengine/engine/internal/enginelog"
	"github.com/sandboxengine/engine/internal/outputcache"
	"github.com/sandboxengine/engine/internal/snapstore"
	"github.com/sandboxengine/engine/internal/warmpool"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// Middleware wraps a routed request. It receives the request id, the
// selected mode, and the next function to call; it can short-circuit,
// augment, or observe the request.
type Middleware func(ctx context.Context, requestID string, mode enginetypes.Mode, next func(ctx context.Context) error) error

// Config wires an Engine to its supporting components.
type Config struct {
	Backends map[enginetypes.Backend]enginecontract.Backend
	Images   map[string]enginetypes.EnvironmentImage
	Store    *snapstore.Store
	Pool     *warmpool.Manager
	Branches *branch.Manager
	Cache    *outputcache.Cache

	// Persistent-mode session lifetime (spec §5 "Long-running sessions").
	// Zero values fall back to the spec's stated defaults.
	SessionMaxLifetime            time.Duration
	SessionHeartbeatInterval      time.Duration
	SessionMissedHeartbeatLimit   int
	SessionMaxExtensions          int
	SessionAutoCheckpointInterval time.Duration
}

// Engine is the process-wide mode router singleton.
type Engine struct {
	backends map[enginetypes.Backend]enginecontract.Backend
	images   map[string]enginetypes.EnvironmentImage
	store    *snapstore.Store
	pool     *warmpool.Manager
	branches *branch.Manager
	cache    *outputcache.Cache

	middlewares []Middleware
	log         *enginelog.Logger

	sessMu   sync.Mutex
	sessions map[string]*persistentSession

	sessionMaxLifetime            time.Duration
	sessionHeartbeatInterval      time.Duration
	sessionMissedHeartbeatLimit   int
	sessionMaxExtensions          int
	sessionAutoCheckpointInterval time.Duration
	sessionStopCh                 chan struct{}
	sessionStopOnce               sync.Once

	digestMu    sync.Mutex
	digestCache map[enginetypes.Backend]map[string]string

	coldStartSum   atomic.Int64
	coldStartCount atomic.Int64
	warmStartSum   atomic.Int64
	warmStartCount atomic.Int64
}

// persistentSession tracks a Persistent-mode sandbox's liveness (spec §5
// "Long-running sessions"). deadline is pushed out by Extend, up to
// sessionMaxExtensions times; missedHeartbeats resets to 0 on any activity
// (an Execute call or an explicit Heartbeat) and trips termination once it
// reaches sessionMissedHeartbeatLimit.
type persistentSession struct {
	handle           *enginetypes.SandboxHandle
	backendName      enginetypes.Backend
	createdAt        time.Time
	lastActivity     time.Time
	lastHeartbeat    time.Time
	deadline         time.Time
	missedHeartbeats int
	extensionsUsed   int
	lastCheckpoint   time.Time
}

func New(cfg Config) *Engine {
	maxLifetime := cfg.SessionMaxLifetime
	if maxLifetime <= 0 {
		maxLifetime = 24 * time.Hour
	}
	heartbeatInterval := cfg.SessionHeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	missedLimit := cfg.SessionMissedHeartbeatLimit
	if missedLimit <= 0 {
		missedLimit = 3
	}

	e := &Engine{
		backends:                      cfg.Backends,
		images:                        cfg.Images,
		store:                         cfg.Store,
		pool:                          cfg.Pool,
		branches:                      cfg.Branches,
		cache:                         cfg.Cache,
		log:                           enginelog.New("engine"),
		sessions:                      make(map[string]*persistentSession),
		sessionMaxLifetime:            maxLifetime,
		sessionHeartbeatInterval:      heartbeatInterval,
		sessionMissedHeartbeatLimit:   missedLimit,
		sessionMaxExtensions:          cfg.SessionMaxExtensions,
		sessionAutoCheckpointInterval: cfg.SessionAutoCheckpointInterval,
		sessionStopCh:                 make(chan struct{}),
		digestCache:                   make(map[enginetypes.Backend]map[string]string),
	}
	e.Use(e.PrometheusMiddleware())
	return e
}

// Use registers middleware applied to every routed request, in registration
// order (first registered = outermost).
func (e *Engine) Use(mw Middleware) {
	e.middlewares = append(e.middlewares, mw)
}

// Execute routes req through its selected mode and returns the response.
func (e *Engine) Execute(ctx context.Context, req *enginetypes.Request) (*enginetypes.Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	ctx = contextWithRequest(ctx, req)

	var resp *enginetypes.Response
	fn := func(ctx context.Context) error {
		var err error
		resp, err = e.dispatch(ctx, req)
		return err
	}

	wrapped := fn
	for i := len(e.middlewares) - 1; i >= 0; i-- {
		mw := e.middlewares[i]
		next := wrapped
		wrapped = func(ctx context.Context) error {
			return mw(ctx, req.ID, req.Mode, next)
		}
	}

	err := wrapped(ctx)
	return resp, err
}

func validate(req *enginetypes.Request) error {
	if req.ID == "" {
		return engineerr.New(engineerr.InvalidRequest, "request id is required")
	}
	if len(req.Argv) == 0 {
		return engineerr.New(engineerr.InvalidRequest, "argv must not be empty")
	}
	switch req.Mode {
	case enginetypes.ModeEphemeral, enginetypes.ModeCached, enginetypes.ModeCheckpointed, enginetypes.ModePersistent:
	case enginetypes.ModeBranched:
		if req.BranchFrom == "" {
			return engineerr.New(engineerr.InvalidRequest, "branched mode requires branch_from")
		}
	default:
		return engineerr.New(engineerr.InvalidRequest, fmt.Sprintf("unknown mode %q", req.Mode))
	}
	return nil
}

func (e *Engine) backendFor(req *enginetypes.Request) (enginecontract.Backend, error) {
	name := req.Backend
	if name == "" {
		name = enginetypes.BackendContainer
	}
	b, ok := e.backends[name]
	if !ok {
		return nil, engineerr.New(engineerr.BackendUnavailable, fmt.Sprintf("no backend registered for %q", name))
	}
	return b, nil
}

func (e *Engine) imageFor(req *enginetypes.Request) enginetypes.EnvironmentImage {
	if img, ok := e.images[req.Image]; ok {
		return img
	}
	return enginetypes.EnvironmentImage{Name: req.Image, DefaultLimits: req.Limits}
}

// resolveImageDigest returns the content digest backend reports for img's
// name, caching per backend+name so repeated Cached-mode requests for the
// same image don't re-inspect it every call (spec §9 Open Question (a)).
// Backends that don't implement enginecontract.DigestResolver fall back to
// the image name itself, which is the pre-fix behavior this cannot improve
// on without a backend-side resolver.
func (e *Engine) resolveImageDigest(ctx context.Context, backend enginecontract.Backend, img enginetypes.EnvironmentImage) string {
	resolver, ok := backend.(enginecontract.DigestResolver)
	if !ok {
		return img.Name
	}

	e.digestMu.Lock()
	byImage, ok := e.digestCache[backend.Name()]
	if !ok {
		byImage = make(map[string]string)
		e.digestCache[backend.Name()] = byImage
	}
	if digest, ok := byImage[img.Name]; ok {
		e.digestMu.Unlock()
		return digest
	}
	e.digestMu.Unlock()

	digest, err := resolver.ResolveDigest(ctx, img.Name)
	if err != nil {
		e.log.Warn("resolve digest for %s/%s: %v, falling back to image name", backend.Name(), img.Name, err)
		return img.Name
	}

	e.digestMu.Lock()
	byImage[img.Name] = digest
	e.digestMu.Unlock()
	return digest
}

func (e *Engine) dispatch(ctx context.Context, req *enginetypes.Request) (*enginetypes.Response, error) {
	switch req.Mode {
	case enginetypes.ModeEphemeral:
		return e.runEphemeral(ctx, req)
	case enginetypes.ModeCached:
		return e.runCached(ctx, req)
	case enginetypes.ModeCheckpointed:
		return e.runCheckpointed(ctx, req)
	case enginetypes.ModeBranched:
		return e.runBranched(ctx, req)
	case enginetypes.ModePersistent:
		return e.runPersistent(ctx, req)
	default:
		return nil, engineerr.New(engineerr.InvalidRequest, fmt.Sprintf("unknown mode %q", req.Mode))
	}
}

// Teardown drains pending work, destroys every tracked sandbox, and flushes
// the output cache (spec §9 "Global mutable state").
func (e *Engine) Teardown(ctx context.Context) {
	e.StopSessionLifecycle()
	e.pool.Stop(ctx)
	e.cache.Purge()

	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	for id, sess := range e.sessions {
		backend, ok := e.backends[sess.backendName]
		if !ok {
			continue
		}
		if err := backend.Destroy(ctx, sess.handle); err != nil {
			e.log.Warn("teardown: destroy persistent session %s: %v", id, err)
		}
	}
	e.sessions = make(map[string]*persistentSession)
}
