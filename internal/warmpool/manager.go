package warmpool

import (
	"context"
	"sync"
	"time"

	"github.com/sandboxengine/engine/internal/enginecontract"
	"github.com/sandboxengine/engine/internal/enginelog"
	"github.com/sandboxengine/engine/internal/metrics"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// Manager owns every (backend, image) Pool and the background goroutines
// that keep them warm. It is a process-wide singleton: one Manager backs
// the whole engine (spec §9, "Global mutable state").
type Manager struct {
	mu    sync.RWMutex
	pools map[key]*Pool

	backends map[enginetypes.Backend]enginecontract.Backend

	maxConcurrentWarm int
	replenishEvery    time.Duration
	cleanupEvery      time.Duration
	idleTTL           time.Duration

	log    *enginelog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup

	state *StateStore
}

// Config tunes the manager's background loop cadence. Per-image pre-warm
// targets come from each EnvironmentImage, not from this struct.
type Config struct {
	MaxConcurrentWarm int
	ReplenishEvery    time.Duration
	CleanupEvery      time.Duration
	IdleTTL           time.Duration

	// StatePath, if set, persists pool occupancy to a local sqlite file
	// across restarts (see persist.go). Optional.
	StatePath string
}

func NewManager(backends map[enginetypes.Backend]enginecontract.Backend, cfg Config) *Manager {
	if cfg.MaxConcurrentWarm <= 0 {
		cfg.MaxConcurrentWarm = 4
	}
	if cfg.ReplenishEvery <= 0 {
		cfg.ReplenishEvery = 2 * time.Second
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = 30 * time.Second
	}
	m := &Manager{
		pools:             make(map[key]*Pool),
		backends:          backends,
		maxConcurrentWarm: cfg.MaxConcurrentWarm,
		replenishEvery:    cfg.ReplenishEvery,
		cleanupEvery:      cfg.CleanupEvery,
		idleTTL:           cfg.IdleTTL,
		log:               enginelog.New("warmpool"),
		stopCh:            make(chan struct{}),
	}

	if cfg.StatePath != "" {
		store, err := OpenStateStore(cfg.StatePath)
		if err != nil {
			m.log.Error("open state store: %v", err)
		} else {
			m.state = store
			if prior, err := store.LoadAll(); err == nil {
				for _, p := range prior {
					m.log.Info("prior run: %s/%s target=%d warm=%d inUse=%d", p.Backend, p.Image, p.Target, p.Warm, p.InUse)
				}
			}
		}
	}
	return m
}

// Ensure registers (or updates the target for) the pool backing img on
// backend, creating it if this is the first request against that pair.
func (m *Manager) Ensure(backend enginetypes.Backend, img enginetypes.EnvironmentImage) *Pool {
	k := key{backend: backend, image: img.Name}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[k]; ok {
		p.target = img.PrewarmTarget
		return p
	}
	p := newPool(m.backends[backend], img.Name, img.DefaultLimits, img.PrewarmTarget, m.maxConcurrentWarm, m.idleTTL)
	m.pools[k] = p
	return p
}

// Acquire claims a sandbox for (backend, image), warming one on demand if
// none is idle. The caller must Release it when done.
func (m *Manager) Acquire(ctx context.Context, backend enginetypes.Backend, img enginetypes.EnvironmentImage) (*enginetypes.SandboxHandle, error) {
	return m.Ensure(backend, img).acquire(ctx)
}

// Release returns a sandbox to its pool, or destroys it if the pool is
// already at its target size.
func (m *Manager) Release(ctx context.Context, backend enginetypes.Backend, image string, h *enginetypes.SandboxHandle) {
	m.mu.RLock()
	p, ok := m.pools[key{backend: backend, image: image}]
	m.mu.RUnlock()
	if !ok {
		_ = m.backends[backend].Destroy(ctx, h)
		return
	}
	p.release(ctx, h)
}

// Stats returns per-(backend,image) pool stats for the metrics aggregator.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.pools))
	for k, p := range m.pools {
		out[string(k.backend)+"/"+k.image] = p.stats()
	}
	return out
}

// Run starts the replenish and cleanup background loops; it blocks until
// Stop is called or ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(2)
	go m.loop(ctx, m.replenishEvery, func(c context.Context) {
		m.forEachPool(func(p *Pool) { p.replenishOnce(c) })
		m.persistStats()
	})
	go m.loop(ctx, m.cleanupEvery, func(c context.Context) { m.forEachPool(func(p *Pool) { p.cleanupOnce(c) }) })
	m.wg.Wait()
}

// persistStats writes the current occupancy of every pool to the state
// store (if one is configured) and publishes an occupancy event for each
// pool (if a NATS connection is registered via metrics.SetEventConn).
// Best-effort: failures are logged but never block the warm/cleanup loops.
func (m *Manager) persistStats() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, p := range m.pools {
		st := p.stats()
		if m.state != nil {
			if err := m.state.Record(string(k.backend), k.image, st.Target, st.Idle, st.InUse); err != nil {
				m.log.Warn("persist pool state for %s/%s: %v", k.backend, k.image, err)
			}
		}
		metrics.PublishPoolEvent(metrics.PoolEvent{
			Backend:   string(k.backend),
			Image:     k.image,
			Target:    st.Target,
			Idle:      st.Idle,
			InUse:     st.InUse,
			Timestamp: time.Now(),
		})
	}
}

func (m *Manager) loop(ctx context.Context, every time.Duration, tick func(context.Context)) {
	defer m.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-t.C:
			tick(ctx)
		}
	}
}

func (m *Manager) forEachPool(fn func(*Pool)) {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()
	for _, p := range pools {
		fn(p)
	}
}

// Stop signals the background loops to exit and drains every pool,
// destroying all idle sandboxes (spec §9, "teardown drains pending work").
func (m *Manager) Stop(ctx context.Context) {
	close(m.stopCh)
	m.wg.Wait()
	m.persistStats()
	if m.state != nil {
		m.state.Close()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.pools {
		for {
			select {
			case h := <-p.available:
				_ = m.backends[k.backend].Destroy(ctx, h)
			default:
				goto next
			}
		}
	next:
	}
}
