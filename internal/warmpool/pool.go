// Package warmpool maintains a cache of pre-prepared idle sandboxes keyed
// by (backend, image) so Cached-mode requests can skip a cold Prepare call
// (spec §4.6). Structure mirrors a channel-based available/in-use pool with
// semaphore-bounded concurrent warming and background replenish/cleanup
// loops, generalized here across two backends instead of one.
package warmpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sandboxengine/engine/internal/enginecontract"
	"github.com/sandboxengine/engine/internal/enginelog"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// key identifies one pool: a backend driving one image.
type key struct {
	backend enginetypes.Backend
	image   string
}

// Stats exposes read-only counters for the metrics aggregator.
type Stats struct {
	Served  uint64
	Hits    uint64
	Misses  uint64
	InUse   int
	Idle    int
	Target  int
}

// Pool manages the warm sandboxes for one (backend, image) pair.
type Pool struct {
	backend enginecontract.Backend
	image   string
	limits  enginetypes.ResourceLimits
	target  int
	idleTTL time.Duration

	available chan *enginetypes.SandboxHandle
	inUse     sync.Map // id -> *enginetypes.SandboxHandle
	warmSem   *semaphore.Weighted

	served, hits, misses atomic.Uint64

	log *enginelog.Logger
}

func newPool(backend enginecontract.Backend, image string, limits enginetypes.ResourceLimits, target, maxConcurrentWarm int, idleTTL time.Duration) *Pool {
	return &Pool{
		backend:   backend,
		image:     image,
		limits:    limits,
		target:    target,
		idleTTL:   idleTTL,
		available: make(chan *enginetypes.SandboxHandle, target+maxConcurrentWarm),
		warmSem:   semaphore.NewWeighted(int64(maxConcurrentWarm)),
		log:       enginelog.New("warmpool").With(fmt.Sprintf("%s/%s", backend.Name(), image)),
	}
}

// acquire takes a sandbox from the pool, warming one on demand if idle is
// empty. A demand-warmed sandbox still counts as a miss for hit-rate metrics.
func (p *Pool) acquire(ctx context.Context) (*enginetypes.SandboxHandle, error) {
	p.served.Add(1)
	select {
	case h := <-p.available:
		p.hits.Add(1)
		p.inUse.Store(h.ID, h)
		return h, nil
	default:
	}

	p.misses.Add(1)
	if err := p.warmSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("warmpool: acquire warm slot: %w", err)
	}
	defer p.warmSem.Release(1)

	h, err := p.backend.Prepare(ctx, p.image, p.limits)
	if err != nil {
		return nil, fmt.Errorf("warmpool: cold prepare %s/%s: %w", p.backend.Name(), p.image, err)
	}
	p.inUse.Store(h.ID, h)
	return h, nil
}

// release returns a sandbox to the pool. If the pool is already at target
// capacity, the sandbox is destroyed instead so a single pre-warmed image
// never accumulates more than target idle sandboxes (spec §8.5 "Pool
// conservation").
func (p *Pool) release(ctx context.Context, h *enginetypes.SandboxHandle) {
	p.inUse.Delete(h.ID)
	h.LastActivity = time.Now()
	if len(p.available) < p.target {
		select {
		case p.available <- h:
			return
		default:
		}
	}
	p.log.Debug("pool at capacity, destroying %s instead of returning it", h.ID)
	if err := p.backend.Destroy(ctx, h); err != nil {
		p.log.Warn("destroy overflow sandbox %s: %v", h.ID, err)
	}
}

func (p *Pool) stats() Stats {
	inUse := 0
	p.inUse.Range(func(_, _ any) bool { inUse++; return true })
	return Stats{
		Served: p.served.Load(),
		Hits:   p.hits.Load(),
		Misses: p.misses.Load(),
		InUse:  inUse,
		Idle:   len(p.available),
		Target: p.target,
	}
}

// replenishOnce tops the pool up to target by warming sandboxes concurrently,
// bounded by warmSem so a replenish burst never exceeds the host's prepare
// budget.
func (p *Pool) replenishOnce(ctx context.Context) {
	deficit := p.target - len(p.available) - countInUse(p)
	if deficit <= 0 {
		return
	}
	var wg sync.WaitGroup
	for i := 0; i < deficit; i++ {
		if err := p.warmSem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.warmSem.Release(1)
			h, err := p.backend.Prepare(ctx, p.image, p.limits)
			if err != nil {
				p.log.Warn("replenish prepare failed: %v", err)
				return
			}
			select {
			case p.available <- h:
			default:
				_ = p.backend.Destroy(ctx, h)
			}
		}()
	}
	wg.Wait()
}

func countInUse(p *Pool) int {
	n := 0
	p.inUse.Range(func(_, _ any) bool { n++; return true })
	return n
}

// cleanupOnce destroys idle sandboxes that have exceeded idleTTL, beyond the
// single always-kept minimum needed to serve the next request immediately.
func (p *Pool) cleanupOnce(ctx context.Context) {
	if p.idleTTL <= 0 {
		return
	}
	var keep []*enginetypes.SandboxHandle
	for {
		select {
		case h := <-p.available:
			if time.Since(h.LastActivity) > p.idleTTL && len(keep) > 0 {
				if err := p.backend.Destroy(ctx, h); err != nil {
					p.log.Warn("destroy stale idle sandbox %s: %v", h.ID, err)
				}
				continue
			}
			keep = append(keep, h)
		default:
			for _, h := range keep {
				p.available <- h
			}
			return
		}
	}
}
