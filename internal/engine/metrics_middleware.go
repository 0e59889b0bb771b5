package engine

import (
	"context"
	"time"

	"github.com/sandboxengine/engine/internal/engineerr"
	"github.com/sandboxengine/engine/internal/metrics"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// startKind buckets a mode into a cold-start or warm-start timing bucket for
// spec §6's metrics() surface: Cached and Persistent count as warm, every
// other mode (Ephemeral, Checkpointed, Branched) as cold. The bucket follows
// the mode alone, not whether the sandbox came from the warm pool, and the
// figure PrometheusMiddleware records is the whole routed request's
// duration, not just sandbox acquisition.
func startKind(mode enginetypes.Mode) string {
	switch mode {
	case enginetypes.ModeCached, enginetypes.ModePersistent:
		return "warm"
	default:
		return "cold"
	}
}

// PrometheusMiddleware records per-request timing and outcome into the
// process's Prometheus registry, the same way the teacher's HTTP layer
// times requests at the router boundary rather than inside handlers.
func (e *Engine) PrometheusMiddleware() Middleware {
	return func(ctx context.Context, requestID string, mode enginetypes.Mode, next func(ctx context.Context) error) error {
		backend := "unknown"
		if req, ok := requestFromContext(ctx); ok && req.Backend != "" {
			backend = string(req.Backend)
		}

		start := time.Now()
		err := next(ctx)
		duration := time.Since(start)

		status := "ok"
		if err != nil {
			status = "error"
			if kind, ok := engineerr.KindOf(err); ok {
				status = string(kind)
			}
		}

		metrics.ExecutionsTotal.WithLabelValues(string(mode), backend, status).Inc()
		metrics.ExecDuration.WithLabelValues(string(mode), backend).Observe(duration.Seconds())

		switch startKind(mode) {
		case "cold":
			metrics.ColdStartDuration.WithLabelValues(backend).Observe(duration.Seconds())
			e.coldStartSum.Add(duration.Nanoseconds())
			e.coldStartCount.Add(1)
		case "warm":
			metrics.WarmStartDuration.WithLabelValues(backend).Observe(duration.Seconds())
			e.warmStartSum.Add(duration.Nanoseconds())
			e.warmStartCount.Add(1)
		}

		return err
	}
}

type requestCtxKey struct{}

func contextWithRequest(ctx context.Context, req *enginetypes.Request) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, req)
}

func requestFromContext(ctx context.Context) (*enginetypes.Request, bool) {
	req, ok := ctx.Value(requestCtxKey{}).(*enginetypes.Request)
	return req, ok
}
