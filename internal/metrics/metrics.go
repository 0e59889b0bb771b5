package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine metrics
var (
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_executions_total",
			Help: "Total routed executions",
		},
		[]string{"mode", "backend", "status"},
	)

	ExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_exec_duration_seconds",
			Help:    "Time to route and execute a request end to end",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"mode", "backend"},
	)

	ColdStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_cold_start_duration_seconds",
			Help:    "Whole-request duration of cold-start modes (Ephemeral, Checkpointed, Branched)",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"backend"},
	)

	WarmStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_warm_start_duration_seconds",
			Help:    "Whole-request duration of warm-start modes (Cached, Persistent)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"backend"},
	)

	CacheResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_output_cache_results_total",
			Help: "Output cache hits and misses",
		},
		[]string{"result"},
	)

	SnapshotOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_snapshot_op_duration_seconds",
			Help:    "Time for snapshot store operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	BranchForkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_branch_fork_duration_seconds",
			Help:    "Time to fork a branch from a snapshot",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"backend"},
	)

	PoolOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_warm_pool_occupancy",
			Help: "In-use sandboxes per backend/image warm pool",
		},
		[]string{"backend", "image"},
	)

	SnapshotsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_snapshots_active",
			Help: "Snapshots currently tracked by the content-addressed store",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_http_requests_total",
			Help: "Total HTTP requests to the gateway surface",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecDuration,
		ColdStartDuration,
		WarmStartDuration,
		CacheResultsTotal,
		SnapshotOpDuration,
		BranchForkDuration,
		PoolOccupancy,
		SnapshotsActive,
		HTTPRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			_ = duration
			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		}
	}()
	return srv
}
