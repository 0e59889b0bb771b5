package metrics

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// PoolEventSubject is the NATS subject pool occupancy change events are
// published on, for an out-of-process control plane to consume (this engine
// never subscribes to it itself; it only emits).
const PoolEventSubject = "engine.warmpool.occupancy"

// PoolEvent is one occupancy snapshot for a single (backend, image) pool.
type PoolEvent struct {
	Backend   string    `json:"backend"`
	Image     string    `json:"image"`
	Target    int       `json:"target"`
	Idle      int       `json:"idle"`
	InUse     int       `json:"inUse"`
	Timestamp time.Time `json:"timestamp"`
}

var eventConn atomic.Pointer[nats.Conn]

// SetEventConn registers the NATS connection PublishPoolEvent publishes on.
// Passing nil disables publishing (the default), so callers that never
// configure NATS pay no cost beyond the atomic load.
func SetEventConn(nc *nats.Conn) {
	eventConn.Store(nc)
}

// PublishPoolEvent emits a pool occupancy change event if a connection has
// been registered via SetEventConn. Best-effort: publish errors are dropped,
// since this is a side-channel feed for an out-of-scope control plane, never
// load-bearing for the engine's own pool management.
func PublishPoolEvent(ev PoolEvent) {
	nc := eventConn.Load()
	if nc == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = nc.Publish(PoolEventSubject, data)
}
