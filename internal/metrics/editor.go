package metrics

import "time"

// Editor groups the metrics recorded by the ctxt server.
type Editor struct {
	registry *Registry
	started  time.Time

	ConnectionsTotal *Counter
	FramesIn         *Counter
	FramesOut        *Counter
	FramesDropped    *Counter
	Mutations        *Counter
	Clamps           *Counter
	PersistFailures  *Counter
	SlowConsumers    *Counter

	ActiveSessions *Gauge
	Documents      *Gauge
	UptimeSeconds  *Gauge

	ApplyLatency *Histogram
	PayloadBytes *Histogram
}

// NewEditor registers the server metrics in registry. A nil registry gets a
// fresh one, which keeps tests independent.
func NewEditor(registry *Registry) *Editor {
	if registry == nil {
		registry = NewRegistry("ctxt")
	}
	return &Editor{
		registry: registry,
		started:  time.Now(),

		ConnectionsTotal: registry.Counter("connections_total", "Connections accepted"),
		FramesIn:         registry.Counter("frames_in_total", "Frames decoded from clients"),
		FramesOut:        registry.Counter("frames_out_total", "Frames written to clients"),
		FramesDropped:    registry.Counter("frames_dropped_total", "Frames dropped as unknown, truncated or oversized"),
		Mutations:        registry.Counter("mutations_total", "Insert and remove operations applied to documents"),
		Clamps:           registry.Counter("clamps_total", "Edits whose cursor or length was clamped"),
		PersistFailures:  registry.Counter("persist_failures_total", "Snapshot, journal or feed writes that failed"),
		SlowConsumers:    registry.Counter("slow_consumers_total", "Sessions disconnected because their outbox overflowed"),

		ActiveSessions: registry.Gauge("sessions_active", "Open client sessions"),
		Documents:      registry.Gauge("documents", "Documents resident in memory"),
		UptimeSeconds:  registry.Gauge("uptime_seconds", "Seconds since the server started"),

		ApplyLatency: registry.Histogram("apply_seconds", "Time the authority spends on one operation", LatencyBuckets),
		PayloadBytes: registry.Histogram("payload_bytes", "Size of decoded client payloads", SizeBuckets),
	}
}

// Registry returns the underlying registry.
func (e *Editor) Registry() *Registry {
	return e.registry
}

// Refresh updates derived gauges. Call before exporting.
func (e *Editor) Refresh() {
	e.UptimeSeconds.Set(int64(time.Since(e.started).Seconds()))
}
