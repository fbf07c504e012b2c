// Package metrics declares the Prometheus collectors shared across the
// server. They are registered on the default registry and served by the ops
// listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Socket lifecycle.
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reichat_connections_total",
		Help: "Total number of sockets accepted on /stream",
	})

	SocketsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reichat_sockets_connected",
		Help: "Sockets currently attached to the engine",
	})

	SlowSocketsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reichat_slow_sockets_closed_total",
		Help: "Sockets force-closed because their send buffer stayed full",
	})

	// Roster.
	ClientsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reichat_clients_online",
		Help: "Clients currently online across all servers of the room",
	})

	// Event pipeline.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reichat_events_total",
		Help: "Events applied by the engine, by event kind and origin",
	}, []string{"event", "origin"})

	EventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reichat_events_rejected_total",
		Help: "Inbound events dropped by validation, by event kind",
	}, []string{"event"})

	VolatileDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reichat_volatile_dropped_total",
		Help: "Stroke/pointer frames dropped because a socket buffer was full",
	}, []string{"event"})

	// Broker coordination.
	BrokerConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reichat_broker_connected",
		Help: "Broker link status (1=connected, 0=down or disabled)",
	})

	BrokerFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reichat_broker_frames_total",
		Help: "Inter-server frames by direction and channel",
	}, []string{"direction", "channel"})

	ServersPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reichat_servers_pruned_total",
		Help: "Peer servers declared dead by the liveness loop",
	})

	// Snapshot persistence.
	SnapshotLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reichat_snapshot_loads_total",
		Help: "Layer snapshot load attempts at startup, by result",
	}, []string{"result"})

	SnapshotWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reichat_snapshot_writes_total",
		Help: "Layer snapshot writes, by result",
	}, []string{"result"})

	// HTTP surface.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reichat_http_requests_total",
		Help: "HTTP requests by handler and status code",
	}, []string{"handler", "code"})
)

// Snapshot load results.
const (
	LoadRestored  = "restored"
	LoadBlank     = "blank"
	LoadDiscarded = "discarded"
	LoadError     = "error"
)

// Snapshot write results.
const (
	WriteOK    = "ok"
	WriteError = "error"
)

func init() {
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(SocketsConnected)
	prometheus.MustRegister(SlowSocketsClosed)

	prometheus.MustRegister(ClientsOnline)

	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(EventsRejected)
	prometheus.MustRegister(VolatileDropped)

	prometheus.MustRegister(BrokerConnected)
	prometheus.MustRegister(BrokerFrames)
	prometheus.MustRegister(ServersPruned)

	prometheus.MustRegister(SnapshotLoads)
	prometheus.MustRegister(SnapshotWrites)

	prometheus.MustRegister(HTTPRequests)
}
