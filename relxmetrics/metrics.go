// Package relxmetrics instruments the client, server and simulator with
// Prometheus metrics, grounded on runZeroInc/sockstats' pkg/exporter. Each
// set of metrics is registered on a caller-owned *prometheus.Registry rather
// than the global default registry, so multiple engines (e.g. in tests) can
// coexist without collector-already-registered panics -- the metrics
// equivalent of spec.md 9's "avoid process-wide singletons" guidance.
package relxmetrics

import "github.com/prometheus/client_golang/prometheus"

// ClientMetrics are the counters a client.Engine updates while sending.
type ClientMetrics struct {
	SegmentsSent        prometheus.Counter
	SegmentsRetransmitted prometheus.Counter
	AcksReceived        prometheus.Counter
	AcksSpurious        prometheus.Counter
	MessagesSent        prometheus.Counter
	MessagesFailed      prometheus.Counter
	SendDuration        prometheus.Histogram
}

// NewClientMetrics builds and registers a ClientMetrics on reg.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_client_segments_sent_total",
			Help: "Segments written to the wire on first transmission; retransmissions are counted separately.",
		}),
		SegmentsRetransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_client_segments_retransmitted_total",
			Help: "Segments re-sent by the retransmission timer callback.",
		}),
		AcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_client_acks_received_total",
			Help: "ACK frames successfully parsed and applied.",
		}),
		AcksSpurious: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_client_acks_spurious_total",
			Help: "ACKs ignored because they fell outside [base, next_seq).",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_client_messages_sent_total",
			Help: "Messages that completed sending successfully.",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_client_messages_failed_total",
			Help: "Messages that failed to send before their deadline.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relxfer_client_send_duration_seconds",
			Help:    "Wall-clock time spent in SendMessage.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.SegmentsSent, m.SegmentsRetransmitted, m.AcksReceived,
		m.AcksSpurious, m.MessagesSent, m.MessagesFailed, m.SendDuration,
	)
	return m
}

// ServerMetrics are the counters a server.Engine updates while receiving.
type ServerMetrics struct {
	SegmentsReceived   prometheus.Counter
	SegmentsDropped    prometheus.Counter
	DuplicatesDropped  prometheus.Counter
	MessagesDelivered  prometheus.Counter
	ConnectionsActive  prometheus.Gauge
}

// NewServerMetrics builds and registers a ServerMetrics on reg.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		SegmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_server_segments_received_total",
			Help: "Segments that deserialized and passed checksum verification.",
		}),
		SegmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_server_segments_dropped_total",
			Help: "Frames dropped for failing to deserialize or checksum.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_server_duplicates_dropped_total",
			Help: "Segments recognized as duplicates of already-seen or already-completed messages.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_server_messages_delivered_total",
			Help: "Messages fully reassembled and delivered to the consumer.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relxfer_server_connections_active",
			Help: "Accepted connections currently being served.",
		}),
	}
	reg.MustRegister(
		m.SegmentsReceived, m.SegmentsDropped, m.DuplicatesDropped,
		m.MessagesDelivered, m.ConnectionsActive,
	)
	return m
}

// SimulatorMetrics are the counters a simulator.Proxy updates while
// forwarding.
type SimulatorMetrics struct {
	FramesForwarded prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	FramesDuplicated prometheus.Counter
	FramesReordered prometheus.Counter
	ConnectionsActive prometheus.Gauge
}

// NewSimulatorMetrics builds and registers a SimulatorMetrics on reg.
func NewSimulatorMetrics(reg prometheus.Registerer) *SimulatorMetrics {
	m := &SimulatorMetrics{
		FramesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_sim_frames_forwarded_total",
			Help: "Frames relayed between client and server, across both directions.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relxfer_sim_frames_dropped_total",
			Help: "Frames dropped by fault injection, labeled by frame kind.",
		}, []string{"kind"}),
		FramesDuplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_sim_frames_duplicated_total",
			Help: "Data frames duplicated by fault injection.",
		}),
		FramesReordered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relxfer_sim_frames_reordered_total",
			Help: "Data frames given an extra reordering delay.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relxfer_sim_connections_active",
			Help: "Client/server connection pairs currently being relayed.",
		}),
	}
	reg.MustRegister(
		m.FramesForwarded, m.FramesDropped, m.FramesDuplicated,
		m.FramesReordered, m.ConnectionsActive,
	)
	return m
}
