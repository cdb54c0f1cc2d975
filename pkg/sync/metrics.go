package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the sync layer's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	DeltasApplied    prometheus.Counter
	DeltasBuffered   prometheus.Counter
	Merges           prometheus.Counter
	DecodeErrors     prometheus.Counter
	PeerTimeouts     prometheus.Counter
	Peers            *prometheus.GaugeVec
	RTT              prometheus.Histogram
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geocrdt_sync_messages_sent_total",
			Help: "Sync messages sent by payload kind",
		}, []string{"kind"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geocrdt_sync_messages_received_total",
			Help: "Sync messages received by payload kind",
		}, []string{"kind"}),
		DeltasApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "geocrdt_sync_deltas_applied_total",
			Help: "Remote deltas applied to the local replica",
		}),
		DeltasBuffered: f.NewCounter(prometheus.CounterOpts{
			Name: "geocrdt_sync_deltas_buffered_total",
			Help: "Remote deltas held back until their prerequisites arrive",
		}),
		Merges: f.NewCounter(prometheus.CounterOpts{
			Name: "geocrdt_sync_full_state_merges_total",
			Help: "Full-state lattice joins that changed the local state",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "geocrdt_sync_decode_errors_total",
			Help: "Inbound frames that failed to decode",
		}),
		PeerTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "geocrdt_sync_peer_timeouts_total",
			Help: "Peers marked disconnected after missing heartbeats",
		}),
		Peers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geocrdt_sync_peers",
			Help: "Known peers by connection state",
		}, []string{"state"}),
		RTT: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "geocrdt_sync_rtt_seconds",
			Help:    "Round-trip time samples from acknowledged messages",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

func (m *Metrics) sent(kind MessageKind) {
	if m != nil {
		m.MessagesSent.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) received(kind MessageKind) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) applied(n int) {
	if m != nil && n > 0 {
		m.DeltasApplied.Add(float64(n))
	}
}

func (m *Metrics) buffered() {
	if m != nil {
		m.DeltasBuffered.Inc()
	}
}

func (m *Metrics) merged() {
	if m != nil {
		m.Merges.Inc()
	}
}

// DecodeError counts one undecodable inbound frame. Transports call it
// through their decode hooks.
func (m *Metrics) DecodeError(error) {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

func (m *Metrics) timedOut() {
	if m != nil {
		m.PeerTimeouts.Inc()
	}
}

func (m *Metrics) rtt(d time.Duration) {
	if m != nil {
		m.RTT.Observe(d.Seconds())
	}
}

func (m *Metrics) peers(counts map[ConnectionState]int) {
	if m == nil {
		return
	}
	for s := StateDiscovered; s <= StateGone; s++ {
		m.Peers.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
