// Package metrics exposes replication counters to Prometheus. All methods are
// safe to call on a nil *Replication, which disables collection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Replication struct {
	packets        *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	fullSyncs      prometheus.Counter
	budget         *prometheus.CounterVec
	acks           prometheus.Counter
	deltas         *prometheus.CounterVec
	malformed      prometheus.Counter
	mispredictions prometheus.Counter
	resimulations  prometheus.Counter
	diffSize       prometheus.Histogram
	peers          prometheus.Gauge
}

// NewReplication registers the collectors on reg. Use prometheus.NewRegistry
// in tests to keep them apart.
func NewReplication(reg prometheus.Registerer) *Replication {
	f := promauto.With(reg)
	return &Replication{
		packets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snapnet_packets_sent_total",
			Help: "Replication packets sent, by channel reliability",
		}, []string{"reliability"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snapnet_bytes_sent_total",
			Help: "Replication bytes sent, by channel reliability",
		}, []string{"reliability"}),
		fullSyncs: f.NewCounter(prometheus.CounterOpts{
			Name: "snapnet_full_syncs_total",
			Help: "Entity diffs that fell back to a reliable full sync",
		}),
		budget: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snapnet_traffic_budget_violations_total",
			Help: "Entity diffs above the traffic thresholds",
		}, []string{"level"}),
		acks: f.NewCounter(prometheus.CounterOpts{
			Name: "snapnet_acks_received_total",
			Help: "Sequence ids acknowledged by peers",
		}),
		deltas: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snapnet_deltas_total",
			Help: "Received deltas by integration status",
		}, []string{"status"}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Name: "snapnet_malformed_packets_total",
			Help: "Received packets that could not be parsed",
		}),
		mispredictions: f.NewCounter(prometheus.CounterOpts{
			Name: "snapnet_mispredictions_total",
			Help: "Entities whose prediction diverged from the server",
		}),
		resimulations: f.NewCounter(prometheus.CounterOpts{
			Name: "snapnet_resimulations_total",
			Help: "Resimulation passes run by the client",
		}),
		diffSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapnet_entity_diff_bytes",
			Help:    "Size of single entity diffs",
			Buckets: prometheus.ExponentialBuckets(8, 2, 10),
		}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "snapnet_peers",
			Help: "Connected replication peers",
		}),
	}
}

func reliability(reliable bool) string {
	if reliable {
		return "reliable"
	}
	return "unreliable"
}

func (m *Replication) PacketSent(reliable bool, size int) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(reliability(reliable)).Inc()
	m.bytes.WithLabelValues(reliability(reliable)).Add(float64(size))
}

func (m *Replication) FullSync() {
	if m != nil {
		m.fullSyncs.Inc()
	}
}

// BudgetViolation counts a diff over the "warn" or "error" threshold.
func (m *Replication) BudgetViolation(level string) {
	if m != nil {
		m.budget.WithLabelValues(level).Inc()
	}
}

func (m *Replication) AcksReceived(n int) {
	if m != nil {
		m.acks.Add(float64(n))
	}
}

func (m *Replication) Delta(status string) {
	if m != nil {
		m.deltas.WithLabelValues(status).Inc()
	}
}

func (m *Replication) Malformed() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *Replication) Mispredictions(n int) {
	if m != nil {
		m.mispredictions.Add(float64(n))
	}
}

func (m *Replication) Resimulation() {
	if m != nil {
		m.resimulations.Inc()
	}
}

func (m *Replication) DiffSize(n int) {
	if m != nil {
		m.diffSize.Observe(float64(n))
	}
}

func (m *Replication) SetPeers(n int) {
	if m != nil {
		m.peers.Set(float64(n))
	}
}
