package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "arbor"

// Metrics holds the Prometheus collectors for runs, nodes, packets and persistence.
type Metrics struct {
	runsStarted    *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	activeRuns     prometheus.Gauge
	packetsSent    *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	lockConflicts  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Runs started or restored, by graph.",
			},
			[]string{"graph_id"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Runs that reached a terminal status.",
			},
			[]string{"status"},
		),
		nodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_total",
				Help:      "Executor calls by node type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of executor calls.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
			},
			[]string{"type"},
		),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs held in memory that have not finished.",
		}),
		packetsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_sent_total",
				Help:      "Protocol packets sent to clients, by kind.",
			},
			[]string{"kind"},
		),
		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_flushes_total",
				Help:      "Run state flushes, by result.",
			},
			[]string{"result"},
		),
		lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_lock_conflicts_total",
			Help:      "Writes rejected because another writer held the run.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.runsStarted, m.runsFinished, m.nodeExecutions, m.nodeDuration,
		m.activeRuns, m.packetsSent, m.flushes, m.lockConflicts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RunStarted counts a started or restored run.
func (m *Metrics) RunStarted(graphID string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(graphID).Inc()
	m.activeRuns.Inc()
}

// RunFinished counts a run reaching a terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.activeRuns.Dec()
}

// NodeExecuted records one executor call.
func (m *Metrics) NodeExecuted(nodeType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(nodeType, outcome).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

// PacketSent counts an outbound protocol packet.
func (m *Metrics) PacketSent(kind string) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(kind).Inc()
}

// Flushed records the result of persisting one run ("ok" or "error").
func (m *Metrics) Flushed(result string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(result).Inc()
}

// LockConflict counts a write rejected with ErrRunLocked.
func (m *Metrics) LockConflict() {
	if m == nil {
		return
	}
	m.lockConflicts.Inc()
}
