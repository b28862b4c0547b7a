package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Query metrics
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verisim_queries_total",
			Help: "Total number of queries by source kind and outcome",
		},
		[]string{"source", "outcome"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verisim_query_duration_seconds",
			Help:    "Query wall-clock duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	MutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verisim_mutations_total",
			Help: "Total number of mutations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	SagaRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verisim_saga_rollbacks_total",
			Help: "Total number of mutation sagas rolled back",
		},
	)

	// Drift metrics
	DriftScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verisim_drift_score",
			Help: "Last observed pairwise drift score",
		},
		[]string{"modality_a", "modality_b"},
	)

	RepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verisim_repairs_total",
			Help: "Total number of drift repairs by strategy",
		},
		[]string{"strategy"},
	)

	// Proof metrics
	ProofVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verisim_proof_verifications_total",
			Help: "Total number of proof verifications by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ProofDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verisim_proof_duration_seconds",
			Help:    "Obligation verification duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verisim_cache_hits_total",
			Help: "Total cache hits by layer",
		},
		[]string{"layer"},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verisim_cache_misses_total",
			Help: "Total cache misses across all layers",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verisim_cache_evictions_total",
			Help: "Total L1 evictions under memory pressure",
		},
	)

	CacheSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verisim_cache_size_bytes",
			Help: "Current L1 cache size in bytes",
		},
	)

	// Federation metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verisim_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verisim_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verisim_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	FanOutPeersTotal = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verisim_fanout_peers",
			Help:    "Peers contacted per federated query",
			Buckets: []float64{1, 2, 3, 5, 7, 10, 16},
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verisim_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(MutationsTotal)
	prometheus.MustRegister(SagaRollbacksTotal)
	prometheus.MustRegister(DriftScore)
	prometheus.MustRegister(RepairsTotal)
	prometheus.MustRegister(ProofVerificationsTotal)
	prometheus.MustRegister(ProofDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(CacheSizeBytes)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(FanOutPeersTotal)
	prometheus.MustRegister(BreakerState)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
