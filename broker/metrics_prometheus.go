package broker

import "github.com/prometheus/client_golang/prometheus"

// prometheusMetrics holds the broker's Prometheus collectors. Per-queue
// gauges are keyed by queue
// name via a label rather than dynamically registered collectors, which
// keeps metricsLoop free of register/unregister races as queues come and
// go.
type prometheusMetrics struct {
	registry *prometheus.Registry

	queuePending      *prometheus.GaugeVec
	queueTotal        *prometheus.CounterVec
	queueProcessed    *prometheus.CounterVec
	queueDeadLettered *prometheus.CounterVec
	queueRetried      *prometheus.CounterVec
	enqueueRate       *prometheus.GaugeVec
	dequeueRate       *prometheus.GaugeVec
	latencyP50        *prometheus.GaugeVec
	latencyP95        *prometheus.GaugeVec

	clusterShards         prometheus.Gauge
	clusterLeaders        prometheus.Gauge
	clusterHealthy        prometheus.Gauge
	clusterWALLength      prometheus.Gauge
	clusterReplicationLag prometheus.Gauge

	txCommitted  prometheus.Counter
	txRolledBack prometheus.Counter
	txTimedOut   prometheus.Counter
	txFailed     prometheus.Counter
}

func newPrometheusMetrics() *prometheusMetrics {
	reg := prometheus.NewRegistry()
	m := &prometheusMetrics{
		registry: reg,
		queuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ridgemq", Subsystem: "queue", Name: "pending_messages",
			Help: "Number of ready-or-in-flight messages currently held by the queue.",
		}, []string{"queue"}),
		queueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ridgemq", Subsystem: "queue", Name: "sent_total",
			Help: "Total messages sent into the queue.",
		}, []string{"queue"}),
		queueProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ridgemq", Subsystem: "queue", Name: "processed_total",
			Help: "Total messages acknowledged from the queue.",
		}, []string{"queue"}),
		queueDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ridgemq", Subsystem: "queue", Name: "dead_lettered_total",
			Help: "Total messages moved to the queue's dead-letter queue.",
		}, []string{"queue"}),
		queueRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ridgemq", Subsystem: "queue", Name: "retried_total",
			Help: "Total redelivery attempts scheduled for the queue.",
		}, []string{"queue"}),
		enqueueRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ridgemq", Subsystem: "queue", Name: "enqueue_rate",
			Help: "Messages enqueued per second over the queue's sliding window.",
		}, []string{"queue"}),
		dequeueRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ridgemq", Subsystem: "queue", Name: "dequeue_rate",
			Help: "Messages dequeued per second over the queue's sliding window.",
		}, []string{"queue"}),
		latencyP50: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ridgemq", Subsystem: "queue", Name: "latency_p50_seconds",
			Help: "Median end-to-end (send-to-ack) latency sampled over the queue's latency ring.",
		}, []string{"queue"}),
		latencyP95: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ridgemq", Subsystem: "queue", Name: "latency_p95_seconds",
			Help: "95th percentile end-to-end latency sampled over the queue's latency ring.",
		}, []string{"queue"}),
		clusterShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ridgemq", Subsystem: "cluster", Name: "shards",
			Help: "Configured shard count.",
		}),
		clusterLeaders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ridgemq", Subsystem: "cluster", Name: "leaders",
			Help: "Shards with a currently-assigned leader replica.",
		}),
		clusterHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ridgemq", Subsystem: "cluster", Name: "healthy_replicas",
			Help: "Replicas currently marked healthy, across every shard.",
		}),
		clusterWALLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ridgemq", Subsystem: "cluster", Name: "wal_entries",
			Help: "Total write-ahead-log entries across every shard's leader.",
		}),
		clusterReplicationLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ridgemq", Subsystem: "cluster", Name: "replication_lag_entries",
			Help: "Sum of (leader length - applied index) across every follower.",
		}),
		txCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ridgemq", Subsystem: "transaction", Name: "committed_total",
		}),
		txRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ridgemq", Subsystem: "transaction", Name: "rolled_back_total",
		}),
		txTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ridgemq", Subsystem: "transaction", Name: "timed_out_total",
		}),
		txFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ridgemq", Subsystem: "transaction", Name: "failed_total",
		}),
	}

	reg.MustRegister(
		m.queuePending, m.queueTotal, m.queueProcessed, m.queueDeadLettered, m.queueRetried,
		m.enqueueRate, m.dequeueRate, m.latencyP50, m.latencyP95,
		m.clusterShards, m.clusterLeaders, m.clusterHealthy, m.clusterWALLength, m.clusterReplicationLag,
		m.txCommitted, m.txRolledBack, m.txTimedOut, m.txFailed,
	)
	return m
}

// Registry exposes the broker's Prometheus registry so the embedding
// application can serve it (e.g. via promhttp.HandlerFor).
func (b *Broker) Registry() *prometheus.Registry { return b.prom.registry }

func (m *prometheusMetrics) observeQueue(name string, stats QueueStats, snap queueRateSnapshot) {
	m.queuePending.WithLabelValues(name).Set(float64(stats.Pending))
	m.queueTotal.WithLabelValues(name).Add(0) // ensure series exists even at zero
	m.enqueueRate.WithLabelValues(name).Set(snap.EnqueueRate)
	m.dequeueRate.WithLabelValues(name).Set(snap.DequeueRate)
	m.latencyP50.WithLabelValues(name).Set(snap.P50.Seconds())
	m.latencyP95.WithLabelValues(name).Set(snap.P95.Seconds())
}

func (m *prometheusMetrics) observeCluster(snap ClusterSnapshot) {
	m.clusterShards.Set(float64(snap.ShardCount))
	m.clusterLeaders.Set(float64(snap.LeaderCount))
	m.clusterHealthy.Set(float64(snap.HealthyReplicaCount))
	m.clusterWALLength.Set(float64(snap.TotalWALLength))
	m.clusterReplicationLag.Set(float64(snap.TotalReplicationLag))
}
