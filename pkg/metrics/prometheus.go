package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	ticks          *prometheus.CounterVec
	ticksDropped   *prometheus.CounterVec
	scores         *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	fanoutSent     *prometheus.CounterVec
	fanoutFailed   *prometheus.CounterVec
	connections    prometheus.Gauge
	subscriptions  prometheus.Gauge
	evictions      *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	breakerChanges *prometheus.CounterVec
	poolWait       *prometheus.HistogramVec
	persistDropped *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	latency        *prometheus.HistogramVec
}

// New registers collectors on the default registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers collectors on reg, which lets tests use a private registry.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		ticks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coherence_ticks_total",
				Help: "Raw ticks accepted per source",
			},
			[]string{"source"},
		),
		ticksDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coherence_ticks_dropped_total",
				Help: "Raw ticks rejected before scoring",
			},
			[]string{"reason"},
		),
		scores: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coherence_scores_total",
				Help: "Coherence scores computed",
			},
			[]string{"symbol"},
		),
		alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coherence_alerts_total",
				Help: "Alerts raised by symbol and severity",
			},
			[]string{"symbol", "severity"},
		),
		fanoutSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coherence_fanout_delivered_total",
				Help: "Frames delivered to subscribers",
			},
			[]string{"kind"},
		),
		fanoutFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coherence_fanout_failed_total",
				Help: "Frames that could not be delivered",
			},
			[]string{"kind"},
		),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "coherence_connections_active",
			Help: "Live client connections",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "coherence_subscriptions_active",
			Help: "Connection/symbol pairs in the subscription index",
		}),
		evictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coherence_connections_evicted_total",
				Help: "Connections removed by the broadcast manager",
			},
			[]string{"reason"},
		),
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coherence_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		breakerChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coherence_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		poolWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coherence_pool_wait_seconds",
				Help:    "Time spent waiting in Pool.Acquire",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pool"},
		),
		persistDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coherence_persist_dropped_total",
				Help: "Records dropped by the persistence pipeline",
			},
			[]string{"kind"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coherence_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coherence_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordTick(source string) { r.ticks.WithLabelValues(source).Inc() }

func (r *Recorder) RecordTickDropped(reason string) { r.ticksDropped.WithLabelValues(reason).Inc() }

func (r *Recorder) RecordScore(symbol string) { r.scores.WithLabelValues(symbol).Inc() }

func (r *Recorder) RecordAlert(symbol, severity string) {
	r.alerts.WithLabelValues(symbol, severity).Inc()
}

// RecordFanout records one publish: delivered and failed sends of a frame kind.
func (r *Recorder) RecordFanout(kind string, delivered, failed int) {
	r.fanoutSent.WithLabelValues(kind).Add(float64(delivered))
	r.fanoutFailed.WithLabelValues(kind).Add(float64(failed))
}

func (r *Recorder) RecordConnections(active, subscriptions int) {
	r.connections.Set(float64(active))
	r.subscriptions.Set(float64(subscriptions))
}

func (r *Recorder) RecordEviction(reason string) { r.evictions.WithLabelValues(reason).Inc() }

func (r *Recorder) RecordBreakerState(name, from, to string) {
	r.breakerState.WithLabelValues(name).Set(stateValue(to))
	r.breakerChanges.WithLabelValues(name, from, to).Inc()
}

func (r *Recorder) RecordPoolWait(name string, seconds float64) {
	r.poolWait.WithLabelValues(name).Observe(seconds)
}

func (r *Recorder) RecordPersistDropped(kind string) { r.persistDropped.WithLabelValues(kind).Inc() }

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) { r.errorsTotal.WithLabelValues(kind).Inc() }

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func stateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}
