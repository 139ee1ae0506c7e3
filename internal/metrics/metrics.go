// Package metrics holds the prometheus collectors exported by every stage
// of the pipeline: the session engine, the queue stores, the post-queue
// worker, and the delivery worker.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every collector behind one struct so the supervisor can
// construct and register them once at startup and pass the struct down to
// each component, instead of each package reaching for global state.
type Metrics struct {
	SessionsTotal       *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	CommandsTotal       *prometheus.CounterVec
	RepliesTotal        *prometheus.CounterVec
	ErrorBudgetTripped  prometheus.Counter

	QueueDepth   *prometheus.GaugeVec
	QueueEnqueue *prometheus.CounterVec
	QueueMoves   *prometheus.CounterVec

	PostQueueProcessed *prometheus.CounterVec
	DeliveryAttempts   *prometheus.CounterVec
	DeliveryLatency    *prometheus.HistogramVec
}

// New constructs every collector. Registration is left to the caller
// (RegisterOn) so tests can use a private registry and avoid collisions
// with a process-wide default one.
func New() *Metrics {
	return &Metrics{
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsmtp", Subsystem: "session", Name: "total",
			Help: "Number of accepted connections by connection kind.",
		}, []string{"kind"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vsmtp", Subsystem: "session", Name: "active",
			Help: "Number of currently open sessions.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsmtp", Subsystem: "session", Name: "commands_total",
			Help: "SMTP commands received, by verb.",
		}, []string{"verb"}),
		RepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsmtp", Subsystem: "session", Name: "replies_total",
			Help: "SMTP replies sent, by status code class.",
		}, []string{"code"}),
		ErrorBudgetTripped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vsmtp", Subsystem: "session", Name: "error_budget_tripped_total",
			Help: "Sessions closed for exceeding the hard error count.",
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vsmtp", Subsystem: "queue", Name: "depth",
			Help: "Number of entries currently in a queue.",
		}, []string{"queue"}),
		QueueEnqueue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsmtp", Subsystem: "queue", Name: "enqueue_total",
			Help: "Messages enqueued, by destination queue.",
		}, []string{"queue"}),
		QueueMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsmtp", Subsystem: "queue", Name: "move_total",
			Help: "Messages moved between queues, by (from, to).",
		}, []string{"from", "to"}),

		PostQueueProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsmtp", Subsystem: "postqueue", Name: "processed_total",
			Help: "Messages processed by the post-queue worker, by outcome.",
		}, []string{"outcome"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsmtp", Subsystem: "delivery", Name: "attempts_total",
			Help: "Per-recipient delivery attempts, by transfer method and outcome.",
		}, []string{"method", "outcome"}),
		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vsmtp", Subsystem: "delivery", Name: "latency_seconds",
			Help:    "Time spent performing one delivery attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// RegisterOn registers every collector on reg. Using a *prometheus.Registry
// rather than the package-level DefaultRegisterer keeps tests hermetic.
func (m *Metrics) RegisterOn(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.SessionsTotal, m.SessionsActive, m.CommandsTotal, m.RepliesTotal, m.ErrorBudgetTripped,
		m.QueueDepth, m.QueueEnqueue, m.QueueMoves,
		m.PostQueueProcessed, m.DeliveryAttempts, m.DeliveryLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
