package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	tasksTotal         *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	dispatchDuration   *prometheus.HistogramVec
	messagesTotal      *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	retryExhausted     *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
}

// NewPrometheusRecorder creates a recorder registered on the default registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return NewPrometheusRecorderWith(prometheus.DefaultRegisterer)
}

// NewPrometheusRecorderWith creates a recorder registered on the given
// registerer. Tests use a fresh registry to avoid duplicate registration.
func NewPrometheusRecorderWith(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tasks_total",
				Help: "Total number of tasks executed by agent, type, and status",
			},
			[]string{"agent_id", "task_type", "status", "error_kind"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_task_duration_seconds",
				Help:    "Duration of task handler executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_id", "task_type"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_dispatch_duration_seconds",
				Help:    "End-to-end dispatch latency of routed messages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"msg_type"},
		),
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_total",
				Help: "Total number of messages routed by type and topic",
			},
			[]string{"msg_type", "topic"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_retries_total",
				Help: "Total number of retry attempts by operation",
			},
			[]string{"operation"},
		),
		retryExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_retry_exhausted_total",
				Help: "Total number of operations that exhausted all retries",
			},
			[]string{"operation"},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_depth",
				Help: "Current depth of internal message queues",
			},
			[]string{"queue"},
		),
	}
}

// ObserveTask records a completed task execution.
func (p *PrometheusRecorder) ObserveTask(agentID, taskType, status, errorKind string, duration time.Duration) {
	p.tasksTotal.WithLabelValues(agentID, taskType, status, errorKind).Inc()
	p.taskDuration.WithLabelValues(agentID, taskType).Observe(duration.Seconds())
}

// ObserveDispatch records dispatch latency for a routed message.
func (p *PrometheusRecorder) ObserveDispatch(msgType string, duration time.Duration) {
	p.dispatchDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

// IncMessage counts a routed message.
func (p *PrometheusRecorder) IncMessage(msgType, topic string) {
	p.messagesTotal.WithLabelValues(msgType, topic).Inc()
}

// IncRetry counts one retry attempt.
func (p *PrometheusRecorder) IncRetry(operation string) {
	p.retriesTotal.WithLabelValues(operation).Inc()
}

// IncRetryExhausted counts an operation that gave up after all retries.
func (p *PrometheusRecorder) IncRetryExhausted(operation string) {
	p.retryExhausted.WithLabelValues(operation).Inc()
}

// RecordBreakerTransition counts a circuit breaker state transition.
func (p *PrometheusRecorder) RecordBreakerTransition(name, from, to string) {
	p.breakerTransitions.WithLabelValues(name, from, to).Inc()
}

// SetQueueDepth records the current depth of a named queue.
func (p *PrometheusRecorder) SetQueueDepth(queue string, depth int) {
	p.queueDepth.WithLabelValues(queue).Set(float64(depth))
}
