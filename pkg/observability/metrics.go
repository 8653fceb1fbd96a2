package observability

import (
	"context"
	"strconv"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "crucible"

// Metrics records engine activity as Prometheus metrics.
type Metrics struct {
	nodeVisits   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	interrupts   *prometheus.CounterVec
	finished     prometheus.Counter
	workerErrors *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	driverErrors prometheus.Counter
	fallbacks    prometheus.Counter

	reg prometheus.Registerer
}

// NewMetrics registers the engine metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		nodeVisits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "node_visits_total",
			Help:      "Number of node executions",
		}, []string{"node"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of committed steps",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"node"}),
		interrupts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "interrupts_total",
			Help:      "Number of suspensions raised",
		}, []string{"node"}),
		finished: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tasks_finished_total",
			Help:      "Number of tasks that reached the finished node",
		}),
		workerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "worker_errors_total",
			Help:      "Number of failed worker runs",
		}, []string{"worker"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tool_calls_total",
			Help:      "Number of tool calls inside workers",
		}, []string{"tool", "replayed"}),
		driverErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "driver_errors_total",
			Help:      "Number of driver calls aborted by an error",
		}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fallback_decisions_total",
			Help:      "Number of dispatcher ticks that fell back to asking the user",
		}),
	}
}

// Observe records ev. It has the ports.EventSink signature.
func (m *Metrics) Observe(_ context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventNodeStart:
		m.nodeVisits.WithLabelValues(ev.Node).Inc()
	case domain.EventNodeEnd:
		p, ok := ev.Payload.(domain.NodeEnd)
		if !ok {
			return
		}
		m.stepDuration.WithLabelValues(ev.Node).Observe(p.Duration.Seconds())
		if p.Delta.ErrorMessage != nil && *p.Delta.ErrorMessage != "" {
			m.workerErrors.WithLabelValues(ev.Node).Inc()
		}
	case domain.EventToolEnd:
		if p, ok := ev.Payload.(domain.ToolCall); ok {
			m.toolCalls.WithLabelValues(p.Name, strconv.FormatBool(p.Replayed)).Inc()
		}
	case domain.EventInterruptRaised:
		m.interrupts.WithLabelValues(ev.Node).Inc()
	case domain.EventFinished:
		m.finished.Inc()
	case domain.EventError:
		m.driverErrors.Inc()
	}
}

// Fallback counts a decider fallback. It matches dispatcher.WithFallbackHook.
func (m *Metrics) Fallback(error) {
	m.fallbacks.Inc()
}

// Gauge exposes a value sampled at scrape time, such as the runner's
// in-flight count.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, fn)
}
