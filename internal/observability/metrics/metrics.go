// Package metrics 以 Prometheus 格式导出 HTTP、事件投递与插件生命周期指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ExtensionHub/pkg/plugin"
)

const namespace = "exthub"

// Collector 持有全部指标，同时实现 eventbus.Recorder 与 manager.Recorder。
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	drops            *prometheus.CounterVec

	transitions  *prometheus.CounterVec
	pluginStates *prometheus.GaugeVec
	health       *prometheus.CounterVec

	submissions *prometheus.CounterVec
}

// New 创建 Collector，并注册 Go 运行时与进程指标。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_dispatch_total",
			Help:      "Event deliveries by subscriber, event type and outcome.",
		}, []string{"plugin", "event_type", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_dispatch_duration_seconds",
			Help:      "Time spent in subscriber event handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_queue_dropped_total",
			Help:      "Events dropped because a subscriber mailbox was full.",
		}, []string{"plugin", "event_type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_transitions_total",
			Help:      "Plugin lifecycle transitions.",
		}, []string{"plugin", "from", "to"}),
		pluginStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugin_state",
			Help:      "1 for the lifecycle state each plugin is currently in.",
		}, []string{"plugin", "state"}),
		health: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_health_checks_total",
			Help:      "Health probe results by plugin.",
		}, []string{"plugin", "state"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_transitions_total",
			Help:      "Submission status transitions.",
		}, []string{"to"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpErrors, c.httpLatency,
		c.dispatches, c.dispatchDuration, c.drops,
		c.transitions, c.pluginStates, c.health,
		c.submissions,
	)
	return c
}

// Registry 返回底层注册表，便于注册额外指标。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveDispatch 实现 eventbus.Recorder。
func (c *Collector) ObserveDispatch(pluginName, eventType, outcome string, elapsed time.Duration) {
	c.dispatches.WithLabelValues(pluginName, eventType, outcome).Inc()
	c.dispatchDuration.WithLabelValues(pluginName).Observe(elapsed.Seconds())
}

// ObserveDrop 实现 eventbus.Recorder。
func (c *Collector) ObserveDrop(pluginName, eventType string) {
	c.drops.WithLabelValues(pluginName, eventType).Inc()
}

// ObserveTransition 实现 manager.Recorder。
func (c *Collector) ObserveTransition(name string, from, to plugin.State) {
	c.transitions.WithLabelValues(name, string(from), string(to)).Inc()
	if from != "" {
		c.pluginStates.DeleteLabelValues(name, string(from))
	}
	if to == plugin.StateUnloaded {
		c.pluginStates.DeletePartialMatch(prometheus.Labels{"plugin": name})
		return
	}
	c.pluginStates.WithLabelValues(name, string(to)).Set(1)
}

// ObserveHealth 实现 manager.Recorder。
func (c *Collector) ObserveHealth(name string, state plugin.HealthState) {
	c.health.WithLabelValues(name, string(state)).Inc()
}

// ObserveSubmission 记录一次提交状态迁移。
func (c *Collector) ObserveSubmission(to string) {
	c.submissions.WithLabelValues(to).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
