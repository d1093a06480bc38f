package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autoglm/taskrelay"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Upstream session
	ConnectionStatus *prometheus.GaugeVec
	Reconnects       prometheus.Counter
	MessagesReceived *prometheus.CounterVec
	TasksSent        prometheus.Counter
	QueueDrops       *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var statuses = []taskrelay.Status{
	taskrelay.StatusDisconnected,
	taskrelay.StatusConnecting,
	taskrelay.StatusConnected,
	taskrelay.StatusError,
}

// New creates and registers all metrics on a private registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		ConnectionStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_status",
				Help:      "Current upstream connection status (1 for the active status)",
			},
			[]string{"status"},
		),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of scheduled reconnection attempts",
		}),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of inbound frames by message type",
			},
			[]string{"msg_type"},
		),
		TasksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_sent_total",
			Help:      "Total number of tasks sent upstream",
		}),
		QueueDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_drops_total",
				Help:      "Records dropped because a consumer queue was full",
			},
			[]string{"msg_type"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}
	m.SetStatus(taskrelay.StatusDisconnected)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetStatus marks s as the active connection status.
func (m *Metrics) SetStatus(s taskrelay.Status) {
	for _, st := range statuses {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(st.String()).Set(v)
	}
}

// RelayOptions returns the hooks that feed these metrics from a relay.
func (m *Metrics) RelayOptions() []taskrelay.Option {
	return []taskrelay.Option{
		taskrelay.WithOnStatus(m.SetStatus),
		taskrelay.WithOnReconnect(func(int, time.Duration) {
			m.Reconnects.Inc()
		}),
		taskrelay.WithOnReceive(func(d taskrelay.Decoded) {
			m.MessagesReceived.WithLabelValues(d.MsgType).Inc()
		}),
		taskrelay.WithOnSend(func(*taskrelay.Envelope) {
			m.TasksSent.Inc()
		}),
		taskrelay.WithOnDrop(func(_ string, rec taskrelay.Record) {
			m.QueueDrops.WithLabelValues(rec.MsgType).Inc()
		}),
	}
}

// ObserveHub exports the hub's consumer count and history size.
func (m *Metrics) ObserveHub(namespace string, hub *taskrelay.Hub) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers",
			Help:      "Registered consumer queues",
		}, func() float64 { return float64(hub.Consumers()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_records",
			Help:      "Records held in the response history",
		}, func() float64 { return float64(hub.Len()) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// HTTPMiddleware is a middleware that records HTTP metrics. It must wrap a
// ServeMux so the matched route pattern is available after dispatch.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(wrapped.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
