package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "flowrpc"

// Request outcomes recorded by the client.
const (
	OutcomeOK             = "ok"
	OutcomeError          = "error"
	OutcomeTimeout        = "timeout"
	OutcomePublishFailure = "publish_failure"
	OutcomeDisposed       = "disposed"
)

// Message results recorded by the server.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultNoHandler = "no_handler"
	ResultExpired   = "expired"
	ResultMalformed = "malformed"
	ResultEvent     = "event"
)

// Metrics holds the Prometheus collectors of clients and servers. A nil
// *Metrics records nothing.
type Metrics struct {
	mu sync.Mutex

	clientRequests     *prometheus.CounterVec
	clientPending      prometheus.Gauge
	clientDuration     *prometheus.HistogramVec
	publishFailures    *prometheus.CounterVec
	orderingKeyResumes prometheus.Counter
	lateReplies        prometheus.Counter

	serverMessages        *prometheus.CounterVec
	serverHandlerDuration *prometheus.HistogramVec
	serverReplies         *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		labels,
	)
}

// NewMetrics creates the collectors. They are not registered until Register.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:     registerer,
		clientRequests: newCounterVec("client", "requests_total", "Requests completed by the client, by terminal outcome", []string{"pattern", "outcome"}),
		clientPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "pending_requests",
			Help:      "Requests waiting for their terminal reply",
		}),
		clientDuration:  newHistogramVec("client", "request_duration_seconds", "Time from publish to terminal outcome", []string{"pattern"}),
		publishFailures: newCounterVec("", "publish_failures_total", "Failed publishes, by topic", []string{"topic"}),
		orderingKeyResumes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ordering_key_resumes_total",
			Help:      "Ordering keys resumed after a failed publish",
		}),
		lateReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "late_replies_total",
			Help:      "Replies that arrived after their request completed",
		}),
		serverMessages:        newCounterVec("server", "messages_total", "Request messages handled by the server, by result", []string{"pattern", "result"}),
		serverHandlerDuration: newHistogramVec("server", "handler_duration_seconds", "Handler execution time including reply publishing", []string{"pattern"}),
		serverReplies:         newCounterVec("server", "replies_total", "Replies published by the server, by status", []string{"status"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.clientRequests,
		m.clientPending,
		m.clientDuration,
		m.publishFailures,
		m.orderingKeyResumes,
		m.lateReplies,
		m.serverMessages,
		m.serverHandlerDuration,
		m.serverReplies,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) requestStarted() {
	if m == nil {
		return
	}
	m.clientPending.Inc()
}

func (m *Metrics) requestFinished(pattern, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.clientPending.Dec()
	m.clientRequests.WithLabelValues(pattern, outcome).Inc()
	m.clientDuration.WithLabelValues(pattern).Observe(elapsed.Seconds())
}

func (m *Metrics) publishFailed(topic string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(topic).Inc()
}

func (m *Metrics) orderingKeyResumed() {
	if m == nil {
		return
	}
	m.orderingKeyResumes.Inc()
}

func (m *Metrics) lateReply() {
	if m == nil {
		return
	}
	m.lateReplies.Inc()
}

func (m *Metrics) messageHandled(pattern, result string) {
	if m == nil {
		return
	}
	m.serverMessages.WithLabelValues(pattern, result).Inc()
}

func (m *Metrics) handlerObserved(pattern string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.serverHandlerDuration.WithLabelValues(pattern).Observe(elapsed.Seconds())
}

func (m *Metrics) replyPublished(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = ResultOK
	}
	m.serverReplies.WithLabelValues(status).Inc()
}

// Reset clears every collector (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clientRequests.Reset()
	m.clientPending.Set(0)
	m.clientDuration.Reset()
	m.publishFailures.Reset()
	m.serverMessages.Reset()
	m.serverHandlerDuration.Reset()
	m.serverReplies.Reset()
}

// gatherer returns the registry the collectors are exposed from.
func (m *Metrics) gatherer() prometheus.Gatherer {
	if m != nil {
		if g, ok := m.registerer.(prometheus.Gatherer); ok {
			return g
		}
	}
	return prometheus.DefaultGatherer
}
