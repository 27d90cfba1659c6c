// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	CaseTransitions       *prometheus.CounterVec
	RoleConflicts         *prometheus.CounterVec
	ScorePoints           *prometheus.CounterVec
	LedgerInconsistencies prometheus.Gauge
	OperationDuration     *prometheus.HistogramVec
	OperationErrors       *prometheus.CounterVec
	WatchSessions         prometheus.Gauge
	MessagesReceived      prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when it is not nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "case_transitions_total",
			Help:      "Committed case status transitions",
		}, []string{"from", "to"}),
		RoleConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_conflicts_total",
			Help:      "Role claims refused because the slot was already filled",
		}, []string{"role"}),
		ScorePoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_points_total",
			Help:      "Points credited to the ledger",
		}, []string{"reason"}),
		LedgerInconsistencies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_inconsistencies",
			Help:      "Users whose cached score differs from their ledger, as of the last audit",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Case operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"op"}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed case operations by error kind",
		}, []string{"op", "kind"}),
		WatchSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watch_sessions",
			Help:      "Connected case event feed sessions",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of feed messages received",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CaseTransitions,
			m.RoleConflicts,
			m.ScorePoints,
			m.LedgerInconsistencies,
			m.OperationDuration,
			m.OperationErrors,
			m.WatchSessions,
			m.MessagesReceived,
		)
	}
	return m
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.CaseTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncRoleConflict(role string) {
	if m == nil {
		return
	}
	m.RoleConflicts.WithLabelValues(role).Inc()
}

func (m *Metrics) AddScorePoints(reason string, points int64) {
	if m == nil || points <= 0 {
		return
	}
	m.ScorePoints.WithLabelValues(reason).Add(float64(points))
}

func (m *Metrics) SetLedgerInconsistencies(n int) {
	if m == nil {
		return
	}
	m.LedgerInconsistencies.Set(float64(n))
}

func (m *Metrics) ObserveOperation(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) IncOperationError(op, kind string) {
	if m == nil {
		return
	}
	m.OperationErrors.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) IncWatchSessions() {
	if m == nil {
		return
	}
	m.WatchSessions.Inc()
}

func (m *Metrics) DecWatchSessions() {
	if m == nil {
		return
	}
	m.WatchSessions.Dec()
}

func (m *Metrics) IncMessagesReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// Monitor owns a private registry and serves it with expvar on one listener.
type Monitor struct {
	metrics      *Metrics
	registry     *prometheus.Registry
	startTime    time.Time
	requestCount int64
	mutex        sync.Mutex
}

func NewMonitor(namespace string) *Monitor {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Monitor{
		metrics:   NewMetrics(namespace, reg),
		registry:  reg,
		startTime: time.Now(),
	}
}

func (m *Monitor) Metrics() *Metrics { return m.metrics }

var publishOnce sync.Once

// Handler serves /metrics and /debug/vars.
func (m *Monitor) Handler() http.Handler {
	publishOnce.Do(func() {
		expvar.Publish("uptime", expvar.Func(func() interface{} {
			return time.Since(m.startTime).Seconds()
		}))
		expvar.Publish("requests", expvar.Func(func() interface{} {
			m.mutex.Lock()
			defer m.mutex.Unlock()
			return m.requestCount
		}))
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.countRequests(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})))
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}

func (m *Monitor) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mutex.Lock()
		m.requestCount++
		m.mutex.Unlock()
		next.ServeHTTP(w, r)
	})
}

// StartServer serves Handler on addr in the background. Shut the returned server down to stop it.
func (m *Monitor) StartServer(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go srv.ListenAndServe()
	return srv
}
