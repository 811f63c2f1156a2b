// monitor/monitor.go
package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	RoomsCreated   prometheus.Counter
	PlayersJoined  prometheus.Counter
	RoundsStarted  *prometheus.CounterVec
	RoundsEnded    prometheus.Counter
	Submissions    *prometheus.CounterVec
	ClaimConflicts prometheus.Counter
	Watchers       prometheus.Gauge
	OpLatency      *prometheus.HistogramVec
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Number of rooms created",
		}),
		PlayersJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "players_joined_total",
			Help:      "Number of players newly added to a room",
		}),
		RoundsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_started_total",
			Help:      "Number of rounds activated, by question source",
		}, []string{"source"}),
		RoundsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_ended_total",
			Help:      "Number of rounds moved to ended after their deadline",
		}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Answer submissions by outcome",
		}, []string{"result"}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to a concurrent submission or round replacement",
		}),
		Watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchers",
			Help:      "Number of open websocket watch sessions",
		}),
		OpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Room engine operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}, []string{"op", "outcome"}),
	}

	reg.MustRegister(
		m.RoomsCreated,
		m.PlayersJoined,
		m.RoundsStarted,
		m.RoundsEnded,
		m.Submissions,
		m.ClaimConflicts,
		m.Watchers,
		m.OpLatency,
	)

	return m
}

// Monitor 实现 room.Observer，并提供 /metrics 处理器
type Monitor struct {
	metrics      *Metrics
	registry     *prometheus.Registry
	startTime    time.Time
	requestCount int64
	mutex        sync.Mutex
}

// NewMonitor 使用独立的 registry，避免重复注册到全局 registry
func NewMonitor(namespace string) *Monitor {
	reg := prometheus.NewRegistry()
	m := &Monitor{
		metrics:   NewMetrics(namespace, reg),
		registry:  reg,
		startTime: time.Now(),
	}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Number of room engine operations handled",
		}, func() float64 {
			m.mutex.Lock()
			defer m.mutex.Unlock()
			return float64(m.requestCount)
		}),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Monitor) Metrics() *Metrics {
	return m.metrics
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Monitor) RoomCreated() {
	m.metrics.RoomsCreated.Inc()
}

func (m *Monitor) PlayerJoined(added bool) {
	if added {
		m.metrics.PlayersJoined.Inc()
	}
}

func (m *Monitor) RoundStarted(fallback bool) {
	source := "provider"
	if fallback {
		source = "fallback"
	}
	m.metrics.RoundsStarted.WithLabelValues(source).Inc()
}

func (m *Monitor) RoundsEnded(n int) {
	m.metrics.RoundsEnded.Add(float64(n))
}

func (m *Monitor) AnswerSubmitted(correct bool) {
	result := "incorrect"
	if correct {
		result = "correct"
	}
	m.metrics.Submissions.WithLabelValues(result).Inc()
}

func (m *Monitor) ClaimConflict() {
	m.metrics.ClaimConflicts.Inc()
}

func (m *Monitor) ObserveOperation(op string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.metrics.OpLatency.WithLabelValues(op, outcome).Observe(d.Seconds())

	m.mutex.Lock()
	m.requestCount++
	m.mutex.Unlock()
}

func (m *Monitor) IncWatchers() {
	m.metrics.Watchers.Inc()
}

func (m *Monitor) DecWatchers() {
	m.metrics.Watchers.Dec()
}
