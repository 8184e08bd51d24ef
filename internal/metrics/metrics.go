package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics exposes the agent's poll, push, alert and badge activity.
type ClientMetrics struct {
	pollsTotal   *prometheus.CounterVec
	pollLatency  prometheus.Histogram
	pushEvents   *prometheus.CounterVec
	alertsTotal  *prometheus.CounterVec
	badgeCurrent *prometheus.GaugeVec
}

func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unreadsync",
			Subsystem: "agent",
			Name:      "polls_total",
			Help:      "Unread count polls by result",
		}, []string{"result"}),
		pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "unreadsync",
			Subsystem: "agent",
			Name:      "poll_latency_seconds",
			Help:      "Latency of unread count requests",
			Buckets:   prometheus.DefBuckets,
		}),
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unreadsync",
			Subsystem: "agent",
			Name:      "push_events_total",
			Help:      "Push channel events by type",
		}, []string{"type"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unreadsync",
			Subsystem: "agent",
			Name:      "alerts_total",
			Help:      "Alert decisions by kind",
		}, []string{"kind"}),
		badgeCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "unreadsync",
			Subsystem: "agent",
			Name:      "badge_value",
			Help:      "Current unread badge value by scope",
		}, []string{"scope"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.pollsTotal, m.pollLatency, m.pushEvents, m.alertsTotal, m.badgeCurrent)
	return m
}

func (m *ClientMetrics) ObservePoll(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(result).Inc()
	if elapsed > 0 {
		m.pollLatency.Observe(elapsed.Seconds())
	}
}

func (m *ClientMetrics) ObservePushEvent(kind string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(kind).Inc()
}

func (m *ClientMetrics) ObserveAlert(kind string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(kind).Inc()
}

func (m *ClientMetrics) ObserveBadge(scope string, value int) {
	if m == nil {
		return
	}
	m.badgeCurrent.WithLabelValues(scope).Set(float64(value))
}

// ServerMetrics exposes the reference server's delivery activity.
type ServerMetrics struct {
	deliveries    *prometheus.CounterVec
	markedRead    *prometheus.CounterVec
	socketClients prometheus.Gauge
}

func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unreadsync",
			Subsystem: "server",
			Name:      "deliveries_total",
			Help:      "Items delivered to inboxes by scope",
		}, []string{"scope"}),
		markedRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unreadsync",
			Subsystem: "server",
			Name:      "marked_read_total",
			Help:      "Items marked read by scope",
		}, []string{"scope"}),
		socketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "unreadsync",
			Subsystem: "server",
			Name:      "socket_clients",
			Help:      "Connected push channel clients",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.deliveries, m.markedRead, m.socketClients)
	return m
}

func (m *ServerMetrics) ObserveDelivery(scope string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(scope).Inc()
}

func (m *ServerMetrics) ObserveMarkedRead(scope string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.markedRead.WithLabelValues(scope).Add(float64(n))
}

func (m *ServerMetrics) SocketConnected() {
	if m == nil {
		return
	}
	m.socketClients.Inc()
}

func (m *ServerMetrics) SocketDisconnected() {
	if m == nil {
		return
	}
	m.socketClients.Dec()
}
