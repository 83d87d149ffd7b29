package sliq

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "sliq"

var (
	connStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connections_started_total",
			Help:      "Connections Started",
		},
		[]string{"dir"},
	)
	connClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connections_closed_total",
			Help:      "Connections Closed",
		},
		[]string{"dir", "reason"},
	)
	connHandshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "handshake_duration_seconds",
			Help:      "Duration of the Connection Handshake",
			Buckets:   prometheus.ExponentialBuckets(0.001, 1.3, 35),
		},
		[]string{"dir"},
	)
	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "packets_sent_total",
			Help:      "Datagrams Sent",
		},
		[]string{"dir"},
	)
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "packets_received_total",
			Help:      "Datagrams Received",
		},
		[]string{"dir"},
	)
	sendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "send_errors_total",
			Help:      "Data Datagrams the Socket Failed to Send",
		},
		[]string{"dir"},
	)
	retransmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "retransmissions_total",
			Help:      "Data Packets Retransmitted",
		},
		[]string{"dir", "trigger"},
	)
	smoothedRTT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "smoothed_rtt_seconds",
			Help:      "Smoothed RTT at Connection Close",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"dir"},
	)
	droppedDatagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "datagrams_dropped_total",
			Help:      "Inbound Datagrams Dropped by the Manager",
		},
		[]string{"reason"},
	)
)

func registerMetrics(registerer prometheus.Registerer) {
	for _, c := range [...]prometheus.Collector{
		connStarted,
		connClosed,
		connHandshakeDuration,
		packetsSent,
		packetsReceived,
		sendErrors,
		retransmissions,
		smoothedRTT,
		droppedDatagrams,
	} {
		if err := registerer.Register(c); err != nil {
			if ok := errors.As(err, &prometheus.AlreadyRegisteredError{}); !ok {
				panic(err)
			}
		}
	}
}

// connMetrics records the metrics of one connection. A nil *connMetrics
// records nothing.
type connMetrics struct {
	dir       string
	startTime time.Time
	sent      prometheus.Counter
	received  prometheus.Counter
}

func newConnMetrics(isClient bool, now time.Time) *connMetrics {
	dir := "incoming"
	if isClient {
		dir = "outgoing"
	}
	connStarted.WithLabelValues(dir).Inc()
	return &connMetrics{
		dir:       dir,
		startTime: now,
		sent:      packetsSent.WithLabelValues(dir),
		received:  packetsReceived.WithLabelValues(dir),
	}
}

func (m *connMetrics) handshakeComplete(now time.Time) {
	if m == nil {
		return
	}
	connHandshakeDuration.WithLabelValues(m.dir).Observe(now.Sub(m.startTime).Seconds())
}

func (m *connMetrics) packetSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *connMetrics) packetReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *connMetrics) sendFailed() {
	if m != nil {
		sendErrors.WithLabelValues(m.dir).Inc()
	}
}

func (m *connMetrics) retransmitted(rto bool) {
	if m == nil {
		return
	}
	trigger := "fast"
	if rto {
		trigger = "rto"
	}
	retransmissions.WithLabelValues(m.dir, trigger).Inc()
}

func (m *connMetrics) closed(err error, srtt time.Duration) {
	if m == nil {
		return
	}
	connClosed.WithLabelValues(m.dir, closeReason(err)).Inc()
	if srtt > 0 {
		smoothedRTT.WithLabelValues(m.dir).Observe(srtt.Seconds())
	}
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "graceful"
	case errors.Is(err, ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, ErrRtoExhausted):
		return "rto_exhausted"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrConnectionReset):
		return "reset"
	case errors.Is(err, ErrLingerTimeout):
		return "linger_timeout"
	default:
		return "error"
	}
}
