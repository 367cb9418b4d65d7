package obsbridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dratasich/obsbridge/observation"
)

// Metrics of publish and subscribe loops. A nil *Metrics records nothing.
type Metrics struct {
	published    prometheus.Counter
	sendFailures prometheus.Counter
	received     prometheus.Counter
	timeouts     prometheus.Counter
	decodeErrors prometheus.Counter
	outOfRange   prometheus.Counter
	virtualTime  *prometheus.GaugeVec
	latency      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg (if not nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obsbridge_observations_published_total",
			Help: "Observations handed to the transport.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obsbridge_send_failures_total",
			Help: "Observations lost because the transport rejected the send.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obsbridge_observations_received_total",
			Help: "Observations received and decoded.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obsbridge_receive_timeouts_total",
			Help: "Polls that ended without a message.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obsbridge_decode_errors_total",
			Help: "Payloads dropped because they were not valid observations.",
		}),
		outOfRange: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obsbridge_values_out_of_range_total",
			Help: "Observations whose value was outside their advertised range.",
		}),
		virtualTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "obsbridge_virtual_time_seconds",
			Help: "Current virtual clock of the loop.",
		}, []string{"role"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "obsbridge_delivery_latency_seconds",
			Help:    "Wall-clock delay between sampling and receipt. Only meaningful with synchronized clocks.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.sendFailures, m.received, m.timeouts,
			m.decodeErrors, m.outOfRange, m.virtualTime, m.latency)
	}
	return m
}

func (m *Metrics) ObservePublished() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *Metrics) ObserveSendFailure() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) ObserveTimeout() {
	if m != nil {
		m.timeouts.Inc()
	}
}

func (m *Metrics) ObserveDecodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

// ObserveReceived records a decoded observation that arrived at now
func (m *Metrics) ObserveReceived(obs observation.Observation, now time.Time) {
	if m == nil {
		return
	}
	m.received.Inc()
	if !obs.InRange() {
		m.outOfRange.Inc()
	}
	// clocks of different hosts may disagree
	if delay := now.Sub(obs.Time()); delay >= 0 {
		m.latency.Observe(delay.Seconds())
	}
}

func (m *Metrics) SetVirtualTime(role string, t time.Duration) {
	if m != nil {
		m.virtualTime.WithLabelValues(role).Set(t.Seconds())
	}
}
