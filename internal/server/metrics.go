package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/devicekit/internal/device"
)

// metrics are the Prometheus collectors of one server. Every server owns
// its registry so that several servers can run in one process.
type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	events   *prometheus.CounterVec
	dropped  prometheus.Counter
	devices  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, server string) (*metrics, error) {
	labels := prometheus.Labels{"server": server}
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "devicekit",
			Name:        "requests_total",
			Help:        "Device requests handled, by operation and result.",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "devicekit",
			Name:        "request_duration_seconds",
			Help:        "Time spent dispatching device requests.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "devicekit",
			Name:        "events_total",
			Help:        "Events pushed by devices, by event type.",
			ConstLabels: labels,
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "devicekit",
			Name:        "events_dropped_total",
			Help:        "Events not delivered because a subscriber fell behind.",
			ConstLabels: labels,
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "devicekit",
			Name:        "devices",
			Help:        "Devices exported by the server, the admin device included.",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.events, m.dropped, m.devices} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) observe(op string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = device.ReasonOf(err)
		if result == "" {
			result = "error"
		}
	}
	m.requests.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}
