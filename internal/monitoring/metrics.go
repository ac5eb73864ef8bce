package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "basestation"

// Metrics holds the Prometheus collectors for robot links, the RefBox
// channel and world fusion. A nil *Metrics is valid and records nothing.
type Metrics struct {
	datagramsReceived *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	decodeFailures    *prometheus.CounterVec
	controlLines      prometheus.Counter
	fusionPasses      prometheus.Counter
	connectedRobots   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil registerer yields nil metrics (nil input = nil feature).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		datagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "datagrams_received_total",
			Help:      "Telemetry datagrams received per robot",
		}, []string{"robot"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "bytes_received_total",
			Help:      "Telemetry bytes received per robot",
		}, []string{"robot"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "send_failures_total",
			Help:      "Command datagrams that failed to send per robot",
		}, []string{"robot"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "robot",
			Name:      "decode_failures_total",
			Help:      "Malformed telemetry payloads discarded per robot",
		}, []string{"robot"}),
		controlLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refbox",
			Name:      "lines_received_total",
			Help:      "Lines received on the RefBox control channel",
		}),
		fusionPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "world",
			Name:      "fusion_passes_total",
			Help:      "World fusion passes executed",
		}),
		connectedRobots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "world",
			Name:      "connected_robots",
			Help:      "Robots with an open link at the last fusion pass",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.datagramsReceived,
		m.bytesReceived,
		m.sendFailures,
		m.decodeFailures,
		m.controlLines,
		m.fusionPasses,
		m.connectedRobots,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Robot returns the per-robot counters. It is safe to call on nil metrics.
func (m *Metrics) Robot(label string) *RobotStats {
	return &RobotStats{m: m, label: label}
}

// AddControlLine counts one RefBox line.
func (m *Metrics) AddControlLine() {
	if m == nil {
		return
	}
	m.controlLines.Inc()
}

// ObserveFusion counts a fusion pass and records how many robots were connected.
func (m *Metrics) ObserveFusion(connected int) {
	if m == nil {
		return
	}
	m.fusionPasses.Inc()
	m.connectedRobots.Set(float64(connected))
}

// RobotStats records link and decode counters for one robot.
type RobotStats struct {
	m     *Metrics
	label string
}

func (s *RobotStats) AddReceived(bytes int) {
	if s == nil || s.m == nil {
		return
	}
	s.m.datagramsReceived.WithLabelValues(s.label).Inc()
	s.m.bytesReceived.WithLabelValues(s.label).Add(float64(bytes))
}

func (s *RobotStats) AddSendFailure() {
	if s == nil || s.m == nil {
		return
	}
	s.m.sendFailures.WithLabelValues(s.label).Inc()
}

func (s *RobotStats) AddDecodeFailure() {
	if s == nil || s.m == nil {
		return
	}
	s.m.decodeFailures.WithLabelValues(s.label).Inc()
}
