// Package metrics exposes the counter's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/squat-counter/internal/logic"
)

const metricPrefix = "squat_counter_"

const (
	resultSuccess = "success"
	resultError   = "error"
)

// Metrics bundles squat-counter metrics.
type Metrics struct {
	SamplesTotal    prometheus.Counter
	ReadErrorsTotal prometheus.Counter
	EventsTotal     *prometheus.CounterVec
	PublishTotal    *prometheus.CounterVec
	Count           prometheus.Gauge
	Mean            prometheus.Gauge
	UpperThreshold  prometheus.Gauge
	LowerThreshold  prometheus.Gauge
	State           *prometheus.GaugeVec
}

// New constructs metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "samples_total",
			Help: "Total pressure samples read",
		}),
		ReadErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "read_errors_total",
			Help: "Total failed sensor reads",
		}),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_total",
				Help: "Total detector events by type",
			},
			[]string{"event"},
		),
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mqtt_publish_total",
				Help: "Total MQTT publishes by result",
			},
			[]string{"result"},
		),
		Count: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "count",
			Help: "Current repetition count",
		}),
		Mean: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "trimmed_mean_hpa",
			Help: "Last trimmed mean of the sample window in hPa",
		}),
		UpperThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "upper_threshold_hpa",
			Help: "Calibrated upper threshold in hPa",
		}),
		LowerThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "lower_threshold_hpa",
			Help: "Calibrated lower threshold in hPa",
		}),
		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "state",
				Help: "Detector state, 1 for the current state",
			},
			[]string{"state"},
		),
	}
	reg.MustRegister(
		m.SamplesTotal,
		m.ReadErrorsTotal,
		m.EventsTotal,
		m.PublishTotal,
		m.Count,
		m.Mean,
		m.UpperThreshold,
		m.LowerThreshold,
		m.State,
	)
	m.setState(logic.StateUncalibrated)
	return m
}

// ObserveEvent records a detector event.
func (m *Metrics) ObserveEvent(e logic.Event) {
	m.EventsTotal.WithLabelValues(string(e.Type)).Inc()
	m.Count.Set(float64(e.Count))
	m.Mean.Set(float64(e.Mean))
	if e.State != logic.StateUncalibrated {
		m.UpperThreshold.Set(float64(e.Upper))
		m.LowerThreshold.Set(float64(e.Lower))
	}
	m.setState(e.State)
}

// ObserveSample records a successful read.
func (m *Metrics) ObserveSample(mean float32, state logic.State) {
	m.SamplesTotal.Inc()
	m.Mean.Set(float64(mean))
	m.setState(state)
}

// ObserveReadError records a failed read.
func (m *Metrics) ObserveReadError() {
	m.ReadErrorsTotal.Inc()
}

// ObservePublish records an MQTT publish result.
func (m *Metrics) ObservePublish(err error) {
	if err != nil {
		m.PublishTotal.WithLabelValues(resultError).Inc()
		return
	}
	m.PublishTotal.WithLabelValues(resultSuccess).Inc()
}

func (m *Metrics) setState(current logic.State) {
	for _, s := range []logic.State{logic.StateUncalibrated, logic.StateIdle, logic.StateArmed} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.State.WithLabelValues(string(s)).Set(v)
	}
}
