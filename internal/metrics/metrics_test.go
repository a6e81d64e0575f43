package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/sweeney/squat-counter/internal/logic"
)

func TestObserveEvent(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveEvent(logic.Event{Type: logic.EventCalibrated, State: logic.StateIdle, Mean: 1013, Upper: 1013.03, Lower: 1012.97})
	m.ObserveEvent(logic.Event{Type: logic.EventSquat, Count: 4, State: logic.StateIdle, Mean: 1013, Upper: 1013.03, Lower: 1012.97})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("SQUAT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("CALIBRATED")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Count))
	assert.InDelta(t, 1013.03, testutil.ToFloat64(m.UpperThreshold), 0.001)
	assert.InDelta(t, 1012.97, testutil.ToFloat64(m.LowerThreshold), 0.001)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("IDLE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.State.WithLabelValues("UNCALIBRATED")))
}

func TestResetBeforeCalibrationKeepsThresholdsUnset(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveEvent(logic.Event{Type: logic.EventReset, State: logic.StateUncalibrated})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.UpperThreshold))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("UNCALIBRATED")))
}

func TestObserveSampleAndErrors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSample(1013.2, logic.StateArmed)
	m.ObserveSample(1013.1, logic.StateArmed)
	m.ObserveReadError()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SamplesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadErrorsTotal))
	assert.InDelta(t, 1013.1, testutil.ToFloat64(m.Mean), 0.001)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("ARMED")))
}

func TestObservePublish(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObservePublish(nil)
	m.ObservePublish(nil)
	m.ObservePublish(errors.New("timeout"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PublishTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishTotal.WithLabelValues("error")))
}

func TestRegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	families, err := reg.Gather()
	assert.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"squat_counter_samples_total",
		"squat_counter_count",
		"squat_counter_state",
		"squat_counter_upper_threshold_hpa",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}
