package negativesampler

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"

	"github.com/deepaksharma/negative-reservoir/internal/sampler"
)

// MetricsManager holds the processor's instrument values. Observable
// instruments read them on collection.
type MetricsManager struct {
	reservoirLength *atomic.Int64
	totalSeen       *atomic.Int64
	capacity        *atomic.Int64

	submitted      *atomic.Int64
	replaced       *atomic.Int64
	discarded      *atomic.Int64
	skipped        *atomic.Int64
	submitFailures *atomic.Int64
	sweeps         *atomic.Int64

	meter metric.Meter
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(meter metric.Meter) *MetricsManager {
	return &MetricsManager{
		reservoirLength: atomic.NewInt64(0),
		totalSeen:       atomic.NewInt64(0),
		capacity:        atomic.NewInt64(0),
		submitted:       atomic.NewInt64(0),
		replaced:        atomic.NewInt64(0),
		discarded:       atomic.NewInt64(0),
		skipped:         atomic.NewInt64(0),
		submitFailures:  atomic.NewInt64(0),
		sweeps:          atomic.NewInt64(0),
		meter:           meter,
	}
}

type instrument struct {
	name        string
	description string
	unit        string
	value       *atomic.Int64
	counter     bool
}

func (m *MetricsManager) instruments() []instrument {
	return []instrument{
		{"negative_sampler.reservoir_length", "Number of records currently in the reservoir", "{records}", m.reservoirLength, false},
		{"negative_sampler.total_seen", "Negative events counted since the last reset", "{events}", m.totalSeen, false},
		{"negative_sampler.capacity", "Reservoir capacity", "{records}", m.capacity, false},
		{"negative_sampler.submitted", "Negative events submitted to the reservoir", "{events}", m.submitted, true},
		{"negative_sampler.replaced", "Submissions that replaced a reservoir slot", "{events}", m.replaced, true},
		{"negative_sampler.discarded", "Submissions counted but not kept", "{events}", m.discarded, true},
		{"negative_sampler.skipped", "Log records that were not negative events", "{records}", m.skipped, true},
		{"negative_sampler.submit_failures", "Submissions rejected or failed", "{events}", m.submitFailures, true},
		{"negative_sampler.sweeps", "Sweeps that reclaimed expired state", "{sweeps}", m.sweeps, true},
	}
}

// RegisterMetrics registers all metrics with the meter
func (m *MetricsManager) RegisterMetrics() error {
	for _, inst := range m.instruments() {
		value := inst.value
		callback := func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(value.Load())
			return nil
		}

		var err error
		if inst.counter {
			_, err = m.meter.Int64ObservableCounter(inst.name,
				metric.WithDescription(inst.description),
				metric.WithUnit(inst.unit),
				metric.WithInt64Callback(callback))
		} else {
			_, err = m.meter.Int64ObservableGauge(inst.name,
				metric.WithDescription(inst.description),
				metric.WithUnit(inst.unit),
				metric.WithInt64Callback(callback))
		}
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", inst.name, err)
		}
	}
	return nil
}

// observeStats sets the gauges from a state snapshot.
func (m *MetricsManager) observeStats(st sampler.Stats) {
	m.totalSeen.Store(int64(st.TotalSeen))
	m.capacity.Store(int64(st.Capacity))
	m.reservoirLength.Store(int64(st.Length))
}

// observeOutcome records a successful submission.
func (m *MetricsManager) observeOutcome(out sampler.Outcome) {
	m.submitted.Inc()
	switch out.Action {
	case sampler.ActionReplaced:
		m.replaced.Inc()
	case sampler.ActionDiscarded:
		m.discarded.Inc()
	}

	m.totalSeen.Store(int64(out.TotalSeen))
	length := int64(out.TotalSeen)
	if c := m.capacity.Load(); length > c {
		length = c
	}
	m.reservoirLength.Store(length)
}
