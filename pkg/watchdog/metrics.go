package watchdog

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics publishes health as observable gauges on meter. The
// returned registration stops collection when unregistered.
func (w *Watchdog) RegisterMetrics(meter metric.Meter) (metric.Registration, error) {
	level, err := meter.Int64ObservableGauge("bastion.watchdog.health_level",
		metric.WithDescription("Health level: 0 healthy to 4 unresponsive"),
	)
	if err != nil {
		return nil, fmt.Errorf("watchdog: health_level gauge: %w", err)
	}
	frameAvg, err := meter.Float64ObservableGauge("bastion.watchdog.frame_time.avg",
		metric.WithDescription("Average frame time over the recent window"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("watchdog: frame_time gauge: %w", err)
	}
	memory, err := meter.Int64ObservableGauge("bastion.watchdog.memory",
		metric.WithDescription("Reported host memory use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("watchdog: memory gauge: %w", err)
	}
	degraded, err := meter.Int64ObservableGauge("bastion.watchdog.degraded",
		metric.WithDescription("1 while Degraded Mode is active"),
	)
	if err != nil {
		return nil, fmt.Errorf("watchdog: degraded gauge: %w", err)
	}
	entries, err := meter.Int64ObservableCounter("bastion.watchdog.degraded.entries",
		metric.WithDescription("Times Degraded Mode was entered"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("watchdog: degraded entries counter: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m := w.Metrics()
		o.ObserveInt64(level, int64(m.Level))
		o.ObserveFloat64(frameAvg, float64(m.AverageFrameTime.Microseconds())/1000)
		o.ObserveInt64(memory, int64(m.MemoryBytes)) //nolint:gosec // memory fits in int64
		var active int64
		if m.Degraded {
			active = 1
		}
		o.ObserveInt64(degraded, active)
		o.ObserveInt64(entries, int64(m.DegradedEntries))
		return nil
	}, level, frameAvg, memory, degraded, entries)
}
