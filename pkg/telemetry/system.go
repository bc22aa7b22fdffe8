package telemetry

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/metric"
)

// RegisterSystemStats exports process CPU and memory observable gauges,
// sampled by the metrics reader on each scrape.
func (t *Telemetry) RegisterSystemStats() error {
	if !t.cfg.Enabled || !t.cfg.SystemStats {
		return nil
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("failed to open process handle: %w", err)
	}

	meter := t.meterProvider.Meter("dny/system")

	cpuGauge, err := meter.Float64ObservableGauge(
		"process.cpu.percent",
		metric.WithDescription("Process CPU utilization percentage"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cpu gauge: %w", err)
	}

	rssGauge, err := meter.Int64ObservableGauge(
		"process.memory.rss",
		metric.WithDescription("Process resident set size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create rss gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if cpu, err := proc.CPUPercent(); err == nil {
			o.ObserveFloat64(cpuGauge, cpu)
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			o.ObserveInt64(rssGauge, int64(mem.RSS))
		}
		return nil
	}, cpuGauge, rssGauge)
	if err != nil {
		return fmt.Errorf("failed to register system stats callback: %w", err)
	}

	t.logger.Info("System stats gauges registered")
	return nil
}
