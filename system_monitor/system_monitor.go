package systemmonitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/Octogonapus/ImageJobBenchmark/report"
	"github.com/Octogonapus/ImageJobBenchmark/target"
)

// Samples CPU and memory use of a target in the background.
type SystemMonitor interface {
	Start(ctx context.Context)

	// Stops sampling and returns everything sampled since Start.
	Stop() *report.SystemMeasurements
}

type systemMonitor struct {
	target   target.Target
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	sm     *report.SystemMeasurements
}

func NewSystemMonitor(t target.Target, interval time.Duration) SystemMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &systemMonitor{
		target:   t,
		interval: interval,
		now:      time.Now,
	}
}

func (mon *systemMonitor) Start(ctx context.Context) {
	ctx, mon.cancel = context.WithCancel(ctx)
	mon.done = make(chan struct{})
	mon.sm = &report.SystemMeasurements{}
	go mon.runMonitor(ctx)
}

func (mon *systemMonitor) Stop() *report.SystemMeasurements {
	if mon.cancel == nil {
		return nil
	}
	mon.cancel()
	<-mon.done
	return mon.sm
}

const sampleCommand = "cat /proc/stat /proc/meminfo"

func (mon *systemMonitor) runMonitor(ctx context.Context) {
	defer close(mon.done)
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	var prevCPU *cpuTimeStat
	for {
		buf, err := mon.target.RunCommand(ctx, sampleCommand)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			slog.Warn("SystemMonitor: failed to sample target", slog.String("error", err.Error()))
		} else {
			t := mon.now()
			currCPU := parseCPUTimeStat(buf)
			if prevCPU != nil && currCPU != nil {
				mon.appendCPUMetrics(t, currCPU, prevCPU)
			}
			prevCPU = currCPU
			mon.appendMemoryMetrics(t, buf)
		}

		select {
		case <-ctx.Done():
			slog.Debug("SystemMonitor: stopped")
			return
		case <-ticker.C:
		}
	}
	slog.Debug("SystemMonitor: stopped")
}
