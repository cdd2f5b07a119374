package systemmonitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/Octogonapus/ImageJobBenchmark/report"
)

type cpuTimeStat struct {
	user      int
	system    int
	idle      int
	nice      int
	iowait    int
	irq       int
	softIrq   int
	steal     int
	guest     int
	guestNice int
}

func (ts *cpuTimeStat) totalCPUTime() int {
	return ts.user + ts.system + ts.nice + ts.iowait + ts.irq + ts.softIrq + ts.steal + ts.idle
}

func parseCPUTimeStat(buf []byte) *cpuTimeStat {
	for _, line := range strings.Split(string(buf), "\n") {
		// Only the aggregate line, per-core lines start with "cpu0" etc.
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 11 {
			return nil
		}
		fields := make([]int, 10)
		for i := range fields {
			v, err := strconv.Atoi(parts[i+1])
			if err != nil {
				return nil
			}
			fields[i] = v
		}
		return &cpuTimeStat{
			user:      fields[0],
			nice:      fields[1],
			system:    fields[2],
			idle:      fields[3],
			iowait:    fields[4],
			irq:       fields[5],
			softIrq:   fields[6],
			steal:     fields[7],
			guest:     fields[8],
			guestNice: fields[9],
		}
	}
	return nil
}

func (mon *systemMonitor) appendCPUMetrics(now time.Time, curr *cpuTimeStat, prev *cpuTimeStat) {
	delta := float64(curr.totalCPUTime() - prev.totalCPUTime())
	if delta <= 0 {
		return
	}
	pct := func(c, p int) report.Measurement[float64] {
		return report.Measurement[float64]{Time: now.Unix(), Value: float64(100*(c-p)) / delta}
	}
	// Guest time is already counted in user time
	mon.sm.CpuUsageUser = append(mon.sm.CpuUsageUser, pct(curr.user-curr.guest, prev.user-prev.guest))
	mon.sm.CpuUsageSystem = append(mon.sm.CpuUsageSystem, pct(curr.system, prev.system))
	mon.sm.CpuUsageIdle = append(mon.sm.CpuUsageIdle, pct(curr.idle, prev.idle))
	mon.sm.CpuUsageIowait = append(mon.sm.CpuUsageIowait, pct(curr.iowait, prev.iowait))
}
