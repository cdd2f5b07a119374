package systemmonitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/Octogonapus/ImageJobBenchmark/report"
)

// Every "Name:  value kB" line of /proc/meminfo, in bytes. Other lines are skipped.
func parseMeminfo(buf []byte) map[string]int {
	fields := map[string]int{}
	for _, line := range strings.Split(string(buf), "\n") {
		parts := strings.Fields(line)
		if len(parts) != 3 || parts[2] != "kB" {
			continue
		}
		name, ok := strings.CutSuffix(parts[0], ":")
		if !ok {
			continue
		}
		kb, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		fields[name] = kb * 1024
	}
	return fields
}

func (mon *systemMonitor) appendMemoryMetrics(now time.Time, buf []byte) {
	mem := parseMeminfo(buf)
	total := mem["MemTotal"]
	if total == 0 {
		return
	}
	// Same accounting as free(1): page cache and reclaimable slab are not in use
	used := total - mem["MemFree"] - mem["Buffers"] - mem["Cached"] - mem["SReclaimable"]

	ts := now.Unix()
	mon.sm.MemTotalBytes = append(mon.sm.MemTotalBytes, report.Measurement[int]{Time: ts, Value: total})
	mon.sm.MemUsedBytes = append(mon.sm.MemUsedBytes, report.Measurement[int]{Time: ts, Value: used})
	mon.sm.MemUsedPct = append(mon.sm.MemUsedPct, report.Measurement[float64]{Time: ts, Value: 100 * float64(used) / float64(total)})
	mon.sm.MemAvailBytes = append(mon.sm.MemAvailBytes, report.Measurement[int]{Time: ts, Value: mem["MemAvailable"]})
}
