package report

import (
	"math"
	"time"
)

// BenchmarkResult compares the two runs of one benchmark. Only built when both runs succeeded.
type BenchmarkResult struct {
	Label         string
	ParallelSec   float64
	SequentialSec float64
}

// How many times faster the parallel run was. 0 if the parallel run took no time.
func (r *BenchmarkResult) Speedup() float64 {
	if r.ParallelSec <= 0 {
		return 0
	}
	return r.SequentialSec / r.ParallelSec
}

// Minutes rounded to two decimals, the unit the comparison is usually read in.
func Minutes(sec float64) float64 {
	return math.Round(sec/60*100) / 100
}

// One job submission within a benchmark.
type RunReport struct {
	Name        string
	Parallelism int
	JobID       string
	ElapsedSec  float64
	Log         string
	Error       string // non-empty iff the run failed

	System *SystemMeasurements `json:",omitempty"` // only when monitoring is enabled
}

func (r *RunReport) Failed() bool {
	return r.Error != ""
}

type BenchmarkReport struct {
	RunID       string
	Dataset     string
	InputPrefix string
	StartedAt   time.Time
	HistoryURL  string
	Parallel    *RunReport
	Sequential  *RunReport
	Result      *BenchmarkResult // nil unless both runs succeeded
}

type Measurement[T any] struct {
	Time  int64 // unix seconds
	Value T
}

// Host utilization sampled from the target while a job ran.
type SystemMeasurements struct {
	CpuUsageUser   []Measurement[float64]
	CpuUsageSystem []Measurement[float64]
	CpuUsageIdle   []Measurement[float64]
	CpuUsageIowait []Measurement[float64]

	MemTotalBytes []Measurement[int]
	MemUsedBytes  []Measurement[int]
	MemUsedPct    []Measurement[float64]
	MemAvailBytes []Measurement[int]
}
