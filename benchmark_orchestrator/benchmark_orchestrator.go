package benchmarkorchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	jobdriver "github.com/Octogonapus/ImageJobBenchmark/job_driver"
	"github.com/Octogonapus/ImageJobBenchmark/report"
	"github.com/Octogonapus/ImageJobBenchmark/util"
)

var ErrUnknownDataset = errors.New("unknown dataset")

const RunIDTimeFormat = "20060102T150405Z"

// Submits a job and waits for it, e.g. a *jobdriver.Driver.
type JobRunner interface {
	SubmitAndWait(ctx context.Context, parallelism int, args []string) (*jobdriver.RunResult, error)
}

// Somewhere finished reports are kept, e.g. a *results.Store.
type ReportSink interface {
	Save(ctx context.Context, rep *report.BenchmarkReport) error
}

// Samples the job host while a job runs, e.g. a systemmonitor.SystemMonitor.
type Monitor interface {
	Start(ctx context.Context)
	Stop() *report.SystemMeasurements
}

type BenchmarkConfig struct {
	Datasets       map[string]string // label -> input prefix
	ParallelDegree int               // parallelism of the parallel run, the sequential run always uses 1
	HistoryURL     string            // where people can inspect the jobs by hand
}

type BenchmarkOrchestratorInput struct {
	Config *BenchmarkConfig
	Runner JobRunner
	Sink   ReportSink       // optional
	// Optional. Called once per job, the measurements end up in that job's RunReport.
	NewMonitor func() Monitor
	Now    func() time.Time // time.Now by default
}

// Runs each benchmark as a parallel job followed by a sequential job over the same dataset.
type BenchmarkOrchestrator struct {
	input *BenchmarkOrchestratorInput

	// Runs never overlap, they would compete for the same cluster and skew the comparison
	mu sync.Mutex
}

func NewBenchmarkOrchestrator(input *BenchmarkOrchestratorInput) (*BenchmarkOrchestrator, error) {
	if input.Config == nil || len(input.Config.Datasets) == 0 {
		return nil, fmt.Errorf("at least one dataset is required")
	}
	if input.Config.ParallelDegree < 1 {
		return nil, fmt.Errorf("parallel degree must be at least 1, got %d", input.Config.ParallelDegree)
	}
	if input.Runner == nil {
		return nil, fmt.Errorf("a job runner is required")
	}
	if input.Now == nil {
		input.Now = time.Now
	}
	return &BenchmarkOrchestrator{input: input}, nil
}

// The dataset labels, sorted.
func (o *BenchmarkOrchestrator) Datasets() []string {
	labels := make([]string, 0, len(o.input.Config.Datasets))
	for label := range o.input.Config.Datasets {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	return labels
}

func (o *BenchmarkOrchestrator) HistoryURL() string {
	return o.input.Config.HistoryURL
}

// Unique per call. Sorts by time, the suffix separates calls made within the same second.
func (o *BenchmarkOrchestrator) newRunID() string {
	return o.input.Now().UTC().Format(RunIDTimeFormat) + "-" + util.Randstring(4)
}

// Benchmarks the labelled dataset. Job failures are reported per run in the returned report; the only error is
// ErrUnknownDataset.
func (o *BenchmarkOrchestrator) Run(ctx context.Context, label string) (*report.BenchmarkReport, error) {
	prefix, ok := o.input.Config.Datasets[label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, label)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	rep := &report.BenchmarkReport{
		RunID:       o.newRunID(),
		Dataset:     label,
		InputPrefix: prefix,
		StartedAt:   o.input.Now().UTC(),
		HistoryURL:  o.input.Config.HistoryURL,
	}
	args := []string{prefix, rep.RunID}
	slog.Info("starting benchmark", slog.String("dataset", label), slog.String("runID", rep.RunID))

	// One after the other, never concurrently
	rep.Parallel = o.runJob(ctx, "parallel", o.input.Config.ParallelDegree, args)
	rep.Sequential = o.runJob(ctx, "sequential", 1, args)

	if !rep.Parallel.Failed() && !rep.Sequential.Failed() {
		rep.Result = &report.BenchmarkResult{
			Label:         label,
			ParallelSec:   rep.Parallel.ElapsedSec,
			SequentialSec: rep.Sequential.ElapsedSec,
		}
		slog.Info("finished benchmark",
			slog.String("dataset", label),
			slog.Float64("parallelSec", rep.Result.ParallelSec),
			slog.Float64("sequentialSec", rep.Result.SequentialSec),
		)
	}

	if o.input.Sink != nil {
		err := o.input.Sink.Save(ctx, rep)
		if err != nil {
			slog.Error("failed to save benchmark report", slog.String("runID", rep.RunID), slog.String("error", err.Error()))
		}
	}
	return rep, nil
}

func (o *BenchmarkOrchestrator) runJob(ctx context.Context, name string, parallelism int, args []string) *report.RunReport {
	rr := &report.RunReport{Name: name, Parallelism: parallelism}
	if o.input.NewMonitor != nil {
		mon := o.input.NewMonitor()
		mon.Start(ctx)
		defer func() { rr.System = mon.Stop() }()
	}
	res, err := o.input.Runner.SubmitAndWait(ctx, parallelism, args)
	if err != nil {
		slog.Error("benchmark job failed", slog.String("name", name), slog.String("error", err.Error()))
		rr.Error = err.Error()
		var we *jobdriver.WaitError
		var de *jobdriver.DescribeError
		var te *jobdriver.TimestampResolutionError
		switch {
		case errors.As(err, &we):
			rr.JobID = we.JobID
		case errors.As(err, &de):
			rr.JobID = de.JobID
		case errors.As(err, &te):
			rr.JobID = te.JobID
		}
		return rr
	}
	rr.JobID = res.JobID
	rr.ElapsedSec = res.ElapsedSec
	rr.Log = res.Log
	return rr
}
