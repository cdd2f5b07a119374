package benchmarkorchestrator

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	jobdriver "github.com/Octogonapus/ImageJobBenchmark/job_driver"
	"github.com/Octogonapus/ImageJobBenchmark/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	parallelism int
	args        []string
}

// fakeRunner answers by parallelism and records every call.
type fakeRunner struct {
	mu      sync.Mutex
	results map[int]*jobdriver.RunResult
	errs    map[int]error
	calls   []call
	active  int
	overlap bool
}

func (f *fakeRunner) SubmitAndWait(_ context.Context, parallelism int, args []string) (*jobdriver.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{parallelism: parallelism, args: args})
	f.active++
	if f.active > 1 {
		f.overlap = true
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	if err := f.errs[parallelism]; err != nil {
		return nil, err
	}
	return f.results[parallelism], nil
}

type fakeSink struct {
	saved []*report.BenchmarkReport
	err   error
}

func (s *fakeSink) Save(_ context.Context, rep *report.BenchmarkReport) error {
	s.saved = append(s.saved, rep)
	return s.err
}

var fixedNow = func() time.Time { return time.Date(2025, 4, 20, 18, 3, 0, 0, time.UTC) }

func newOrchestrator(t *testing.T, runner JobRunner, sink ReportSink) *BenchmarkOrchestrator {
	t.Helper()
	o, err := NewBenchmarkOrchestrator(&BenchmarkOrchestratorInput{
		Config: &BenchmarkConfig{
			Datasets: map[string]string{
				"Small":  "gs://input/caltech101/small/",
				"Medium": "gs://input/caltech101/medium/",
			},
			ParallelDegree: 8,
			HistoryURL:     "https://history.example/sparkhistory/",
		},
		Runner: runner,
		Sink:   sink,
		Now:    fixedNow,
	})
	require.NoError(t, err)
	return o
}

func TestRunBothSucceed(t *testing.T) {
	runner := &fakeRunner{results: map[int]*jobdriver.RunResult{
		8: {JobID: "p", ElapsedSec: 42.0, Log: "parallel log"},
		1: {JobID: "s", ElapsedSec: 130.0, Log: "sequential log"},
	}}
	sink := &fakeSink{}
	o := newOrchestrator(t, runner, sink)

	rep, err := o.Run(context.Background(), "Small")
	require.NoError(t, err)
	assert.Equal(t, &report.BenchmarkResult{Label: "Small", ParallelSec: 42.0, SequentialSec: 130.0}, rep.Result)
	assert.Equal(t, "Small", rep.Dataset)
	assert.Equal(t, "gs://input/caltech101/small/", rep.InputPrefix)
	assert.Equal(t, "https://history.example/sparkhistory/", rep.HistoryURL)
	assert.Equal(t, &report.RunReport{Name: "parallel", Parallelism: 8, JobID: "p", ElapsedSec: 42, Log: "parallel log"}, rep.Parallel)
	assert.Equal(t, &report.RunReport{Name: "sequential", Parallelism: 1, JobID: "s", ElapsedSec: 130, Log: "sequential log"}, rep.Sequential)

	// parallel first, then sequential, same args
	require.Len(t, runner.calls, 2)
	assert.Equal(t, 8, runner.calls[0].parallelism)
	assert.Equal(t, 1, runner.calls[1].parallelism)
	assert.Equal(t, []string{"gs://input/caltech101/small/", rep.RunID}, runner.calls[0].args)
	assert.Equal(t, runner.calls[0].args, runner.calls[1].args)
	assert.False(t, runner.overlap)

	assert.Regexp(t, regexp.MustCompile(`^20250420T180300Z-[a-z]{4}$`), rep.RunID)
	assert.Equal(t, []*report.BenchmarkReport{rep}, sink.saved)
}

func TestRunParallelFailsSequentialSucceeds(t *testing.T) {
	runner := &fakeRunner{
		results: map[int]*jobdriver.RunResult{1: {JobID: "s", ElapsedSec: 130.0}},
		errs:    map[int]error{8: &jobdriver.WaitError{JobID: "p", Err: errors.New("Job [p] failed")}},
	}
	o := newOrchestrator(t, runner, nil)

	rep, err := o.Run(context.Background(), "Small")
	require.NoError(t, err)
	assert.Nil(t, rep.Result)
	assert.Equal(t, "waiting for job p failed: Job [p] failed", rep.Parallel.Error)
	assert.Equal(t, "p", rep.Parallel.JobID)
	assert.Empty(t, rep.Sequential.Error)
	assert.Equal(t, 130.0, rep.Sequential.ElapsedSec)
	assert.Len(t, runner.calls, 2, "the sequential run is still attempted")
}

func TestRunBothFail(t *testing.T) {
	runner := &fakeRunner{errs: map[int]error{
		8: &jobdriver.SubmissionError{Err: errors.New("cluster not found")},
		1: &jobdriver.TimestampResolutionError{JobID: "s", Reason: "no RUNNING entry"},
	}}
	o := newOrchestrator(t, runner, nil)

	rep, err := o.Run(context.Background(), "Medium")
	require.NoError(t, err)
	assert.Nil(t, rep.Result)
	assert.Equal(t, "submitting job failed: cluster not found", rep.Parallel.Error)
	assert.Empty(t, rep.Parallel.JobID)
	assert.Contains(t, rep.Sequential.Error, "could not parse start/completion timestamps")
	assert.Equal(t, "s", rep.Sequential.JobID)
}

func TestRunUnknownDataset(t *testing.T) {
	runner := &fakeRunner{}
	o := newOrchestrator(t, runner, nil)

	_, err := o.Run(context.Background(), "Huge")
	assert.ErrorIs(t, err, ErrUnknownDataset)
	assert.Empty(t, runner.calls)
}

func TestRunIDsDifferPerCall(t *testing.T) {
	runner := &fakeRunner{results: map[int]*jobdriver.RunResult{8: {}, 1: {}}}
	o := newOrchestrator(t, runner, nil)

	ids := map[string]bool{}
	for range 5 {
		rep, err := o.Run(context.Background(), "Small")
		require.NoError(t, err)
		ids[rep.RunID] = true
	}
	assert.Greater(t, len(ids), 1)
}

func TestConcurrentRunsDoNotOverlap(t *testing.T) {
	runner := &fakeRunner{results: map[int]*jobdriver.RunResult{8: {}, 1: {}}}
	o := newOrchestrator(t, runner, nil)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Run(context.Background(), "Small")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, runner.calls, 8)
	assert.False(t, runner.overlap)
}

func TestSinkFailureDoesNotFailRun(t *testing.T) {
	runner := &fakeRunner{results: map[int]*jobdriver.RunResult{8: {ElapsedSec: 1}, 1: {ElapsedSec: 2}}}
	o := newOrchestrator(t, runner, &fakeSink{err: errors.New("disk full")})

	rep, err := o.Run(context.Background(), "Small")
	require.NoError(t, err)
	assert.NotNil(t, rep.Result)
}

func TestDatasetsSorted(t *testing.T) {
	o := newOrchestrator(t, &fakeRunner{}, nil)
	assert.Equal(t, []string{"Medium", "Small"}, o.Datasets())
	assert.Equal(t, "https://history.example/sparkhistory/", o.HistoryURL())
}

func TestNewBenchmarkOrchestratorValidates(t *testing.T) {
	_, err := NewBenchmarkOrchestrator(&BenchmarkOrchestratorInput{Config: &BenchmarkConfig{}, Runner: &fakeRunner{}})
	assert.Error(t, err)

	_, err = NewBenchmarkOrchestrator(&BenchmarkOrchestratorInput{
		Config: &BenchmarkConfig{Datasets: map[string]string{"Small": "x"}},
		Runner: &fakeRunner{},
	})
	assert.ErrorContains(t, err, "parallel degree")

	_, err = NewBenchmarkOrchestrator(&BenchmarkOrchestratorInput{
		Config: &BenchmarkConfig{Datasets: map[string]string{"Small": "x"}, ParallelDegree: 2},
	})
	assert.ErrorContains(t, err, "job runner")
}

type fakeMonitor struct {
	started bool
	stopped bool
}

func (m *fakeMonitor) Start(context.Context) { m.started = true }

func (m *fakeMonitor) Stop() *report.SystemMeasurements {
	m.stopped = true
	return &report.SystemMeasurements{MemUsedPct: []report.Measurement[float64]{{Time: 1, Value: 50}}}
}

func TestRunAttachesMonitorMeasurements(t *testing.T) {
	runner := &fakeRunner{
		results: map[int]*jobdriver.RunResult{8: {ElapsedSec: 1}},
		errs:    map[int]error{1: &jobdriver.SubmissionError{Err: errors.New("quota")}},
	}
	var monitors []*fakeMonitor
	o := newOrchestrator(t, runner, nil)
	o.input.NewMonitor = func() Monitor {
		m := &fakeMonitor{}
		monitors = append(monitors, m)
		return m
	}

	rep, err := o.Run(context.Background(), "Small")
	require.NoError(t, err)
	require.Len(t, monitors, 2)
	for _, m := range monitors {
		assert.True(t, m.started)
		assert.True(t, m.stopped)
	}
	require.NotNil(t, rep.Parallel.System)
	require.NotNil(t, rep.Sequential.System, "failed runs keep their measurements")
	assert.Equal(t, 50.0, rep.Parallel.System.MemUsedPct[0].Value)
}
