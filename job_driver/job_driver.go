package jobdriver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// JobRequest describes one job submission. Treat it as immutable once built.
type JobRequest struct {
	Script      string   // what the job runs, e.g. gs://bucket/scripts/image_processing.py
	Cluster     string
	Region      string
	Project     string
	Parallelism int      // the number of partitions the job maps over
	ExtraFlags  []string // passed to the job service verbatim
	Args        []string // positional arguments for the script
}

// The command interface of an external batch job service. Every call blocks until the service answers.
type JobService interface {
	// Check the service is usable (e.g. the CLI is installed) and stage anything jobs need.
	SetUp(ctx context.Context) error

	// Submit a job and return its ID without waiting for it to run.
	Submit(ctx context.Context, req JobRequest) (string, error)

	// Block until the job is terminal. Fails if the job did not succeed. Returns the job's output.
	Wait(ctx context.Context, jobID, region, project string) (string, error)

	// Fetch the metadata of a job.
	Describe(ctx context.Context, jobID, region, project string) (*JobMetadata, error)

	// Stop a job and block until it no longer runs. Cancelling a terminal job is not an error.
	Cancel(ctx context.Context, jobID, region, project string) error
}

type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submitting job failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

type WaitError struct {
	JobID string
	Err   error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("waiting for job %s failed: %v", e.JobID, e.Err)
}

func (e *WaitError) Unwrap() error {
	return e.Err
}

type DescribeError struct {
	JobID string
	Err   error
}

func (e *DescribeError) Error() string {
	return fmt.Sprintf("describing job %s failed: %v", e.JobID, e.Err)
}

func (e *DescribeError) Unwrap() error {
	return e.Err
}

type RunResult struct {
	JobID      string
	ElapsedSec float64 // from the service's RUNNING transition to its terminal status
	Log        string  // whatever the wait call printed
}

type DriverInput struct {
	Service JobService

	// Identity and flags shared by every submission. Parallelism and Args are filled in per call.
	Request JobRequest

	// Bounds the wait for a job to finish. No limit when 0.
	WaitTimeout time.Duration
}

// Driver submits jobs and times them from the job service's own state history.
type Driver struct {
	input *DriverInput
}

func NewDriver(input *DriverInput) *Driver {
	return &Driver{input: input}
}

// Submits a job, blocks until it is terminal and returns how long it spent running. Every call creates a new job.
// Errors are a *SubmissionError, *WaitError, *DescribeError or wrap ErrTimestampResolution.
func (d *Driver) SubmitAndWait(ctx context.Context, parallelism int, args []string) (*RunResult, error) {
	req := d.input.Request
	req.Parallelism = parallelism
	req.ExtraFlags = slices.Clone(d.input.Request.ExtraFlags)
	req.Args = slices.Clone(args)

	svc := d.input.Service
	jobID, err := svc.Submit(ctx, req)
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}
	slog.Info("submitted job", slog.String("jobID", jobID), slog.Int("parallelism", parallelism))

	waitCtx := ctx
	if d.input.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d.input.WaitTimeout)
		defer cancel()
	}
	log, err := svc.Wait(waitCtx, jobID, req.Region, req.Project)
	if err != nil {
		if waitCtx.Err() != nil {
			// Otherwise the job keeps running and overlaps whatever is submitted next
			d.cancel(ctx, jobID, req)
		}
		return nil, &WaitError{JobID: jobID, Err: err}
	}
	slog.Debug("job finished", slog.String("jobID", jobID))

	meta, err := svc.Describe(ctx, jobID, req.Region, req.Project)
	if errors.Is(err, ErrTimestampResolution) {
		return nil, err
	} else if err != nil {
		return nil, &DescribeError{JobID: jobID, Err: err}
	}

	elapsed, err := meta.Elapsed()
	if err != nil {
		return nil, err
	}
	slog.Info("timed job", slog.String("jobID", jobID), slog.Float64("elapsedSec", elapsed))

	return &RunResult{
		JobID:      jobID,
		ElapsedSec: elapsed,
		Log:        strings.TrimSpace(log),
	}, nil
}

// How long a job gets to stop after the wait for it gave up.
const CancelTimeout = 2 * time.Minute

func (d *Driver) cancel(ctx context.Context, jobID string, req JobRequest) {
	// The caller's context may be the one that expired
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CancelTimeout)
	defer cancel()
	slog.Warn("cancelling job", slog.String("jobID", jobID))
	err := d.input.Service.Cancel(ctx, jobID, req.Region, req.Project)
	if err != nil {
		slog.Error("failed to cancel job", slog.String("jobID", jobID), slog.String("error", err.Error()))
	}
}
