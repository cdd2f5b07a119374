package jobdriver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/Octogonapus/ImageJobBenchmark/target"
	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/mitchellh/mapstructure"
)

type LocalJobServiceInput struct {
	// A local copy of the job binary to copy onto the target at JobRequest.Script during SetUp. Optional.
	StageFrom string `mapstructure:"stage_from"`

	// Inserted between the parallelism flag and the request's own flags, e.g. ["-output-bucket", "out"].
	ExtraArgs []string `mapstructure:"extra_args"`
}

// Runs the image job binary directly on a target and keeps Dataproc-style state history for it.
type localJobService struct {
	input  *LocalJobServiceInput
	target target.Target
	now    func() time.Time

	mu       sync.Mutex
	jobs     map[string]*localJob
	order    []string // job ids, oldest first
	stageMu  sync.Mutex
	stagedTo map[string]bool
}

// Finished jobs kept for Wait and Describe. Older finished jobs are forgotten.
const maxFinishedJobs = 64

type localJob struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	history []StateTransition
	status  StateTransition
	output  []byte
	err     error
}

func init() {
	RegisterJobService("local", func(t target.Target, a map[string]any) (JobService, error) {
		input := &LocalJobServiceInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert options to LocalJobServiceInput: %w", err)
		}
		return NewLocalJobService(t, input), nil
	})
}

func NewLocalJobService(t target.Target, input *LocalJobServiceInput) JobService {
	return newLocalJobService(t, input, time.Now)
}

func newLocalJobService(t target.Target, input *LocalJobServiceInput, now func() time.Time) *localJobService {
	return &localJobService{
		input:    input,
		target:   t,
		now:      now,
		jobs:     map[string]*localJob{},
		stagedTo: map[string]bool{},
	}
}

func (s *localJobService) SetUp(ctx context.Context) error {
	if s.input.StageFrom == "" {
		return nil
	}
	_, err := os.Stat(s.input.StageFrom)
	if err != nil {
		return fmt.Errorf("job binary to stage is missing: %w", err)
	}
	return nil
}

// Copies StageFrom to remotePath once per path.
func (s *localJobService) stage(remotePath string) error {
	if s.input.StageFrom == "" {
		return nil
	}
	s.stageMu.Lock()
	defer s.stageMu.Unlock()
	if s.stagedTo[remotePath] {
		return nil
	}

	f, err := os.Open(s.input.StageFrom)
	if err != nil {
		return fmt.Errorf("opening job binary failed: %w", err)
	}
	defer f.Close()
	err = s.target.CopyFileTo(f, remotePath)
	if err != nil {
		return fmt.Errorf("copying job binary to the target failed: %w", err)
	}
	slog.Debug("staged job binary", slog.String("from", s.input.StageFrom), slog.String("to", remotePath))
	s.stagedTo[remotePath] = true
	return nil
}

func (s *localJobService) Submit(ctx context.Context, req JobRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Script == "" {
		return "", fmt.Errorf("job request has no script")
	}
	err := s.stage(req.Script)
	if err != nil {
		return "", err
	}

	argv := []string{req.Script}
	if req.Parallelism > 0 {
		argv = append(argv, "-parallelism", strconv.Itoa(req.Parallelism))
	}
	argv = append(argv, s.input.ExtraArgs...)
	argv = append(argv, req.ExtraFlags...)
	argv = append(argv, req.Args...)
	cmd := shellquote.Join(argv...)

	jobID := uuid.NewString()
	// The job outlives the submit call, like a job on a real cluster. Only Cancel stops it.
	jobCtx, cancel := context.WithCancel(context.Background())
	job := &localJob{done: make(chan struct{}), cancel: cancel}
	job.transition(StatePending, s.now(), "")

	s.mu.Lock()
	s.jobs[jobID] = job
	s.order = append(s.order, jobID)
	s.forgetOldJobs()
	s.mu.Unlock()

	slog.Debug("starting local job", slog.String("jobID", jobID), slog.String("command", cmd))
	go func() {
		defer close(job.done)
		defer cancel()
		job.transition(StateRunning, s.now(), "")
		out, err := s.target.RunCommand(jobCtx, cmd)

		job.mu.Lock()
		job.output = out
		job.err = err
		job.mu.Unlock()
		if err != nil && jobCtx.Err() != nil {
			job.transition(StateCancelled, s.now(), "cancelled")
		} else if err != nil {
			job.transition(StateError, s.now(), err.Error())
		} else {
			job.transition(StateDone, s.now(), "")
		}
	}()
	return jobID, nil
}

// Drops the oldest finished jobs beyond maxFinishedJobs. Running jobs are always kept. Must hold s.mu.
func (s *localJobService) forgetOldJobs() {
	finished := 0
	for _, id := range s.order {
		if s.jobs[id].finished() {
			finished++
		}
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if finished > maxFinishedJobs && s.jobs[id].finished() {
			delete(s.jobs, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (j *localJob) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (s *localJobService) job(jobID string) (*localJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job: %s", jobID)
	}
	return job, nil
}

func (s *localJobService) Wait(ctx context.Context, jobID, region, project string) (string, error) {
	job, err := s.job(jobID)
	if err != nil {
		return "", err
	}
	select {
	case <-job.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.err != nil {
		return string(job.output), fmt.Errorf("job %s failed: %w", jobID, job.err)
	}
	return string(job.output), nil
}

func (s *localJobService) Describe(ctx context.Context, jobID, region, project string) (*JobMetadata, error) {
	job, err := s.job(jobID)
	if err != nil {
		return nil, err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return &JobMetadata{
		JobID:   jobID,
		Status:  job.status,
		History: slices.Clone(job.history),
	}, nil
}

func (s *localJobService) Cancel(ctx context.Context, jobID, region, project string) error {
	job, err := s.job(jobID)
	if err != nil {
		return err
	}
	job.cancel()
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// The previous status moves into the history, matching how Dataproc reports it.
func (j *localJob) transition(state string, at time.Time, details string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.State != "" {
		j.history = append(j.history, j.status)
	}
	ts := at.UTC()
	j.status = StateTransition{State: state, StateStartTime: &ts, Details: details}
}
