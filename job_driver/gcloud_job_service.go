package jobdriver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Octogonapus/ImageJobBenchmark/target"
	"github.com/Octogonapus/ImageJobBenchmark/util"
	"github.com/kballard/go-shellquote"
	"github.com/mitchellh/mapstructure"
)

type GcloudJobServiceInput struct {
	Binary              string `mapstructure:"binary"`               // "gcloud" by default
	JobType             string `mapstructure:"job_type"`             // "pyspark" by default
	ParallelismProperty string `mapstructure:"parallelism_property"` // "spark.default.parallelism" by default
}

// Talks to Dataproc through the gcloud CLI.
type gcloudJobService struct {
	input  *GcloudJobServiceInput
	target target.Target

	// How often Cancel checks whether a killed job has stopped
	pollInterval time.Duration
}

func init() {
	RegisterJobService("gcloud", func(t target.Target, a map[string]any) (JobService, error) {
		input := &GcloudJobServiceInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert options to GcloudJobServiceInput: %w", err)
		}
		return NewGcloudJobService(t, input), nil
	})
}

func NewGcloudJobService(t target.Target, input *GcloudJobServiceInput) JobService {
	if input.Binary == "" {
		input.Binary = "gcloud"
	}
	if input.JobType == "" {
		input.JobType = "pyspark"
	}
	if input.ParallelismProperty == "" {
		input.ParallelismProperty = "spark.default.parallelism"
	}
	return &gcloudJobService{input: input, target: t, pollInterval: 5 * time.Second}
}

func (s *gcloudJobService) SetUp(ctx context.Context) error {
	out, err := s.target.RunCommand(ctx, shellquote.Join(s.input.Binary, "version"))
	if err != nil {
		return fmt.Errorf("gcloud is not usable on the target: %w", err)
	}
	slog.Debug("found gcloud", slog.String("version", util.LastNonEmptyLine(out)))
	return nil
}

func (s *gcloudJobService) Submit(ctx context.Context, req JobRequest) (string, error) {
	cmd := []string{
		s.input.Binary, "dataproc", "jobs", "submit", s.input.JobType,
		req.Script,
		"--cluster=" + req.Cluster,
		"--region=" + req.Region,
		"--project=" + req.Project,
		"--async",
		"--format=value(reference.jobId)",
	}
	if req.Parallelism > 0 {
		cmd = append(cmd, "--properties="+s.input.ParallelismProperty+"="+strconv.Itoa(req.Parallelism))
	}
	cmd = append(cmd, req.ExtraFlags...)
	cmd = append(cmd, "--")
	cmd = append(cmd, req.Args...)

	line := shellquote.Join(cmd...)
	slog.Debug("submitting job", slog.String("command", line))
	out, err := s.target.RunCommand(ctx, line)
	if err != nil {
		return "", err
	}
	jobID := util.LastNonEmptyLine(out)
	if jobID == "" {
		return "", fmt.Errorf("gcloud did not print a job ID")
	}
	return jobID, nil
}

func (s *gcloudJobService) Wait(ctx context.Context, jobID, region, project string) (string, error) {
	out, err := s.target.RunCommand(ctx, shellquote.Join(
		s.input.Binary, "dataproc", "jobs", "wait", jobID,
		"--region=" + region,
		"--project=" + project,
	))
	if err != nil {
		return string(out), err
	}
	return string(out), nil
}

func (s *gcloudJobService) Describe(ctx context.Context, jobID, region, project string) (*JobMetadata, error) {
	out, err := s.target.RunCommand(ctx, shellquote.Join(
		s.input.Binary, "dataproc", "jobs", "describe", jobID,
		"--region=" + region,
		"--project=" + project,
		"--format=json",
	))
	if err != nil {
		return nil, err
	}
	return ParseDescribeOutput(out)
}

// Kills the job, then polls until Dataproc reports it terminal. A kill can be refused because the job just finished,
// so only the state decides.
func (s *gcloudJobService) Cancel(ctx context.Context, jobID, region, project string) error {
	_, killErr := s.target.RunCommand(ctx, shellquote.Join(
		s.input.Binary, "dataproc", "jobs", "kill", jobID,
		"--region="+region,
		"--project="+project,
		"--quiet",
	))
	if killErr != nil {
		slog.Debug("gcloud refused to kill job", slog.String("jobID", jobID), slog.String("error", killErr.Error()))
	}

	for {
		meta, err := s.Describe(ctx, jobID, region, project)
		if err != nil {
			if killErr != nil {
				return fmt.Errorf("killing job %s failed: %w", jobID, killErr)
			}
			return err
		}
		if IsTerminalState(meta.Status.State) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("job %s still %s: %w", jobID, meta.Status.State, ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}
