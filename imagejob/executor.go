package imagejob

import (
	"context"
	"fmt"

	objectprovider "github.com/Octogonapus/ImageJobBenchmark/object_provider"
	"github.com/alitto/pond"
)

const OutputKeyPrefix = "processed"

// The result of processing one input image. Err is nil iff Output was written.
type Outcome struct {
	Input  objectprovider.ObjectPath
	Output objectprovider.ObjectPath
	Err    error
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		if o.Succeeded() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// Where the processed copy of input is written for runID: processed/<runID>/<file name> in bucket.
func OutputPath(bucket, runID string, input objectprovider.ObjectPath) objectprovider.ObjectPath {
	return input.Sibling(bucket, fmt.Sprintf("%s/%s/%s", OutputKeyPrefix, runID, input.Base()))
}

// Executor maps Transform over a dataset. The inputs are split round-robin into Parallelism partitions which run
// concurrently, each partition processes its items one after another.
type Executor struct {
	Store        objectprovider.ObjectStore
	OutputBucket string
	Parallelism  int

	// Called once per item as soon as it finishes, from the partition's goroutine.
	OnOutcome func(Outcome)
}

// Processes every path and returns one outcome per path, in input order. Failures are recorded in the outcomes.
func (e *Executor) Run(ctx context.Context, paths []objectprovider.ObjectPath, runID string) []Outcome {
	outcomes := make([]Outcome, len(paths))
	if len(paths) == 0 {
		return outcomes
	}

	partitions := min(max(e.Parallelism, 1), len(paths))
	pool := pond.New(partitions, 0, pond.MinWorkers(partitions))
	for part := range partitions {
		pool.Submit(func() {
			// each index belongs to exactly one partition so outcomes needs no lock
			for i := part; i < len(paths); i += partitions {
				outcomes[i] = e.processItem(ctx, paths[i], runID)
				if e.OnOutcome != nil {
					e.OnOutcome(outcomes[i])
				}
			}
		})
	}
	pool.StopAndWait()
	return outcomes
}

func (e *Executor) processItem(ctx context.Context, in objectprovider.ObjectPath, runID string) (out Outcome) {
	out.Input = in
	defer func() {
		if r := recover(); r != nil {
			out.Output = objectprovider.ObjectPath{}
			out.Err = fmt.Errorf("processing %s panicked: %v", in, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	data, err := e.Store.Get(ctx, in.Bucket, in.Key)
	if err != nil {
		out.Err = fmt.Errorf("reading %s failed: %w", in, err)
		return out
	}

	gray, err := Transform(data)
	if err != nil {
		out.Err = err
		return out
	}

	dst := OutputPath(e.OutputBucket, runID, in)
	err = e.Store.Put(ctx, dst.Bucket, dst.Key, gray, "image/jpeg")
	if err != nil {
		out.Err = fmt.Errorf("writing %s failed: %w", dst, err)
		return out
	}
	out.Output = dst
	return out
}
