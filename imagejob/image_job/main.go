package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Octogonapus/ImageJobBenchmark/imagejob"
	objectprovider "github.com/Octogonapus/ImageJobBenchmark/object_provider"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/schollz/progressbar/v3"
)

type Output struct {
	imagejob.Summary
	TotalTimeSec float64
}

// Builds the store images are read from and written to, once the flags are known.
type storeFactory func(ctx context.Context, endpoint string, pathStyle bool) (objectprovider.ObjectStore, error)

func newS3Store(ctx context.Context, endpoint string, pathStyle bool) (objectprovider.ObjectStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config failed: %w", err)
	}
	return objectprovider.NewS3ObjectStore(&objectprovider.S3ObjectStoreInput{
		AwsConfig:    cfg,
		Endpoint:     endpoint,
		UsePathStyle: pathStyle,
	}), nil
}

func main() {
	// stdout carries the per-item results, keep logs off it
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], newS3Store, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Returns the exit code: 2 for bad usage, 1 when the dataset can't be processed at all, otherwise 0 even when some
// items failed.
func run(ctx context.Context, args []string, newStore storeFactory, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("image_job", flag.ContinueOnError)
	flags.SetOutput(stderr)
	parallelism := flags.Int("parallelism", runtime.NumCPU(), "The number of partitions processed concurrently.")
	outputBucket := flags.String("output-bucket", "", "The bucket processed images are written to. Required.")
	endpoint := flags.String("endpoint", "", "A custom S3 endpoint, for S3-compatible stores.")
	pathStyle := flags.Bool("path-style", false, "Use path-style S3 addressing.")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "Usage: image_job [flags] <input-prefix> <run-id>")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if flags.NArg() != 2 {
		flags.Usage()
		return 2
	}
	if *outputBucket == "" {
		fmt.Fprintln(stderr, "output-bucket is a required flag")
		return 2
	}
	prefix, err := objectprovider.ParseObjectPath(flags.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	runID := flags.Arg(1)

	store, err := newStore(ctx, *endpoint, *pathStyle)
	if err != nil {
		slog.Error("creating object store failed", slog.String("error", err.Error()))
		return 1
	}

	paths, err := imagejob.ListImages(ctx, store, prefix)
	if errors.Is(err, imagejob.ErrEmptyDataset) {
		fmt.Fprintf(stdout, "No images found under %s\n", prefix)
		return 1
	} else if err != nil {
		slog.Error("discovering images failed", slog.String("error", err.Error()))
		return 1
	}
	slog.Info("processing images",
		slog.Int("count", len(paths)),
		slog.Int("parallelism", *parallelism),
		slog.String("runID", runID),
	)

	p := progressbar.NewOptions(len(paths),
		progressbar.OptionSetWriter(stderr),
		progressbar.OptionSetDescription("Processing images:"),
	)
	e := &imagejob.Executor{
		Store:        store,
		OutputBucket: *outputBucket,
		Parallelism:  *parallelism,
		OnOutcome:    func(imagejob.Outcome) { p.Add(1) },
	}
	tstart := time.Now()
	outcomes := e.Run(ctx, paths, runID)
	elapsed := time.Since(tstart)
	p.Finish()

	for _, o := range outcomes {
		if o.Succeeded() {
			fmt.Fprintf(stdout, "✅ %s → %s\n", o.Input, o.Output)
		} else {
			fmt.Fprintf(stdout, "❌ %s: %v\n", o.Input, o.Err)
		}
	}

	outBuf, err := json.Marshal(Output{Summary: imagejob.Summarize(outcomes), TotalTimeSec: elapsed.Seconds()})
	if err != nil {
		panic(err)
	}
	fmt.Fprintln(stdout, string(outBuf))
	return 0
}
