package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/Octogonapus/ImageJobBenchmark/api"
	benchmarkorchestrator "github.com/Octogonapus/ImageJobBenchmark/benchmark_orchestrator"
	"github.com/Octogonapus/ImageJobBenchmark/config"
	objectprovider "github.com/Octogonapus/ImageJobBenchmark/object_provider"
	"github.com/Octogonapus/ImageJobBenchmark/report"
	"github.com/Octogonapus/ImageJobBenchmark/results"
	systemmonitor "github.com/Octogonapus/ImageJobBenchmark/system_monitor"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

func main() {
	configPath := flag.String("config", "", "A path to the TOML config file.")
	dataset := flag.String("dataset", "", "The dataset label to benchmark once. Must be one of the labels in the config.")
	serve := flag.Bool("serve", false, "Serve the HTTP API instead of running a single benchmark.")
	seed := flag.String("seed", "", fmt.Sprintf("Seed a dataset with a built-in image set and exit. Must be one of: %s.", objectprovider.ExplainObjects()))
	objectsPath := flag.String("objects-path", "", "A path to a CSV file of key,width,height rows to seed instead of a built-in image set.")
	seedPrefix := flag.String("seed-prefix", "", "Where seeded images are written, e.g. s3://input-bucket/caltech101/small/.")
	uploadConcurrency := flag.Int("upload-concurrency", 36, "The number of goroutines used to upload seeded images.")
	teardown := flag.Bool("teardown", false, "Delete every object under -seed-prefix and exit.")
	destroyBucket := flag.Bool("destroy-bucket", false, "With -teardown, also delete the bucket.")
	resultDir := flag.String("result-dir", "results", "The directory report.json is written into.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *seed != "" || *objectsPath != "" || *teardown {
		err = runSeeder(ctx, cfg, *seed, *objectsPath, *seedPrefix, *uploadConcurrency, *teardown, *destroyBucket)
		if err != nil {
			panic(err)
		}
		return
	}

	err = cfg.Validate()
	if err != nil {
		panic(err)
	}

	t, err := cfg.NewTarget()
	if err != nil {
		panic(err)
	}
	svc, err := cfg.NewJobService(t)
	if err != nil {
		panic(err)
	}
	err = svc.SetUp(ctx)
	if err != nil {
		panic(err)
	}

	var store *results.Store
	if cfg.Results.DSN != "" {
		store, err = results.Open(cfg.Results.DSN)
		if err != nil {
			panic(err)
		}
		defer store.Close()
	}

	input := &benchmarkorchestrator.BenchmarkOrchestratorInput{
		Config: cfg.BenchmarkConfig(),
		Runner: cfg.NewDriver(svc),
	}
	if cfg.Monitor.Enabled {
		input.NewMonitor = func() benchmarkorchestrator.Monitor {
			return systemmonitor.NewSystemMonitor(t, cfg.Monitor.Interval)
		}
	}
	var history api.History
	if store != nil {
		input.Sink = store
		history = store
	}
	orch, err := benchmarkorchestrator.NewBenchmarkOrchestrator(input)
	if err != nil {
		panic(err)
	}

	if *serve {
		err = runServer(ctx, cfg.HTTPAddr(), api.NewRouter(orch, history))
		if err != nil {
			panic(err)
		}
		return
	}

	if *dataset == "" {
		panic(fmt.Errorf("dataset is a required flag unless serving, must be one of %v", orch.Datasets()))
	}
	rep, err := orch.Run(ctx, *dataset)
	if err != nil {
		panic(err)
	}

	printReport(rep)

	err = os.MkdirAll(*resultDir, os.ModePerm)
	if err != nil {
		panic(err)
	}
	bytes, err := json.Marshal(rep)
	if err != nil {
		panic(err)
	}
	err = os.WriteFile(path.Join(*resultDir, "report.json"), bytes, os.ModePerm)
	if err != nil {
		panic(err)
	}
}

func runSeeder(
	ctx context.Context,
	cfg *config.Config,
	seed, objectsPath, seedPrefix string,
	uploadConcurrency int,
	teardown, destroyBucket bool,
) error {
	if seedPrefix == "" {
		return fmt.Errorf("seed-prefix is a required flag when seeding")
	}
	prefix, err := objectprovider.ParseObjectPath(seedPrefix)
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
	if err != nil {
		return err
	}
	objProvider := objectprovider.NewS3ObjectProvider(&objectprovider.S3ObjectProviderInput{
		Store: objectprovider.NewS3ObjectStore(&objectprovider.S3ObjectStoreInput{
			AwsConfig:    awsCfg,
			Endpoint:     cfg.Storage.Endpoint,
			UsePathStyle: cfg.Storage.UsePathStyle,
		}),
		Region:            cfg.Storage.Region,
		Prefix:            prefix,
		UploadConcurrency: uploadConcurrency,
		DestroyBucket:     destroyBucket,
	})

	if teardown {
		return objProvider.TearDown()
	}

	var objectSpecs []*objectprovider.ObjectSpec
	if objectsPath != "" {
		buf, err := os.ReadFile(objectsPath)
		if err != nil {
			return err
		}
		objectSpecs, err = objectprovider.LoadObjectSpecsFromBuf(buf)
		if err != nil {
			return err
		}
	} else {
		objectSpecs, err = objectprovider.LoadBuiltinObjectSpecs(objectprovider.Objects(seed))
		if err != nil {
			return err
		}
		slog.Info("seeding built-in image set",
			slog.String("objects", seed),
			slog.String("desc", objectprovider.AllObjectsWithDescriptions[objectprovider.Objects(seed)]),
		)
	}
	objProvider.SetObjects(objectSpecs)

	err = objProvider.SetUp()
	if err != nil {
		return err
	}
	// Don't tear down on purpose, the dataset is benchmarked later
	return objProvider.MakeObjects()
}

func runServer(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("serving", slog.String("addr", addr))
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		return err
	}
	if err := <-errChan; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func printReport(rep *report.BenchmarkReport) {
	fmt.Printf("Dataset %s (run %s)\n", rep.Dataset, rep.RunID)
	for _, rr := range []*report.RunReport{rep.Parallel, rep.Sequential} {
		if rr.Failed() {
			fmt.Printf("  %s job error: %s\n", rr.Name, rr.Error)
			continue
		}
		fmt.Printf("  %s (parallelism %d): %.2f min\n", rr.Name, rr.Parallelism, report.Minutes(rr.ElapsedSec))
	}
	if rep.Result != nil {
		fmt.Printf("  speedup: %.2fx\n", rep.Result.Speedup())
	}
	if rep.HistoryURL != "" {
		fmt.Printf("  history: %s\n", rep.HistoryURL)
	}
}
