package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	benchmarkorchestrator "github.com/Octogonapus/ImageJobBenchmark/benchmark_orchestrator"
	jobdriver "github.com/Octogonapus/ImageJobBenchmark/job_driver"
	objectprovider "github.com/Octogonapus/ImageJobBenchmark/object_provider"
	"github.com/Octogonapus/ImageJobBenchmark/target"
)

// Config is everything the orchestrator needs. It is built once in main and passed down.
type Config struct {
	Job        JobConfig         `toml:"job"`
	JobService JobServiceConfig  `toml:"job_service"`
	Target     TargetConfig      `toml:"target"`
	Storage    StorageConfig     `toml:"storage"`
	Datasets   map[string]string `toml:"datasets"` // label -> input prefix
	Results    ResultsConfig     `toml:"results"`
	Monitor    MonitorConfig     `toml:"monitor"`
	HTTP       HTTPConfig        `toml:"http"`
	Logging    LoggingConfig     `toml:"logging"`
}

type JobConfig struct {
	Script         string        `toml:"script"`
	Cluster        string        `toml:"cluster"`
	Region         string        `toml:"region"`
	Project        string        `toml:"project"`
	ParallelDegree int           `toml:"parallel_degree"`
	WaitTimeout    time.Duration `toml:"wait_timeout"` // 0 waits forever
	HistoryURL     string        `toml:"history_url"`
	ExtraFlags     []string      `toml:"extra_flags"`
}

// Kind selects a registered job service, Options is decoded into that kind's input.
type JobServiceConfig struct {
	Kind    string         `toml:"kind"`
	Options map[string]any `toml:"options"`
}

type TargetConfig struct {
	Kind    string `toml:"kind"` // local or ssh
	Dir     string `toml:"dir"`  // working directory of a local target
	Host    string `toml:"host"`
	User    string `toml:"user"`
	Port    int    `toml:"port"`
	KeyPath string `toml:"key_path"`
}

type StorageConfig struct {
	Region       string `toml:"region"`
	Endpoint     string `toml:"endpoint"`
	UsePathStyle bool   `toml:"use_path_style"`
	OutputBucket string `toml:"output_bucket"`
}

// Reports are only persisted when DSN is set.
type ResultsConfig struct {
	DSN string `toml:"dsn"`
}

// Samples CPU and memory of the target while each job runs. Only the local job service runs jobs on the target, so
// the monitor can't be enabled with any other.
type MonitorConfig struct {
	Enabled  bool          `toml:"enabled"`
	Interval time.Duration `toml:"interval"`
}

type HTTPConfig struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Job: JobConfig{
			Region:         "us-central1",
			ParallelDegree: 8,
		},
		JobService: JobServiceConfig{
			Kind: "gcloud",
		},
		Target: TargetConfig{
			Kind: "local",
			Port: 22,
		},
		Storage: StorageConfig{
			Region: "us-east-1",
		},
		Datasets: map[string]string{},
		Monitor: MonitorConfig{
			Enabled:  false,
			Interval: time.Second,
		},
		HTTP: HTTPConfig{
			Address: "127.0.0.1",
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		// Options tables are decoded later per job service kind
		for _, key := range undecoded {
			if len(key) > 0 && key[0] == "job_service" {
				continue
			}
			return nil, fmt.Errorf("unknown config key: %s", key)
		}
	}

	return config, nil
}

// Defaults when configPath is empty, otherwise the file on top of the defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

func (c *Config) Validate() error {
	if c.Job.Script == "" {
		return fmt.Errorf("job script must be specified")
	}
	if c.Job.ParallelDegree < 1 {
		return fmt.Errorf("job parallel_degree must be at least 1")
	}
	if c.Job.WaitTimeout < 0 {
		return fmt.Errorf("job wait_timeout must not be negative")
	}
	if c.JobService.Kind == "gcloud" && c.Job.Cluster == "" {
		return fmt.Errorf("job cluster must be specified for the gcloud job service")
	}

	if len(c.Datasets) == 0 {
		return fmt.Errorf("at least one dataset must be specified")
	}
	for label, prefix := range c.Datasets {
		if _, err := objectprovider.ParseObjectPath(prefix); err != nil {
			return fmt.Errorf("dataset %s: %w", label, err)
		}
	}

	switch c.Target.Kind {
	case "local":
	case "ssh":
		if c.Target.Host == "" || c.Target.User == "" || c.Target.KeyPath == "" {
			return fmt.Errorf("ssh target needs host, user and key_path")
		}
		if c.Target.Port <= 0 || c.Target.Port > 65535 {
			return fmt.Errorf("target port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("invalid target kind: %s (must be local or ssh)", c.Target.Kind)
	}

	if c.Monitor.Enabled && c.JobService.Kind != "local" {
		return fmt.Errorf("monitor samples the target, which only runs jobs for the local job service")
	}
	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}

	if _, ok := logLevels[c.Logging.Level]; !ok {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func (c *Config) LogLevel() slog.Level {
	return logLevels[c.Logging.Level]
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Address, c.HTTP.Port)
}

func (c *Config) NewTarget() (target.Target, error) {
	switch c.Target.Kind {
	case "ssh":
		t, err := target.NewSSHTargetFromKeyFile(c.Target.User, c.Target.Host, c.Target.Port, c.Target.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create ssh target: %w", err)
		}
		return t, nil
	case "local":
		return &target.LocalTarget{Dir: c.Target.Dir}, nil
	default:
		return nil, fmt.Errorf("invalid target kind: %s", c.Target.Kind)
	}
}

func (c *Config) NewJobService(t target.Target) (jobdriver.JobService, error) {
	return jobdriver.NewJobService(c.JobService.Kind, t, c.JobService.Options)
}

func (c *Config) NewDriver(svc jobdriver.JobService) *jobdriver.Driver {
	return jobdriver.NewDriver(&jobdriver.DriverInput{
		Service: svc,
		Request: jobdriver.JobRequest{
			Script:     c.Job.Script,
			Cluster:    c.Job.Cluster,
			Region:     c.Job.Region,
			Project:    c.Job.Project,
			ExtraFlags: c.Job.ExtraFlags,
		},
		WaitTimeout: c.Job.WaitTimeout,
	})
}

func (c *Config) BenchmarkConfig() *benchmarkorchestrator.BenchmarkConfig {
	datasets := make(map[string]string, len(c.Datasets))
	for label, prefix := range c.Datasets {
		datasets[label] = prefix
	}
	return &benchmarkorchestrator.BenchmarkConfig{
		Datasets:       datasets,
		ParallelDegree: c.Job.ParallelDegree,
		HistoryURL:     c.Job.HistoryURL,
	}
}
