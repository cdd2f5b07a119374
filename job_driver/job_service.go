package jobdriver

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Octogonapus/ImageJobBenchmark/target"
)

type jobServiceFactory func(target.Target, map[string]any) (JobService, error)

var jobServices map[string]jobServiceFactory

// All job services must register themselves at module load time so that configuration can name them by kind.
func RegisterJobService(kind string, f jobServiceFactory) {
	if jobServices == nil {
		jobServices = map[string]jobServiceFactory{}
	}
	jobServices[kind] = f
}

// Creates the job service registered as kind. Its commands run on t and options are decoded into the
// kind's input struct.
func NewJobService(kind string, t target.Target, options map[string]any) (JobService, error) {
	factory, ok := jobServices[kind]
	if !ok {
		return nil, fmt.Errorf("unknown job service kind: %s", kind)
	}
	if options == nil {
		options = map[string]any{}
	}
	return factory(t, options)
}

func ExplainJobServices() string {
	kinds := make([]string, 0, len(jobServices))
	for kind := range jobServices {
		kinds = append(kinds, "\""+kind+"\"")
	}
	slices.Sort(kinds)
	return strings.Join(kinds, ", ")
}
