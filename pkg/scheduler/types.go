package scheduler

import (
	"context"
	"time"

	"github.com/openfroyo/gridlab/pkg/config"
)

// Scheduler runs the trials of an experiment on a cluster.
type Scheduler interface {
	// Init attaches the scheduler to a cluster.
	Init(ctx context.Context, cluster Cluster) error

	// RegisterTrainable makes a trainable available to Submit under name.
	RegisterTrainable(name string, t Trainable) error

	// Submit starts an experiment and returns without waiting for it.
	Submit(ctx context.Context, spec ExperimentSpec) (Submission, error)
}

// Submission is a running experiment.
type Submission interface {
	// Wait blocks until every trial returned. When ctx is done first the
	// trials see the cancellation and Wait still returns only after they
	// stopped.
	Wait(ctx context.Context) error

	// Trials returns a snapshot of the trial results.
	Trials() []TrialResult
}

// Trainable runs one trial with its resolved configuration.
type Trainable func(ctx context.Context, trial TrialContext, cfg map[string]any, report StatusReporter) error

// StatusReporter receives the progress reports of a trial.
type StatusReporter interface {
	Report(Status)
}

// Status is a progress report. Progress counts completed steps and Done is 1
// once the trial considers itself finished.
type Status struct {
	Progress int                `json:"timesteps_total"`
	Done     int                `json:"done"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// Value returns the reported value of a stop key: "done", "timesteps_total"
// or a metric name.
func (s Status) Value(key string) (float64, bool) {
	switch key {
	case "done":
		return float64(s.Done), true
	case "timesteps_total", "progress":
		return float64(s.Progress), true
	default:
		v, ok := s.Metrics[key]
		return v, ok
	}
}

// Cluster describes the capacity a scheduler runs on. A non-empty Address
// names an existing cluster instead of local capacity.
type Cluster struct {
	CPUs    int    `json:"cpus"`
	GPUs    int    `json:"gpus"`
	Address string `json:"address,omitempty"`
}

// Resources is the per-trial demand.
type Resources struct {
	CPU int `json:"cpu"`
	GPU int `json:"gpu"`
}

// ExperimentSpec describes a submitted experiment.
type ExperimentSpec struct {
	Name      string
	Trainable string
	Resources Resources

	// Stop ends a trial once every key reaches its threshold.
	Stop map[string]float64

	Grid        *config.GridSpec
	ScratchRoot string
	NumSamples  int
	Seed        int64
}

// TrialContext is handed to a trainable.
type TrialContext struct {
	Experiment string
	ID         string
	Index      int
	Tag        string

	// Dir is the trial's scratch directory.
	Dir string

	// Devices are the GPU indices assigned to the trial.
	Devices []int

	Seed int64
}

// TrialStatus is the lifecycle state of a trial.
type TrialStatus string

const (
	TrialPending   TrialStatus = "pending"
	TrialRunning   TrialStatus = "running"
	TrialSucceeded TrialStatus = "succeeded"
	TrialFailed    TrialStatus = "failed"
	TrialCancelled TrialStatus = "cancelled"
)

// IsTerminal returns true if the trial status represents a final state.
func (s TrialStatus) IsTerminal() bool {
	return s == TrialSucceeded || s == TrialFailed || s == TrialCancelled
}

// TrialResult is the outcome of a trial.
type TrialResult struct {
	ID     string         `json:"id"`
	Index  int            `json:"index"`
	Tag    string         `json:"tag"`
	Dir    string         `json:"dir"`
	Config map[string]any `json:"config"`

	Status      TrialStatus `json:"status"`
	LastReport  Status      `json:"last_report"`
	StopReached bool        `json:"stop_reached"`
	Devices     []int       `json:"devices,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}
