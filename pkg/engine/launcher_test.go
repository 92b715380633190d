package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gridlab/pkg/config"
	"github.com/openfroyo/gridlab/pkg/policy"
	"github.com/openfroyo/gridlab/pkg/scheduler"
	"github.com/openfroyo/gridlab/pkg/stores"
	"github.com/openfroyo/gridlab/pkg/track"
)

func newPolicyEngine(t *testing.T) *policy.Engine {
	t.Helper()
	e, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	return e
}

func newTestLauncher(opts ...LauncherOption) *Launcher {
	opts = append([]LauncherOption{WithLauncherLogger(zerolog.Nop())}, opts...)
	return NewLauncher(opts...)
}

func logLoss(ctx context.Context, cfg *config.LaunchConfig, s *track.Session) error {
	return s.Log(map[string]any{"loss": 0.25})
}

func states(history []Transition) []State {
	out := make([]State, len(history))
	for i, tr := range history {
		out[i] = tr.To
	}
	return out
}

func expectStates(t *testing.T, got []State, want ...State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected states %v, got %v", want, got)
		}
	}
}

// failingScheduler accepts Init and RegisterTrainable but fails Submit.
type failingScheduler struct {
	submitErr error
}

func (s *failingScheduler) Init(context.Context, scheduler.Cluster) error { return nil }

func (s *failingScheduler) RegisterTrainable(string, scheduler.Trainable) error { return nil }

func (s *failingScheduler) Submit(context.Context, scheduler.ExperimentSpec) (scheduler.Submission, error) {
	return nil, s.submitErr
}

func TestConfigure(t *testing.T) {
	l := newTestLauncher()
	cfg := testConfig(t, "exp")

	if l.State() != StateIdle {
		t.Errorf("Expected idle launcher, got %s", l.State())
	}
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}
	if l.State() != StateConfigured {
		t.Errorf("Expected configured launcher, got %s", l.State())
	}

	cfg.ExperimentName = "changed"
	if l.Config().ExperimentName != "exp" {
		t.Error("Expected the launcher to keep its own copy of the config")
	}

	err := l.Configure(cfg)
	if !HasCode(err, ErrCodeAlreadyConfigured) {
		t.Errorf("Expected ALREADY_CONFIGURED, got %v", err)
	}
}

func TestConfigureInvalid(t *testing.T) {
	l := newTestLauncher()
	cfg := testConfig(t, "exp")
	cfg.NumSamples = 0

	err := l.Configure(cfg)
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected VALIDATION_ERROR, got %v", err)
	}
	if !IsConfigurationError(err) {
		t.Errorf("Expected a configuration error, got %v", err)
	}
	if l.State() != StateIdle {
		t.Errorf("Expected launcher to stay idle, got %s", l.State())
	}
	if err := l.Configure(nil); !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected VALIDATION_ERROR for nil config, got %v", err)
	}
}

func TestExecuteBeforeConfigure(t *testing.T) {
	l := newTestLauncher()

	_, err := l.Execute(context.Background(), logLoss)
	if !HasCode(err, ErrCodeInvalidState) {
		t.Errorf("Expected INVALID_STATE, got %v", err)
	}
}

func TestExecuteSingleRun(t *testing.T) {
	var processed *track.Project
	l := newTestLauncher(WithPostProcess(func(ctx context.Context, p *track.Project) error {
		processed = p
		return nil
	}))
	cfg := testConfig(t, "exp")
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	outcome, err := l.Execute(context.Background(), logLoss)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}

	expectStates(t, states(l.History()),
		StateConfigured, StateSingleRun, StateConsolidated, StatePostProcessed, StateDone)

	if outcome.Mode != ModeSingle {
		t.Errorf("Expected single mode, got %s", outcome.Mode)
	}
	if outcome.Resources != (ResourceSpec{CPU: 0, GPU: 1}) {
		t.Errorf("Unexpected resources %+v", outcome.Resources)
	}
	if outcome.Project == nil || len(outcome.Project.Trials) != 1 {
		t.Fatalf("Expected 1 trial in project, got %+v", outcome.Project)
	}
	if processed != outcome.Project {
		t.Error("Expected the post-process callback to receive the project")
	}
	if outcome.SnapshotPath != "" {
		t.Errorf("Expected no snapshot, got %s", outcome.SnapshotPath)
	}

	if _, err := l.Execute(context.Background(), logLoss); !HasCode(err, ErrCodeInvalidState) {
		t.Errorf("Expected INVALID_STATE on second execute, got %v", err)
	}
}

func TestExecuteSavesProject(t *testing.T) {
	l := newTestLauncher(WithSaveProject(true))
	cfg := testConfig(t, "exp")
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	outcome, err := l.Execute(context.Background(), logLoss)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}

	want := filepath.Join(cfg.LogRoot, "exp", "exp.db")
	if outcome.SnapshotPath != want {
		t.Errorf("Expected snapshot at %s, got %s", want, outcome.SnapshotPath)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("Expected snapshot file: %v", err)
	}

	store, err := stores.OpenSnapshotStore(context.Background(), want)
	if err != nil {
		t.Fatalf("failed to open snapshot: %v", err)
	}
	defer store.Close()
	saved, err := store.LoadProject(context.Background(), "exp")
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if len(saved.Trials) != 1 {
		t.Errorf("Expected 1 saved trial, got %d", len(saved.Trials))
	}
}

func TestExecuteSaveFailureIsAbsorbed(t *testing.T) {
	saveErr := errors.New("disk full")
	l := newTestLauncher(
		WithSaveProject(true),
		WithSnapshotSaver(func(ctx context.Context, path, name string, p *track.Project) error {
			return saveErr
		}),
	)
	if err := l.Configure(testConfig(t, "exp")); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	outcome, err := l.Execute(context.Background(), logLoss)
	if err != nil {
		t.Fatalf("Expected save failure to be absorbed, got %v", err)
	}
	if l.State() != StateDone {
		t.Errorf("Expected done, got %s", l.State())
	}
	if !IsSerializationError(outcome.SaveErr) || !errors.Is(outcome.SaveErr, saveErr) {
		t.Errorf("Expected serialization error, got %v", outcome.SaveErr)
	}
	if outcome.SnapshotPath != "" {
		t.Errorf("Expected no snapshot path, got %s", outcome.SnapshotPath)
	}
}

func TestExecuteExperimentFailure(t *testing.T) {
	boom := errors.New("boom")
	l := newTestLauncher()
	if err := l.Configure(testConfig(t, "exp")); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	_, err := l.Execute(context.Background(), func(ctx context.Context, cfg *config.LaunchConfig, s *track.Session) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected experiment error, got %v", err)
	}
	if l.State() != StateFailed {
		t.Errorf("Expected failed, got %s", l.State())
	}
}

func TestExecuteDistributed(t *testing.T) {
	cfg := testConfig(t, "sweep")
	cfg.CPU = true
	cfg.SelfHost = 2
	cfg.GridPath = filepath.Join(t.TempDir(), "grid.yaml")
	writeFile(t, cfg.GridPath, "lr:\n  grid_search: [0.1, 0.01]\n")

	l := newTestLauncher()
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	outcome, err := l.Execute(context.Background(), func(ctx context.Context, c *config.LaunchConfig, s *track.Session) error {
		return s.Log(map[string]any{"lr": c.Params["lr"]})
	})
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if outcome.SchedulerErr != nil {
		t.Fatalf("Unexpected scheduler error: %v", outcome.SchedulerErr)
	}

	expectStates(t, states(l.History()),
		StateConfigured, StateSubmitting, StateAwaitingCompletion, StateConsolidating,
		StateConsolidated, StatePostProcessed, StateDone)

	if outcome.Mode != ModeDistributed || outcome.Variants != 2 {
		t.Errorf("Expected 2 distributed variants, got %s/%d", outcome.Mode, outcome.Variants)
	}
	if outcome.Resources != (ResourceSpec{CPU: 1, GPU: 0}) {
		t.Errorf("Unexpected resources %+v", outcome.Resources)
	}
	if len(outcome.Trials) != 2 {
		t.Fatalf("Expected 2 trials, got %d", len(outcome.Trials))
	}
	for _, tr := range outcome.Trials {
		if tr.Status != scheduler.TrialSucceeded {
			t.Errorf("Trial %s: expected succeeded, got %s (%v)", tr.ID, tr.Status, tr.Err)
		}
		if !tr.StopReached {
			t.Errorf("Trial %s: expected the done report to reach the stop condition", tr.ID)
		}
	}

	trials := listDir(t, filepath.Join(cfg.LogRoot, "sweep", "trials"))
	if len(trials) != 2 {
		t.Fatalf("Expected 2 consolidated trials, got %v", trials)
	}
	if len(outcome.Consolidation.Trials) != 2 {
		t.Errorf("Expected 2 merged trials, got %v", outcome.Consolidation.Trials)
	}

	var lrs []float64
	for _, rec := range outcome.Project.Trials {
		lr, _ := rec.Params["lr"].(float64)
		lrs = append(lrs, lr)
	}
	sort.Float64s(lrs)
	if len(lrs) != 2 || lrs[0] != 0.01 || lrs[1] != 0.1 {
		t.Errorf("Expected lr 0.01 and 0.1 in project, got %v", lrs)
	}
}

func TestExecuteSubmitFailureConsolidates(t *testing.T) {
	cfg := testConfig(t, "sweep")
	cfg.CPU = true
	cfg.GridPath = filepath.Join(t.TempDir(), "grid.json")
	writeFile(t, cfg.GridPath, `{"lr": {"grid_search": [0.1]}}`)
	writeFile(t, filepath.Join(cfg.ScratchRoot, "sweep", "run-A", "trials", "t1", "params.json"), `{"lr": 0.1}`)

	submitErr := errors.New("cluster went away")
	l := newTestLauncher(WithScheduler(&failingScheduler{submitErr: submitErr}))
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	outcome, err := l.Execute(context.Background(), logLoss)
	if err != nil {
		t.Fatalf("Expected submit failure to be absorbed, got %v", err)
	}
	if !IsSchedulerSubmissionError(outcome.SchedulerErr) || !errors.Is(outcome.SchedulerErr, submitErr) {
		t.Errorf("Expected scheduler submission error, got %v", outcome.SchedulerErr)
	}

	expectStates(t, states(l.History()),
		StateConfigured, StateSubmitting, StateConsolidating,
		StateConsolidated, StatePostProcessed, StateDone)

	if _, ok := outcome.Project.Trial("t1"); !ok {
		t.Errorf("Expected trial t1 in project, got %v", outcome.Project.IDs())
	}
}

func TestExecuteTrialFailureStillConsolidates(t *testing.T) {
	cfg := testConfig(t, "sweep")
	cfg.CPU = true
	cfg.SelfHost = 2
	cfg.GridPath = filepath.Join(t.TempDir(), "grid.yaml")
	writeFile(t, cfg.GridPath, "lr:\n  grid_search: [0.1, 0.01]\n")

	l := newTestLauncher()
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	diverged := errors.New("loss diverged")
	outcome, err := l.Execute(context.Background(), func(ctx context.Context, c *config.LaunchConfig, s *track.Session) error {
		if c.Params["lr"] == 0.01 {
			return diverged
		}
		return s.Log(map[string]any{"loss": 0.25})
	})
	if err != nil {
		t.Fatalf("Expected the trial failure to be absorbed, got %v", err)
	}

	expectStates(t, states(l.History()),
		StateConfigured, StateSubmitting, StateAwaitingCompletion, StateConsolidating,
		StateConsolidated, StatePostProcessed, StateDone)

	if !IsSchedulerSubmissionError(outcome.SchedulerErr) {
		t.Fatalf("Expected a scheduler error, got %v", outcome.SchedulerErr)
	}
	var expErr *scheduler.ExperimentError
	if !errors.As(outcome.SchedulerErr, &expErr) {
		t.Fatalf("Expected an ExperimentError, got %v", outcome.SchedulerErr)
	}
	if len(expErr.Failed) != 1 || !errors.Is(expErr.Failed[0], diverged) {
		t.Errorf("Expected one diverged trial, got %v", expErr.Failed)
	}

	var succeeded string
	for _, tr := range outcome.Trials {
		if tr.Status == scheduler.TrialSucceeded {
			succeeded = tr.ID
		}
	}
	if succeeded == "" {
		t.Fatalf("Expected one succeeded trial, got %+v", outcome.Trials)
	}

	var rows int
	for _, rec := range outcome.Project.Trials {
		if rec.Params["lr"] == 0.1 {
			rows += len(rec.Results)
		}
	}
	if rows != 1 {
		t.Errorf("Expected the succeeded trial's row in the project, got %d rows", rows)
	}
}

func TestExecuteCancelledWaitsForRunningTrials(t *testing.T) {
	cfg := testConfig(t, "sweep")
	cfg.CPU = true
	cfg.GridPath = filepath.Join(t.TempDir(), "grid.yaml")
	writeFile(t, cfg.GridPath, "lr:\n  grid_search: [0.1]\n")

	l := newTestLauncher()
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	outcome, err := l.Execute(ctx, func(ctx context.Context, c *config.LaunchConfig, s *track.Session) error {
		close(started)
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return s.Log(map[string]any{"loss": 0.5})
	})
	if err != nil {
		t.Fatalf("Expected the cancellation to be absorbed, got %v", err)
	}
	if !errors.Is(outcome.SchedulerErr, context.Canceled) {
		t.Errorf("Expected a cancelled scheduler error, got %v", outcome.SchedulerErr)
	}
	if l.State() != StateDone {
		t.Errorf("Expected done launcher, got %s", l.State())
	}

	if len(outcome.Project.Trials) != 1 {
		t.Fatalf("Expected 1 trial in project, got %v", outcome.Project.IDs())
	}
	if got := len(outcome.Project.Trials[0].Results); got != 1 {
		t.Errorf("Expected the row written after cancellation to be consolidated, got %d rows", got)
	}

	leftovers := listDir(t, filepath.Join(cfg.ScratchRoot, "sweep"))
	for _, run := range leftovers {
		if entries := listDir(t, filepath.Join(cfg.ScratchRoot, "sweep", run)); len(entries) != 0 {
			t.Errorf("Expected run %s to be fully moved, found %v", run, entries)
		}
	}
}

func TestExecuteTrialLogsCarryTrialID(t *testing.T) {
	cfg := testConfig(t, "sweep")
	cfg.CPU = true
	cfg.GridPath = filepath.Join(t.TempDir(), "grid.yaml")
	writeFile(t, cfg.GridPath, "lr:\n  grid_search: [0.1]\n")

	var buf bytes.Buffer
	logger := zerolog.New(zerolog.SyncWriter(&buf)).Level(zerolog.DebugLevel)
	l := NewLauncher(WithLauncherLogger(logger))
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	outcome, err := l.Execute(context.Background(), logLoss)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if len(outcome.Trials) != 1 {
		t.Fatalf("Expected 1 trial, got %d", len(outcome.Trials))
	}

	out := buf.String()
	if !strings.Contains(out, `"component":"launcher"`) {
		t.Errorf("Expected launcher logs in the configured logger, got %q", out)
	}
	if !strings.Contains(out, `"trial_id":"`+outcome.Trials[0].ID+`"`) {
		t.Errorf("Expected trial logs with trial_id %s, got %q", outcome.Trials[0].ID, out)
	}
}

func TestExecutePolicyDenied(t *testing.T) {
	cfg := testConfig(t, "bad name")
	l := newTestLauncher(WithPolicies(newPolicyEngine(t)))
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	ran := false
	outcome, err := l.Execute(context.Background(), func(ctx context.Context, c *config.LaunchConfig, s *track.Session) error {
		ran = true
		return nil
	})
	if !HasCode(err, ErrCodePolicyDenied) {
		t.Fatalf("Expected POLICY_DENIED, got %v", err)
	}
	if ran {
		t.Error("Expected the experiment not to run")
	}
	if l.State() != StateFailed {
		t.Errorf("Expected failed, got %s", l.State())
	}
	if outcome.Policy == nil || outcome.Policy.Allowed {
		t.Errorf("Expected a denying policy result, got %+v", outcome.Policy)
	}
}

func TestExecutePolicyWarningsAllow(t *testing.T) {
	cfg := testConfig(t, "exp")
	cfg.SelfHost = 1
	cfg.DevicesPerTrial = 4
	l := newTestLauncher(WithPolicies(newPolicyEngine(t)))
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	outcome, err := l.Execute(context.Background(), logLoss)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if outcome.Policy == nil || len(outcome.Policy.Warnings) != 1 {
		t.Errorf("Expected 1 policy warning, got %+v", outcome.Policy)
	}
}

func TestExecuteMissingGrid(t *testing.T) {
	cfg := testConfig(t, "sweep")
	cfg.GridPath = filepath.Join(t.TempDir(), "missing.yaml")
	l := newTestLauncher()
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	_, err := l.Execute(context.Background(), logLoss)
	if !HasCode(err, ErrCodeGridConfig) {
		t.Errorf("Expected GRID_CONFIG, got %v", err)
	}
	if l.State() != StateFailed {
		t.Errorf("Expected failed, got %s", l.State())
	}
}

func TestExecuteAttachUnsupported(t *testing.T) {
	cfg := testConfig(t, "sweep")
	cfg.SelfHost = 0
	cfg.GridPath = filepath.Join(t.TempDir(), "grid.yaml")
	writeFile(t, cfg.GridPath, "lr:\n  grid_search: [0.1]\n")

	l := newTestLauncher()
	if err := l.Configure(cfg); err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	_, err := l.Execute(context.Background(), logLoss)
	if !errors.Is(err, scheduler.ErrClusterUnavailable) {
		t.Errorf("Expected cluster unavailable, got %v", err)
	}
	if !IsConfigurationError(err) {
		t.Errorf("Expected a configuration error, got %v", err)
	}
	if l.State() != StateFailed {
		t.Errorf("Expected failed, got %s", l.State())
	}
}
