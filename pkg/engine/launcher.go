package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/gridlab/pkg/config"
	"github.com/openfroyo/gridlab/pkg/policy"
	"github.com/openfroyo/gridlab/pkg/registry"
	"github.com/openfroyo/gridlab/pkg/scheduler"
	"github.com/openfroyo/gridlab/pkg/stores"
	"github.com/openfroyo/gridlab/pkg/telemetry"
	"github.com/openfroyo/gridlab/pkg/track"
)

// TrainableName is the name the launcher registers its trial wrapper under.
const TrainableName = "gridlab_trial"

// Launch modes.
const (
	ModeSingle      = "single"
	ModeDistributed = "distributed"
)

// SnapshotSaver writes a project snapshot to path under name.
type SnapshotSaver func(ctx context.Context, path, name string, p *track.Project) error

// PolicyEvaluator admits or denies a launch.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in *policy.Input) (*policy.Result, error)
}

// PostProcessFunc receives the consolidated project.
type PostProcessFunc func(ctx context.Context, p *track.Project) error

// Outcome is the result of a launch. SchedulerErr and SaveErr carry
// failures that were logged and absorbed instead of aborting the launch.
type Outcome struct {
	Experiment string
	Mode       string
	Resources  ResourceSpec

	// Variants is the number of variants the grid expanded into.
	Variants int

	Trials        []scheduler.TrialResult
	Consolidation ConsolidationReport
	Project       *track.Project
	Policy        *policy.Result

	// SnapshotPath is set when the project was saved.
	SnapshotPath string

	SchedulerErr error
	SaveErr      error

	Duration time.Duration
}

// Launcher drives one experiment launch through its states.
type Launcher struct {
	mu      sync.RWMutex
	state   State
	history []Transition
	cfg     *config.LaunchConfig

	catalog     *registry.Catalog
	scheduler   scheduler.Scheduler
	tracker     *track.Store
	saveFn      SnapshotSaver
	policies    PolicyEvaluator
	telemetry   *telemetry.Telemetry
	logger      zerolog.Logger
	postProcess PostProcessFunc
	saveProject bool
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithCatalog sets the registry catalog the experiment builds from.
func WithCatalog(c *registry.Catalog) LauncherOption {
	return func(l *Launcher) { l.catalog = c }
}

// WithScheduler replaces the default local scheduler.
func WithScheduler(s scheduler.Scheduler) LauncherOption {
	return func(l *Launcher) { l.scheduler = s }
}

// WithTracker sets the tracking store.
func WithTracker(s *track.Store) LauncherOption {
	return func(l *Launcher) { l.tracker = s }
}

// WithSnapshotSaver replaces stores.SaveSnapshot.
func WithSnapshotSaver(fn SnapshotSaver) LauncherOption {
	return func(l *Launcher) { l.saveFn = fn }
}

// WithPolicies sets the launch admission policies.
func WithPolicies(p PolicyEvaluator) LauncherOption {
	return func(l *Launcher) { l.policies = p }
}

// WithTelemetry enables spans and metrics.
func WithTelemetry(t *telemetry.Telemetry) LauncherOption {
	return func(l *Launcher) { l.telemetry = t }
}

// WithLauncherLogger sets the logger.
func WithLauncherLogger(logger zerolog.Logger) LauncherOption {
	return func(l *Launcher) { l.logger = logger.With().Str("component", "launcher").Logger() }
}

// WithPostProcess sets the callback run on the consolidated project.
func WithPostProcess(fn PostProcessFunc) LauncherOption {
	return func(l *Launcher) { l.postProcess = fn }
}

// WithSaveProject saves a project snapshot after consolidation.
func WithSaveProject(save bool) LauncherOption {
	return func(l *Launcher) { l.saveProject = save }
}

// NewLauncher creates an idle launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		state:  StateIdle,
		logger: log.Logger.With().Str("component", "launcher").Logger(),
		saveFn: stores.SaveSnapshot,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.catalog == nil {
		l.catalog = registry.NewCatalog(registry.WithLogger(l.logger))
	}
	if l.tracker == nil {
		l.tracker = track.NewStore(track.WithLogger(l.logger))
	}
	if l.scheduler == nil {
		l.scheduler = scheduler.NewLocalScheduler(
			scheduler.WithLogger(l.logger),
			scheduler.WithTrialHooks(l.onTrialStart, l.onTrialFinish),
		)
	}
	return l
}

// Catalog returns the registry catalog of the launch.
func (l *Launcher) Catalog() *registry.Catalog {
	return l.catalog
}

// State returns the current state.
func (l *Launcher) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// History returns the transitions taken so far.
func (l *Launcher) History() []Transition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Transition, len(l.history))
	copy(out, l.history)
	return out
}

// Config returns a copy of the launch configuration, or nil before Configure.
func (l *Launcher) Config() *config.LaunchConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.cfg == nil {
		return nil
	}
	return l.cfg.Clone()
}

// Configure validates cfg and stores a private copy. It may be called once.
func (l *Launcher) Configure(cfg *config.LaunchConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateIdle {
		return NewConfigurationError(ErrCodeAlreadyConfigured, "launcher is already configured", nil).
			WithPhase(l.state)
	}
	if cfg == nil {
		return NewConfigurationError(ErrCodeValidation, "launch config is nil", nil)
	}
	if err := cfg.Validate(); err != nil {
		return NewConfigurationError(ErrCodeValidation, "invalid launch config", err).
			WithExperiment(cfg.ExperimentName)
	}

	l.cfg = cfg.Clone()
	l.transitionLocked(StateConfigured)
	return nil
}

func (l *Launcher) transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.CanTransition(to) {
		return newStateError(l.state, to)
	}
	l.transitionLocked(to)
	return nil
}

func (l *Launcher) transitionLocked(to State) {
	l.history = append(l.history, Transition{From: l.state, To: to, At: time.Now()})
	l.logger.Debug().Str("from", string(l.state)).Str("to", string(to)).Msg("Launcher state changed")
	l.state = to
}

// fail moves the launcher to StateFailed and returns err.
func (l *Launcher) fail(err error) error {
	if terr := l.transition(StateFailed); terr != nil {
		l.logger.Error().Err(terr).Msg("Failed to record launch failure")
	}
	code := ErrorCode(err)
	if code == "" {
		code = "UNCLASSIFIED"
	}
	l.metrics().RecordError(code)
	return err
}

func (l *Launcher) metrics() *telemetry.Metrics {
	if l.telemetry == nil {
		return nil
	}
	return l.telemetry.Metrics
}

// Execute runs the configured launch with experiment. A grid path selects a
// distributed run through the scheduler; otherwise the experiment runs once
// in the calling goroutine.
//
// Configuration problems, policy denials and consolidation failures abort the
// launch. Scheduler failures and snapshot failures are logged and reported
// through the Outcome.
func (l *Launcher) Execute(ctx context.Context, experiment ExperimentFunc) (outcome *Outcome, err error) {
	if l.State() != StateConfigured {
		return nil, newStateError(l.State(), StateSingleRun)
	}
	if experiment == nil {
		return nil, l.fail(NewConfigurationError(ErrCodeValidation, "experiment function is nil", nil))
	}

	cfg := l.Config()
	mode := ModeSingle
	if cfg.Distributed() {
		mode = ModeDistributed
	}

	if l.telemetry != nil {
		ctx = l.telemetry.WithContext(ctx)
	}
	ctx = telemetry.WithLaunchContext(ctx, cfg.ExperimentName, mode)
	defer func() { telemetry.EndLaunchContext(ctx, mode, err) }()

	start := time.Now()
	outcome = &Outcome{
		Experiment: cfg.ExperimentName,
		Mode:       mode,
		Resources:  ComputeResources(cfg.SelfHost, cfg.CPU, cfg.DevicesPerTrial),
		Variants:   1,
	}
	defer func() { outcome.Duration = time.Since(start) }()

	logger := l.logger.With().Str("experiment", cfg.ExperimentName).Str("mode", mode).Logger()
	logger.Info().
		Strs("categories", l.catalog.Categories()).
		Int("self_host", cfg.SelfHost).
		Bool("cpu", cfg.CPU).
		Msg("Launching experiment")

	var grid *config.GridSpec
	if cfg.Distributed() {
		grid, err = config.LoadGrid(ctx, cfg.GridPath)
		if err != nil {
			return outcome, l.fail(NewConfigurationError(ErrCodeGridConfig, "failed to load grid", err).
				WithExperiment(cfg.ExperimentName).
				WithDetail("path", cfg.GridPath))
		}
		rng := rand.New(rand.NewSource(cfg.Seed))
		outcome.Variants = len(scheduler.Expand(grid, cfg.NumSamples, rng))
	}

	if err := l.admit(ctx, cfg, grid, outcome, logger); err != nil {
		return outcome, l.fail(err)
	}

	if cfg.Distributed() {
		err = l.runDistributed(ctx, cfg, grid, experiment, outcome, logger)
	} else {
		err = l.runSingle(ctx, cfg, experiment, logger)
	}
	if err != nil {
		return outcome, l.fail(err)
	}
	if err := l.transition(StateConsolidated); err != nil {
		return outcome, l.fail(err)
	}

	if err := l.postProcessProject(ctx, cfg, outcome, logger); err != nil {
		return outcome, l.fail(err)
	}
	if err := l.transition(StateDone); err != nil {
		return outcome, l.fail(err)
	}

	logger.Info().
		Int("trials", len(outcome.Trials)).
		Int("moved", outcome.Consolidation.Moved()).
		Bool("scheduler_error", outcome.SchedulerErr != nil).
		Bool("save_error", outcome.SaveErr != nil).
		Msg("Launch finished")
	return outcome, nil
}

// admit evaluates the launch policies. Blocking violations deny the launch.
func (l *Launcher) admit(ctx context.Context, cfg *config.LaunchConfig, grid *config.GridSpec, outcome *Outcome, logger zerolog.Logger) error {
	if l.policies == nil {
		return nil
	}

	op := telemetry.StartOperation(ctx, "admit", telemetry.AttrPhase.String(string(StateConfigured)))
	in := policy.NewInput(cfg, outcome.Resources, grid, outcome.Variants)
	result, err := l.policies.Evaluate(op.Ctx, in)
	if err != nil {
		err = NewConfigurationError(ErrCodePolicyDenied, "failed to evaluate launch policies", err).
			WithExperiment(cfg.ExperimentName)
		op.End(err)
		return err
	}
	outcome.Policy = result

	for _, w := range result.Warnings {
		l.metrics().RecordPolicyViolation(w.Policy, string(w.Severity))
		logger.Warn().Str("policy", w.Policy).Str("field", w.Field).Msg(w.Message)
	}
	for _, v := range result.Violations {
		l.metrics().RecordPolicyViolation(v.Policy, string(v.Severity))
		logger.Error().Str("policy", v.Policy).Str("field", v.Field).Msg(v.Message)
	}

	if !result.Allowed {
		err := NewConfigurationError(ErrCodePolicyDenied,
			fmt.Sprintf("launch denied by %d policy violation(s)", len(result.Violations)), nil).
			WithExperiment(cfg.ExperimentName).
			WithDetail("violations", result.Violations)
		op.End(err)
		return err
	}
	op.End(nil)
	return nil
}

func (l *Launcher) runSingle(ctx context.Context, cfg *config.LaunchConfig, experiment ExperimentFunc, logger zerolog.Logger) error {
	if err := l.transition(StateSingleRun); err != nil {
		return err
	}

	return RunTrial(ctx, cfg, nil, NoopStatusSink, TrialOptions{
		Experiment: experiment,
		Store:      l.tracker,
		Logger:     &logger,
	})
}

func (l *Launcher) runDistributed(ctx context.Context, cfg *config.LaunchConfig, grid *config.GridSpec, experiment ExperimentFunc, outcome *Outcome, logger zerolog.Logger) error {
	if err := l.transition(StateSubmitting); err != nil {
		return err
	}

	op := telemetry.StartOperation(ctx, "submit",
		telemetry.AttrPhase.String(string(StateSubmitting)),
		telemetry.AttrTrials.Int(outcome.Variants),
	)
	cluster := clusterFor(cfg.SelfHost, cfg.CPU, cfg.Port)
	if err := l.scheduler.Init(op.Ctx, cluster); err != nil {
		err := NewConfigurationError(ErrCodeValidation, "failed to initialize scheduler", err).
			WithExperiment(cfg.ExperimentName).
			WithPhase(StateSubmitting)
		op.End(err)
		return err
	}
	if err := l.scheduler.RegisterTrainable(TrainableName, l.trainable(cfg, experiment, logger)); err != nil {
		err := NewConfigurationError(ErrCodeValidation, "failed to register trainable", err).
			WithExperiment(cfg.ExperimentName).
			WithPhase(StateSubmitting)
		op.End(err)
		return err
	}

	sub, err := l.scheduler.Submit(op.Ctx, scheduler.ExperimentSpec{
		Name:        cfg.ExperimentName,
		Trainable:   TrainableName,
		Resources:   outcome.Resources,
		Stop:        map[string]float64{"done": 1},
		Grid:        grid,
		ScratchRoot: cfg.ScratchRoot,
		NumSamples:  cfg.NumSamples,
		Seed:        cfg.Seed,
	})
	op.End(err)
	if err != nil {
		outcome.SchedulerErr = l.absorbSchedulerError(err, logger)
	} else {
		if err := l.transition(StateAwaitingCompletion); err != nil {
			return err
		}
		wait := telemetry.StartOperation(ctx, "await", telemetry.AttrPhase.String(string(StateAwaitingCompletion)))
		werr := sub.Wait(wait.Ctx)
		wait.End(werr)
		outcome.Trials = sub.Trials()
		if werr != nil {
			outcome.SchedulerErr = l.absorbSchedulerError(werr, logger)
		}
	}

	if err := l.transition(StateConsolidating); err != nil {
		return err
	}
	cons := telemetry.StartOperation(ctx, "consolidate", telemetry.AttrPhase.String(string(StateConsolidating)))
	report, err := Consolidate(cfg.ScratchRoot, cfg.ExperimentName, cfg.ExperimentDir())
	cons.End(err)
	outcome.Consolidation = report
	l.metrics().RecordEntriesMoved("files", len(report.Entries))
	l.metrics().RecordEntriesMoved("trials", len(report.Trials))
	if err != nil {
		return err
	}

	logger.Info().
		Int("runs", len(report.Runs)).
		Int("entries", len(report.Entries)).
		Int("trials", len(report.Trials)).
		Str("dest", cfg.ExperimentDir()).
		Msg("Consolidated trial output")
	return nil
}

func (l *Launcher) absorbSchedulerError(err error, logger zerolog.Logger) error {
	serr := NewSchedulerSubmissionError(err)
	l.metrics().RecordError(serr.Code)
	logger.Warn().Err(err).Msg("Scheduler failed, consolidating available trial output")
	return serr
}

// trainable wraps RunTrial for the scheduler. Each trial gets its variant as
// override and its scheduler seed unless the grid sets one.
func (l *Launcher) trainable(cfg *config.LaunchConfig, experiment ExperimentFunc, logger zerolog.Logger) scheduler.Trainable {
	return func(ctx context.Context, trial scheduler.TrialContext, variant map[string]any, report scheduler.StatusReporter) error {
		override := make(map[string]any, len(variant)+1)
		for k, v := range variant {
			override[k] = v
		}
		if _, ok := override["seed"]; !ok {
			override["seed"] = trial.Seed
		}

		trialLogger := telemetry.WrapLogger(logger).WithTrialID(trial.ID).Zerolog()
		return RunTrial(ctx, cfg, override, report, TrialOptions{
			Dir:        trial.Dir,
			ID:         trial.ID,
			Experiment: experiment,
			Store:      l.tracker,
			Logger:     &trialLogger,
		})
	}
}

func (l *Launcher) onTrialStart(experiment string, _ scheduler.TrialResult) {
	l.metrics().RecordTrialStarted(experiment)
}

func (l *Launcher) onTrialFinish(_ string, result scheduler.TrialResult) {
	l.metrics().RecordTrialCompleted(string(result.Status), result.Duration)
}

// postProcessProject loads the project, saves the snapshot when requested and
// runs the post-process callback.
func (l *Launcher) postProcessProject(ctx context.Context, cfg *config.LaunchConfig, outcome *Outcome, logger zerolog.Logger) error {
	op := telemetry.StartOperation(ctx, "post_process", telemetry.AttrPhase.String(string(StatePostProcessed)))

	project, err := l.tracker.LoadProject(op.Ctx, cfg.ExperimentDir(), cfg.RemoteDir())
	if err != nil {
		err = fmt.Errorf("failed to load project %s: %w", cfg.ExperimentName, err)
		op.End(err)
		return err
	}
	outcome.Project = project

	if l.saveProject {
		path := stores.SnapshotPath(cfg.LogRoot, cfg.ExperimentName)
		serr := l.saveFn(op.Ctx, path, cfg.ExperimentName, project)
		l.metrics().RecordSnapshotSave(serr)
		if serr != nil {
			outcome.SaveErr = NewSerializationError(path, serr).WithExperiment(cfg.ExperimentName)
			l.metrics().RecordError(ErrCodeSerializationFailed)
			logger.Warn().Err(serr).Str("path", path).Msg("Failed to save project snapshot")
		} else {
			outcome.SnapshotPath = path
			logger.Info().Str("path", path).Int("trials", len(project.Trials)).Msg("Saved project snapshot")
		}
	}

	if l.postProcess != nil {
		if err := l.postProcess(op.Ctx, project); err != nil {
			err = fmt.Errorf("post-processing failed: %w", err)
			op.End(err)
			return err
		}
	}
	op.End(nil)

	return l.transition(StatePostProcessed)
}
