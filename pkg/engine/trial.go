package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/gridlab/pkg/config"
	"github.com/openfroyo/gridlab/pkg/scheduler"
	"github.com/openfroyo/gridlab/pkg/telemetry"
	"github.com/openfroyo/gridlab/pkg/track"
)

// ExperimentFunc is the user experiment. It receives the trial's own
// configuration and the open tracking session.
type ExperimentFunc func(ctx context.Context, cfg *config.LaunchConfig, session *track.Session) error

// Status is a trial progress report.
type Status = scheduler.Status

// StatusSink receives trial progress reports.
type StatusSink interface {
	Report(Status)
}

// StatusFunc adapts a function to a StatusSink.
type StatusFunc func(Status)

// Report calls f(s).
func (f StatusFunc) Report(s Status) { f(s) }

// NoopStatusSink discards every report.
var NoopStatusSink StatusSink = StatusFunc(func(Status) {})

// TrialOptions configures RunTrial.
type TrialOptions struct {
	// Dir is the experiment directory the session writes under. Defaults to
	// the configuration's ExperimentDir.
	Dir string

	// ID is the trial ID; generated by the session when empty.
	ID string

	Experiment ExperimentFunc

	// Store opens the tracking session. Defaults to a new track.Store.
	Store *track.Store

	Logger *zerolog.Logger
}

// RunTrial runs one trial of experiment on a private copy of base with
// override applied. It reports {0,0} before and {1,1} after a successful run,
// and closes the tracking session on every exit path, including panics.
// base is never modified, so concurrent calls may share it.
func RunTrial(ctx context.Context, base *config.LaunchConfig, override map[string]any, sink StatusSink, opts TrialOptions) error {
	if base == nil {
		return NewConfigurationError(ErrCodeValidation, "launch config is nil", nil)
	}
	if opts.Experiment == nil {
		return NewConfigurationError(ErrCodeValidation, "experiment function is nil", nil)
	}
	if sink == nil {
		sink = NoopStatusSink
	}

	cfg := base.ApplyOverrides(override)
	sink.Report(Status{Progress: 0, Done: 0})

	if err := runScoped(ctx, cfg, opts); err != nil {
		return err
	}

	sink.Report(Status{Progress: 1, Done: 1})
	return nil
}

func runScoped(ctx context.Context, cfg *config.LaunchConfig, opts TrialOptions) (err error) {
	logger := log.Logger.With().Str("component", "trial").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	store := opts.Store
	if store == nil {
		store = track.NewStore(track.WithLogger(logger))
	}
	dir := opts.Dir
	if dir == "" {
		dir = cfg.ExperimentDir()
	}

	op := telemetry.StartOperation(ctx, "trial",
		telemetry.AttrExperiment.String(cfg.ExperimentName),
		telemetry.AttrTrialID.String(opts.ID),
	)
	defer func() { op.End(err) }()

	session, err := store.OpenSession(op.Ctx, track.SessionConfig{
		LocalDir:  dir,
		RemoteDir: cfg.RemoteDir(),
		TrialID:   opts.ID,
		Params:    cfg.Metadata(),
		Seed:      cfg.Seed,
	})
	if err != nil {
		return NewExecutionError(ErrCodeTrialFailed, "failed to open tracking session", err).
			WithExperiment(cfg.ExperimentName)
	}
	defer func() {
		if cerr := session.Close(op.Ctx); cerr != nil {
			logger.Warn().Err(cerr).Str("trial_id", session.ID()).Msg("Failed to close tracking session")
			if err == nil {
				err = NewExecutionError(ErrCodeTrialFailed, "failed to close tracking session", cerr).
					WithExperiment(cfg.ExperimentName)
			}
		}
	}()

	session.Debug(fmt.Sprintf("Starting trial %s of %s", session.ID(), cfg.ExperimentName))
	logger.Debug().
		Str("experiment", cfg.ExperimentName).
		Str("trial_id", session.ID()).
		Str("dir", session.Dir()).
		Msg("Trial started")

	if err := opts.Experiment(op.Ctx, cfg, session); err != nil {
		session.Debug(fmt.Sprintf("Trial failed: %v", err))
		return NewExecutionError(ErrCodeTrialFailed, "experiment failed", err).
			WithExperiment(cfg.ExperimentName).
			WithDetail("trial_id", session.ID())
	}

	session.Debug("Trial finished")
	return nil
}
