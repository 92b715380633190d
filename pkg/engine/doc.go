// Package engine launches experiments and gathers their results.
//
// # Overview
//
// A Launcher walks a launch through a fixed set of states:
//
//  1. Idle - new launcher
//  2. Configured - a validated LaunchConfig was stored (Configure)
//  3. SingleRun, or Submitting / AwaitingCompletion / Consolidating for a
//     grid sweep driven by a scheduler.Scheduler
//  4. Consolidated - trial output is under <logroot>/<experiment>
//  5. PostProcessed - the project was loaded, optionally saved as a SQLite
//     snapshot, and handed to the post-process callback
//  6. Done
//
// Any fatal error moves the launcher to Failed. A launcher runs once.
//
// # Trials
//
// RunTrial is the unit of work of every launch. It applies the trial's
// overrides to a private copy of the base configuration, opens a tracking
// session, runs the experiment and closes the session on every exit path.
// The scheduler invokes it concurrently, one call per variant.
//
// # Errors
//
// Fatal failures are *EngineError values with a code such as
// VALIDATION_ERROR, GRID_CONFIG, POLICY_DENIED or CONSOLIDATION_FAILED.
// Scheduler failures (SCHEDULER_FAILED) and snapshot failures
// (SERIALIZATION_FAILED) never abort a launch: they are logged and returned
// in Outcome.SchedulerErr and Outcome.SaveErr so partial results survive.
//
// # Usage
//
//	l := engine.NewLauncher(
//	    engine.WithCatalog(catalog),
//	    engine.WithSaveProject(true),
//	)
//	if err := l.Configure(cfg); err != nil {
//	    return err
//	}
//	outcome, err := l.Execute(ctx, experiment)
//	if err != nil {
//	    return err
//	}
//	if outcome.SchedulerErr != nil {
//	    log.Warn().Err(outcome.SchedulerErr).Msg("some trials failed")
//	}
package engine
