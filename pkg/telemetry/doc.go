// Package telemetry provides logging, tracing and metrics for gridlab.
//
// Logging uses zerolog with component loggers and context propagation.
// Tracing uses OpenTelemetry with stdout and OTLP/gRPC exporters; a launch
// opens a "launch.execute" span with one child span per phase. Metrics are
// Prometheus collectors on a private registry, exposed over HTTP when the
// CLI is started with --metrics_addr.
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//	cfg.Metrics.ListenAddress = ":9090"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Instrument an operation:
//
//	op := telemetry.StartOperation(ctx, "launch.consolidate")
//	report, err := consolidate(op.Ctx)
//	op.End(err)
//
// Key metrics:
//
//   - gridlab_launches_total{mode,result}
//   - gridlab_trials_started_total{experiment}
//   - gridlab_trials_completed_total{status}
//   - gridlab_trial_duration_seconds{status}
//   - gridlab_active_trials
//   - gridlab_consolidation_entries_moved_total{kind}
//   - gridlab_snapshot_saves_total{result}
//   - gridlab_registry_builds_total{category,result}
//   - gridlab_registry_warnings_total{kind}
//   - gridlab_policy_violations_total{policy,severity}
//   - gridlab_errors_by_code_total{code}
package telemetry
