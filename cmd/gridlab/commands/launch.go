package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/gridlab/pkg/builtin"
	"github.com/openfroyo/gridlab/pkg/config"
	"github.com/openfroyo/gridlab/pkg/engine"
	"github.com/openfroyo/gridlab/pkg/policy"
	"github.com/openfroyo/gridlab/pkg/registry"
	"github.com/openfroyo/gridlab/pkg/telemetry"
)

func newLaunchCommand(opts Options) *cobra.Command {
	var (
		params        []string
		modules       []string
		policyPaths   []string
		saveProject   bool
		metricsAddr   string
		traceExporter string
		traceEndpoint string
	)
	cfg := config.DefaultLaunchConfig("")

	cmd := &cobra.Command{
		Use:   "launch <experimentname>",
		Short: "Launch an experiment",
		Long: `Launch an experiment as a single run or, with --config, as a grid sweep.

Every trial records params.json, results.jsonl and debug.log under
<logroot>/<experimentname>/trials/<trial_id>. Sweeps run in the scratch root
first and are consolidated into the log directory when the scheduler is done,
including when it failed.

The environment variables projectname, dataroot and remote fill the values
that no flag sets.`,
		Example: `  # Single run with the built-in probe experiment
  gridlab launch mnist-probe --cpu --param dataset=mnist --param epochs=5

  # Grid sweep on two GPUs, one device per trial
  gridlab launch lr-sweep --config sweep.yaml --self_host 2

  # Register extra constructors and save a project snapshot
  gridlab launch custom --module models=./models.yaml --save_project

  # Enforce site policies and expose metrics
  gridlab launch sweep --config sweep.cue --policy ./policies --metrics_addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ExperimentName = args[0]

			env, err := config.LoadEnvironment()
			if err != nil {
				return err
			}
			env.Apply(cfg, map[string]bool{
				"dataroot": cmd.Flags().Changed("dataroot"),
				"remote":   cmd.Flags().Changed("remote") || cmd.Flags().Changed("s3"),
			})

			overrides, err := parseParams(params)
			if err != nil {
				return err
			}
			for k, v := range overrides {
				cfg.Params[k] = v
			}

			tel, err := newTelemetry(opts.Version, metricsAddr, traceExporter, traceEndpoint)
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to shut down telemetry")
				}
			}()
			if err := tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			ctx := cmd.Context()
			catalog, closeLoader, err := newCatalog(ctx, opts, modules, tel.Metrics)
			if err != nil {
				return err
			}
			defer closeLoader()

			policies, err := policy.NewEngine(tel.Logger.NewComponentLogger("policy").Zerolog())
			if err != nil {
				return fmt.Errorf("failed to create policy engine: %w", err)
			}
			if len(policyPaths) > 0 {
				if err := policies.LoadPolicies(ctx, policyPaths); err != nil {
					return err
				}
			}

			experiment := builtin.Probe(catalog)
			if opts.Experiment != nil {
				experiment = opts.Experiment(catalog)
			}

			launcher := engine.NewLauncher(
				engine.WithCatalog(catalog),
				engine.WithPolicies(policies),
				engine.WithTelemetry(tel),
				engine.WithLauncherLogger(tel.Logger.Zerolog()),
				engine.WithSaveProject(saveProject),
				engine.WithPostProcess(opts.PostProcess),
			)
			if err := launcher.Configure(cfg); err != nil {
				return err
			}

			outcome, err := launcher.Execute(ctx, experiment)
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), cfg, outcome)
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.SelfHost, "self_host", cfg.SelfHost, "devices to start the local cluster with (0 attaches to a running cluster)")
	f.BoolVar(&cfg.CPU, "cpu", cfg.CPU, "run trials on CPUs only")
	f.IntVar(&cfg.Port, "port", cfg.Port, "cluster port")
	f.IntVar(&cfg.ServerPort, "server_port", cfg.ServerPort, "dashboard port")
	f.StringVar(&cfg.GridPath, "config", cfg.GridPath, "grid file (.yaml, .json, .cue, .star); enables a sweep")
	f.IntVar(&cfg.DevicesPerTrial, "devices_per_trial", cfg.DevicesPerTrial, "GPUs per trial")
	f.StringVar(&cfg.DataRoot, "dataroot", cfg.DataRoot, "dataset root")
	f.StringVar(&cfg.Remote, "remote", cfg.Remote, "remote mirror root (path, file://, sftp:// or s3://)")
	f.StringVar(&cfg.Remote, "s3", cfg.Remote, "alias for --remote")
	f.StringVar(&cfg.LogRoot, "logroot", cfg.LogRoot, "log root")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	f.IntVar(&cfg.NumSamples, "num_samples", cfg.NumSamples, "samples per grid point")
	f.StringVar(&cfg.ScratchRoot, "scratch_root", cfg.ScratchRoot, "scheduler scratch root")
	f.StringArrayVarP(&params, "param", "p", nil, "experiment parameter (key=value, repeatable)")
	f.StringArrayVarP(&modules, "module", "m", nil, "module to scan (category=path, repeatable)")
	f.StringArrayVar(&policyPaths, "policy", nil, "policy file or directory (repeatable)")
	f.BoolVar(&saveProject, "save_project", false, "save a SQLite snapshot of the project")
	f.StringVar(&metricsAddr, "metrics_addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&traceExporter, "trace_exporter", "none", "trace exporter (none, stdout, otlp)")
	f.StringVar(&traceEndpoint, "trace_endpoint", "localhost:4317", "OTLP collector endpoint")
	_ = f.MarkHidden("s3")

	return cmd
}

// parseParams parses key=value pairs. Values are decoded as YAML scalars so
// numbers and booleans keep their type.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}

		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

// parseModules parses category=path pairs.
func parseModules(pairs []string) ([][2]string, error) {
	out := make([][2]string, 0, len(pairs))
	for _, pair := range pairs {
		category, path, ok := strings.Cut(pair, "=")
		if !ok || category == "" || path == "" {
			return nil, fmt.Errorf("invalid module %q: expected category=path", pair)
		}
		out = append(out, [2]string{category, path})
	}
	return out, nil
}

func newTelemetry(version, metricsAddr, exporter, endpoint string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}
	if exporter != "" && exporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = exporter
		cfg.Tracing.Endpoint = endpoint
	}
	return telemetry.NewTelemetry(cfg)
}

// newCatalog builds the catalog with the built-in namespaces, runs the
// embedding program's registrations and scans the requested modules.
// The returned function releases the WebAssembly runtimes of scanned modules.
func newCatalog(ctx context.Context, opts Options, modules []string, metrics *telemetry.Metrics) (*registry.Catalog, func(), error) {
	specs, err := parseModules(modules)
	if err != nil {
		return nil, nil, err
	}

	logger := log.Logger.With().Str("component", "registry").Logger()
	wasm := registry.NewWasmLoader("", registry.WasmConfig{})
	closeLoader := func() {
		if err := wasm.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Failed to close WebAssembly runtimes")
		}
	}
	catalog := builtin.NewCatalog(
		registry.WithLogger(log.Logger),
		registry.WithLoader(registry.ChainLoader{
			registry.NewManifestLoader(""),
			wasm,
		}),
		registry.WithWarningHandler(func(w error) {
			metrics.RecordRegistryWarning(fmt.Sprintf("%T", w))
			logger.Warn().Err(w).Msg("registry warning")
		}),
		registry.WithBuildHook(func(category, name string, err error) {
			metrics.RecordRegistryBuild(category, err)
		}),
	)

	if opts.Register != nil {
		if err := opts.Register(catalog); err != nil {
			closeLoader()
			return nil, nil, fmt.Errorf("failed to register constructors: %w", err)
		}
	}
	for _, m := range specs {
		catalog.Category(m[0]).RegisterModule(ctx, m[1], false)
	}
	return catalog, closeLoader, nil
}

type launchSummary struct {
	Experiment   string   `json:"experiment"`
	Mode         string   `json:"mode"`
	Variants     int      `json:"variants"`
	Trials       []string `json:"trials"`
	LogDir       string   `json:"log_dir"`
	Snapshot     string   `json:"snapshot,omitempty"`
	Moved        int      `json:"moved"`
	Warnings     []string `json:"policy_warnings,omitempty"`
	SchedulerErr string   `json:"scheduler_error,omitempty"`
	SaveErr      string   `json:"save_error,omitempty"`
	Duration     string   `json:"duration"`
}

func printOutcome(w io.Writer, cfg *config.LaunchConfig, outcome *engine.Outcome) error {
	s := launchSummary{
		Experiment: outcome.Experiment,
		Mode:       outcome.Mode,
		Variants:   outcome.Variants,
		LogDir:     cfg.ExperimentDir(),
		Snapshot:   outcome.SnapshotPath,
		Moved:      outcome.Consolidation.Moved(),
		Duration:   outcome.Duration.Round(time.Millisecond).String(),
	}
	if outcome.Project != nil {
		s.Trials = outcome.Project.IDs()
	}
	if outcome.Policy != nil {
		for _, v := range outcome.Policy.Warnings {
			s.Warnings = append(s.Warnings, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	if outcome.SchedulerErr != nil {
		s.SchedulerErr = outcome.SchedulerErr.Error()
	}
	if outcome.SaveErr != nil {
		s.SaveErr = outcome.SaveErr.Error()
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(w, "Experiment: %s (%s, %d variant(s))\n", s.Experiment, s.Mode, s.Variants)
	fmt.Fprintf(w, "Trials:     %d\n", len(s.Trials))
	fmt.Fprintf(w, "Logs:       %s\n", s.LogDir)
	if s.Mode == engine.ModeDistributed {
		fmt.Fprintf(w, "Moved:      %d entries\n", s.Moved)
	}
	if s.Snapshot != "" {
		fmt.Fprintf(w, "Snapshot:   %s\n", s.Snapshot)
	}
	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "Warning:    %s\n", warning)
	}
	if s.SchedulerErr != "" {
		fmt.Fprintf(w, "Scheduler:  %s\n", s.SchedulerErr)
	}
	if s.SaveErr != "" {
		fmt.Fprintf(w, "Save:       %s\n", s.SaveErr)
	}
	fmt.Fprintf(w, "Duration:   %s\n", s.Duration)
	return nil
}
