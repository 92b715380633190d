package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gridlab/pkg/config"
	"github.com/openfroyo/gridlab/pkg/scheduler"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func launchInput(mutate func(*config.LaunchConfig)) *Input {
	cfg := config.DefaultLaunchConfig("mnist-sweep")
	if mutate != nil {
		mutate(cfg)
	}
	return NewInput(cfg, scheduler.Resources{GPU: cfg.DevicesPerTrial}, nil, 1)
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"device-budget", "experiment-naming", "sweep-size"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
	}
}

func TestEvaluate_ExperimentNaming(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name       string
		experiment string
		allowed    bool
	}{
		{name: "plain", experiment: "mnist-sweep", allowed: true},
		{name: "dots and underscores", experiment: "resnet_50.v2", allowed: true},
		{name: "path separator", experiment: "a/b", allowed: false},
		{name: "whitespace", experiment: "my run", allowed: false},
		{name: "parent dir", experiment: "..", allowed: false},
		{name: "empty", experiment: "", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := launchInput(func(c *config.LaunchConfig) { c.ExperimentName = tt.experiment })

			result, err := eng.Evaluate(context.Background(), in)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.allowed, result.Allowed, result.Violations)
			}
			if !tt.allowed {
				if len(result.Violations) == 0 {
					t.Fatal("Expected a violation")
				}
				v := result.Violations[0]
				if v.Policy != "experiment-naming" {
					t.Errorf("Expected experiment-naming violation, got %s", v.Policy)
				}
				if v.Field != "experimentname" {
					t.Errorf("Expected field experimentname, got %s", v.Field)
				}
			}
		})
	}
}

func TestEvaluate_DeviceBudget(t *testing.T) {
	eng := newTestEngine(t)

	in := launchInput(func(c *config.LaunchConfig) {
		c.SelfHost = 2
		c.DevicesPerTrial = 4
	})

	result, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Warnings must not block the launch: %+v", result.Violations)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %d: %+v", len(result.Warnings), result.Warnings)
	}
	if result.Warnings[0].Policy != "device-budget" {
		t.Errorf("Expected device-budget warning, got %s", result.Warnings[0].Policy)
	}

	// CPU launches have no device budget.
	in = launchInput(func(c *config.LaunchConfig) {
		c.CPU = true
		c.SelfHost = 2
		c.DevicesPerTrial = 4
	})
	result, err = eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings for a CPU launch, got %+v", result.Warnings)
	}
}

func TestEvaluate_SweepSize(t *testing.T) {
	eng := newTestEngine(t)

	in := launchInput(func(c *config.LaunchConfig) { c.GridPath = "grid.yaml" })
	in.Variants = MaxSweepVariants + 1

	result, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Sweep size must only warn")
	}
	found := false
	for _, w := range result.Warnings {
		if w.Policy == "sweep-size" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected sweep-size warning, got %+v", result.Warnings)
	}

	in.Variants = MaxSweepVariants
	result, err = eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	for _, w := range result.Warnings {
		if w.Policy == "sweep-size" {
			t.Errorf("Unexpected sweep-size warning at the limit: %+v", w)
		}
	}
}

func TestEvaluate_NilInput(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Evaluate(context.Background(), nil); err == nil {
		t.Error("Expected error for nil input")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy("experiment-naming"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	policy, err := eng.GetPolicy("experiment-naming")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if policy.Enabled {
		t.Error("Policy should be disabled")
	}

	in := launchInput(func(c *config.LaunchConfig) { c.ExperimentName = "bad name" })
	result, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Disabled policy should not block the launch")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "experiment-naming" {
			t.Error("Disabled policy should not be evaluated")
		}
	}

	if err := eng.EnablePolicy("experiment-naming"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("Re-enabled policy should block the launch")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "require-remote.rego"), `# Launches must mirror to a remote
# severity: error
package custom.remote

import rego.v1

deny contains violation if {
	input.remote == ""
	violation := {"message": "remote is required", "field": "remote"}
}
`)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected 4 policies, got %d", len(eng.ListPolicies()))
	}

	result, err := eng.Evaluate(context.Background(), launchInput(nil))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected the custom policy to block the launch")
	}
	if result.Violations[0].Policy != "require-remote" || result.Violations[0].Field != "remote" {
		t.Errorf("Unexpected violation %+v", result.Violations[0])
	}

	result, err = eng.Evaluate(context.Background(), launchInput(func(c *config.LaunchConfig) {
		c.Remote = "s3://bucket/lab"
	}))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected launch with remote to be allowed: %+v", result.Violations)
	}
}

func TestLoadPolicies_CompileError(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains if {{")

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Error("Expected compile error")
	}
}

func TestAddPolicy_SeverityOverride(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:    "sample-cap",
		Enabled: true,
		Rego: `package custom.samples

import rego.v1

deny contains violation if {
	input.num_samples > 4
	violation := {"message": "too many samples", "severity": "critical"}
}
`,
	})
	if err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	result, err := eng.Evaluate(context.Background(), launchInput(func(c *config.LaunchConfig) {
		c.NumSamples = 8
	}))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Critical violation should block the launch")
	}
	if result.Violations[0].Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", result.Violations[0].Severity)
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:    "extra",
		Enabled: true,
		Rego:    "package custom.extra\n\nimport rego.v1\n\ndeny contains \"never\" if {\n\tfalse\n}\n",
	})
	if err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Fatalf("Expected 4 policies, got %d", len(eng.ListPolicies()))
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}
	if len(eng.ListPolicies()) != 3 {
		t.Errorf("Expected only built-in policies after reload, got %d", len(eng.ListPolicies()))
	}
}

func TestNewInput(t *testing.T) {
	cfg := config.DefaultLaunchConfig("exp")
	cfg.CPU = true
	cfg.GridPath = "grid.yaml"
	grid := &config.GridSpec{Axes: []config.Axis{
		{Key: "lr", Dist: config.GridSearch{Values: []any{0.1, 0.01}}},
	}}

	in := NewInput(cfg, scheduler.Resources{CPU: 1}, grid, 2)
	if in.Mode != "cpu" {
		t.Errorf("Expected cpu mode, got %s", in.Mode)
	}
	if !in.Distributed {
		t.Error("Expected a distributed launch")
	}
	if len(in.Axes) != 1 || in.Axes[0] != "lr" {
		t.Errorf("Unexpected axes %v", in.Axes)
	}
	if in.Variants != 2 {
		t.Errorf("Expected 2 variants, got %d", in.Variants)
	}
}
