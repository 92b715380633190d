package policy

import (
	"time"

	"github.com/openfroyo/gridlab/pkg/config"
	"github.com/openfroyo/gridlab/pkg/scheduler"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but never block a launch.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the launch.
	SeverityError Severity = "error"

	// SeverityCritical blocks the launch.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the launch.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// deny set of its package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single policy finding.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Field is the launch setting the finding is about.
	Field string `json:"field,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against a launch.
type Result struct {
	// Allowed is false when at least one blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking findings, including policies that
	// failed to evaluate.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document handed to the policies as `input`.
type Input struct {
	Experiment      string              `json:"experiment"`
	Project         string              `json:"project,omitempty"`
	Mode            string              `json:"mode"`
	Distributed     bool                `json:"distributed"`
	SelfHost        int                 `json:"self_host"`
	DevicesPerTrial int                 `json:"devices_per_trial"`
	Resources       scheduler.Resources `json:"resources"`
	Variants        int                 `json:"variants"`
	NumSamples      int                 `json:"num_samples"`
	Axes            []string            `json:"axes,omitempty"`
	Remote          string              `json:"remote,omitempty"`
	Params          map[string]any      `json:"params,omitempty"`

	Context *EvalContext `json:"context"`
}

// EvalContext provides context information for policy evaluation.
type EvalContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation,omitempty"`
	DryRun    bool      `json:"dry_run"`
}

// NewInput builds the policy input of a launch. grid may be nil for single runs.
func NewInput(cfg *config.LaunchConfig, res scheduler.Resources, grid *config.GridSpec, variants int) *Input {
	in := &Input{
		Experiment:      cfg.ExperimentName,
		Project:         cfg.ProjectName,
		Mode:            "gpu",
		Distributed:     cfg.Distributed(),
		SelfHost:        cfg.SelfHost,
		DevicesPerTrial: cfg.DevicesPerTrial,
		Resources:       res,
		Variants:        variants,
		NumSamples:      cfg.NumSamples,
		Remote:          cfg.Remote,
		Params:          map[string]any(cfg.Params.Clone()),
		Context: &EvalContext{
			Timestamp: time.Now(),
			Operation: "launch",
		},
	}
	if cfg.CPU {
		in.Mode = "cpu"
	}
	if grid != nil {
		for _, a := range grid.Axes {
			in.Axes = append(in.Axes, a.Key)
		}
	}
	return in
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
