package policy

import (
	"time"
)

// MaxSweepVariants is the variant count above which the sweep-size policy warns.
const MaxSweepVariants = 256

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		experimentNamingPolicy(),
		deviceBudgetPolicy(),
		sweepSizePolicy(),
	}
}

// experimentNamingPolicy keeps experiment names usable as directory names.
func experimentNamingPolicy() Policy {
	return Policy{
		Name:        "experiment-naming",
		Description: "Experiment names may only contain letters, digits, dots, underscores and hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "filesystem"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gridlab.policies.naming

import rego.v1

deny contains violation if {
	input.experiment == ""
	violation := {
		"message": "Experiment name must not be empty",
		"field": "experimentname",
	}
}

deny contains violation if {
	name := input.experiment
	name != ""
	not regex.match("^[A-Za-z0-9._-]+$", name)
	violation := {
		"message": sprintf("Experiment name '%s' may only contain letters, digits, '.', '_' and '-'", [name]),
		"field": "experimentname",
		"remediation": "Rename the experiment without path separators or whitespace",
	}
}

deny contains violation if {
	name := input.experiment
	name in {".", ".."}
	violation := {
		"message": sprintf("Experiment name '%s' is reserved", [name]),
		"field": "experimentname",
	}
}
`,
	}
}

// deviceBudgetPolicy warns when a single trial asks for more devices than the
// local cluster is started with.
func deviceBudgetPolicy() Policy {
	return Policy{
		Name:        "device-budget",
		Description: "Warns when a trial requests more devices than the cluster provides",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"resources"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gridlab.policies.devices

import rego.v1

deny contains violation if {
	input.mode == "gpu"
	input.self_host > 0
	input.devices_per_trial > input.self_host
	violation := {
		"message": sprintf("devices_per_trial %d exceeds the %d devices of the cluster and is clamped to %d", [input.devices_per_trial, input.self_host, input.self_host]),
		"field": "devices_per_trial",
		"remediation": "Lower devices_per_trial or raise self_host",
	}
}

deny contains violation if {
	input.mode == "gpu"
	input.devices_per_trial == 0
	violation := {
		"message": "devices_per_trial is 0 on a GPU launch, trials will not be assigned a device",
		"field": "devices_per_trial",
	}
}
`,
	}
}

// sweepSizePolicy warns about very large sweeps.
func sweepSizePolicy() Policy {
	return Policy{
		Name:        "sweep-size",
		Description: "Warns when a sweep expands into more than 256 variants",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"sweep"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package gridlab.policies.sweep

import rego.v1

max_variants := 256

deny contains violation if {
	input.distributed
	input.variants > max_variants
	violation := {
		"message": sprintf("Sweep expands into %d variants (limit %d)", [input.variants, max_variants]),
		"field": "config",
		"remediation": "Reduce the grid_search axes or num_samples",
	}
}
`,
	}
}
