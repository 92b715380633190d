// Package policy provides Open Policy Agent (OPA) admission checks for
// experiment launches.
//
// Every launch is turned into an Input document (experiment name, mode,
// device settings, per-trial resources, the number of variants a sweep
// expands into) and handed to each enabled Rego policy. A policy reports
// findings through the deny set of its package.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	in := policy.NewInput(cfg, resources, grid, len(variants))
//	result, err := eng.Evaluate(ctx, in)
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// Custom policies are loaded from .rego files, JSON policy definitions or
// JSON bundles:
//
//	err = eng.LoadPolicies(ctx, []string{"./policies"})
//
// # Built-in Policies
//
//  1. experiment-naming (error) - experiment names are usable directory names
//  2. device-budget (warning) - devices_per_trial fits the local GPU count
//  3. sweep-size (warning) - sweeps stay below 256 variants
//
// # Custom Policies
//
//	# Launches must mirror to a remote
//	# severity: error
//	package lab.remote
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.remote == ""
//	    violation := {
//	        "message": "remote is required",
//	        "field": "remote",
//	    }
//	}
//
// A deny member may be a string or an object with message, field,
// remediation and severity keys. The severity key overrides the policy's
// default severity.
//
// # Severity Levels
//
//   - info and warning findings are returned as Result.Warnings
//   - error and critical findings are returned as Result.Violations and
//     make Result.Allowed false
//
// A policy that fails to evaluate is reported as a warning and never blocks
// a launch.
package policy
