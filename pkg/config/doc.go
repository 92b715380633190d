// Package config holds the launch configuration and the grid file parsers.
//
// # Launch configuration
//
// LaunchConfig carries the experiment name, scheduler settings, directory
// roots and free-form Params. Values are filled from defaults, command line
// flags and the environment (projectname, dataroot, remote). Once handed to
// the launcher a LaunchConfig is not modified: ApplyOverrides returns a new
// value for each trial.
//
// # Grid files
//
// A grid file describes a parameter sweep. Each top-level entry is either a
// constant or a distribution written as a single-key map:
//
//	lr:
//	  grid_search: [0.1, 0.01]
//	momentum:
//	  uniform: [0.5, 0.99]
//	epochs: 10
//
// Supported distributions are grid_search, choice, uniform, loguniform and
// randint. YAML and JSON files are decoded directly, CUE files are validated
// against a built-in #Grid schema, and Starlark files get grid_search,
// choice, uniform, loguniform and randint builtins:
//
//	lr = grid_search([0.1, 0.01])
//	momentum = uniform(0.5, 0.99)
//	epochs = 10
package config
