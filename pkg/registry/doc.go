// Package registry maps names to constructors for each capability category
// (models, datasets, optimizers, experiments, or any user category).
//
// A name is resolved in two tiers: the registry's custom table, filled by
// RegisterCallable and RegisterModule, and then the category's default
// Namespace. Custom entries shadow defaults of the same name.
//
// Modules are produced by a Loader. StaticLoader serves modules compiled into
// the program, ManifestLoader reads YAML preset manifests and WasmLoader
// exposes the exported functions of WebAssembly modules. ChainLoader combines
// them.
//
// Registration problems that leave the registry usable (duplicates, empty or
// unloadable modules) are delivered to a WarningHandler instead of being
// returned as errors.
package registry
