package registry

import (
	"errors"
	"fmt"
	"strings"
)

// InvalidCallableError is returned when a value handed to RegisterCallable
// cannot be used as a constructor.
type InvalidCallableError struct {
	// Category is the registry category the value was offered to.
	Category string

	// Value is a printable description of the rejected value.
	Value string

	// Reason explains why the value was rejected.
	Reason string
}

func (e *InvalidCallableError) Error() string {
	return fmt.Sprintf("%s: invalid callable %s: %s", e.Category, e.Value, e.Reason)
}

// UnregisteredNameError is returned by Build when a name resolves in neither
// the custom table nor the default namespace.
type UnregisteredNameError struct {
	Category string
	Name     string
}

func (e *UnregisteredNameError) Error() string {
	return fmt.Sprintf("%s %q is not registered: add it to the built-in %s namespace, "+
		"load a module that defines it with RegisterModule, or register it directly with RegisterCallable",
		e.Category, e.Name, e.Category)
}

// PresetCycleError is returned by Build when the bases of a preset lead back
// to itself.
type PresetCycleError struct {
	Category string
	Chain    []string
}

func (e *PresetCycleError) Error() string {
	return fmt.Sprintf("%s: preset cycle %s", e.Category, strings.Join(e.Chain, " -> "))
}

// DuplicateRegistrationWarning reports a registration that was skipped because
// the name already exists and override was not requested.
type DuplicateRegistrationWarning struct {
	Category string
	Name     string
}

func (w *DuplicateRegistrationWarning) Error() string {
	return fmt.Sprintf("%s %q is already registered, keeping the existing entry (use override to replace it)",
		w.Category, w.Name)
}

// EmptyModuleWarning reports a module that loaded but exposed no callables.
type EmptyModuleWarning struct {
	Category string
	Module   string
}

func (w *EmptyModuleWarning) Error() string {
	return fmt.Sprintf("%s: module %s defines no callables", w.Category, w.Module)
}

// ModuleLoadWarning reports a module that could not be loaded or enumerated.
// The registry is left unchanged and the module is not marked as scanned.
type ModuleLoadWarning struct {
	Category string
	Module   string
	Err      error
}

func (w *ModuleLoadWarning) Error() string {
	return fmt.Sprintf("%s: failed to load module %s: %v", w.Category, w.Module, w.Err)
}

func (w *ModuleLoadWarning) Unwrap() error {
	return w.Err
}

// ErrUnknownModule is returned by a Loader that does not recognise an identifier.
var ErrUnknownModule = errors.New("unknown module")

// IsUnregistered reports whether err is an UnregisteredNameError.
func IsUnregistered(err error) bool {
	var target *UnregisteredNameError
	return errors.As(err, &target)
}

// IsWarning reports whether err is one of the non-fatal registry warnings.
func IsWarning(err error) bool {
	var (
		dup   *DuplicateRegistrationWarning
		empty *EmptyModuleWarning
		load  *ModuleLoadWarning
	)
	return errors.As(err, &dup) || errors.As(err, &empty) || errors.As(err, &load)
}
