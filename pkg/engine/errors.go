package engine

import (
	"errors"
	"fmt"
)

// ErrorClass separates configuration mistakes from failures of the run itself.
type ErrorClass string

const (
	// ErrorClassConfiguration is a fatal problem detected before any trial runs.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassExecution is a failure while trials run or results are gathered.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassInternal is a misuse of the launcher, such as an invalid
	// state transition.
	ErrorClassInternal ErrorClass = "internal"
)

// Error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeAlreadyConfigured   = "ALREADY_CONFIGURED"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeGridConfig          = "GRID_CONFIG"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeSchedulerFailed     = "SCHEDULER_FAILED"
	ErrCodeSerializationFailed = "SERIALIZATION_FAILED"
	ErrCodeConsolidationFailed = "CONSOLIDATION_FAILED"
	ErrCodeTrialFailed         = "TRIAL_FAILED"
)

// EngineError represents a classified launcher error.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code,omitempty"`

	// Experiment is the experiment the error belongs to, if known.
	Experiment string `json:"experiment,omitempty"`

	// Phase is the launcher state the error occurred in.
	Phase State `json:"phase,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	switch {
	case e.Experiment != "" && e.Phase != "":
		msg += fmt.Sprintf(" (experiment=%s, phase=%s)", e.Experiment, e.Phase)
	case e.Experiment != "":
		msg += fmt.Sprintf(" (experiment=%s)", e.Experiment)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another *EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a fatal configuration error.
func NewConfigurationError(code, message string, err error) *EngineError {
	return newError(ErrorClassConfiguration, code, message, err)
}

// NewExecutionError creates an execution error.
func NewExecutionError(code, message string, err error) *EngineError {
	return newError(ErrorClassExecution, code, message, err)
}

// NewSchedulerSubmissionError wraps a failure reported by the scheduler
// while submitting or awaiting an experiment.
func NewSchedulerSubmissionError(err error) *EngineError {
	return NewExecutionError(ErrCodeSchedulerFailed, "scheduler failed", err)
}

// NewSerializationError wraps a failure to save a project snapshot.
func NewSerializationError(path string, err error) *EngineError {
	return NewExecutionError(ErrCodeSerializationFailed, "failed to save project snapshot", err).
		WithDetail("path", path)
}

func newStateError(from, to State) *EngineError {
	return newError(ErrorClassInternal, ErrCodeInvalidState,
		fmt.Sprintf("invalid transition from %s to %s", from, to), nil)
}

// WithExperiment adds the experiment name to an error.
func (e *EngineError) WithExperiment(name string) *EngineError {
	e.Experiment = name
	return e
}

// WithPhase adds the launcher state to an error.
func (e *EngineError) WithPhase(phase State) *EngineError {
	e.Phase = phase
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrorCode returns the code of the first *EngineError in err's chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsConfigurationError returns true if the error is a fatal configuration error.
func IsConfigurationError(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConfiguration
	}
	return false
}

// IsSchedulerSubmissionError returns true for errors absorbed from the scheduler.
func IsSchedulerSubmissionError(err error) bool {
	return HasCode(err, ErrCodeSchedulerFailed)
}

// IsSerializationError returns true for snapshot save failures.
func IsSerializationError(err error) bool {
	return HasCode(err, ErrCodeSerializationFailed)
}
