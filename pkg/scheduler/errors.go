package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrClusterUnavailable is returned by Init for clusters the scheduler
	// cannot attach to.
	ErrClusterUnavailable = errors.New("cluster unavailable")

	// ErrNotInitialized is returned by Submit before Init.
	ErrNotInitialized = errors.New("scheduler not initialized")

	// ErrUnknownTrainable is returned by Submit for unregistered trainables.
	ErrUnknownTrainable = errors.New("unknown trainable")
)

// TrialError describes a failed trial.
type TrialError struct {
	TrialID string
	Tag     string
	Panic   bool
	Err     error
}

func (e *TrialError) Error() string {
	if e.Panic {
		return fmt.Sprintf("trial %s panicked: %v", e.TrialID, e.Err)
	}
	return fmt.Sprintf("trial %s failed: %v", e.TrialID, e.Err)
}

func (e *TrialError) Unwrap() error {
	return e.Err
}

// ExperimentError is returned by Wait when trials failed.
type ExperimentError struct {
	Experiment string
	Total      int
	Failed     []*TrialError
}

func (e *ExperimentError) Error() string {
	msg := fmt.Sprintf("experiment %s: %d of %d trials failed", e.Experiment, len(e.Failed), e.Total)
	if len(e.Failed) > 0 {
		msg += ": " + e.Failed[0].Error()
	}
	return msg
}

func (e *ExperimentError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errs
}
