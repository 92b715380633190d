// Package scheduler runs the trials of a grid sweep.
//
// A Scheduler attaches to a Cluster, knows a set of named Trainables, and
// turns an ExperimentSpec into trials: one per variant of the grid, each with
// its own scratch directory under ScratchRoot. LocalScheduler runs them
// in-process with a worker pool sized by the cluster capacity and the
// per-trial resources.
package scheduler
