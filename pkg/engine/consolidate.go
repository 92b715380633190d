package engine

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/openfroyo/gridlab/pkg/track"
)

// ConsolidationReport lists what Consolidate did.
type ConsolidationReport struct {
	// Runs are the per-run directories visited.
	Runs []string `json:"runs"`

	// Entries are the top-level entries moved into the destination.
	Entries []string `json:"entries,omitempty"`

	// Trials are the trial directories merged into <dest>/trials.
	Trials []string `json:"trials,omitempty"`
}

// Moved returns the number of moved entries.
func (r ConsolidationReport) Moved() int {
	return len(r.Entries) + len(r.Trials)
}

// Consolidate moves the output of every run under scratchRoot/experiment into
// dest. Entries of a run replace the entry of the same name in dest, except
// trials, whose members are merged into dest/trials one by one.
//
// A missing scratch root or experiment directory means there is nothing to
// move. Any entry of the experiment directory that is not a directory, and
// any run directory that cannot be read, fails the consolidation.
func Consolidate(scratchRoot, experiment, dest string) (ConsolidationReport, error) {
	var report ConsolidationReport

	root := filepath.Join(scratchRoot, experiment)
	runs, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, consolidationError(experiment, "failed to list runs", err)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return report, consolidationError(experiment, "failed to create destination", err)
	}

	for _, run := range runs {
		if !run.IsDir() {
			return report, consolidationError(experiment,
				fmt.Sprintf("run entry %s is not a directory", run.Name()), nil)
		}
		runDir := filepath.Join(root, run.Name())
		report.Runs = append(report.Runs, run.Name())

		entries, err := os.ReadDir(runDir)
		if err != nil {
			return report, consolidationError(experiment,
				fmt.Sprintf("failed to read run %s", run.Name()), err)
		}

		for _, entry := range entries {
			src := filepath.Join(runDir, entry.Name())

			if entry.Name() == track.TrialsDir && entry.IsDir() {
				merged, err := mergeTrials(src, filepath.Join(dest, track.TrialsDir))
				report.Trials = append(report.Trials, merged...)
				if err != nil {
					return report, consolidationError(experiment,
						fmt.Sprintf("failed to merge trials of run %s", run.Name()), err)
				}
				continue
			}

			if err := replace(src, filepath.Join(dest, entry.Name())); err != nil {
				return report, consolidationError(experiment,
					fmt.Sprintf("failed to move %s of run %s", entry.Name(), run.Name()), err)
			}
			report.Entries = append(report.Entries, entry.Name())
		}
	}

	return report, nil
}

func consolidationError(experiment, message string, err error) *EngineError {
	return NewExecutionError(ErrCodeConsolidationFailed, message, err).
		WithExperiment(experiment).
		WithPhase(StateConsolidating)
}

// mergeTrials moves every member of src into dst.
func mergeTrials(src, dst string) ([]string, error) {
	members, err := os.ReadDir(src)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, err
	}

	var moved []string
	for _, m := range members {
		if err := replace(filepath.Join(src, m.Name()), filepath.Join(dst, m.Name())); err != nil {
			return moved, err
		}
		moved = append(moved, m.Name())
	}
	return moved, nil
}

// replace moves src to dst, removing whatever dst held before.
func replace(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return move(src, dst)
}

// move renames src to dst, copying across filesystems.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if err := copyPath(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return err
	}
	return os.RemoveAll(src)
}

func copyPath(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
