package track

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// TrialRecord is the tracked data of one trial.
type TrialRecord struct {
	ID      string           `json:"trial_id"`
	Params  map[string]any   `json:"params"`
	Results []map[string]any `json:"results"`
}

// Project is every trial recorded below an experiment directory.
type Project struct {
	Dir    string
	Trials []TrialRecord
}

// LoadProject reads the project at dir. When remote is set, the remote
// trials are pulled into dir first; a remote without trials is not an error.
func (s *Store) LoadProject(ctx context.Context, dir, remote string) (*Project, error) {
	if remote != "" {
		if err := s.pull(ctx, dir, remote); err != nil {
			return nil, err
		}
	}

	p, err := ReadProject(dir)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("dir", dir).
		Int("trials", len(p.Trials)).
		Msg("Project loaded")
	return p, nil
}

func (s *Store) pull(ctx context.Context, dir, remote string) error {
	mirror, err := s.mirrors(ctx, remote)
	if err != nil {
		return fmt.Errorf("failed to open mirror %s: %w", remote, err)
	}
	defer mirror.Close()

	err = mirror.Pull(ctx, TrialsDir, filepath.Join(dir, TrialsDir))
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug().Str("remote", remote).Msg("Remote has no trials")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to pull trials from %s: %w", remote, err)
	}
	return nil
}

// ReadProject reads the trials below dir/trials. A missing directory yields
// an empty project.
func ReadProject(dir string) (*Project, error) {
	p := &Project{Dir: dir}

	entries, err := os.ReadDir(filepath.Join(dir, TrialsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trials: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := readTrial(filepath.Join(dir, TrialsDir, e.Name()), e.Name())
		if err != nil {
			return nil, fmt.Errorf("trial %s: %w", e.Name(), err)
		}
		p.Trials = append(p.Trials, rec)
	}
	return p, nil
}

func readTrial(dir, id string) (TrialRecord, error) {
	rec := TrialRecord{ID: id, Params: map[string]any{}}

	data, err := os.ReadFile(filepath.Join(dir, ParamsFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return rec, err
	default:
		if err := json.Unmarshal(data, &rec.Params); err != nil {
			return rec, fmt.Errorf("invalid %s: %w", ParamsFile, err)
		}
	}

	f, err := os.Open(filepath.Join(dir, ResultsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return rec, fmt.Errorf("invalid %s row: %w", ResultsFile, err)
		}
		rec.Results = append(rec.Results, row)
	}
	return rec, scanner.Err()
}

// IDs returns the trial IDs in directory order.
func (p *Project) IDs() []string {
	ids := make([]string, len(p.Trials))
	for i, t := range p.Trials {
		ids[i] = t.ID
	}
	return ids
}

// Trial returns the record of trial id.
func (p *Project) Trial(id string) (TrialRecord, bool) {
	for _, t := range p.Trials {
		if t.ID == id {
			return t, true
		}
	}
	return TrialRecord{}, false
}

// Results returns every result row tagged with its trial_id.
func (p *Project) Results() []map[string]any {
	var rows []map[string]any
	for _, t := range p.Trials {
		for _, r := range t.Results {
			row := make(map[string]any, len(r)+1)
			for k, v := range r {
				row[k] = v
			}
			row["trial_id"] = t.ID
			rows = append(rows, row)
		}
	}
	return rows
}

// Flatten joins each trial's parameters onto its result rows. Parameters win
// over result columns of the same name; list and map parameters are rendered
// as JSON strings so every row holds scalar values.
func (p *Project) Flatten() []map[string]any {
	var rows []map[string]any
	for _, t := range p.Trials {
		params := make(map[string]any, len(t.Params)+1)
		for k, v := range t.Params {
			params[k] = flattenValue(v)
		}
		params["trial_id"] = t.ID

		for _, r := range t.Results {
			row := make(map[string]any, len(r)+len(params))
			for k, v := range r {
				row[k] = v
			}
			for k, v := range params {
				row[k] = v
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func flattenValue(v any) any {
	switch v.(type) {
	case []any, map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return v
	}
}

// Columns returns the sorted union of keys across rows.
func Columns(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
