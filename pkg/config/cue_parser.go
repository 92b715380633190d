package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CUEParser parses CUE grid files and validates them against the grid schema.
type CUEParser struct {
	mu     sync.Mutex
	ctx    *cue.Context
	grid   cue.Value
	dist   cue.Value
	schErr error
}

// NewCUEParser creates a new CUE parser with the built-in grid schema.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	cp := &CUEParser{ctx: ctx}

	schema := ctx.CompileString(gridSchema, cue.Filename("grid_schema.cue"))
	if err := schema.Err(); err != nil {
		cp.schErr = fmt.Errorf("failed to compile grid schema: %w", err)
		return cp
	}
	cp.grid = schema.LookupPath(cue.ParsePath("#Grid"))
	cp.dist = schema.LookupPath(cue.ParsePath("#Distribution"))
	return cp
}

// ParseGrid compiles a CUE grid and decodes it into raw entries.
func (cp *CUEParser) ParseGrid(filename string, data []byte) (map[string]any, error) {
	if cp.schErr != nil {
		return nil, cp.schErr
	}

	// cue.Context is not safe for concurrent use.
	cp.mu.Lock()
	defer cp.mu.Unlock()

	val := cp.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := cp.grid.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	iter, err := unified.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		fv := iter.Value()
		if !isDistribution(fv) {
			continue
		}
		if err := cp.dist.Unify(fv).Validate(cue.Concrete(true)); err != nil {
			return nil, fmt.Errorf("entry %s: %w", iter.Selector().Unquoted(), formatCUEError(err))
		}
	}

	var raw map[string]any
	if err := unified.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode grid: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// isDistribution reports whether v is a struct with a single distribution key.
func isDistribution(v cue.Value) bool {
	if v.Kind() != cue.StructKind {
		return false
	}
	iter, err := v.Fields()
	if err != nil {
		return false
	}
	var labels []string
	for iter.Next() {
		labels = append(labels, iter.Selector().Unquoted())
	}
	if len(labels) != 1 {
		return false
	}
	switch labels[0] {
	case KeyGridSearch, KeyChoice, KeyUniform, KeyLogUniform, KeyRandInt:
		return true
	}
	return false
}

// formatCUEError flattens CUE errors with their positions.
func formatCUEError(err error) error {
	var msgs []string
	for _, e := range errors.Errors(err) {
		msg := e.Error()
		if pos := e.Position(); pos.IsValid() {
			msg = fmt.Sprintf("%s: %s", pos, msg)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return err
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
