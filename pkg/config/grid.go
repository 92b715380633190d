package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GridLoader parses grid files. The format follows the file extension:
// .yaml, .yml and .json are read as YAML, .cue as CUE and .star as Starlark.
type GridLoader struct {
	cue      *CUEParser
	starlark *StarlarkEvaluator
}

// NewGridLoader creates a grid loader. Starlark evaluation is bounded by timeout.
func NewGridLoader(timeout time.Duration) *GridLoader {
	return &GridLoader{
		cue:      NewCUEParser(),
		starlark: NewStarlarkEvaluator(timeout),
	}
}

// LoadGrid parses path with a default GridLoader.
func LoadGrid(ctx context.Context, path string) (*GridSpec, error) {
	return NewGridLoader(0).Load(ctx, path)
}

// Load reads and parses a grid file.
func (gl *GridLoader) Load(ctx context.Context, path string) (*GridSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read grid file: %w", err)
	}

	var raw map[string]any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		raw, err = parseYAMLGrid(data)
	case ".cue":
		raw, err = gl.cue.ParseGrid(path, data)
	case ".star":
		raw, err = gl.starlark.EvaluateGrid(ctx, path, string(data))
	default:
		return nil, fmt.Errorf("unsupported grid file extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse grid file %s: %w", path, err)
	}

	return NewGridSpec(path, raw)
}

func parseYAMLGrid(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}
