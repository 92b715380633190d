package config

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Distribution keys recognised in grid files. An entry whose value is a map
// with exactly one of these keys is a search dimension; anything else is a
// constant passed to every trial unchanged.
const (
	KeyGridSearch = "grid_search"
	KeyChoice     = "choice"
	KeyUniform    = "uniform"
	KeyLogUniform = "loguniform"
	KeyRandInt    = "randint"
)

// Distribution is a search dimension of a grid.
type Distribution interface {
	// Kind is the distribution key, e.g. "grid_search".
	Kind() string
}

// Sampler is a distribution drawn once per sample.
type Sampler interface {
	Distribution
	Sample(r *rand.Rand) any
}

// GridSearch enumerates every value; grid dimensions form a cartesian product.
type GridSearch struct {
	Values []any `json:"grid_search"`
}

func (GridSearch) Kind() string { return KeyGridSearch }

// Choice picks one of Values uniformly.
type Choice struct {
	Values []any `json:"choice"`
}

func (Choice) Kind() string { return KeyChoice }

func (c Choice) Sample(r *rand.Rand) any {
	return c.Values[r.Intn(len(c.Values))]
}

// Uniform draws a float in [Low, High).
type Uniform struct {
	Low  float64
	High float64
}

func (Uniform) Kind() string { return KeyUniform }

func (u Uniform) Sample(r *rand.Rand) any {
	return u.Low + r.Float64()*(u.High-u.Low)
}

// LogUniform draws a float whose logarithm is uniform in [log Low, log High).
type LogUniform struct {
	Low  float64
	High float64
}

func (LogUniform) Kind() string { return KeyLogUniform }

func (l LogUniform) Sample(r *rand.Rand) any {
	lo, hi := math.Log(l.Low), math.Log(l.High)
	return math.Exp(lo + r.Float64()*(hi-lo))
}

// RandInt draws an integer in [Low, High).
type RandInt struct {
	Low  int
	High int
}

func (RandInt) Kind() string { return KeyRandInt }

func (ri RandInt) Sample(r *rand.Rand) any {
	return ri.Low + r.Intn(ri.High-ri.Low)
}

// Axis is a named search dimension.
type Axis struct {
	Key  string
	Dist Distribution
}

// GridSpec is a parsed grid file: constants shared by every trial and the
// search dimensions, sorted by key.
type GridSpec struct {
	// Source is the file the grid was loaded from.
	Source string

	Constants map[string]any
	Axes      []Axis
}

// NewGridSpec classifies raw entries into constants and axes.
func NewGridSpec(source string, raw map[string]any) (*GridSpec, error) {
	g := &GridSpec{
		Source:    source,
		Constants: make(map[string]any),
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		dist, ok, err := parseDistribution(raw[key])
		if err != nil {
			return nil, fmt.Errorf("grid entry %s: %w", key, err)
		}
		if !ok {
			g.Constants[key] = raw[key]
			continue
		}
		g.Axes = append(g.Axes, Axis{Key: key, Dist: dist})
	}
	return g, nil
}

// parseDistribution recognises a single-key distribution map.
func parseDistribution(v any) (Distribution, bool, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, false, nil
	}

	for kind, arg := range m {
		switch kind {
		case KeyGridSearch:
			values, err := asList(arg)
			if err != nil {
				return nil, true, err
			}
			if len(values) == 0 {
				return nil, true, fmt.Errorf("grid_search needs at least one value")
			}
			return GridSearch{Values: values}, true, nil
		case KeyChoice:
			values, err := asList(arg)
			if err != nil {
				return nil, true, err
			}
			if len(values) == 0 {
				return nil, true, fmt.Errorf("choice needs at least one value")
			}
			return Choice{Values: values}, true, nil
		case KeyUniform, KeyLogUniform:
			lo, hi, err := asBounds(arg)
			if err != nil {
				return nil, true, fmt.Errorf("%s: %w", kind, err)
			}
			if kind == KeyLogUniform {
				if lo <= 0 {
					return nil, true, fmt.Errorf("loguniform bounds must be positive")
				}
				return LogUniform{Low: lo, High: hi}, true, nil
			}
			return Uniform{Low: lo, High: hi}, true, nil
		case KeyRandInt:
			lo, hi, err := asBounds(arg)
			if err != nil {
				return nil, true, fmt.Errorf("randint: %w", err)
			}
			if lo != math.Trunc(lo) || hi != math.Trunc(hi) {
				return nil, true, fmt.Errorf("randint bounds must be integers")
			}
			return RandInt{Low: int(lo), High: int(hi)}, true, nil
		}
	}
	return nil, false, nil
}

func asList(v any) ([]any, error) {
	switch l := v.(type) {
	case []any:
		return l, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}

func asBounds(v any) (float64, float64, error) {
	l, err := asList(v)
	if err != nil {
		return 0, 0, err
	}
	if len(l) != 2 {
		return 0, 0, fmt.Errorf("expected [low, high], got %d values", len(l))
	}
	lo, err := asFloat(l[0])
	if err != nil {
		return 0, 0, err
	}
	hi, err := asFloat(l[1])
	if err != nil {
		return 0, 0, err
	}
	if hi <= lo {
		return 0, 0, fmt.Errorf("high %v must exceed low %v", hi, lo)
	}
	return lo, hi, nil
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// GridSize is the number of grid_search combinations.
func (g *GridSpec) GridSize() int {
	n := 1
	for _, a := range g.Axes {
		if gs, ok := a.Dist.(GridSearch); ok {
			n *= len(gs.Values)
		}
	}
	return n
}

// Size is the number of variants produced for numSamples repetitions.
func (g *GridSpec) Size(numSamples int) int {
	if numSamples < 1 {
		numSamples = 1
	}
	return g.GridSize() * numSamples
}

// Raw renders the grid back into its file representation.
func (g *GridSpec) Raw() map[string]any {
	out := make(map[string]any, len(g.Constants)+len(g.Axes))
	for k, v := range g.Constants {
		out[k] = v
	}
	for _, a := range g.Axes {
		switch d := a.Dist.(type) {
		case GridSearch:
			out[a.Key] = map[string]any{KeyGridSearch: d.Values}
		case Choice:
			out[a.Key] = map[string]any{KeyChoice: d.Values}
		case Uniform:
			out[a.Key] = map[string]any{KeyUniform: []any{d.Low, d.High}}
		case LogUniform:
			out[a.Key] = map[string]any{KeyLogUniform: []any{d.Low, d.High}}
		case RandInt:
			out[a.Key] = map[string]any{KeyRandInt: []any{d.Low, d.High}}
		}
	}
	return out
}
