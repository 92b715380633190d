package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark grid scripts. A script either assigns
// a dict to the global "grid" or defines each entry as a public global.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// EvaluateGrid runs script and returns the grid entries it defines.
func (se *StarlarkEvaluator) EvaluateGrid(ctx context.Context, filename, script string) (map[string]any, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "gridlab",
		Print: func(_ *starlark.Thread, msg string) {},
	}

	type outcome struct {
		raw map[string]any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		raw, err := se.evaluateSync(thread, filename, script)
		done <- outcome{raw: raw, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return nil, fmt.Errorf("starlark execution timeout after %v", se.timeout)
	case out := <-done:
		return out.raw, out.err
	}
}

func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, filename, script string) (map[string]any, error) {
	predeclared := starlark.StringDict{
		"struct":      starlarkstruct.Default,
		"range":       starlark.NewBuiltin("range", builtinRange),
		"grid_search": starlark.NewBuiltin(KeyGridSearch, builtinGridSearch),
		"choice":      starlark.NewBuiltin(KeyChoice, builtinChoice),
		"uniform":     starlark.NewBuiltin(KeyUniform, builtinBounds),
		"loguniform":  starlark.NewBuiltin(KeyLogUniform, builtinBounds),
		"randint":     starlark.NewBuiltin(KeyRandInt, builtinBounds),
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	if g, ok := globals["grid"]; ok {
		v, err := fromStarlarkValue(g)
		if err != nil {
			return nil, fmt.Errorf("failed to convert grid: %w", err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("grid must be a dict, got %s", g.Type())
		}
		return m, nil
	}

	output := make(map[string]any)
	for name, val := range globals {
		// Skip private names and helper functions.
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}
	return output, nil
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// distribution builds the {kind: values} dict understood by NewGridSpec.
func distribution(kind string, values starlark.Value) (starlark.Value, error) {
	d := starlark.NewDict(1)
	if err := d.SetKey(starlark.String(kind), values); err != nil {
		return nil, err
	}
	return d, nil
}

// builtinGridSearch accepts grid_search([a, b]) or grid_search(a, b).
func builtinGridSearch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return valuesDistribution(b, args, kwargs)
}

func builtinChoice(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return valuesDistribution(b, args, kwargs)
}

func valuesDistribution(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: at least one value required", b.Name())
	}

	var values []starlark.Value
	if len(args) == 1 {
		if l, ok := args[0].(*starlark.List); ok {
			for i := 0; i < l.Len(); i++ {
				values = append(values, l.Index(i))
			}
			return distribution(b.Name(), starlark.NewList(values))
		}
	}
	values = append(values, args...)
	return distribution(b.Name(), starlark.NewList(values))
}

// builtinBounds implements uniform, loguniform and randint.
func builtinBounds(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var low, high starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "low", &low, "high", &high); err != nil {
		return nil, err
	}
	return distribution(b.Name(), starlark.NewList([]starlark.Value{low, high}))
}

// builtinRange implements the range() built-in function.
func builtinRange(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop, step int64 = 0, 0, 1

	switch len(args) {
	case 1:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "stop", &stop); err != nil {
			return nil, err
		}
	case 2:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop); err != nil {
			return nil, err
		}
	case 3:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop, "step", &step); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("range takes 1 to 3 arguments, got %d", len(args))
	}

	if step == 0 {
		return nil, fmt.Errorf("range step cannot be zero")
	}

	var list []starlark.Value
	if step > 0 {
		for i := start; i < stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	} else {
		for i := start; i > stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	}

	return starlark.NewList(list), nil
}
