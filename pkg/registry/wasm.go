package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmConfig configures the runtimes created by a WasmLoader.
type WasmConfig struct {
	// MemoryLimitPages caps module memory in 64KB pages. Default is 256 (16MB).
	MemoryLimitPages uint32
}

// WasmLoader loads WebAssembly modules from identifiers ending in .wasm.
// Every exported function becomes a factory producing a *WasmFunction.
type WasmLoader struct {
	mu       sync.Mutex
	baseDir  string
	config   WasmConfig
	runtimes []wazero.Runtime
}

// NewWasmLoader creates a loader rooted at baseDir.
func NewWasmLoader(baseDir string, cfg WasmConfig) *WasmLoader {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	return &WasmLoader{baseDir: baseDir, config: cfg}
}

func (l *WasmLoader) Load(ctx context.Context, id string) (Module, error) {
	if strings.ToLower(filepath.Ext(id)) != ".wasm" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}

	path := id
	if !filepath.IsAbs(path) && l.baseDir != "" {
		path = filepath.Join(l.baseDir, path)
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(id), filepath.Ext(id))
	return l.LoadBytes(ctx, name, code)
}

// LoadBytes compiles and instantiates code as a module called name.
func (l *WasmLoader) LoadBytes(ctx context.Context, name string, code []byte) (Module, error) {
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(l.config.MemoryLimitPages)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, code)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	mod, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	l.mu.Lock()
	l.runtimes = append(l.runtimes, runtime)
	l.mu.Unlock()

	exports := compiled.ExportedFunctions()
	names := make([]string, 0, len(exports))
	for export := range exports {
		names = append(names, export)
	}
	sort.Strings(names)

	wm := &StaticModule{ModuleName: name}
	for _, export := range names {
		fn := &WasmFunction{name: export, def: exports[export], fn: mod.ExportedFunction(export)}
		wm.Items = append(wm.Items, NewFactory(export, func(Params) (any, error) {
			return fn, nil
		}))
	}
	return wm, nil
}

// Close releases every runtime created by the loader.
func (l *WasmLoader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, rt := range l.runtimes {
		if err := rt.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.runtimes = nil
	return firstErr
}

// WasmFunction is an exported WebAssembly function with numeric arguments.
type WasmFunction struct {
	name string
	def  api.FunctionDefinition
	fn   api.Function
}

// Name returns the export name.
func (w *WasmFunction) Name() string { return w.name }

// Arity returns the number of parameters.
func (w *WasmFunction) Arity() int { return len(w.def.ParamTypes()) }

// Call invokes the function, converting arguments and results according to
// the declared value types.
func (w *WasmFunction) Call(ctx context.Context, args ...float64) ([]float64, error) {
	params := w.def.ParamTypes()
	if len(args) != len(params) {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", w.name, len(params), len(args))
	}

	stack := make([]uint64, len(args))
	for i, a := range args {
		switch params[i] {
		case api.ValueTypeI32:
			stack[i] = api.EncodeI32(int32(a))
		case api.ValueTypeI64:
			stack[i] = api.EncodeI64(int64(a))
		case api.ValueTypeF32:
			stack[i] = api.EncodeF32(float32(a))
		case api.ValueTypeF64:
			stack[i] = api.EncodeF64(a)
		default:
			return nil, fmt.Errorf("%s: unsupported parameter type %s", w.name, api.ValueTypeName(params[i]))
		}
	}

	raw, err := w.fn.Call(ctx, stack...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", w.name, err)
	}

	results := w.def.ResultTypes()
	out := make([]float64, len(raw))
	for i, v := range raw {
		switch results[i] {
		case api.ValueTypeI32:
			out[i] = float64(api.DecodeI32(v))
		case api.ValueTypeI64:
			out[i] = float64(int64(v))
		case api.ValueTypeF32:
			out[i] = float64(api.DecodeF32(v))
		case api.ValueTypeF64:
			out[i] = api.DecodeF64(v)
		default:
			return nil, fmt.Errorf("%s: unsupported result type %s", w.name, api.ValueTypeName(results[i]))
		}
	}
	return out, nil
}
