package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Module is a loaded unit of registrable symbols. Symbols returns the
// module's own top-level values; Submodules exposes nested modules whose
// symbols are scanned one level deep.
type Module interface {
	Name() string
	Symbols() []any
	Submodules() []Module
}

// StaticModule is a Module assembled in Go code.
type StaticModule struct {
	ModuleName string
	Items      []any
	Children   []Module
}

// NewModule builds a StaticModule from its symbols.
func NewModule(name string, symbols ...any) *StaticModule {
	return &StaticModule{ModuleName: name, Items: symbols}
}

// WithSubmodules attaches nested modules and returns m.
func (m *StaticModule) WithSubmodules(children ...Module) *StaticModule {
	m.Children = append(m.Children, children...)
	return m
}

func (m *StaticModule) Name() string         { return m.ModuleName }
func (m *StaticModule) Symbols() []any       { return m.Items }
func (m *StaticModule) Submodules() []Module { return m.Children }

// Loader resolves a module identifier into a Module. Loaders that do not
// handle an identifier return an error wrapping ErrUnknownModule.
type Loader interface {
	Load(ctx context.Context, id string) (Module, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id string) (Module, error)

func (f LoaderFunc) Load(ctx context.Context, id string) (Module, error) {
	return f(ctx, id)
}

// StaticLoader serves modules compiled into the program.
type StaticLoader struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewStaticLoader creates a loader over the given modules, keyed by name.
func NewStaticLoader(modules ...Module) *StaticLoader {
	l := &StaticLoader{modules: make(map[string]Module)}
	for _, m := range modules {
		l.modules[m.Name()] = m
	}
	return l
}

// Add makes m loadable under its name.
func (l *StaticLoader) Add(m Module) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules[m.Name()] = m
}

func (l *StaticLoader) Load(_ context.Context, id string) (Module, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.modules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}
	return m, nil
}

// ChainLoader tries each loader in order and returns the first module found.
// A loader error other than ErrUnknownModule stops the chain.
type ChainLoader []Loader

func (c ChainLoader) Load(ctx context.Context, id string) (Module, error) {
	for _, l := range c {
		m, err := l.Load(ctx, id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrUnknownModule) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
}

// enumerate collects the top-level symbols of m and those of its direct
// submodules.
func enumerate(m Module) []any {
	symbols := append([]any(nil), m.Symbols()...)
	for _, sub := range m.Submodules() {
		if sub == nil {
			continue
		}
		symbols = append(symbols, sub.Symbols()...)
	}
	return symbols
}
