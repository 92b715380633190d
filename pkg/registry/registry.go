package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WarningHandler receives the non-fatal registry warnings.
type WarningHandler func(warning error)

// BuildHook observes every Build call with its outcome.
type BuildHook func(category, name string, err error)

// Registry maps names to constructors for one category (models, datasets,
// optimizers, ...). Lookups consult the custom table first and the default
// namespace second.
type Registry struct {
	// mu protects table.
	mu sync.RWMutex

	category string
	table    *Table
	defaults Namespace
	loader   Loader
	warn     WarningHandler
	onBuild  BuildHook
	logger   zerolog.Logger
}

// Option configures a Registry or a Catalog.
type Option func(*options)

type options struct {
	loader     Loader
	warn       WarningHandler
	onBuild    BuildHook
	logger     *zerolog.Logger
	namespaces map[string]Namespace
}

// WithLoader sets the loader used by RegisterModule.
func WithLoader(l Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithWarningHandler replaces the default handler, which logs warnings.
func WithWarningHandler(h WarningHandler) Option {
	return func(o *options) { o.warn = h }
}

// WithBuildHook installs a hook called after every Build.
func WithBuildHook(h BuildHook) Option {
	return func(o *options) { o.onBuild = h }
}

// WithLogger sets the logger; a "registry" component logger is derived from it.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// WithNamespace sets the default namespace of a category.
func WithNamespace(category string, ns Namespace) Option {
	return func(o *options) {
		if o.namespaces == nil {
			o.namespaces = make(map[string]Namespace)
		}
		o.namespaces[category] = ns
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New creates the registry of a single category.
func New(category string, opts ...Option) *Registry {
	return newRegistry(category, buildOptions(opts))
}

func newRegistry(category string, o *options) *Registry {
	base := log.Logger
	if o.logger != nil {
		base = *o.logger
	}
	logger := base.With().Str("component", "registry").Str("category", category).Logger()

	r := &Registry{
		category: category,
		table:    NewTable(),
		defaults: o.namespaces[category],
		loader:   o.loader,
		warn:     o.warn,
		onBuild:  o.onBuild,
		logger:   logger,
	}
	if r.warn == nil {
		r.warn = func(w error) {
			r.logger.Warn().Err(w).Msg("registry warning")
		}
	}
	return r
}

// Category returns the category name.
func (r *Registry) Category() string {
	return r.category
}

// RegisterCallable registers ctor under its own identifier and returns that
// name. A name that is already registered is kept unless override is set; in
// that case a DuplicateRegistrationWarning is emitted and nothing changes.
func (r *Registry) RegisterCallable(ctor any, override bool) (string, error) {
	f, err := asFactory(ctor)
	if err != nil {
		return "", &InvalidCallableError{
			Category: r.category,
			Value:    describe(ctor),
			Reason:   err.Error(),
		}
	}

	f = r.adopt(f)
	if !r.put(f, override) {
		r.warn(&DuplicateRegistrationWarning{Category: r.category, Name: f.Name()})
		return f.Name(), nil
	}

	r.logger.Debug().Str("name", f.Name()).Bool("override", override).Msg("Callable registered")
	return f.Name(), nil
}

// put stores f and reports whether the table changed.
func (r *Registry) put(f Factory, override bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.table.Get(f.Name()); exists && !override {
		return false
	}
	r.table.Put(f)
	return true
}

// RegisterModule loads the module identified by id and registers every
// callable it defines, plus those of its direct submodules, with the given
// override flag. It returns the names that were registered.
//
// A module already scanned is skipped unless override is set. Load failures
// are reported as a ModuleLoadWarning and leave the module unscanned so a
// later call can retry.
func (r *Registry) RegisterModule(ctx context.Context, id string, override bool) []string {
	r.mu.RLock()
	scanned := r.table.Scanned(id)
	r.mu.RUnlock()
	if scanned && !override {
		r.logger.Debug().Str("module", id).Msg("Module already scanned")
		return nil
	}

	factories, err := r.scan(ctx, id)
	if err != nil {
		r.warn(&ModuleLoadWarning{Category: r.category, Module: id, Err: err})
		return []string{}
	}

	registered := make([]string, 0, len(factories))
	var duplicates []error
	r.mu.Lock()
	for _, f := range factories {
		if _, exists := r.table.Get(f.Name()); exists && !override {
			duplicates = append(duplicates, &DuplicateRegistrationWarning{Category: r.category, Name: f.Name()})
			continue
		}
		r.table.Put(f)
		registered = append(registered, f.Name())
	}
	r.table.MarkScanned(id)
	r.mu.Unlock()

	for _, w := range duplicates {
		r.warn(w)
	}
	if len(factories) == 0 {
		r.warn(&EmptyModuleWarning{Category: r.category, Module: id})
	}

	r.logger.Info().
		Str("module", id).
		Int("registered", len(registered)).
		Int("found", len(factories)).
		Msg("Module scanned")

	return registered
}

// scan loads a module and keeps the symbols that satisfy the callable
// capability. Panics raised while enumerating are reported as errors.
func (r *Registry) scan(ctx context.Context, id string) (factories []Factory, err error) {
	if r.loader == nil {
		return nil, fmt.Errorf("no module loader configured")
	}

	defer func() {
		if p := recover(); p != nil {
			factories = nil
			err = fmt.Errorf("enumerating module: %v", p)
		}
	}()

	m, err := r.loader.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, sym := range enumerate(m) {
		f, ferr := asFactory(sym)
		if ferr != nil {
			continue
		}
		factories = append(factories, r.adopt(f))
	}
	return factories, nil
}

// adopt binds factories that resolve entries of this registry.
func (r *Registry) adopt(f Factory) Factory {
	if b, ok := f.(binder); ok {
		return b.bind(r)
	}
	return f
}

// Build resolves name in the custom table, then in the default namespace,
// and invokes the constructor with params.
func (r *Registry) Build(name string, params Params) (any, error) {
	r.mu.RLock()
	f, ok := r.table.Get(name)
	r.mu.RUnlock()

	var (
		v   any
		err error
	)
	switch {
	case ok:
		v, err = f.New(params.Clone())
	default:
		ctor, found := r.defaults[name]
		if !found {
			err = &UnregisteredNameError{Category: r.category, Name: name}
			r.observe(name, err)
			return nil, err
		}
		v, err = ctor(params.Clone())
	}

	if err != nil {
		err = fmt.Errorf("build %s %q: %w", r.category, name, err)
	}
	r.observe(name, err)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Registry) custom(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.Get(name)
}

// BuildDefault resolves name in the default namespace only.
func (r *Registry) BuildDefault(name string, params Params) (any, error) {
	ctor, found := r.defaults[name]
	if !found {
		err := &UnregisteredNameError{Category: r.category, Name: name}
		r.observe(name, err)
		return nil, err
	}
	v, err := ctor(params.Clone())
	if err != nil {
		err = fmt.Errorf("build default %s %q: %w", r.category, name, err)
	}
	r.observe(name, err)
	return v, err
}

func (r *Registry) observe(name string, err error) {
	if r.onBuild != nil {
		r.onBuild(r.category, name, err)
	}
}

// Has reports whether name resolves in either tier.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.table.Get(name)
	r.mu.RUnlock()
	if ok {
		return true
	}
	_, ok = r.defaults[name]
	return ok
}

// Names returns the custom registrations in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.Names()
}

// DefaultNames returns the names of the default namespace in sorted order.
func (r *Registry) DefaultNames() []string {
	names := make([]string, 0, len(r.defaults))
	for name := range r.defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scanned reports whether module id has been scanned successfully.
func (r *Registry) Scanned(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.Scanned(id)
}

// BuildAs builds name and asserts the result to T.
func BuildAs[T any](r *Registry, name string, params Params) (T, error) {
	var zero T
	v, err := r.Build(name, params)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("build %s %q: got %T, want %T", r.category, name, v, zero)
	}
	return t, nil
}
