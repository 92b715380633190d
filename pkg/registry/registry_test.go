package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type widget struct {
	size  int
	label string
}

func Widget(p Params) (*widget, error) {
	size, err := p.Int("size", 1)
	if err != nil {
		return nil, err
	}
	label, err := p.String("label", "default")
	if err != nil {
		return nil, err
	}
	return &widget{size: size, label: label}, nil
}

func Gadget(p Params) string {
	name, _ := p.String("name", "gadget")
	return name
}

func Broken(Params) (any, error) {
	return nil, errors.New("boom")
}

// NotACallable has the wrong signature.
func NotACallable(size int) int { return size }

type recorder struct {
	mu       sync.Mutex
	warnings []error
}

func (r *recorder) handle(w error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.warnings)
}

func (r *recorder) last() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.warnings) == 0 {
		return nil
	}
	return r.warnings[len(r.warnings)-1]
}

func TestRegisterCallableAndBuild(t *testing.T) {
	r := New("models")

	name, err := r.RegisterCallable(Widget, false)
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if name != "Widget" {
		t.Errorf("Expected name 'Widget', got '%s'", name)
	}

	w, err := BuildAs[*widget](r, "Widget", Params{"size": 3, "label": "x"})
	if err != nil {
		t.Fatalf("failed to build: %v", err)
	}
	if w.size != 3 || w.label != "x" {
		t.Errorf("Expected widget{3, x}, got %+v", w)
	}

	name, err = r.RegisterCallable(Gadget, false)
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	v, err := r.Build(name, Params{"name": "g1"})
	if err != nil {
		t.Fatalf("failed to build: %v", err)
	}
	if v.(string) != "g1" {
		t.Errorf("Expected 'g1', got %v", v)
	}
}

func TestRegisterCallableNames(t *testing.T) {
	b := &builder{}
	tests := []struct {
		name     string
		ctor     any
		expected string
	}{
		{name: "function", ctor: Widget, expected: "Widget"},
		{name: "method value", ctor: b.Build, expected: "Build"},
		{name: "factory", ctor: NewFactory("custom", func(Params) (any, error) { return 1, nil }), expected: "custom"},
		{name: "generic", ctor: Typed[int], expected: "Typed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New("models")
			got, err := r.RegisterCallable(tt.ctor, false)
			if err != nil {
				t.Fatalf("failed to register: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected name '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

type builder struct{}

func (b *builder) Build(Params) (any, error) { return b, nil }

func Typed[T any](Params) (T, error) {
	var zero T
	return zero, nil
}

// nestedConstructor returns a closure declared inside another closure.
func nestedConstructor() func(Params) (any, error) {
	outer := func() func(Params) (any, error) {
		return func(Params) (any, error) { return nil, nil }
	}
	return outer()
}

func TestRegisterCallableRejectsInvalid(t *testing.T) {
	r := New("models")

	tests := []struct {
		name  string
		value any
	}{
		{name: "nil", value: nil},
		{name: "string", value: "Widget"},
		{name: "struct", value: widget{}},
		{name: "wrong signature", value: NotACallable},
		{name: "anonymous", value: func(Params) (any, error) { return nil, nil }},
		{name: "nested anonymous", value: nestedConstructor()},
		{name: "empty factory name", value: NewFactory("", func(Params) (any, error) { return nil, nil })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.RegisterCallable(tt.value, false)
			var invalid *InvalidCallableError
			if !errors.As(err, &invalid) {
				t.Fatalf("Expected InvalidCallableError, got %v", err)
			}
			if invalid.Category != "models" {
				t.Errorf("Expected category 'models', got '%s'", invalid.Category)
			}
		})
	}

	if len(r.Names()) != 0 {
		t.Errorf("Expected no registrations, got %v", r.Names())
	}
}

func TestRegisterCallableOverride(t *testing.T) {
	rec := &recorder{}
	r := New("models", WithWarningHandler(rec.handle))

	if _, err := r.RegisterCallable(NewFactory("net", func(Params) (any, error) { return "old", nil }), false); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	// Without override the first constructor stays.
	if _, err := r.RegisterCallable(NewFactory("net", func(Params) (any, error) { return "new", nil }), false); err != nil {
		t.Fatalf("failed to register duplicate: %v", err)
	}
	v, _ := r.Build("net", nil)
	if v != "old" {
		t.Errorf("Expected 'old' after duplicate registration, got %v", v)
	}
	var dup *DuplicateRegistrationWarning
	if !errors.As(rec.last(), &dup) || dup.Name != "net" {
		t.Errorf("Expected DuplicateRegistrationWarning for 'net', got %v", rec.last())
	}

	// With override it is replaced.
	if _, err := r.RegisterCallable(NewFactory("net", func(Params) (any, error) { return "new", nil }), true); err != nil {
		t.Fatalf("failed to override: %v", err)
	}
	v, _ = r.Build("net", nil)
	if v != "new" {
		t.Errorf("Expected 'new' after override, got %v", v)
	}
	if rec.count() != 1 {
		t.Errorf("Expected 1 warning, got %d", rec.count())
	}
}

func TestBuildTwoTierLookup(t *testing.T) {
	defaults := Namespace{
		"LeNet": func(Params) (any, error) { return "builtin", nil },
		"MLP":   func(Params) (any, error) { return "mlp", nil },
	}
	r := New("models", WithNamespace("models", defaults))

	v, err := r.Build("LeNet", nil)
	if err != nil {
		t.Fatalf("failed to build default: %v", err)
	}
	if v != "builtin" {
		t.Errorf("Expected 'builtin', got %v", v)
	}

	if _, err := r.RegisterCallable(NewFactory("LeNet", func(Params) (any, error) { return "custom", nil }), false); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	v, _ = r.Build("LeNet", nil)
	if v != "custom" {
		t.Errorf("Expected custom entry to shadow the default, got %v", v)
	}
	v, _ = r.BuildDefault("LeNet", nil)
	if v != "builtin" {
		t.Errorf("Expected BuildDefault to skip the custom table, got %v", v)
	}

	if !r.Has("MLP") || !r.Has("LeNet") || r.Has("ResNet") {
		t.Error("Has returned unexpected results")
	}
	if got := r.DefaultNames(); len(got) != 2 || got[0] != "LeNet" {
		t.Errorf("Expected sorted default names, got %v", got)
	}
}

func TestBuildUnregisteredEveryCategory(t *testing.T) {
	catalog := NewCatalog(
		WithNamespace("models", Namespace{}),
		WithNamespace("datasets", Namespace{}),
		WithNamespace("optimizers", Namespace{}),
	)

	for _, category := range catalog.Categories() {
		t.Run(category, func(t *testing.T) {
			_, err := catalog.Category(category).Build("doesNotExist", nil)
			var unregistered *UnregisteredNameError
			if !errors.As(err, &unregistered) {
				t.Fatalf("Expected UnregisteredNameError, got %v", err)
			}
			if unregistered.Category != category || unregistered.Name != "doesNotExist" {
				t.Errorf("Unexpected error fields: %+v", unregistered)
			}
			if !IsUnregistered(err) {
				t.Error("Expected IsUnregistered to be true")
			}
		})
	}
}

func TestBuildWrapsConstructorError(t *testing.T) {
	var hooked []string
	r := New("models", WithBuildHook(func(category, name string, err error) {
		hooked = append(hooked, fmt.Sprintf("%s/%s/%v", category, name, err != nil))
	}))
	if _, err := r.RegisterCallable(Broken, false); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	_, err := r.Build("Broken", nil)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if IsUnregistered(err) {
		t.Error("Constructor failure must not look like an unregistered name")
	}
	if len(hooked) != 1 || hooked[0] != "models/Broken/true" {
		t.Errorf("Unexpected build hook calls: %v", hooked)
	}
}

func TestBuildDoesNotShareParams(t *testing.T) {
	r := New("models")
	if _, err := r.RegisterCallable(NewFactory("mutator", func(p Params) (any, error) {
		p["mutated"] = true
		return nil, nil
	}), false); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	params := Params{"lr": 0.1}
	if _, err := r.Build("mutator", params); err != nil {
		t.Fatalf("failed to build: %v", err)
	}
	if params.Has("mutated") {
		t.Error("Expected caller params to be untouched")
	}
}

func TestRegisterModule(t *testing.T) {
	ctx := context.Background()

	t.Run("collects top level and direct submodules", func(t *testing.T) {
		rec := &recorder{}
		nested := NewModule("deep", NewFactory("Deep", func(Params) (any, error) { return nil, nil }))
		child := NewModule("models.extra", Gadget).WithSubmodules(nested)
		root := NewModule("models", Widget, "not callable", 42).WithSubmodules(child)

		r := New("models", WithLoader(NewStaticLoader(root)), WithWarningHandler(rec.handle))
		names := r.RegisterModule(ctx, "models", false)

		if len(names) != 2 || names[0] != "Widget" || names[1] != "Gadget" {
			t.Errorf("Expected [Widget Gadget], got %v", names)
		}
		if r.Has("Deep") {
			t.Error("Expected grandchild symbols to be ignored")
		}
		if !r.Scanned("models") {
			t.Error("Expected module to be marked scanned")
		}
		if rec.count() != 0 {
			t.Errorf("Expected no warnings, got %v", rec.warnings)
		}
	})

	t.Run("skips already scanned module", func(t *testing.T) {
		r := New("models", WithLoader(NewStaticLoader(NewModule("models", Widget))))
		r.RegisterModule(ctx, "models", false)

		if names := r.RegisterModule(ctx, "models", false); names != nil {
			t.Errorf("Expected nil on rescan, got %v", names)
		}
		if names := r.RegisterModule(ctx, "models", true); len(names) != 1 {
			t.Errorf("Expected override rescan to register again, got %v", names)
		}
	})

	t.Run("duplicates without override are not returned", func(t *testing.T) {
		rec := &recorder{}
		r := New("models", WithLoader(NewStaticLoader(NewModule("models", Widget, Gadget))), WithWarningHandler(rec.handle))
		if _, err := r.RegisterCallable(Widget, false); err != nil {
			t.Fatalf("failed to register: %v", err)
		}

		names := r.RegisterModule(ctx, "models", false)
		if len(names) != 1 || names[0] != "Gadget" {
			t.Errorf("Expected [Gadget], got %v", names)
		}
		var dup *DuplicateRegistrationWarning
		if !errors.As(rec.last(), &dup) {
			t.Errorf("Expected a duplicate warning, got %v", rec.last())
		}
	})

	t.Run("empty module warns", func(t *testing.T) {
		rec := &recorder{}
		r := New("models", WithLoader(NewStaticLoader(NewModule("empty", "x"))), WithWarningHandler(rec.handle))

		names := r.RegisterModule(ctx, "empty", false)
		if len(names) != 0 {
			t.Errorf("Expected no names, got %v", names)
		}
		var empty *EmptyModuleWarning
		if !errors.As(rec.last(), &empty) || empty.Module != "empty" {
			t.Errorf("Expected EmptyModuleWarning, got %v", rec.last())
		}
	})

	t.Run("load failure warns and leaves module unscanned", func(t *testing.T) {
		rec := &recorder{}
		r := New("models", WithLoader(NewStaticLoader()), WithWarningHandler(rec.handle))

		names := r.RegisterModule(ctx, "missing", false)
		if len(names) != 0 {
			t.Errorf("Expected no names, got %v", names)
		}
		var load *ModuleLoadWarning
		if !errors.As(rec.last(), &load) {
			t.Fatalf("Expected ModuleLoadWarning, got %v", rec.last())
		}
		if !errors.Is(load, ErrUnknownModule) {
			t.Errorf("Expected wrapped ErrUnknownModule, got %v", load.Err)
		}
		if r.Scanned("missing") {
			t.Error("Expected failed module to stay unscanned")
		}
		if !IsWarning(rec.last()) {
			t.Error("Expected IsWarning to be true")
		}
	})

	t.Run("panicking loader is contained", func(t *testing.T) {
		rec := &recorder{}
		loader := LoaderFunc(func(context.Context, string) (Module, error) {
			panic("import side effect")
		})
		r := New("models", WithLoader(loader), WithWarningHandler(rec.handle))

		if names := r.RegisterModule(ctx, "bad", false); len(names) != 0 {
			t.Errorf("Expected no names, got %v", names)
		}
		var load *ModuleLoadWarning
		if !errors.As(rec.last(), &load) {
			t.Errorf("Expected ModuleLoadWarning, got %v", rec.last())
		}
	})

	t.Run("no loader", func(t *testing.T) {
		rec := &recorder{}
		r := New("models", WithWarningHandler(rec.handle))
		r.RegisterModule(ctx, "anything", false)
		if rec.count() != 1 {
			t.Errorf("Expected 1 warning, got %d", rec.count())
		}
	})
}

func TestChainLoader(t *testing.T) {
	ctx := context.Background()
	first := NewStaticLoader(NewModule("a", Widget))
	second := NewStaticLoader(NewModule("b", Gadget))
	chain := ChainLoader{first, second}

	m, err := chain.Load(ctx, "b")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if m.Name() != "b" {
		t.Errorf("Expected module 'b', got '%s'", m.Name())
	}

	if _, err := chain.Load(ctx, "c"); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("Expected ErrUnknownModule, got %v", err)
	}

	failing := LoaderFunc(func(context.Context, string) (Module, error) {
		return nil, errors.New("disk on fire")
	})
	if _, err := (ChainLoader{failing, second}).Load(ctx, "b"); err == nil || errors.Is(err, ErrUnknownModule) {
		t.Errorf("Expected the chain to stop at a hard failure, got %v", err)
	}
}

func TestCatalogSharesOptions(t *testing.T) {
	rec := &recorder{}
	catalog := NewCatalog(WithWarningHandler(rec.handle), WithNamespace("models", Namespace{}))

	reg := catalog.Category("losses")
	if reg != catalog.Category("losses") {
		t.Error("Expected the same registry for repeated lookups")
	}
	if _, err := reg.RegisterCallable(Widget, false); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if _, err := reg.RegisterCallable(Widget, false); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("Expected the shared handler to receive 1 warning, got %d", rec.count())
	}

	cats := catalog.Categories()
	if len(cats) != 2 || cats[0] != "losses" || cats[1] != "models" {
		t.Errorf("Expected [losses models], got %v", cats)
	}
	if catalog.Category("models").Has("Widget") {
		t.Error("Expected categories to be independent")
	}
}

func TestConcurrentRegisterAndBuild(t *testing.T) {
	r := New("models")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("m%d", i)
			if _, err := r.RegisterCallable(NewFactory(name, func(Params) (any, error) { return i, nil }), false); err != nil {
				t.Errorf("failed to register %s: %v", name, err)
				return
			}
			v, err := r.Build(name, nil)
			if err != nil || v != i {
				t.Errorf("build %s: got %v, %v", name, v, err)
			}
		}(i)
	}
	wg.Wait()

	if len(r.Names()) != 16 {
		t.Errorf("Expected 16 registrations, got %d", len(r.Names()))
	}
}
