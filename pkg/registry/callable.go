package registry

import (
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"
)

// Constructor builds an instance from keyword parameters.
type Constructor func(Params) (any, error)

// Factory is a named constructor. Types that know their own registry name
// implement it directly; NewFactory adapts closures.
type Factory interface {
	Name() string
	New(Params) (any, error)
}

type namedFactory struct {
	name string
	ctor Constructor
}

func (f *namedFactory) Name() string { return f.name }

func (f *namedFactory) New(p Params) (any, error) { return f.ctor(p) }

// NewFactory binds an explicit name to a constructor.
func NewFactory(name string, ctor Constructor) Factory {
	return &namedFactory{name: name, ctor: ctor}
}

// Namespace is an explicit name to constructor map used as a default tier.
type Namespace map[string]Constructor

var (
	paramsType    = reflect.TypeOf(Params(nil))
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
	anonymousName = regexp.MustCompile(`^(func)?\d+$`)
)

// asFactory turns a registrable value into a Factory. Accepted forms are a
// Factory, a Constructor, or a named function with the signature
// func(Params) T or func(Params) (T, error).
func asFactory(v any) (Factory, error) {
	if v == nil {
		return nil, fmt.Errorf("nil value")
	}

	if f, ok := v.(Factory); ok {
		if f.Name() == "" {
			return nil, fmt.Errorf("factory has an empty name")
		}
		return f, nil
	}

	fn := reflect.ValueOf(v)
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%T is neither a function nor a Factory", v)
	}
	if fn.IsNil() {
		return nil, fmt.Errorf("nil function")
	}
	if err := checkSignature(fn.Type()); err != nil {
		return nil, err
	}

	name := funcName(fn)
	if name == "" {
		return nil, fmt.Errorf("anonymous functions have no name to register under, wrap them with NewFactory")
	}

	switch f := v.(type) {
	case Constructor:
		return &namedFactory{name: name, ctor: f}, nil
	case func(Params) (any, error):
		return &namedFactory{name: name, ctor: f}, nil
	}
	return &namedFactory{name: name, ctor: reflectConstructor(fn)}, nil
}

// checkSignature accepts func(Params) T and func(Params) (T, error).
func checkSignature(t reflect.Type) error {
	if t.IsVariadic() || t.NumIn() != 1 || t.In(0) != paramsType {
		return fmt.Errorf("signature %s does not take a single registry.Params argument", t)
	}
	switch t.NumOut() {
	case 1:
		return nil
	case 2:
		if t.Out(1) != errorType {
			return fmt.Errorf("signature %s: second result must be error", t)
		}
		return nil
	default:
		return fmt.Errorf("signature %s must return a value and optionally an error", t)
	}
}

func reflectConstructor(fn reflect.Value) Constructor {
	withErr := fn.Type().NumOut() == 2
	return func(p Params) (any, error) {
		if p == nil {
			p = Params{}
		}
		out := fn.Call([]reflect.Value{reflect.ValueOf(p)})
		if withErr && !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		return out[0].Interface(), nil
	}
}

// funcName derives the identifier of a function from the runtime symbol
// table: package path, receiver, method value suffix and generic brackets
// are stripped. Closures yield "".
func funcName(fn reflect.Value) string {
	rf := runtime.FuncForPC(fn.Pointer())
	if rf == nil {
		return ""
	}
	full := strings.TrimSuffix(rf.Name(), "-fm")
	if i := strings.Index(full, "["); i >= 0 {
		full = full[:i]
	}
	if i := strings.LastIndex(full, "/"); i >= 0 {
		full = full[i+1:]
	}
	name := full
	if i := strings.LastIndex(full, "."); i >= 0 {
		name = full[i+1:]
	}
	if name == "" || anonymousName.MatchString(name) || strings.Contains(full, ".glob.") {
		return ""
	}
	return name
}

// describe renders v for error messages.
func describe(v any) string {
	if v == nil {
		return "<nil>"
	}
	fn := reflect.ValueOf(v)
	if fn.Kind() == reflect.Func && !fn.IsNil() {
		if rf := runtime.FuncForPC(fn.Pointer()); rf != nil {
			return rf.Name()
		}
	}
	return fmt.Sprintf("%T", v)
}
