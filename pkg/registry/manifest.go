package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manifest is a YAML module of presets: named constructors that build a base
// entry of the same registry with preset parameters.
type Manifest struct {
	// Module is the module name.
	Module string `yaml:"module" validate:"required"`

	// Presets are the symbols defined at the top level.
	Presets []PresetSpec `yaml:"symbols" validate:"dive"`

	// Children are nested manifests, scanned one level deep.
	Children []Manifest `yaml:"submodules" validate:"dive"`
}

// PresetSpec describes a single preset.
type PresetSpec struct {
	Name   string         `yaml:"name" validate:"required"`
	Base   string         `yaml:"base" validate:"required"`
	Params map[string]any `yaml:"params"`
}

// Preset is the factory produced by a PresetSpec. Its parameters are merged
// under the build parameters before the base constructor runs.
type Preset struct {
	spec     PresetSpec
	registry *Registry
}

// NewPreset creates an unbound preset. It is bound to a registry when it is
// registered there.
func NewPreset(spec PresetSpec) *Preset {
	return &Preset{spec: spec}
}

func (p *Preset) Name() string { return p.spec.Name }

// Base returns the name the preset builds.
func (p *Preset) Base() string { return p.spec.Base }

func (p *Preset) New(params Params) (any, error) {
	if p.registry == nil {
		return nil, fmt.Errorf("preset %s is not bound to a registry", p.spec.Name)
	}
	if err := p.checkChain(); err != nil {
		return nil, err
	}
	merged := Params(p.spec.Params).Merge(params)
	if p.spec.Base == p.spec.Name {
		return p.registry.BuildDefault(p.spec.Base, merged)
	}
	return p.registry.Build(p.spec.Base, merged)
}

// checkChain follows the bases of the preset through the custom table and
// fails when they lead back to a preset already on the chain.
func (p *Preset) checkChain() error {
	seen := map[string]bool{p.spec.Name: true}
	chain := []string{p.spec.Name}
	cur := p.spec
	for cur.Base != cur.Name {
		f, ok := p.registry.custom(cur.Base)
		if !ok {
			return nil
		}
		next, ok := f.(*Preset)
		if !ok {
			return nil
		}
		chain = append(chain, cur.Base)
		if seen[cur.Base] {
			return &PresetCycleError{Category: p.registry.category, Chain: chain}
		}
		seen[cur.Base] = true
		cur = next.spec
	}
	return nil
}

func (p *Preset) bind(r *Registry) Factory {
	return &Preset{spec: p.spec, registry: r}
}

// binder is implemented by factories that resolve other entries of the
// registry they are stored in.
type binder interface {
	bind(r *Registry) Factory
}

func (m *Manifest) Name() string { return m.Module }

func (m *Manifest) Symbols() []any {
	symbols := make([]any, 0, len(m.Presets))
	for _, spec := range m.Presets {
		symbols = append(symbols, NewPreset(spec))
	}
	return symbols
}

func (m *Manifest) Submodules() []Module {
	children := make([]Module, 0, len(m.Children))
	for i := range m.Children {
		children = append(children, &m.Children[i])
	}
	return children
}

// ManifestLoader loads YAML manifests from identifiers ending in .yaml or .yml.
type ManifestLoader struct {
	// BaseDir resolves relative identifiers.
	BaseDir string

	validate *validator.Validate
}

// NewManifestLoader creates a manifest loader rooted at baseDir.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{
		BaseDir:  baseDir,
		validate: validator.New(),
	}
}

func (l *ManifestLoader) Load(_ context.Context, id string) (Module, error) {
	ext := strings.ToLower(filepath.Ext(id))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}

	path := id
	if !filepath.IsAbs(path) && l.BaseDir != "" {
		path = filepath.Join(l.BaseDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return l.LoadFromBytes(data)
}

// LoadFromBytes parses and validates a manifest.
func (l *ManifestLoader) LoadFromBytes(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := l.validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}
