package builtin

import (
	"github.com/openfroyo/gridlab/pkg/registry"
)

// Categories of the built-in namespaces.
const (
	CategoryModels     = "models"
	CategoryDatasets   = "datasets"
	CategoryOptimizers = "optimizers"
)

// Namespaces returns catalog options installing every built-in namespace as
// the default tier of its category.
func Namespaces() []registry.Option {
	return []registry.Option{
		registry.WithNamespace(CategoryModels, Models()),
		registry.WithNamespace(CategoryDatasets, Datasets()),
		registry.WithNamespace(CategoryOptimizers, Optimizers()),
	}
}

// NewCatalog returns a catalog with the built-in namespaces and opts.
func NewCatalog(opts ...registry.Option) *registry.Catalog {
	return registry.NewCatalog(append(Namespaces(), opts...)...)
}
