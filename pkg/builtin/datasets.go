package builtin

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/openfroyo/gridlab/pkg/registry"
)

// Shape is the auxiliary information other categories need about a dataset,
// e.g. a convnet whose input channels depend on the images.
type Shape struct {
	NumClasses int `json:"num_classes"`
	InChannels int `json:"in_channels"`
	Width      int `json:"width"`
	Height     int `json:"height"`
}

// Params returns the shape as constructor parameters.
func (s Shape) Params() registry.Params {
	return registry.Params{
		"num_classes": s.NumClasses,
		"in_channels": s.InChannels,
		"width":       s.Width,
		"height":      s.Height,
	}
}

var datasetShapes = map[string]Shape{
	"mnist":    {NumClasses: 10, InChannels: 1, Width: 28, Height: 28},
	"svhn":     {NumClasses: 10, InChannels: 3, Width: 32, Height: 32},
	"cifar10":  {NumClasses: 10, InChannels: 3, Width: 32, Height: 32},
	"cifar100": {NumClasses: 100, InChannels: 3, Width: 32, Height: 32},
}

// DatasetShape returns the shape of a built-in dataset.
func DatasetShape(name string) (Shape, error) {
	s, ok := datasetShapes[name]
	if !ok {
		return Shape{}, fmt.Errorf("unknown dataset %q", name)
	}
	return s, nil
}

// DatasetParams returns the shape of a built-in dataset as parameters.
func DatasetParams(name string) (registry.Params, error) {
	s, err := DatasetShape(name)
	if err != nil {
		return nil, err
	}
	return s.Params(), nil
}

// NumClasses returns the number of classes of a built-in dataset, or 0 when
// the dataset is unknown.
func NumClasses(name string) int {
	return datasetShapes[name].NumClasses
}

// DatasetNames returns the built-in dataset names, sorted.
func DatasetNames() []string {
	names := make([]string, 0, len(datasetShapes))
	for name := range datasetShapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dataset describes the train and eval loaders of a dataset.
type Dataset struct {
	Name          string `json:"name"`
	Root          string `json:"root"`
	BatchSize     int    `json:"batch_size"`
	EvalBatchSize int    `json:"eval_batch_size"`
	NumWorkers    int    `json:"num_workers"`
	Shape         Shape  `json:"shape"`
}

func datasetConstructor(name string, subdir bool) registry.Constructor {
	return func(p registry.Params) (any, error) {
		d := &Dataset{Name: name, Shape: datasetShapes[name]}

		root, err := p.String("dataroot", "")
		if err != nil {
			return nil, err
		}
		if root == "" {
			return nil, fmt.Errorf("%s: dataroot is required", name)
		}
		d.Root = root
		if subdir {
			d.Root = filepath.Join(root, name)
		}

		if d.BatchSize, err = requiredInt(p, "batch_size"); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if d.EvalBatchSize, err = requiredInt(p, "eval_batch_size"); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if d.NumWorkers, err = p.Int("num_workers", 2); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if d.BatchSize <= 0 || d.EvalBatchSize <= 0 || d.NumWorkers < 0 {
			return nil, fmt.Errorf("%s: batch sizes must be positive and num_workers non-negative", name)
		}
		return d, nil
	}
}

func requiredInt(p registry.Params, key string) (int, error) {
	if !p.Has(key) {
		return 0, fmt.Errorf("%s is required", key)
	}
	return p.Int(key, 0)
}

// Datasets is the built-in dataset namespace. The CIFAR datasets live in a
// subdirectory of the data root named after the dataset.
func Datasets() registry.Namespace {
	return registry.Namespace{
		"mnist":    datasetConstructor("mnist", false),
		"svhn":     datasetConstructor("svhn", false),
		"cifar10":  datasetConstructor("cifar10", true),
		"cifar100": datasetConstructor("cifar100", true),
	}
}
