package builtin

import (
	"context"
	"fmt"
	"math"

	"github.com/openfroyo/gridlab/pkg/config"
	"github.com/openfroyo/gridlab/pkg/registry"
	"github.com/openfroyo/gridlab/pkg/track"
)

// ProbeSettings are read from the launch parameters of a probe trial.
type ProbeSettings struct {
	Dataset       string
	Arch          string
	Optimizer     string
	LR            float64
	Epochs        int
	BatchSize     int
	EvalBatchSize int
	NumWorkers    int
}

func probeSettings(p registry.Params) (ProbeSettings, error) {
	s := ProbeSettings{}
	var err error
	if s.Dataset, err = p.String("dataset", "cifar10"); err != nil {
		return s, err
	}
	if s.Arch, err = p.String("arch", "LeNet"); err != nil {
		return s, err
	}
	if s.Optimizer, err = p.String("optimizer", "SGD"); err != nil {
		return s, err
	}
	if s.LR, err = p.Float("lr", 0.1); err != nil {
		return s, err
	}
	if s.Epochs, err = p.Int("epochs", 3); err != nil {
		return s, err
	}
	if s.BatchSize, err = p.Int("batch_size", 128); err != nil {
		return s, err
	}
	if s.EvalBatchSize, err = p.Int("eval_batch_size", 100); err != nil {
		return s, err
	}
	if s.NumWorkers, err = p.Int("num_workers", 2); err != nil {
		return s, err
	}
	if s.Epochs < 0 {
		return s, fmt.Errorf("epochs must be non-negative, got %d", s.Epochs)
	}
	return s, nil
}

// Probe returns an experiment that builds a dataset, a model and an
// optimizer from catalog using the launch parameters dataset, arch,
// optimizer and lr, then logs a synthetic loss curve for epochs epochs.
// It checks that a launch wires registry, tracking and scheduling together
// without needing a training backend.
func Probe(catalog *registry.Catalog) func(context.Context, *config.LaunchConfig, *track.Session) error {
	return func(ctx context.Context, cfg *config.LaunchConfig, sess *track.Session) error {
		s, err := probeSettings(cfg.Params)
		if err != nil {
			return err
		}

		data, err := catalog.Category(CategoryDatasets).Build(s.Dataset, registry.Params{
			"dataroot":        cfg.DataRoot,
			"batch_size":      s.BatchSize,
			"eval_batch_size": s.EvalBatchSize,
			"num_workers":     s.NumWorkers,
		})
		if err != nil {
			return err
		}

		shape, ok := datasetShapes[s.Dataset]
		if d, isDataset := data.(*Dataset); isDataset {
			shape, ok = d.Shape, true
		}
		modelParams := registry.Params{}
		if ok {
			modelParams = shape.Params()
		}
		model, err := catalog.Category(CategoryModels).Build(s.Arch, modelParams)
		if err != nil {
			return err
		}
		if m, isLeNet := model.(*LeNet); isLeNet {
			sess.Debug(fmt.Sprintf("Built %s with %d parameters", s.Arch, m.NumParams()))
		}

		opt, err := catalog.Category(CategoryOptimizers).Build(s.Optimizer, registry.Params{"lr": s.LR})
		if err != nil {
			return err
		}
		rate := s.LR
		if o, isOptimizer := opt.(*Optimizer); isOptimizer {
			rate = o.LR
		}

		classes := shape.NumClasses
		if classes < 2 {
			classes = 2
		}
		initial := math.Log(float64(classes))
		rng := sess.Rand()

		for epoch := 0; epoch < s.Epochs; epoch++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			sess.Debug(fmt.Sprintf("Starting epoch %d", epoch))

			loss := initial*math.Exp(-rate*float64(epoch+1)) + 0.01*rng.Float64()
			acc := 1 - loss/initial
			if acc < 0 {
				acc = 0
			}
			if err := sess.Log(map[string]any{
				"epoch": epoch,
				"loss":  loss,
				"acc":   acc,
			}); err != nil {
				return err
			}
		}
		return nil
	}
}
