package builtin

import (
	"fmt"

	"github.com/openfroyo/gridlab/pkg/registry"
)

// Optimizer describes an optimizer and its hyperparameters.
type Optimizer struct {
	Kind        string     `json:"kind"`
	LR          float64    `json:"lr"`
	Momentum    float64    `json:"momentum,omitempty"`
	Nesterov    bool       `json:"nesterov,omitempty"`
	WeightDecay float64    `json:"weight_decay,omitempty"`
	Betas       [2]float64 `json:"betas,omitempty"`
	Eps         float64    `json:"eps,omitempty"`
}

// NewSGD builds an SGD descriptor. lr has no default.
func NewSGD(p registry.Params) (*Optimizer, error) {
	if !p.Has("lr") {
		return nil, fmt.Errorf("SGD: lr is required")
	}
	o := &Optimizer{Kind: "SGD"}
	var err error
	if o.LR, err = p.Float("lr", 0); err != nil {
		return nil, err
	}
	if o.Momentum, err = p.Float("momentum", 0); err != nil {
		return nil, err
	}
	if o.WeightDecay, err = p.Float("weight_decay", 0); err != nil {
		return nil, err
	}
	if o.Nesterov, err = p.Bool("nesterov", false); err != nil {
		return nil, err
	}
	if o.Nesterov && o.Momentum <= 0 {
		return nil, fmt.Errorf("SGD: nesterov requires a positive momentum")
	}
	if err := o.check(); err != nil {
		return nil, err
	}
	return o, nil
}

// NewAdam builds an Adam descriptor.
func NewAdam(p registry.Params) (*Optimizer, error) {
	o := &Optimizer{Kind: "Adam"}
	var err error
	if o.LR, err = p.Float("lr", 1e-3); err != nil {
		return nil, err
	}
	if o.Betas[0], err = p.Float("beta1", 0.9); err != nil {
		return nil, err
	}
	if o.Betas[1], err = p.Float("beta2", 0.999); err != nil {
		return nil, err
	}
	if o.Eps, err = p.Float("eps", 1e-8); err != nil {
		return nil, err
	}
	if o.WeightDecay, err = p.Float("weight_decay", 0); err != nil {
		return nil, err
	}
	for _, b := range o.Betas {
		if b < 0 || b >= 1 {
			return nil, fmt.Errorf("Adam: betas must be in [0, 1), got %v", o.Betas)
		}
	}
	if err := o.check(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Optimizer) check() error {
	if o.LR < 0 {
		return fmt.Errorf("%s: invalid learning rate %v", o.Kind, o.LR)
	}
	if o.WeightDecay < 0 {
		return fmt.Errorf("%s: invalid weight_decay %v", o.Kind, o.WeightDecay)
	}
	return nil
}

// Optimizers is the built-in optimizer namespace.
func Optimizers() registry.Namespace {
	return registry.Namespace{
		"SGD":  func(p registry.Params) (any, error) { return NewSGD(p) },
		"Adam": func(p registry.Params) (any, error) { return NewAdam(p) },
	}
}
