package builtin

import (
	"fmt"

	"github.com/openfroyo/gridlab/pkg/registry"
)

// Layer is one trainable layer of a model descriptor.
type Layer struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	In     int    `json:"in"`
	Out    int    `json:"out"`
	Kernel int    `json:"kernel,omitempty"`
}

// NumParams counts the weights and biases of the layer.
func (l Layer) NumParams() int {
	if l.Kind == "conv2d" {
		return l.In*l.Out*l.Kernel*l.Kernel + l.Out
	}
	return l.In*l.Out + l.Out
}

// LeNet is the classic two-conv, three-linear network.
type LeNet struct {
	NumClasses int     `json:"num_classes"`
	InChannels int     `json:"in_channels"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	InDim      int     `json:"in_dim"`
	Layers     []Layer `json:"layers"`
}

// NewLeNet derives the layer sizes from the input shape. Each 5x5 conv
// trims 4 pixels and each max pool halves the image.
func NewLeNet(p registry.Params) (*LeNet, error) {
	m := &LeNet{}
	var err error
	if m.NumClasses, err = p.Int("num_classes", 10); err != nil {
		return nil, err
	}
	if m.InChannels, err = p.Int("in_channels", 3); err != nil {
		return nil, err
	}
	if m.Width, err = p.Int("width", 32); err != nil {
		return nil, err
	}
	if m.Height, err = p.Int("height", 32); err != nil {
		return nil, err
	}
	if m.NumClasses <= 0 || m.InChannels <= 0 {
		return nil, fmt.Errorf("LeNet: num_classes and in_channels must be positive")
	}

	w, h := m.Width-4, m.Height-4
	w, h = w/2, h/2
	w, h = w-4, h-4
	w, h = w/2, h/2
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("LeNet: input %dx%d is too small", m.Width, m.Height)
	}
	m.InDim = 16 * w * h

	m.Layers = []Layer{
		{Name: "conv1", Kind: "conv2d", In: m.InChannels, Out: 6, Kernel: 5},
		{Name: "conv2", Kind: "conv2d", In: 6, Out: 16, Kernel: 5},
		{Name: "fc1", Kind: "linear", In: m.InDim, Out: 120},
		{Name: "fc2", Kind: "linear", In: 120, Out: 84},
		{Name: "fc3", Kind: "linear", In: 84, Out: m.NumClasses},
	}
	return m, nil
}

// NumParams counts every weight and bias of the network.
func (m *LeNet) NumParams() int {
	n := 0
	for _, l := range m.Layers {
		n += l.NumParams()
	}
	return n
}

// Models is the built-in model namespace.
func Models() registry.Namespace {
	return registry.Namespace{
		"LeNet": func(p registry.Params) (any, error) { return NewLeNet(p) },
	}
}
