package models

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-demoire/tensor"
)

// ErrNoGraph is returned by Backward when no training forward pass has been
// recorded since the last Backward or mode switch.
var ErrNoGraph = errors.New("backward called without a recorded training forward pass")

// Parameter is a trainable tensor paired with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Module is an image-to-image network trained by the training package.
type Module interface {
	// Forward maps an NCHW batch to an output batch of the same shape.
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	// Backward accumulates parameter gradients given dLoss/dOutput for the
	// most recent Forward call.
	Backward(gradOutput *tensor.Tensor) error
	Parameters() []*Parameter
	Train()
	Eval()
	IsTraining() bool
}

// StateDict maps parameter names to value tensors.
type StateDict map[string]*tensor.Tensor

// StateDictOf copies every parameter value of m.
func StateDictOf(m Module) StateDict {
	sd := make(StateDict)
	for _, p := range m.Parameters() {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// LoadStateDict copies values from sd into the parameters of m. Every
// parameter must be present with a matching shape.
func LoadStateDict(m Module, sd StateDict) error {
	for _, p := range m.Parameters() {
		src, ok := sd[p.Name]
		if !ok {
			return errors.Errorf("state dict is missing parameter %s", p.Name)
		}
		if !tensor.SameShape(src, p.Value) {
			return errors.Errorf("shape mismatch for %s: have %v, state dict has %v", p.Name, p.Value.Shape, src.Shape)
		}
		copy(p.Value.Data, src.Data)
	}
	if len(sd) != len(m.Parameters()) {
		return errors.Errorf("state dict has %d entries, model has %d parameters", len(sd), len(m.Parameters()))
	}
	return nil
}

// ZeroGrad clears the gradients of params.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}
