package layer

import (
	"fmt"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

var _ Layer = (*Activation)(nil)

// Activation applies a pure elementwise nonlinearity. Shape-preserving, no
// parameters; the mode is fixed at construction.
type Activation struct {
	base
	mode device.ActivationMode
}

// NewActivation creates an activation layer over the given input shape.
func NewActivation(backend device.Backend, name string, in device.TensorDesc, mode device.ActivationMode, entry bool) (*Activation, error) {
	b, err := newBase(backend, name, in, in, entry)
	if err != nil {
		return nil, err
	}
	return &Activation{base: b, mode: mode}, nil
}

// Forward applies the nonlinearity elementwise.
func (l *Activation) Forward(x device.Buffer) error {
	if err := l.backend.ActivationForward(l.mode, l.in.Count(), x, l.y); err != nil {
		return fmt.Errorf("layer %s: %s forward: %w", l.name, l.mode, err)
	}
	return nil
}

// Backward computes the elementwise gradient unless the layer is an entry.
func (l *Activation) Backward(x, dy device.Buffer) error {
	if l.entry {
		return nil
	}
	if err := l.backend.ActivationBackward(l.mode, l.in.Count(), l.y, dy, x, l.dx); err != nil {
		return fmt.Errorf("layer %s: %s backward: %w", l.name, l.mode, err)
	}
	return nil
}
