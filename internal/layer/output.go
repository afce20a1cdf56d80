package layer

import (
	"fmt"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

var _ Layer = (*Output)(nil)

// Output is the classification head: a numerically stable softmax over the
// channel dimension per batch row, paired with the cross-entropy loss
// gradient on the backward pass.
//
// Backward is two-step: a device kernel turns a copy of the softmax
// probabilities into p - onehot(label) by subtracting 1.0 at each row's true
// class, then the backend's softmax-backward primitive folds that into the
// final input gradient. The implicit 1/batch scale is applied at the
// learning-rate stage, as the update convention expects.
type Output struct {
	base

	classes int
	labels  device.Buffer // borrowed from the data source, one float per row
	g       device.Buffer // loss-gradient scratch, out.Count() elements
}

// NewOutput creates the softmax head over the given input shape. labels is
// an externally owned device buffer of float-encoded class indices, one per
// batch element; values must lie in [0, classes).
func NewOutput(backend device.Backend, name string, in device.TensorDesc, labels device.Buffer) (*Output, error) {
	b, err := newBase(backend, name, in, in, false)
	if err != nil {
		return nil, err
	}
	l := &Output{base: b, classes: in.C * in.H * in.W, labels: labels}
	if l.g, err = backend.Alloc(in.Count()); err != nil {
		l.Close()
		return nil, fmt.Errorf("layer %s: loss-gradient buffer: %w", name, err)
	}
	return l, nil
}

// Classes returns the number of output classes per sample.
func (l *Output) Classes() int { return l.classes }

// LossGrad exposes the pre-softmax-backward gradient buffer
// (p - onehot(label) after Backward).
func (l *Output) LossGrad() device.Buffer { return l.g }

// Forward applies the accurate softmax over channels per batch row.
func (l *Output) Forward(x device.Buffer) error {
	if err := l.backend.SoftmaxForward(l.in, x, l.y); err != nil {
		return fmt.Errorf("layer %s: softmax forward: %w", l.name, err)
	}
	return nil
}

// Backward ignores dy (the head has no consumers) and produces the gradient
// of the cross-entropy loss with respect to the head's input.
func (l *Output) Backward(_, _ device.Buffer) error {
	if err := l.backend.Copy(l.g, l.y, l.out.Count()); err != nil {
		return fmt.Errorf("layer %s: probability copy: %w", l.name, err)
	}
	if err := l.backend.SoftmaxLossGrad(l.g, l.labels, l.out.N, l.classes); err != nil {
		return fmt.Errorf("layer %s: loss gradient: %w", l.name, err)
	}
	if err := l.backend.SoftmaxBackward(l.out, l.y, l.g, l.dx); err != nil {
		return fmt.Errorf("layer %s: softmax backward: %w", l.name, err)
	}
	return nil
}

// Close releases the scratch buffer; the label buffer is not owned.
func (l *Output) Close() error {
	release(l.g)
	l.g = nil
	return l.base.Close()
}
