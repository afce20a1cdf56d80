// Package layer implements the network's computational layers.
//
// Each variant (FullyConnected, Convolution, Activation, MaxPool, Output,
// DataSource) is a distinct struct satisfying the Layer interface and
// embedding a shared base for shape and buffer bookkeeping. Layers own their
// device buffers exclusively: the activation output, the input-gradient
// buffer, and for parameterized variants the device parameter and gradient
// mirrors. Topology lives in the network package; a layer only ever sees the
// resolved input and output-gradient buffers passed to Forward and Backward.
package layer

import (
	"fmt"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

// Shared holds network-owned buffers borrowed by layers during their own
// forward/backward calls: the batch-length ones vector used to broadcast
// biases and the scratch workspace sized to the largest algorithm
// requirement across the network.
type Shared struct {
	Ones      device.Buffer
	Workspace device.Buffer
}

// Layer is the contract every variant implements.
type Layer interface {
	// Name returns the layer's identity, used as the persistence key.
	Name() string

	// In returns the input shape, batch dimension included.
	In() device.TensorDesc

	// Out returns the output shape, batch dimension included.
	Out() device.TensorDesc

	// Output returns the device buffer holding the layer's activations.
	Output() device.Buffer

	// InputGrad returns the device buffer Backward writes the gradient with
	// respect to the layer's input into, or nil for entry layers.
	InputGrad() device.Buffer

	// Forward reads x (the resolved upstream activations, nil for entry
	// layers) and writes the layer's output buffer. Calling it repeatedly
	// with unchanged input yields identical output.
	Forward(x device.Buffer) error

	// Backward reads x and dy (the resolved gradient with respect to this
	// layer's output; nil for the terminal layer) and computes parameter
	// gradients plus, unless the layer is an entry, the input gradient.
	Backward(x, dy device.Buffer) error

	// Update applies param -= lr * grad in place. Parameterless layers
	// no-op.
	Update(lr float32) error

	// SaveParams writes the layer's parameter tensors under dir.
	// Parameterless layers no-op.
	SaveParams(dir string) error

	// LoadParams reads the layer's parameter tensors from dir. A missing
	// file surfaces as an error wrapping fs.ErrNotExist.
	LoadParams(dir string) error

	// WorkspaceBytes reports the layer's scratch requirement, registered
	// against the network-wide maximum at assembly.
	WorkspaceBytes() int

	// Attach hands the layer the network's shared buffers. Called once
	// during assembly, before any Forward.
	Attach(shared Shared)

	// Close releases every device buffer the layer owns.
	Close() error
}

// base carries the bookkeeping common to all variants.
type base struct {
	backend device.Backend
	name    string
	in, out device.TensorDesc
	entry   bool

	y      device.Buffer // activation output
	dx     device.Buffer // gradient w.r.t. input, nil when entry
	shared Shared
}

// newBase validates shapes and allocates the output and, for non-entry
// layers, the input-gradient buffer.
func newBase(backend device.Backend, name string, in, out device.TensorDesc, entry bool) (base, error) {
	b := base{backend: backend, name: name, in: in, out: out, entry: entry}
	if name == "" {
		return b, fmt.Errorf("layer: empty name")
	}
	if in.N <= 0 || in.C <= 0 || in.H <= 0 || in.W <= 0 {
		return b, fmt.Errorf("layer %s: degenerate input shape %+v", name, in)
	}
	if out.C <= 0 || out.H <= 0 || out.W <= 0 {
		return b, fmt.Errorf("layer %s: degenerate output shape %+v", name, out)
	}
	if in.N != out.N {
		return b, fmt.Errorf("layer %s: batch mismatch in=%d out=%d", name, in.N, out.N)
	}

	var err error
	if b.y, err = backend.Alloc(out.Count()); err != nil {
		return b, fmt.Errorf("layer %s: output buffer: %w", name, err)
	}
	if !entry {
		if b.dx, err = backend.Alloc(in.Count()); err != nil {
			b.y.Release()
			return b, fmt.Errorf("layer %s: input-gradient buffer: %w", name, err)
		}
	}
	return b, nil
}

func (b *base) Name() string             { return b.name }
func (b *base) In() device.TensorDesc    { return b.in }
func (b *base) Out() device.TensorDesc   { return b.out }
func (b *base) Output() device.Buffer    { return b.y }
func (b *base) InputGrad() device.Buffer { return b.dx }
func (b *base) WorkspaceBytes() int      { return 0 }
func (b *base) Attach(shared Shared)     { b.shared = shared }
func (b *base) Update(float32) error     { return nil }
func (b *base) SaveParams(string) error  { return nil }
func (b *base) LoadParams(string) error  { return nil }

func (b *base) Close() error {
	if b.y != nil {
		b.y.Release()
		b.y = nil
	}
	if b.dx != nil {
		b.dx.Release()
		b.dx = nil
	}
	return nil
}

// release frees a list of optional buffers, used by variant Close methods.
func release(bufs ...device.Buffer) {
	for _, buf := range bufs {
		if buf != nil {
			buf.Release()
		}
	}
}
