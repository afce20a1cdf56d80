package layer

import (
	"fmt"
	"math/rand"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

var _ Layer = (*FullyConnected)(nil)

// FullyConnected is a dense layer: Y = X*W + ones*B, with X a
// [batch, inFeatures] activation matrix, W [inFeatures, outFeatures] and B a
// [1, outFeatures] row broadcast across the batch via the shared ones
// vector.
type FullyConnected struct {
	base

	inFeatures  int
	outFeatures int

	w, bias device.Buffer // device parameter mirrors
	dw, db  device.Buffer // parameter gradients

	hostW, hostB []float32 // authoritative at init/load/save time only
}

// NewFullyConnected creates a dense layer consuming in (flattened to
// in.C*in.H*in.W features per sample) and producing outFeatures channels.
// Weights are initialized uniformly over [-w, w] with
// w = sqrt(3/(fanIn*fanOut)); biases start at zero. Entry layers skip the
// input-gradient computation.
func NewFullyConnected(backend device.Backend, name string, in device.TensorDesc, outFeatures int, entry bool, rng *rand.Rand) (*FullyConnected, error) {
	if outFeatures <= 0 {
		panic(fmt.Sprintf("fullyconnected: invalid output features %d", outFeatures))
	}
	inFeatures := in.C * in.H * in.W
	out := device.TensorDesc{N: in.N, C: outFeatures, H: 1, W: 1}

	b, err := newBase(backend, name, in, out, entry)
	if err != nil {
		return nil, err
	}
	l := &FullyConnected{
		base:        b,
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		hostW:       make([]float32, inFeatures*outFeatures),
		hostB:       make([]float32, outFeatures),
	}

	uniformInit(rng, l.hostW, fcInitScale(inFeatures, outFeatures))

	for _, alloc := range []struct {
		dst *device.Buffer
		n   int
	}{
		{&l.w, inFeatures * outFeatures},
		{&l.bias, outFeatures},
		{&l.dw, inFeatures * outFeatures},
		{&l.db, outFeatures},
	} {
		if *alloc.dst, err = backend.Alloc(alloc.n); err != nil {
			l.Close()
			return nil, fmt.Errorf("layer %s: parameter buffer: %w", name, err)
		}
	}
	if err := backend.Upload(l.w, l.hostW); err != nil {
		l.Close()
		return nil, fmt.Errorf("layer %s: weight upload: %w", name, err)
	}
	if err := backend.Upload(l.bias, l.hostB); err != nil {
		l.Close()
		return nil, fmt.Errorf("layer %s: bias upload: %w", name, err)
	}
	return l, nil
}

// Forward computes Y = X*W + ones*B.
func (l *FullyConnected) Forward(x device.Buffer) error {
	batch := l.in.N
	if err := l.backend.Gemm(false, false, batch, l.outFeatures, l.inFeatures, 1, x, l.w, 0, l.y); err != nil {
		return fmt.Errorf("layer %s: forward gemm: %w", l.name, err)
	}
	if err := l.backend.Gemm(false, false, batch, l.outFeatures, 1, 1, l.shared.Ones, l.bias, 1, l.y); err != nil {
		return fmt.Errorf("layer %s: bias broadcast: %w", l.name, err)
	}
	return nil
}

// Backward computes dW = Xᵗ*dY, dB = onesᵗ*dY and, for non-entry layers,
// dX = dY*Wᵗ.
func (l *FullyConnected) Backward(x, dy device.Buffer) error {
	batch := l.in.N
	if err := l.backend.Gemm(true, false, l.inFeatures, l.outFeatures, batch, 1, x, dy, 0, l.dw); err != nil {
		return fmt.Errorf("layer %s: weight gradient: %w", l.name, err)
	}
	if err := l.backend.Gemm(true, false, 1, l.outFeatures, batch, 1, l.shared.Ones, dy, 0, l.db); err != nil {
		return fmt.Errorf("layer %s: bias gradient: %w", l.name, err)
	}
	if l.entry {
		return nil
	}
	if err := l.backend.Gemm(false, true, batch, l.inFeatures, l.outFeatures, 1, dy, l.w, 0, l.dx); err != nil {
		return fmt.Errorf("layer %s: input gradient: %w", l.name, err)
	}
	return nil
}

// Update applies param -= lr * grad to weights and biases.
func (l *FullyConnected) Update(lr float32) error {
	if err := l.backend.Axpy(l.inFeatures*l.outFeatures, -lr, l.dw, l.w); err != nil {
		return fmt.Errorf("layer %s: weight update: %w", l.name, err)
	}
	if err := l.backend.Axpy(l.outFeatures, -lr, l.db, l.bias); err != nil {
		return fmt.Errorf("layer %s: bias update: %w", l.name, err)
	}
	return nil
}

// SaveParams syncs the device parameters to the host mirrors and writes them
// under dir.
func (l *FullyConnected) SaveParams(dir string) error {
	if err := l.backend.Download(l.hostW, l.w); err != nil {
		return fmt.Errorf("layer %s: weight download: %w", l.name, err)
	}
	if err := l.backend.Download(l.hostB, l.bias); err != nil {
		return fmt.Errorf("layer %s: bias download: %w", l.name, err)
	}
	if err := writeTensor(weightFile(dir, l.name), l.hostW); err != nil {
		return fmt.Errorf("layer %s: %w", l.name, err)
	}
	if err := writeTensor(biasFile(dir, l.name), l.hostB); err != nil {
		return fmt.Errorf("layer %s: %w", l.name, err)
	}
	return nil
}

// LoadParams reads the parameter files under dir and uploads them to the
// device.
func (l *FullyConnected) LoadParams(dir string) error {
	if err := readTensor(weightFile(dir, l.name), l.hostW); err != nil {
		return fmt.Errorf("layer %s: %w", l.name, err)
	}
	if err := readTensor(biasFile(dir, l.name), l.hostB); err != nil {
		return fmt.Errorf("layer %s: %w", l.name, err)
	}
	if err := l.backend.Upload(l.w, l.hostW); err != nil {
		return fmt.Errorf("layer %s: weight upload: %w", l.name, err)
	}
	if err := l.backend.Upload(l.bias, l.hostB); err != nil {
		return fmt.Errorf("layer %s: bias upload: %w", l.name, err)
	}
	return nil
}

// Close releases all owned device buffers.
func (l *FullyConnected) Close() error {
	release(l.w, l.bias, l.dw, l.db)
	l.w, l.bias, l.dw, l.db = nil, nil, nil, nil
	return l.base.Close()
}
