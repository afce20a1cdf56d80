package layer

import (
	"fmt"
	"math/rand"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

var _ Layer = (*Convolution)(nil)

// Convolution cross-correlates the input against a square filter bank
// [outChannels, inChannels, k, k] and adds a per-output-channel bias.
//
// Output spatial size is floor((in + 2*pad - k)/stride) + 1. Algorithm
// selection and workspace sizing happen once at construction; the layer
// registers its requirement with the network, which sizes the shared
// workspace to the maximum across all layers.
type Convolution struct {
	base

	filter device.FilterDesc
	conv   device.ConvDesc

	fwdAlgo, bwdDataAlgo, bwdFilterAlgo device.ConvAlgo
	wsBytes                             int

	w, bias device.Buffer
	dw, db  device.Buffer

	hostW, hostB []float32
}

// NewConvolution creates a convolution layer. Weights are initialized
// uniformly over [-w, w] with w = sqrt(3/(k*k*inChannels)); biases start at
// zero.
func NewConvolution(backend device.Backend, name string, in device.TensorDesc, outChannels, kernel, pad, stride int, entry bool, rng *rand.Rand) (*Convolution, error) {
	if outChannels <= 0 || kernel <= 0 {
		panic(fmt.Sprintf("convolution: invalid shape out=%d k=%d", outChannels, kernel))
	}
	if stride <= 0 || pad < 0 {
		panic(fmt.Sprintf("convolution: invalid stride=%d pad=%d", stride, pad))
	}

	conv := device.ConvDesc{Pad: pad, Stride: stride}
	out := device.TensorDesc{
		N: in.N,
		C: outChannels,
		H: conv.OutSize(in.H, kernel),
		W: conv.OutSize(in.W, kernel),
	}
	if out.H <= 0 || out.W <= 0 {
		return nil, fmt.Errorf("layer %s: kernel %d does not fit input %dx%d", name, kernel, in.H, in.W)
	}
	filter := device.FilterDesc{OutC: outChannels, InC: in.C, K: kernel}

	b, err := newBase(backend, name, in, out, entry)
	if err != nil {
		return nil, err
	}
	l := &Convolution{
		base:   b,
		filter: filter,
		conv:   conv,
		hostW:  make([]float32, filter.Count()),
		hostB:  make([]float32, outChannels),
	}

	uniformInit(rng, l.hostW, convInitScale(kernel, in.C))

	for _, alloc := range []struct {
		dst *device.Buffer
		n   int
	}{
		{&l.w, filter.Count()},
		{&l.bias, outChannels},
		{&l.dw, filter.Count()},
		{&l.db, outChannels},
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

	if err := l.selectAlgorithms(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// selectAlgorithms queries the backend once per direction and records the
// maximum workspace requirement.
func (l *Convolution) selectAlgorithms() error {
	var ws int
	algo, n, err := l.backend.ConvForwardAlgo(l.in, l.filter, l.conv, l.out)
	if err != nil {
		return fmt.Errorf("layer %s: forward algorithm query: %w", l.name, err)
	}
	l.fwdAlgo, ws = algo, max(ws, n)

	algo, n, err = l.backend.ConvBackwardFilterAlgo(l.in, l.out, l.conv, l.filter)
	if err != nil {
		return fmt.Errorf("layer %s: filter-gradient algorithm query: %w", l.name, err)
	}
	l.bwdFilterAlgo, ws = algo, max(ws, n)

	if !l.entry {
		algo, n, err = l.backend.ConvBackwardDataAlgo(l.filter, l.out, l.conv, l.in)
		if err != nil {
			return fmt.Errorf("layer %s: data-gradient algorithm query: %w", l.name, err)
		}
		l.bwdDataAlgo, ws = algo, max(ws, n)
	}
	l.wsBytes = ws
	return nil
}

// WorkspaceBytes reports the maximum requirement across the layer's
// pre-selected algorithms.
func (l *Convolution) WorkspaceBytes() int { return l.wsBytes }

// Forward runs the pre-selected forward convolution and adds the bias.
func (l *Convolution) Forward(x device.Buffer) error {
	if err := l.backend.ConvForward(l.in, x, l.filter, l.w, l.conv, l.fwdAlgo, l.shared.Workspace, l.out, l.y); err != nil {
		return fmt.Errorf("layer %s: forward convolution: %w", l.name, err)
	}
	if err := l.backend.AddBias(l.bias, l.out, l.y); err != nil {
		return fmt.Errorf("layer %s: bias add: %w", l.name, err)
	}
	return nil
}

// Backward computes the bias, filter and (unless entry) data gradients.
func (l *Convolution) Backward(x, dy device.Buffer) error {
	if err := l.backend.ConvBackwardBias(l.out, dy, l.db); err != nil {
		return fmt.Errorf("layer %s: bias gradient: %w", l.name, err)
	}
	if err := l.backend.ConvBackwardFilter(l.in, x, l.out, dy, l.conv, l.bwdFilterAlgo, l.shared.Workspace, l.filter, l.dw); err != nil {
		return fmt.Errorf("layer %s: filter gradient: %w", l.name, err)
	}
	if l.entry {
		return nil
	}
	if err := l.backend.ConvBackwardData(l.filter, l.w, l.out, dy, l.conv, l.bwdDataAlgo, l.shared.Workspace, l.in, l.dx); err != nil {
		return fmt.Errorf("layer %s: data gradient: %w", l.name, err)
	}
	return nil
}

// Update applies param -= lr * grad to the filter bank and biases.
func (l *Convolution) Update(lr float32) error {
	if err := l.backend.Axpy(l.filter.Count(), -lr, l.dw, l.w); err != nil {
		return fmt.Errorf("layer %s: weight update: %w", l.name, err)
	}
	if err := l.backend.Axpy(l.filter.OutC, -lr, l.db, l.bias); err != nil {
		return fmt.Errorf("layer %s: bias update: %w", l.name, err)
	}
	return nil
}

// SaveParams syncs device parameters to the host mirrors and writes them.
func (l *Convolution) SaveParams(dir string) error {
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

// LoadParams reads the parameter files and uploads them to the device.
func (l *Convolution) LoadParams(dir string) error {
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
func (l *Convolution) Close() error {
	release(l.w, l.bias, l.dw, l.db)
	l.w, l.bias, l.dw, l.db = nil, nil, nil, nil
	return l.base.Close()
}
