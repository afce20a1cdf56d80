package layer

import (
	"fmt"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

var _ Layer = (*MaxPool)(nil)

// MaxPool reduces each kernel-by-kernel window to its maximum. Output
// spatial size is in/stride: incomplete trailing windows are dropped, not
// padded. No parameters.
type MaxPool struct {
	base
	pool device.PoolDesc
}

// NewMaxPool creates a max-pooling layer.
func NewMaxPool(backend device.Backend, name string, in device.TensorDesc, kernel, stride int, entry bool) (*MaxPool, error) {
	if kernel <= 0 || stride <= 0 {
		panic(fmt.Sprintf("maxpool: invalid kernel=%d stride=%d", kernel, stride))
	}
	out := device.TensorDesc{N: in.N, C: in.C, H: in.H / stride, W: in.W / stride}
	if out.H <= 0 || out.W <= 0 {
		return nil, fmt.Errorf("layer %s: stride %d does not fit input %dx%d", name, stride, in.H, in.W)
	}

	b, err := newBase(backend, name, in, out, entry)
	if err != nil {
		return nil, err
	}
	return &MaxPool{base: b, pool: device.PoolDesc{Kernel: kernel, Stride: stride}}, nil
}

// Forward takes the window maxima.
func (l *MaxPool) Forward(x device.Buffer) error {
	if err := l.backend.PoolForward(l.pool, l.in, x, l.out, l.y); err != nil {
		return fmt.Errorf("layer %s: pool forward: %w", l.name, err)
	}
	return nil
}

// Backward routes each window's gradient to the element that produced the
// forward maximum; skipped for entry layers.
func (l *MaxPool) Backward(x, dy device.Buffer) error {
	if l.entry {
		return nil
	}
	if err := l.backend.PoolBackward(l.pool, l.out, l.y, dy, l.in, x, l.dx); err != nil {
		return fmt.Errorf("layer %s: pool backward: %w", l.name, err)
	}
	return nil
}
