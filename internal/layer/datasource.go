package layer

import (
	"fmt"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

var _ Layer = (*DataSource)(nil)

// DataSource is the network's input slot. It is not computational: its
// output buffer holds the current batch's input tensor and it additionally
// owns the device label buffer consumed by the Output head. The network
// refreshes both before each forward pass.
type DataSource struct {
	base
	labels device.Buffer // one float-encoded class index per batch row
}

// NewDataSource creates the entry layer for the given batch shape.
func NewDataSource(backend device.Backend, name string, shape device.TensorDesc) (*DataSource, error) {
	b, err := newBase(backend, name, shape, shape, true)
	if err != nil {
		return nil, err
	}
	l := &DataSource{base: b}
	if l.labels, err = backend.Alloc(shape.N); err != nil {
		l.Close()
		return nil, fmt.Errorf("layer %s: label buffer: %w", name, err)
	}
	return l, nil
}

// Labels returns the device label buffer.
func (l *DataSource) Labels() device.Buffer { return l.labels }

// SetBatch uploads a host batch. images holds up to batch*C*H*W normalized
// values; labels up to batch float-encoded class indices. Shorter slices
// fill only the leading batch slots.
func (l *DataSource) SetBatch(images, labels []float32) error {
	if len(images) > l.out.Count() {
		return fmt.Errorf("layer %s: batch of %d elements exceeds slot of %d", l.name, len(images), l.out.Count())
	}
	if len(labels) > l.out.N {
		return fmt.Errorf("layer %s: %d labels exceed batch of %d", l.name, len(labels), l.out.N)
	}
	if err := l.backend.Upload(l.y, images); err != nil {
		return fmt.Errorf("layer %s: image upload: %w", l.name, err)
	}
	if err := l.backend.Upload(l.labels, labels); err != nil {
		return fmt.Errorf("layer %s: label upload: %w", l.name, err)
	}
	return nil
}

// Forward is a no-op; the output buffer is loaded by SetBatch.
func (l *DataSource) Forward(device.Buffer) error { return nil }

// Backward is a no-op; the entry layer has no upstream.
func (l *DataSource) Backward(_, _ device.Buffer) error { return nil }

// Close releases the input and label buffers.
func (l *DataSource) Close() error {
	release(l.labels)
	l.labels = nil
	return l.base.Close()
}
