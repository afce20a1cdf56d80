// Package mock implements the device.Backend contract in plain Go.
//
// It exists so layer and network tests can execute the full
// forward/backward/update pipeline without an accelerator. Operations are
// synchronous and naive; correctness over speed.
package mock

import (
	"fmt"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

// Verify the contract is satisfied.
var _ device.Backend = (*Backend)(nil)

// Backend is the in-process reference implementation of device.Backend.
type Backend struct{}

// New creates a mock backend.
func New() *Backend { return &Backend{} }

// Name returns the backend name.
func (b *Backend) Name() string { return "mock" }

type buffer struct {
	data []float32
}

func (bf *buffer) Len() int { return len(bf.data) }

func (bf *buffer) Release() { bf.data = nil }

// Data exposes the backing slice for test assertions.
func (bf *buffer) Data() []float32 { return bf.data }

// Slice returns the backing slice of a mock buffer. Panics if buf was not
// allocated by this backend. Test helper.
func Slice(buf device.Buffer) []float32 {
	return buf.(*buffer).data
}

// Alloc creates a zero-initialized buffer of n elements.
func (b *Backend) Alloc(n int) (device.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("mock: invalid allocation size %d", n)
	}
	return &buffer{data: make([]float32, n)}, nil
}

func (b *Backend) Upload(dst device.Buffer, src []float32) error {
	d := Slice(dst)
	if len(src) > len(d) {
		return fmt.Errorf("mock: upload of %d elements into buffer of %d", len(src), len(d))
	}
	copy(d, src)
	return nil
}

func (b *Backend) Download(dst []float32, src device.Buffer) error {
	s := Slice(src)
	if len(dst) > len(s) {
		return fmt.Errorf("mock: download of %d elements from buffer of %d", len(dst), len(s))
	}
	copy(dst, s)
	return nil
}

func (b *Backend) Copy(dst, src device.Buffer, n int) error {
	d, s := Slice(dst), Slice(src)
	if n > len(d) || n > len(s) {
		return fmt.Errorf("mock: copy of %d elements exceeds buffer bounds (%d, %d)", n, len(d), len(s))
	}
	copy(d[:n], s[:n])
	return nil
}

func (b *Backend) Fill(dst device.Buffer, n int, v float32) error {
	d := Slice(dst)
	if n > len(d) {
		return fmt.Errorf("mock: fill of %d elements into buffer of %d", n, len(d))
	}
	for i := 0; i < n; i++ {
		d[i] = v
	}
	return nil
}

func (b *Backend) Axpy(n int, alpha float32, x, y device.Buffer) error {
	xs, ys := Slice(x), Slice(y)
	if n > len(xs) || n > len(ys) {
		return fmt.Errorf("mock: axpy of %d elements exceeds buffer bounds (%d, %d)", n, len(xs), len(ys))
	}
	for i := 0; i < n; i++ {
		ys[i] += alpha * xs[i]
	}
	return nil
}

// Gemm computes C = alpha*op(A)*op(B) + beta*C, row-major.
func (b *Backend) Gemm(transA, transB bool, m, n, k int, alpha float32, a, bb device.Buffer, beta float32, c device.Buffer) error {
	as, bs, cs := Slice(a), Slice(bb), Slice(c)
	if m*n > len(cs) {
		return fmt.Errorf("mock: gemm output %dx%d exceeds buffer of %d", m, n, len(cs))
	}
	// op(A) element (i, p); A is stored m x k or k x m depending on transA.
	at := func(i, p int) float32 {
		if transA {
			return as[p*m+i]
		}
		return as[i*k+p]
	}
	bt := func(p, j int) float32 {
		if transB {
			return bs[j*k+p]
		}
		return bs[p*n+j]
	}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for p := 0; p < k; p++ {
				sum += at(i, p) * bt(p, j)
			}
			cs[i*n+j] = alpha*sum + beta*cs[i*n+j]
		}
	}
	return nil
}

// The mock has exactly one implementation per primitive; every algorithm
// query selects it with no workspace requirement.

func (b *Backend) ConvForwardAlgo(device.TensorDesc, device.FilterDesc, device.ConvDesc, device.TensorDesc) (device.ConvAlgo, int, error) {
	return 0, 0, nil
}

func (b *Backend) ConvBackwardDataAlgo(device.FilterDesc, device.TensorDesc, device.ConvDesc, device.TensorDesc) (device.ConvAlgo, int, error) {
	return 0, 0, nil
}

func (b *Backend) ConvBackwardFilterAlgo(device.TensorDesc, device.TensorDesc, device.ConvDesc, device.FilterDesc) (device.ConvAlgo, int, error) {
	return 0, 0, nil
}

// Synchronize is a no-op; the mock executes synchronously.
func (b *Backend) Synchronize() error { return nil }

// Close is a no-op.
func (b *Backend) Close() error { return nil }
