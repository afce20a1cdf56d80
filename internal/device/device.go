// Package device defines the numerical-backend contract the training engine
// runs against.
//
// The engine never computes dense math itself: matrix multiplies,
// convolutions, pooling, activations and softmax are all issued through the
// Backend interface against device-resident Buffers. Implementations live in
// subpackages (webgpu for real hardware, mock for tests).
//
// All buffers hold float32 elements. Shapes follow NCHW: a batch of
// activations for a layer with C channels of H by W is a single flat buffer
// of N*C*H*W elements, one sample after another. Two-dimensional operands for
// Gemm are row-major.
package device

import "errors"

// ErrNoDevice is returned by backend constructors when no usable accelerator
// is present.
var ErrNoDevice = errors.New("device: no accelerator available")

// Buffer is a device-resident float32 allocation.
//
// Buffers are exclusively owned by whoever allocated them and must be
// released exactly once. Contents are only observable through
// Backend.Download.
type Buffer interface {
	// Len returns the element count the buffer was allocated with.
	Len() int

	// Release frees the device allocation. The buffer must not be used
	// afterwards. Release is idempotent.
	Release()
}

// TensorDesc describes the shape of an NCHW activation buffer.
type TensorDesc struct {
	N, C, H, W int
}

// Count returns the total element count.
func (d TensorDesc) Count() int { return d.N * d.C * d.H * d.W }

// FilterDesc describes a square convolution filter bank.
type FilterDesc struct {
	OutC, InC, K int
}

// Count returns the total element count of the filter bank.
func (d FilterDesc) Count() int { return d.OutC * d.InC * d.K * d.K }

// ConvDesc holds the spatial parameters of a convolution.
type ConvDesc struct {
	Pad, Stride int
}

// OutSize returns the output spatial extent for an input extent of in.
func (d ConvDesc) OutSize(in, kernel int) int {
	return (in+2*d.Pad-kernel)/d.Stride + 1
}

// PoolDesc holds the window parameters of a max-pooling operation.
type PoolDesc struct {
	Kernel, Stride int
}

// ActivationMode selects the elementwise nonlinearity.
type ActivationMode int

// Supported activation modes.
const (
	ActivationSigmoid ActivationMode = iota
	ActivationReLU
	ActivationTanh
)

// String returns the mode name.
func (m ActivationMode) String() string {
	switch m {
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationReLU:
		return "relu"
	case ActivationTanh:
		return "tanh"
	default:
		return "unknown"
	}
}

// ConvAlgo identifies a convolution algorithm selected by the backend. The
// zero value is always valid; backends with a single implementation return
// it from every query.
type ConvAlgo int

// Backend is the vendor numerical-library contract.
//
// Every call either completes the operation (possibly asynchronously, ordered
// on the backend's single execution stream) or returns an error. A failed
// call leaves the destination buffer undefined; callers treat any error as
// fatal to the current operation and do not retry.
type Backend interface {
	// Name identifies the backend implementation.
	Name() string

	// Alloc creates a zero-initialized device buffer of n float32 elements.
	Alloc(n int) (Buffer, error)

	// Upload copies len(src) elements from host to the start of dst.
	Upload(dst Buffer, src []float32) error

	// Download copies len(dst) elements from the start of src to host.
	Download(dst []float32, src Buffer) error

	// Copy copies n elements from src to dst.
	Copy(dst, src Buffer, n int) error

	// Fill sets the first n elements of dst to v.
	Fill(dst Buffer, n int, v float32) error

	// Axpy computes y[i] += alpha * x[i] for i < n.
	Axpy(n int, alpha float32, x, y Buffer) error

	// Gemm computes C = alpha*op(A)*op(B) + beta*C for row-major matrices,
	// where op transposes its operand when the corresponding flag is set.
	// op(A) is m by k, op(B) is k by n, C is m by n.
	Gemm(transA, transB bool, m, n, k int, alpha float32, a, b Buffer, beta float32, c Buffer) error

	// ConvForwardAlgo selects the forward convolution algorithm for the given
	// shapes and reports its workspace requirement in bytes.
	ConvForwardAlgo(x TensorDesc, w FilterDesc, conv ConvDesc, y TensorDesc) (ConvAlgo, int, error)

	// ConvBackwardDataAlgo selects the data-gradient algorithm and reports
	// its workspace requirement in bytes.
	ConvBackwardDataAlgo(w FilterDesc, dy TensorDesc, conv ConvDesc, dx TensorDesc) (ConvAlgo, int, error)

	// ConvBackwardFilterAlgo selects the filter-gradient algorithm and
	// reports its workspace requirement in bytes.
	ConvBackwardFilterAlgo(x TensorDesc, dy TensorDesc, conv ConvDesc, dw FilterDesc) (ConvAlgo, int, error)

	// ConvForward computes y = conv(x, w) using the pre-selected algorithm
	// and shared workspace (which may be nil when the requirement was zero).
	ConvForward(x TensorDesc, xb Buffer, w FilterDesc, wb Buffer, conv ConvDesc, algo ConvAlgo, workspace Buffer, y TensorDesc, yb Buffer) error

	// ConvBackwardData computes dx, the gradient with respect to the
	// convolution input.
	ConvBackwardData(w FilterDesc, wb Buffer, dy TensorDesc, dyb Buffer, conv ConvDesc, algo ConvAlgo, workspace Buffer, dx TensorDesc, dxb Buffer) error

	// ConvBackwardFilter computes dw, the gradient with respect to the
	// filter bank.
	ConvBackwardFilter(x TensorDesc, xb Buffer, dy TensorDesc, dyb Buffer, conv ConvDesc, algo ConvAlgo, workspace Buffer, dw FilterDesc, dwb Buffer) error

	// ConvBackwardBias sums dy over batch and spatial dimensions into db,
	// one element per output channel.
	ConvBackwardBias(dy TensorDesc, dyb Buffer, db Buffer) error

	// AddBias adds bias[c] to every element of channel c of y.
	AddBias(bias Buffer, y TensorDesc, yb Buffer) error

	// PoolForward computes the max reduction of x over pool windows into y.
	PoolForward(pool PoolDesc, x TensorDesc, xb Buffer, y TensorDesc, yb Buffer) error

	// PoolBackward routes dy to the positions of x that produced the forward
	// maxima in y, writing dx. Both the forward input and output are
	// required to disambiguate ties.
	PoolBackward(pool PoolDesc, y TensorDesc, yb, dyb Buffer, x TensorDesc, xb, dxb Buffer) error

	// ActivationForward applies the elementwise nonlinearity to x into y.
	ActivationForward(mode ActivationMode, n int, xb, yb Buffer) error

	// ActivationBackward computes dx from the forward input x, forward
	// output y and upstream gradient dy.
	ActivationBackward(mode ActivationMode, n int, yb, dyb, xb, dxb Buffer) error

	// SoftmaxForward applies a numerically stable softmax over the channel
	// dimension of each batch row of x into y.
	SoftmaxForward(x TensorDesc, xb, yb Buffer) error

	// SoftmaxBackward folds the upstream gradient dy through the softmax
	// output y into dx, per batch row.
	SoftmaxBackward(y TensorDesc, yb, dyb, dxb Buffer) error

	// SoftmaxLossGrad subtracts 1.0 from g at the true-class index of every
	// batch row: g[i*classes + labels[i]] -= 1. Labels are float-encoded
	// class indices, one per batch row.
	SoftmaxLossGrad(g Buffer, labels Buffer, batch, classes int) error

	// Synchronize blocks until all previously issued work has completed.
	Synchronize() error

	// Close releases backend-owned resources. Buffers must be released
	// before the backend is closed.
	Close() error
}
