package layer

import (
	"errors"
	"io/fs"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device/mock"
)

// attach wires a freshly filled ones vector into the layer, as the network
// does at assembly.
func attach(t *testing.T, backend device.Backend, l Layer, batch int) {
	t.Helper()
	ones, err := backend.Alloc(batch)
	require.NoError(t, err)
	require.NoError(t, backend.Fill(ones, batch, 1))
	l.Attach(Shared{Ones: ones})
	t.Cleanup(ones.Release)
}

func TestFullyConnectedForward(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 2, C: 2, H: 1, W: 1}

	l, err := NewFullyConnected(backend, "fc", in, 2, false, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	defer l.Close()
	attach(t, backend, l, 2)

	// Fix the parameters: W = [[1,2],[3,4]], B = [0.5, -0.5].
	require.NoError(t, backend.Upload(l.w, []float32{1, 2, 3, 4}))
	require.NoError(t, backend.Upload(l.bias, []float32{0.5, -0.5}))

	x, err := backend.Alloc(4)
	require.NoError(t, err)
	defer x.Release()
	require.NoError(t, backend.Upload(x, []float32{1, 2, 3, 4}))

	require.NoError(t, l.Forward(x))
	assert.Equal(t, []float32{7.5, 9.5, 15.5, 21.5}, mock.Slice(l.Output()))
}

func TestFullyConnectedBackward(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 2, C: 2, H: 1, W: 1}

	l, err := NewFullyConnected(backend, "fc", in, 2, false, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	defer l.Close()
	attach(t, backend, l, 2)

	require.NoError(t, backend.Upload(l.w, []float32{1, 2, 3, 4}))

	x, err := backend.Alloc(4)
	require.NoError(t, err)
	defer x.Release()
	require.NoError(t, backend.Upload(x, []float32{1, 2, 3, 4}))

	dy, err := backend.Alloc(4)
	require.NoError(t, err)
	defer dy.Release()
	require.NoError(t, backend.Upload(dy, []float32{1, 0, 0, 1}))

	require.NoError(t, l.Backward(x, dy))
	assert.Equal(t, []float32{1, 3, 2, 4}, mock.Slice(l.dw), "dW = Xt*dY")
	assert.Equal(t, []float32{1, 1}, mock.Slice(l.db), "dB = ones_t*dY")
	assert.Equal(t, []float32{1, 3, 2, 4}, mock.Slice(l.InputGrad()), "dX = dY*Wt")

	// Update folds the gradient into the parameters.
	require.NoError(t, l.Update(0.5))
	assert.Equal(t, []float32{0.5, 0.5, 2, 2}, mock.Slice(l.w))
	assert.Equal(t, []float32{-0.5, -0.5}, mock.Slice(l.bias))
}

func TestFullyConnectedEntrySkipsInputGrad(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 3, H: 1, W: 1}

	l, err := NewFullyConnected(backend, "fc", in, 2, true, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	defer l.Close()

	assert.Nil(t, l.InputGrad())
}

func TestConvolutionOutputShape(t *testing.T) {
	backend := mock.New()
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name              string
		in                device.TensorDesc
		outC, k, pad, str int
		wantH, wantW      int
	}{
		{"5x5 valid", device.TensorDesc{N: 1, C: 1, H: 28, W: 28}, 20, 5, 0, 1, 24, 24},
		{"5x5 on pooled", device.TensorDesc{N: 1, C: 20, H: 12, W: 12}, 50, 5, 0, 1, 8, 8},
		{"3x3 padded", device.TensorDesc{N: 2, C: 3, H: 8, W: 8}, 4, 3, 1, 1, 8, 8},
		{"strided", device.TensorDesc{N: 1, C: 1, H: 7, W: 7}, 1, 3, 0, 2, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewConvolution(backend, "conv", tt.in, tt.outC, tt.k, tt.pad, tt.str, false, rng)
			require.NoError(t, err)
			defer l.Close()

			out := l.Out()
			assert.Equal(t, tt.wantH, out.H)
			assert.Equal(t, tt.wantW, out.W)
			assert.Equal(t, tt.outC, out.C)
			assert.Equal(t, tt.in.N, out.N)
		})
	}
}

func TestDegenerateShapeRejected(t *testing.T) {
	backend := mock.New()

	_, err := NewActivation(backend, "act", device.TensorDesc{N: 1, C: 0, H: 1, W: 1}, device.ActivationReLU, false)
	require.Error(t, err)

	_, err = NewDataSource(backend, "data", device.TensorDesc{N: 0, C: 1, H: 1, W: 1})
	require.Error(t, err)
}

func TestConvolutionKernelTooLarge(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 1, H: 3, W: 3}
	_, err := NewConvolution(backend, "conv", in, 1, 5, 0, 1, false, rand.New(rand.NewSource(1)))
	require.Error(t, err)
}

func TestConvolutionForward(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 1, H: 3, W: 3}

	l, err := NewConvolution(backend, "conv", in, 1, 2, 0, 1, false, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	defer l.Close()

	// All-ones 2x2 filter with bias 1: each output is the window sum plus 1.
	require.NoError(t, backend.Upload(l.w, []float32{1, 1, 1, 1}))
	require.NoError(t, backend.Upload(l.bias, []float32{1}))

	x, err := backend.Alloc(9)
	require.NoError(t, err)
	defer x.Release()
	require.NoError(t, backend.Upload(x, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}))

	require.NoError(t, l.Forward(x))
	assert.Equal(t, []float32{13, 17, 25, 29}, mock.Slice(l.Output()))
}

func TestConvolutionBackward(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 1, H: 3, W: 3}

	l, err := NewConvolution(backend, "conv", in, 1, 2, 0, 1, false, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, backend.Upload(l.w, []float32{1, 1, 1, 1}))

	x, err := backend.Alloc(9)
	require.NoError(t, err)
	defer x.Release()
	require.NoError(t, backend.Upload(x, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}))

	dy, err := backend.Alloc(4)
	require.NoError(t, err)
	defer dy.Release()
	require.NoError(t, backend.Upload(dy, []float32{1, 2, 3, 4}))

	require.NoError(t, l.Backward(x, dy))

	// dw[kh][kw] = sum over output positions of x[oh+kh][ow+kw] * dy[oh][ow].
	assert.Equal(t, []float32{37, 47, 67, 77}, mock.Slice(l.dw))
	// db = sum of dy.
	assert.Equal(t, []float32{10}, mock.Slice(l.db))
	// dx scatters each dy through the all-ones filter back onto the windows
	// that covered the input position.
	assert.Equal(t, []float32{
		1, 3, 2,
		4, 10, 6,
		3, 7, 4,
	}, mock.Slice(l.InputGrad()))
}

func TestConvolutionBackwardEntrySkipsData(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 1, H: 3, W: 3}

	l, err := NewConvolution(backend, "conv", in, 1, 2, 0, 1, true, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	defer l.Close()
	require.Nil(t, l.InputGrad())

	x, err := backend.Alloc(9)
	require.NoError(t, err)
	defer x.Release()
	dy, err := backend.Alloc(4)
	require.NoError(t, err)
	defer dy.Release()
	require.NoError(t, backend.Upload(dy, []float32{1, 1, 1, 1}))

	require.NoError(t, l.Backward(x, dy))
	assert.Equal(t, []float32{4}, mock.Slice(l.db))
}

func TestMaxPoolShapeAndRouting(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 1, H: 4, W: 4}

	l, err := NewMaxPool(backend, "pool", in, 2, 2, false)
	require.NoError(t, err)
	defer l.Close()

	out := l.Out()
	require.Equal(t, 2, out.H)
	require.Equal(t, 2, out.W)

	x, err := backend.Alloc(16)
	require.NoError(t, err)
	defer x.Release()
	require.NoError(t, backend.Upload(x, []float32{
		1, 2, 5, 6,
		3, 4, 7, 8,
		9, 10, 13, 14,
		11, 12, 15, 16,
	}))

	require.NoError(t, l.Forward(x))
	assert.Equal(t, []float32{4, 8, 12, 16}, mock.Slice(l.Output()))

	dy, err := backend.Alloc(4)
	require.NoError(t, err)
	defer dy.Release()
	require.NoError(t, backend.Upload(dy, []float32{1, 2, 3, 4}))

	require.NoError(t, l.Backward(x, dy))
	assert.Equal(t, []float32{
		0, 0, 0, 0,
		0, 1, 0, 2,
		0, 0, 0, 0,
		0, 3, 0, 4,
	}, mock.Slice(l.InputGrad()))
}

// Trailing rows and columns that do not fill a window are dropped.
func TestMaxPoolDropsPartialWindows(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 1, H: 5, W: 5}

	l, err := NewMaxPool(backend, "pool", in, 2, 2, false)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, 2, l.Out().H)
	assert.Equal(t, 2, l.Out().W)
}

func TestActivationForwardBackward(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 4, H: 1, W: 1}

	l, err := NewActivation(backend, "relu", in, device.ActivationReLU, false)
	require.NoError(t, err)
	defer l.Close()

	x, err := backend.Alloc(4)
	require.NoError(t, err)
	defer x.Release()
	require.NoError(t, backend.Upload(x, []float32{-1, 0, 2, -3}))

	require.NoError(t, l.Forward(x))
	assert.Equal(t, []float32{0, 0, 2, 0}, mock.Slice(l.Output()))

	dy, err := backend.Alloc(4)
	require.NoError(t, err)
	defer dy.Release()
	require.NoError(t, backend.Upload(dy, []float32{1, 1, 1, 1}))

	require.NoError(t, l.Backward(x, dy))
	assert.Equal(t, []float32{0, 0, 1, 0}, mock.Slice(l.InputGrad()))
}

// Forward is idempotent: repeating it with unchanged input leaves the output
// unchanged.
func TestActivationForwardIdempotent(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 3, H: 1, W: 1}

	l, err := NewActivation(backend, "sig", in, device.ActivationSigmoid, false)
	require.NoError(t, err)
	defer l.Close()

	x, err := backend.Alloc(3)
	require.NoError(t, err)
	defer x.Release()
	require.NoError(t, backend.Upload(x, []float32{-1, 0, 1}))

	require.NoError(t, l.Forward(x))
	first := append([]float32(nil), mock.Slice(l.Output())...)
	require.NoError(t, l.Forward(x))
	assert.Equal(t, first, mock.Slice(l.Output()))
}

func TestOutputLossGrad(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 2, C: 3, H: 1, W: 1}

	labels, err := backend.Alloc(2)
	require.NoError(t, err)
	defer labels.Release()
	require.NoError(t, backend.Upload(labels, []float32{2, 0}))

	l, err := NewOutput(backend, "softmax", in, labels)
	require.NoError(t, err)
	defer l.Close()

	x, err := backend.Alloc(6)
	require.NoError(t, err)
	defer x.Release()
	require.NoError(t, backend.Upload(x, []float32{1, 2, 3, 3, 1, 1}))

	require.NoError(t, l.Forward(x))

	probs := mock.Slice(l.Output())
	for row := 0; row < 2; row++ {
		var sum float32
		for c := 0; c < 3; c++ {
			sum += probs[row*3+c]
		}
		assert.InDelta(t, 1.0, sum, 1e-6, "row %d", row)
	}

	require.NoError(t, l.Backward(nil, nil))

	// The loss gradient is p - onehot(label) per row.
	g := mock.Slice(l.LossGrad())
	assert.InDelta(t, probs[2]-1, g[2], 1e-6)
	assert.InDelta(t, probs[0], g[0], 1e-6)
	assert.InDelta(t, probs[3]-1, g[3], 1e-6)
	assert.InDelta(t, probs[4], g[4], 1e-6)
}

func TestDataSourceSetBatch(t *testing.T) {
	backend := mock.New()
	shape := device.TensorDesc{N: 2, C: 1, H: 2, W: 2}

	l, err := NewDataSource(backend, "data", shape)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.SetBatch(
		[]float32{1, 2, 3, 4, 5, 6, 7, 8},
		[]float32{3, 7},
	))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, mock.Slice(l.Output()))
	assert.Equal(t, []float32{3, 7}, mock.Slice(l.Labels()))

	// A short batch fills only the leading slots.
	require.NoError(t, l.SetBatch([]float32{9, 9, 9, 9}, []float32{1}))
	assert.Equal(t, []float32{9, 9, 9, 9, 5, 6, 7, 8}, mock.Slice(l.Output()))

	err = l.SetBatch(make([]float32, 9), []float32{0, 0})
	require.Error(t, err)
}

func TestFullyConnectedPersistRoundTrip(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 4, H: 1, W: 1}
	dir := t.TempDir()

	src, err := NewFullyConnected(backend, "fc1", in, 3, false, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, backend.Upload(src.bias, []float32{1, 2, 3}))
	require.NoError(t, src.SaveParams(dir))

	dst, err := NewFullyConnected(backend, "fc1", in, 3, false, rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.LoadParams(dir))

	assert.Equal(t, src.hostW, dst.hostW)
	assert.Equal(t, []float32{1, 2, 3}, dst.hostB)
	assert.Equal(t, mock.Slice(src.w), mock.Slice(dst.w))
}

func TestLoadParamsMissingFile(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 4, H: 1, W: 1}

	l, err := NewFullyConnected(backend, "fc1", in, 3, false, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	defer l.Close()

	err = l.LoadParams(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestConvolutionPersistRoundTrip(t *testing.T) {
	backend := mock.New()
	in := device.TensorDesc{N: 1, C: 2, H: 6, W: 6}
	dir := t.TempDir()

	src, err := NewConvolution(backend, "conv1", in, 3, 3, 0, 1, false, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, src.SaveParams(dir))

	dst, err := NewConvolution(backend, "conv1", in, 3, 3, 0, 1, false, rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.LoadParams(dir))

	assert.Equal(t, src.hostW, dst.hostW)
}
