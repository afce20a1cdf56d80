package network

import (
	"errors"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/dataset"
	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device/mock"
	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/layer"
)

func testConfig(batch int) Config {
	return Config{
		BatchSize:    batch,
		LearningRate: 0.1,
		Gamma:        0.01,
		Power:        2,
		Seed:         1,
	}
}

// smallNet builds data -> fc -> softmax over two features and two classes.
func smallNet(t *testing.T, backend device.Backend, batch int) *Network {
	t.Helper()
	net, err := New(backend, testConfig(batch))
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))

	src, err := layer.NewDataSource(backend, "data", device.TensorDesc{N: batch, C: 2, H: 1, W: 1})
	require.NoError(t, err)
	h, err := net.Add(src)
	require.NoError(t, err)

	fc, err := layer.NewFullyConnected(backend, "fc", src.Out(), 2, true, rng)
	require.NoError(t, err)
	h, err = net.Add(fc, h)
	require.NoError(t, err)

	out, err := layer.NewOutput(backend, "softmax", fc.Out(), src.Labels())
	require.NoError(t, err)
	_, err = net.Add(out, h)
	require.NoError(t, err)

	require.NoError(t, net.Assemble())
	t.Cleanup(func() { net.Close() })
	return net
}

func twoSampleSet() *dataset.Set {
	return &dataset.Set{
		Images: [][]byte{{255, 0}, {0, 255}},
		Labels: []byte{0, 1},
		Rows:   2,
		Cols:   1,
	}
}

func TestAddValidatesShapes(t *testing.T) {
	backend := mock.New()
	net, err := New(backend, testConfig(1))
	require.NoError(t, err)
	defer net.Close()
	rng := rand.New(rand.NewSource(1))

	src, err := layer.NewDataSource(backend, "data", device.TensorDesc{N: 1, C: 4, H: 1, W: 1})
	require.NoError(t, err)
	h, err := net.Add(src)
	require.NoError(t, err)

	// Mismatched feature count rejected at link time.
	bad, err := layer.NewFullyConnected(backend, "bad", device.TensorDesc{N: 1, C: 3, H: 1, W: 1}, 2, true, rng)
	require.NoError(t, err)
	_, err = net.Add(bad, h)
	require.Error(t, err)
	bad.Close()

	// Unknown upstream handle rejected.
	fc, err := layer.NewFullyConnected(backend, "fc", src.Out(), 2, true, rng)
	require.NoError(t, err)
	_, err = net.Add(fc, 42)
	require.Error(t, err)

	_, err = net.Add(fc, h)
	require.NoError(t, err)

	// Only one data source per network.
	second, err := layer.NewDataSource(backend, "data2", device.TensorDesc{N: 1, C: 4, H: 1, W: 1})
	require.NoError(t, err)
	_, err = net.Add(second)
	require.Error(t, err)
	second.Close()

	// Every non-source layer needs at least one upstream.
	orphan, err := layer.NewActivation(backend, "orphan", src.Out(), device.ActivationReLU, false)
	require.NoError(t, err)
	_, err = net.Add(orphan)
	require.Error(t, err)
	orphan.Close()
}

// A layer consumed by two siblings receives the sum of their input
// gradients, regardless of the order the siblings ran in.
func TestFanOutGradientSum(t *testing.T) {
	backend := mock.New()
	net, err := New(backend, testConfig(1))
	require.NoError(t, err)
	defer net.Close()

	shape := device.TensorDesc{N: 1, C: 2, H: 1, W: 1}
	src, err := layer.NewDataSource(backend, "data", shape)
	require.NoError(t, err)
	hSrc, err := net.Add(src)
	require.NoError(t, err)

	trunk, err := layer.NewActivation(backend, "trunk", shape, device.ActivationReLU, false)
	require.NoError(t, err)
	hTrunk, err := net.Add(trunk, hSrc)
	require.NoError(t, err)

	left, err := layer.NewActivation(backend, "left", shape, device.ActivationReLU, false)
	require.NoError(t, err)
	hLeft, err := net.Add(left, hTrunk)
	require.NoError(t, err)

	right, err := layer.NewActivation(backend, "right", shape, device.ActivationReLU, false)
	require.NoError(t, err)
	hRight, err := net.Add(right, hTrunk)
	require.NoError(t, err)

	// The head fans the two branches back in as a sum-join.
	out, err := layer.NewOutput(backend, "softmax", shape, src.Labels())
	require.NoError(t, err)
	_, err = net.Add(out, hLeft, hRight)
	require.NoError(t, err)

	require.NoError(t, net.Assemble())
	require.NoError(t, src.SetBatch([]float32{1, 2}, []float32{0}))
	require.NoError(t, net.Forward())

	// Positive inputs make every relu the identity, so the head sees the
	// trunk output doubled.
	joined := mock.Slice(net.joinIn[len(net.layers)-1])
	assert.Equal(t, []float32{2, 4}, joined)

	require.NoError(t, net.Backward())

	want := make([]float32, 2)
	lg, rg := mock.Slice(left.InputGrad()), mock.Slice(right.InputGrad())
	for i := range want {
		want[i] = lg[i] + rg[i]
	}
	assert.Equal(t, want, mock.Slice(trunk.InputGrad()))
}

func TestTrainAdvancesSchedule(t *testing.T) {
	backend := mock.New()
	net := smallNet(t, backend, 1)
	set := twoSampleSet()

	require.NoError(t, net.Train(set, 3))

	cfg := testConfig(1)
	want := float64(cfg.LearningRate) * math.Pow(1+cfg.Gamma*3, -cfg.Power)
	assert.Equal(t, 3, net.Iteration())
	assert.InDelta(t, want, float64(net.LastRate()), 1e-7)

	// The counter keeps accumulating across calls.
	require.NoError(t, net.Train(set, 2))
	assert.Equal(t, 5, net.Iteration())
}

// A convolutional stack trains end to end, exercising the filter, bias and
// data gradients through the full backward pass.
func TestTrainConvStack(t *testing.T) {
	backend := mock.New()
	net, err := New(backend, testConfig(1))
	require.NoError(t, err)
	defer net.Close()
	rng := rand.New(rand.NewSource(1))

	src, err := layer.NewDataSource(backend, "data", device.TensorDesc{N: 1, C: 1, H: 6, W: 6})
	require.NoError(t, err)
	h, err := net.Add(src)
	require.NoError(t, err)

	conv1, err := layer.NewConvolution(backend, "conv1", src.Out(), 2, 3, 0, 1, true, rng)
	require.NoError(t, err)
	h, err = net.Add(conv1, h)
	require.NoError(t, err)

	pool, err := layer.NewMaxPool(backend, "pool1", conv1.Out(), 2, 2, false)
	require.NoError(t, err)
	h, err = net.Add(pool, h)
	require.NoError(t, err)

	// 1x1 convolution after the pool runs the data-gradient path too.
	conv2, err := layer.NewConvolution(backend, "conv2", pool.Out(), 4, 1, 0, 1, false, rng)
	require.NoError(t, err)
	h, err = net.Add(conv2, h)
	require.NoError(t, err)

	out, err := layer.NewOutput(backend, "softmax", conv2.Out(), src.Labels())
	require.NoError(t, err)
	_, err = net.Add(out, h)
	require.NoError(t, err)

	require.NoError(t, net.Assemble())

	img := make([]byte, 36)
	for i := range img {
		img[i] = byte(i * 7)
	}
	set := &dataset.Set{Images: [][]byte{img}, Labels: []byte{5}, Rows: 6, Cols: 6}

	beforeDir, afterDir := t.TempDir(), t.TempDir()
	require.NoError(t, conv2.SaveParams(beforeDir))

	require.NoError(t, net.Train(set, 2))
	assert.Equal(t, 2, net.Iteration())

	// The filter must have moved under training.
	require.NoError(t, conv2.SaveParams(afterDir))
	before, err := os.ReadFile(filepath.Join(beforeDir, "conv2.oolon"))
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(afterDir, "conv2.oolon"))
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestTrainRejectsOversizedBatch(t *testing.T) {
	backend := mock.New()
	net := smallNet(t, backend, 5)

	err := net.Train(twoSampleSet(), 1)
	require.Error(t, err)
}

func TestPredict(t *testing.T) {
	backend := mock.New()
	net := smallNet(t, backend, 1)

	class, err := net.Predict([]byte{255, 0})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, class, 0)
	assert.Less(t, class, 2)
}

func TestCheckpointRoundTrip(t *testing.T) {
	backend := mock.New()
	dir := t.TempDir()

	net := smallNet(t, backend, 1)
	require.NoError(t, net.Train(twoSampleSet(), 4))
	require.NoError(t, net.Save(dir))

	restored := smallNet(t, backend, 1)
	require.NoError(t, restored.Load(dir))

	assert.Equal(t, net.Iteration(), restored.Iteration())
	assert.Equal(t, net.LastRate(), restored.LastRate())

	// Parameters travel with the counters: identical forward results.
	a, err := net.Predict([]byte{200, 10})
	require.NoError(t, err)
	b, err := restored.Predict([]byte{200, 10})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// A missing checkpoint is recoverable: the error wraps fs.ErrNotExist so
// callers can fall back to the fresh initialization.
func TestLoadMissingCheckpoint(t *testing.T) {
	backend := mock.New()
	net := smallNet(t, backend, 1)

	err := net.Load(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
