package webgpu

import (
	"encoding/binary"
	"math"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

// params accumulates a uniform parameter block in WGSL field order.
type params []byte

func (p params) u32(v int) params {
	return binary.LittleEndian.AppendUint32(p, uint32(v))
}

func (p params) i32(v int) params {
	return binary.LittleEndian.AppendUint32(p, uint32(int32(v)))
}

func (p params) f32(v float32) params {
	return binary.LittleEndian.AppendUint32(p, math.Float32bits(v))
}

// Fill sets the first n elements of dst to v.
func (b *Backend) Fill(dst device.Buffer, n int, v float32) error {
	return b.dispatch("fill", fillShader,
		[]device.Buffer{dst},
		params{}.u32(n).f32(v),
		groups1D(n), 1, 1)
}

// Axpy computes y[i] += alpha * x[i].
func (b *Backend) Axpy(n int, alpha float32, x, y device.Buffer) error {
	return b.dispatch("axpy", axpyShader,
		[]device.Buffer{x, y},
		params{}.u32(n).f32(alpha),
		groups1D(n), 1, 1)
}

// Gemm computes C = alpha*op(A)*op(B) + beta*C, row-major, one thread per
// output element in 16x16 tiles.
func (b *Backend) Gemm(transA, transB bool, m, n, k int, alpha float32, a, bb device.Buffer, beta float32, c device.Buffer) error {
	flag := func(t bool) int {
		if t {
			return 1
		}
		return 0
	}
	return b.dispatch("gemm", gemmShader,
		[]device.Buffer{a, bb, c},
		params{}.u32(m).u32(n).u32(k).u32(flag(transA)).u32(flag(transB)).f32(alpha).f32(beta),
		uint32((n+15)/16), uint32((m+15)/16), 1)
}

// The backend carries one direct kernel per convolution primitive; every
// algorithm query selects it with no workspace requirement.

func (b *Backend) ConvForwardAlgo(device.TensorDesc, device.FilterDesc, device.ConvDesc, device.TensorDesc) (device.ConvAlgo, int, error) {
	return 0, 0, nil
}

func (b *Backend) ConvBackwardDataAlgo(device.FilterDesc, device.TensorDesc, device.ConvDesc, device.TensorDesc) (device.ConvAlgo, int, error) {
	return 0, 0, nil
}

func (b *Backend) ConvBackwardFilterAlgo(device.TensorDesc, device.TensorDesc, device.ConvDesc, device.FilterDesc) (device.ConvAlgo, int, error) {
	return 0, 0, nil
}

func convParams(x device.TensorDesc, w device.FilterDesc, conv device.ConvDesc, y device.TensorDesc) params {
	return params{}.
		u32(x.N).u32(x.C).u32(x.H).u32(x.W).
		u32(y.C).u32(y.H).u32(y.W).
		u32(w.K).i32(conv.Pad).u32(conv.Stride)
}

// ConvForward computes y = conv(x, w), one thread per output element.
func (b *Backend) ConvForward(x device.TensorDesc, xb device.Buffer, w device.FilterDesc, wb device.Buffer, conv device.ConvDesc, algo device.ConvAlgo, workspace device.Buffer, y device.TensorDesc, yb device.Buffer) error {
	return b.dispatch("conv_forward", convForwardShader,
		[]device.Buffer{xb, wb, yb},
		convParams(x, w, conv, y),
		groups1D(y.Count()), 1, 1)
}

// ConvBackwardData computes dx in gather form, one thread per input element.
func (b *Backend) ConvBackwardData(w device.FilterDesc, wb device.Buffer, dy device.TensorDesc, dyb device.Buffer, conv device.ConvDesc, algo device.ConvAlgo, workspace device.Buffer, dx device.TensorDesc, dxb device.Buffer) error {
	return b.dispatch("conv_backward_data", convBackwardDataShader,
		[]device.Buffer{wb, dyb, dxb},
		convParams(dx, w, conv, dy),
		groups1D(dx.Count()), 1, 1)
}

// ConvBackwardFilter computes dw, one thread per filter weight.
func (b *Backend) ConvBackwardFilter(x device.TensorDesc, xb device.Buffer, dy device.TensorDesc, dyb device.Buffer, conv device.ConvDesc, algo device.ConvAlgo, workspace device.Buffer, dw device.FilterDesc, dwb device.Buffer) error {
	return b.dispatch("conv_backward_filter", convBackwardFilterShader,
		[]device.Buffer{xb, dyb, dwb},
		convParams(x, dw, conv, dy),
		groups1D(dw.Count()), 1, 1)
}

// ConvBackwardBias sums dy over batch and spatial positions into db.
func (b *Backend) ConvBackwardBias(dy device.TensorDesc, dyb, db device.Buffer) error {
	return b.dispatch("conv_backward_bias", convBackwardBiasShader,
		[]device.Buffer{dyb, db},
		params{}.u32(dy.N).u32(dy.C).u32(dy.H*dy.W),
		groups1D(dy.C), 1, 1)
}

// AddBias adds bias[c] to every element of channel c of y.
func (b *Backend) AddBias(bias device.Buffer, y device.TensorDesc, yb device.Buffer) error {
	return b.dispatch("add_bias", addBiasShader,
		[]device.Buffer{bias, yb},
		params{}.u32(y.Count()).u32(y.C).u32(y.H*y.W),
		groups1D(y.Count()), 1, 1)
}

func poolParams(pool device.PoolDesc, x, y device.TensorDesc) params {
	return params{}.
		u32(x.N).u32(x.C).u32(x.H).u32(x.W).
		u32(y.H).u32(y.W).
		u32(pool.Kernel).u32(pool.Stride)
}

// PoolForward takes the max of each pool window of x into y.
func (b *Backend) PoolForward(pool device.PoolDesc, x device.TensorDesc, xb device.Buffer, y device.TensorDesc, yb device.Buffer) error {
	return b.dispatch("pool_forward", poolForwardShader,
		[]device.Buffer{xb, yb},
		poolParams(pool, x, y),
		groups1D(y.Count()), 1, 1)
}

// PoolBackward routes dy to the first-max positions of x, one thread per
// input element.
func (b *Backend) PoolBackward(pool device.PoolDesc, y device.TensorDesc, yb, dyb device.Buffer, x device.TensorDesc, xb, dxb device.Buffer) error {
	return b.dispatch("pool_backward", poolBackwardShader,
		[]device.Buffer{xb, yb, dyb, dxb},
		poolParams(pool, x, y),
		groups1D(x.Count()), 1, 1)
}

// ActivationForward applies the elementwise nonlinearity.
func (b *Backend) ActivationForward(mode device.ActivationMode, n int, xb, yb device.Buffer) error {
	return b.dispatch("activation_forward", activationForwardShader,
		[]device.Buffer{xb, yb},
		params{}.u32(n).u32(int(mode)),
		groups1D(n), 1, 1)
}

// ActivationBackward computes dx = dy * f'(x).
func (b *Backend) ActivationBackward(mode device.ActivationMode, n int, yb, dyb, xb, dxb device.Buffer) error {
	return b.dispatch("activation_backward", activationBackwardShader,
		[]device.Buffer{yb, dyb, xb, dxb},
		params{}.u32(n).u32(int(mode)),
		groups1D(n), 1, 1)
}

// SoftmaxForward applies a max-subtracted softmax, one thread per batch row.
func (b *Backend) SoftmaxForward(x device.TensorDesc, xb, yb device.Buffer) error {
	cols := x.C * x.H * x.W
	return b.dispatch("softmax_forward", softmaxForwardShader,
		[]device.Buffer{xb, yb},
		params{}.u32(x.N).u32(cols),
		groups1D(x.N), 1, 1)
}

// SoftmaxBackward computes dx = y * (dy - dot(dy, y)) per batch row.
func (b *Backend) SoftmaxBackward(y device.TensorDesc, yb, dyb, dxb device.Buffer) error {
	cols := y.C * y.H * y.W
	return b.dispatch("softmax_backward", softmaxBackwardShader,
		[]device.Buffer{yb, dyb, dxb},
		params{}.u32(y.N).u32(cols),
		groups1D(y.N), 1, 1)
}

// SoftmaxLossGrad subtracts 1.0 at the true-class index of every batch row.
func (b *Backend) SoftmaxLossGrad(g, labels device.Buffer, batch, classes int) error {
	return b.dispatch("softmax_loss_grad", softmaxLossGradShader,
		[]device.Buffer{g, labels},
		params{}.u32(batch).u32(classes),
		groups1D(batch), 1, 1)
}
