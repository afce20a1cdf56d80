package mock

import (
	"fmt"
	"math"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

// PoolForward takes the maximum over each pooling window.
func (b *Backend) PoolForward(pool device.PoolDesc, x device.TensorDesc, xb device.Buffer, y device.TensorDesc, yb device.Buffer) error {
	xs, ys := Slice(xb), Slice(yb)

	for n := 0; n < y.N; n++ {
		for c := 0; c < y.C; c++ {
			for oh := 0; oh < y.H; oh++ {
				for ow := 0; ow < y.W; ow++ {
					best := float32(math.Inf(-1))
					for kh := 0; kh < pool.Kernel; kh++ {
						for kw := 0; kw < pool.Kernel; kw++ {
							ih := oh*pool.Stride + kh
							iw := ow*pool.Stride + kw
							if ih >= x.H || iw >= x.W {
								continue
							}
							v := xs[((n*x.C+c)*x.H+ih)*x.W+iw]
							if v > best {
								best = v
							}
						}
					}
					ys[((n*y.C+c)*y.H+oh)*y.W+ow] = best
				}
			}
		}
	}
	return nil
}

// PoolBackward routes each output gradient to the first window position
// whose forward input equals the forward maximum; every other position in
// the window receives zero.
func (b *Backend) PoolBackward(pool device.PoolDesc, y device.TensorDesc, yb, dyb device.Buffer, x device.TensorDesc, xb, dxb device.Buffer) error {
	xs, ys, dys, dxs := Slice(xb), Slice(yb), Slice(dyb), Slice(dxb)

	for i := range dxs[:x.Count()] {
		dxs[i] = 0
	}
	for n := 0; n < y.N; n++ {
		for c := 0; c < y.C; c++ {
			for oh := 0; oh < y.H; oh++ {
				for ow := 0; ow < y.W; ow++ {
					oi := ((n*y.C+c)*y.H+oh)*y.W + ow
					maxVal := ys[oi]
				window:
					for kh := 0; kh < pool.Kernel; kh++ {
						for kw := 0; kw < pool.Kernel; kw++ {
							ih := oh*pool.Stride + kh
							iw := ow*pool.Stride + kw
							if ih >= x.H || iw >= x.W {
								continue
							}
							xi := ((n*x.C+c)*x.H+ih)*x.W + iw
							if xs[xi] == maxVal {
								dxs[xi] += dys[oi]
								break window
							}
						}
					}
				}
			}
		}
	}
	return nil
}

// ActivationForward applies the elementwise nonlinearity.
func (b *Backend) ActivationForward(mode device.ActivationMode, n int, xb, yb device.Buffer) error {
	xs, ys := Slice(xb), Slice(yb)

	switch mode {
	case device.ActivationSigmoid:
		for i := 0; i < n; i++ {
			ys[i] = float32(1 / (1 + math.Exp(-float64(xs[i]))))
		}
	case device.ActivationReLU:
		for i := 0; i < n; i++ {
			if xs[i] > 0 {
				ys[i] = xs[i]
			} else {
				ys[i] = 0
			}
		}
	case device.ActivationTanh:
		for i := 0; i < n; i++ {
			ys[i] = float32(math.Tanh(float64(xs[i])))
		}
	default:
		return fmt.Errorf("mock: unsupported activation mode %d", mode)
	}
	return nil
}

// ActivationBackward computes dx = dy * f'(x), using the forward output
// where the derivative is cheaper to express in terms of it.
func (b *Backend) ActivationBackward(mode device.ActivationMode, n int, yb, dyb, xb, dxb device.Buffer) error {
	xs, ys, dys, dxs := Slice(xb), Slice(yb), Slice(dyb), Slice(dxb)

	switch mode {
	case device.ActivationSigmoid:
		for i := 0; i < n; i++ {
			dxs[i] = dys[i] * ys[i] * (1 - ys[i])
		}
	case device.ActivationReLU:
		for i := 0; i < n; i++ {
			if xs[i] > 0 {
				dxs[i] = dys[i]
			} else {
				dxs[i] = 0
			}
		}
	case device.ActivationTanh:
		for i := 0; i < n; i++ {
			dxs[i] = dys[i] * (1 - ys[i]*ys[i])
		}
	default:
		return fmt.Errorf("mock: unsupported activation mode %d", mode)
	}
	return nil
}

// SoftmaxForward computes a max-subtracted softmax over the channel
// dimension of each batch row.
func (b *Backend) SoftmaxForward(x device.TensorDesc, xb, yb device.Buffer) error {
	xs, ys := Slice(xb), Slice(yb)
	row := x.C * x.H * x.W

	for n := 0; n < x.N; n++ {
		off := n * row
		maxVal := xs[off]
		for i := 1; i < row; i++ {
			if xs[off+i] > maxVal {
				maxVal = xs[off+i]
			}
		}
		var sum float64
		for i := 0; i < row; i++ {
			e := math.Exp(float64(xs[off+i] - maxVal))
			ys[off+i] = float32(e)
			sum += e
		}
		for i := 0; i < row; i++ {
			ys[off+i] = float32(float64(ys[off+i]) / sum)
		}
	}
	return nil
}

// SoftmaxBackward computes dx = y * (dy - dot(dy, y)) per batch row.
func (b *Backend) SoftmaxBackward(y device.TensorDesc, yb, dyb, dxb device.Buffer) error {
	ys, dys, dxs := Slice(yb), Slice(dyb), Slice(dxb)
	row := y.C * y.H * y.W

	for n := 0; n < y.N; n++ {
		off := n * row
		var dot float32
		for i := 0; i < row; i++ {
			dot += dys[off+i] * ys[off+i]
		}
		for i := 0; i < row; i++ {
			dxs[off+i] = ys[off+i] * (dys[off+i] - dot)
		}
	}
	return nil
}

// SoftmaxLossGrad subtracts one at the true-class index of each batch row.
func (b *Backend) SoftmaxLossGrad(g device.Buffer, labels device.Buffer, batch, classes int) error {
	gs, ls := Slice(g), Slice(labels)

	for i := 0; i < batch; i++ {
		label := int(ls[i])
		if label < 0 || label >= classes {
			return fmt.Errorf("mock: label %d out of range [0, %d)", label, classes)
		}
		gs[i*classes+label] -= 1
	}
	return nil
}
