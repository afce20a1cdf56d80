package mock

import (
	"fmt"

	"github.com/bowen666/oolon-cudnn-neuralnetwork-frame/internal/device"
)

// ConvForward computes a direct cross-correlation plus nothing (bias is a
// separate AddBias call, as in the vendor library).
func (b *Backend) ConvForward(x device.TensorDesc, xb device.Buffer, w device.FilterDesc, wb device.Buffer, conv device.ConvDesc, _ device.ConvAlgo, _ device.Buffer, y device.TensorDesc, yb device.Buffer) error {
	if x.C != w.InC {
		return fmt.Errorf("mock: conv input channels %d != filter in-channels %d", x.C, w.InC)
	}
	xs, ws, ys := Slice(xb), Slice(wb), Slice(yb)

	for n := 0; n < y.N; n++ {
		for co := 0; co < y.C; co++ {
			for oh := 0; oh < y.H; oh++ {
				for ow := 0; ow < y.W; ow++ {
					var sum float32
					for ci := 0; ci < x.C; ci++ {
						for kh := 0; kh < w.K; kh++ {
							for kw := 0; kw < w.K; kw++ {
								ih := oh*conv.Stride - conv.Pad + kh
								iw := ow*conv.Stride - conv.Pad + kw
								if ih < 0 || ih >= x.H || iw < 0 || iw >= x.W {
									continue
								}
								xi := ((n*x.C+ci)*x.H+ih)*x.W + iw
								wi := ((co*w.InC+ci)*w.K+kh)*w.K + kw
								sum += xs[xi] * ws[wi]
							}
						}
					}
					ys[((n*y.C+co)*y.H+oh)*y.W+ow] = sum
				}
			}
		}
	}
	return nil
}

// ConvBackwardData distributes every output gradient back across the input
// positions its window covered (transposed convolution).
func (b *Backend) ConvBackwardData(w device.FilterDesc, wb device.Buffer, dy device.TensorDesc, dyb device.Buffer, conv device.ConvDesc, _ device.ConvAlgo, _ device.Buffer, dx device.TensorDesc, dxb device.Buffer) error {
	ws, dys, dxs := Slice(wb), Slice(dyb), Slice(dxb)

	for i := range dxs[:dx.Count()] {
		dxs[i] = 0
	}
	for n := 0; n < dy.N; n++ {
		for co := 0; co < dy.C; co++ {
			for oh := 0; oh < dy.H; oh++ {
				for ow := 0; ow < dy.W; ow++ {
					g := dys[((n*dy.C+co)*dy.H+oh)*dy.W+ow]
					for ci := 0; ci < dx.C; ci++ {
						for kh := 0; kh < w.K; kh++ {
							for kw := 0; kw < w.K; kw++ {
								ih := oh*conv.Stride - conv.Pad + kh
								iw := ow*conv.Stride - conv.Pad + kw
								if ih < 0 || ih >= dx.H || iw < 0 || iw >= dx.W {
									continue
								}
								wi := ((co*w.InC+ci)*w.K+kh)*w.K + kw
								dxs[((n*dx.C+ci)*dx.H+ih)*dx.W+iw] += g * ws[wi]
							}
						}
					}
				}
			}
		}
	}
	return nil
}

// ConvBackwardFilter accumulates input-times-gradient over batch and output
// positions for each filter weight.
func (b *Backend) ConvBackwardFilter(x device.TensorDesc, xb device.Buffer, dy device.TensorDesc, dyb device.Buffer, conv device.ConvDesc, _ device.ConvAlgo, _ device.Buffer, dw device.FilterDesc, dwb device.Buffer) error {
	xs, dys, dws := Slice(xb), Slice(dyb), Slice(dwb)

	for co := 0; co < dw.OutC; co++ {
		for ci := 0; ci < dw.InC; ci++ {
			for kh := 0; kh < dw.K; kh++ {
				for kw := 0; kw < dw.K; kw++ {
					var sum float32
					for n := 0; n < dy.N; n++ {
						for oh := 0; oh < dy.H; oh++ {
							for ow := 0; ow < dy.W; ow++ {
								ih := oh*conv.Stride - conv.Pad + kh
								iw := ow*conv.Stride - conv.Pad + kw
								if ih < 0 || ih >= x.H || iw < 0 || iw >= x.W {
									continue
								}
								xi := ((n*x.C+ci)*x.H+ih)*x.W + iw
								gi := ((n*dy.C+co)*dy.H+oh)*dy.W + ow
								sum += xs[xi] * dys[gi]
							}
						}
					}
					dws[((co*dw.InC+ci)*dw.K+kh)*dw.K+kw] = sum
				}
			}
		}
	}
	return nil
}

// ConvBackwardBias sums dy over batch and spatial positions per channel.
func (b *Backend) ConvBackwardBias(dy device.TensorDesc, dyb device.Buffer, db device.Buffer) error {
	dys, dbs := Slice(dyb), Slice(db)

	for c := 0; c < dy.C; c++ {
		var sum float32
		for n := 0; n < dy.N; n++ {
			for h := 0; h < dy.H; h++ {
				for w := 0; w < dy.W; w++ {
					sum += dys[((n*dy.C+c)*dy.H+h)*dy.W+w]
				}
			}
		}
		dbs[c] = sum
	}
	return nil
}

// AddBias adds bias[c] to every element of channel c.
func (b *Backend) AddBias(bias device.Buffer, y device.TensorDesc, yb device.Buffer) error {
	bs, ys := Slice(bias), Slice(yb)

	for n := 0; n < y.N; n++ {
		for c := 0; c < y.C; c++ {
			base := (n*y.C + c) * y.H * y.W
			for i := 0; i < y.H*y.W; i++ {
				ys[base+i] += bs[c]
			}
		}
	}
	return nil
}
