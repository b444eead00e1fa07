package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-demoire/tensor"
)

// conv2d is a 3x3, stride 1, zero padding 1 convolution.
type conv2d struct {
	inC, outC int
	weight    *Parameter // [outC, inC, 3, 3]
	bias      *Parameter // [outC]
}

const kernel = 3

func newConv2d(name string, inC, outC int, rng *rand.Rand) *conv2d {
	w, _ := tensor.Zeros(outC, inC, kernel, kernel)
	std := math.Sqrt(2.0 / float64(inC*kernel*kernel))
	for i := range w.Data {
		w.Data[i] = rng.NormFloat64() * std
	}
	b, _ := tensor.Zeros(outC)
	return &conv2d{
		inC:  inC,
		outC: outC,
		weight: &Parameter{
			Name:  fmt.Sprintf("%s.weight", name),
			Value: w,
			Grad:  tensor.ZerosLike(w),
		},
		bias: &Parameter{
			Name:  fmt.Sprintf("%s.bias", name),
			Value: b,
			Grad:  tensor.ZerosLike(b),
		},
	}
}

// forward writes the convolution of x ([n, inC, h, w]) into out ([n, outC, h, w]).
func (c *conv2d) forward(x, out []float64, n, h, w int) {
	wd := c.weight.Value.Data
	bd := c.bias.Value.Data
	plane := h * w
	for b := 0; b < n; b++ {
		for o := 0; o < c.outC; o++ {
			dst := out[(b*c.outC+o)*plane : (b*c.outC+o+1)*plane]
			for i := range dst {
				dst[i] = bd[o]
			}
			for i := 0; i < c.inC; i++ {
				src := x[(b*c.inC+i)*plane : (b*c.inC+i+1)*plane]
				k := wd[(o*c.inC+i)*kernel*kernel : (o*c.inC+i+1)*kernel*kernel]
				for y := 0; y < h; y++ {
					for xx := 0; xx < w; xx++ {
						sum := 0.0
						for ky := 0; ky < kernel; ky++ {
							sy := y + ky - 1
							if sy < 0 || sy >= h {
								continue
							}
							for kx := 0; kx < kernel; kx++ {
								sx := xx + kx - 1
								if sx < 0 || sx >= w {
									continue
								}
								sum += k[ky*kernel+kx] * src[sy*w+sx]
							}
						}
						dst[y*w+xx] += sum
					}
				}
			}
		}
	}
}

// backward accumulates weight and bias gradients from gradOut and, when
// gradIn is non-nil, writes dLoss/dx into it.
func (c *conv2d) backward(x, gradOut, gradIn []float64, n, h, w int) {
	wd := c.weight.Value.Data
	gw := c.weight.Grad.Data
	gb := c.bias.Grad.Data
	plane := h * w
	if gradIn != nil {
		for i := range gradIn {
			gradIn[i] = 0
		}
	}
	for b := 0; b < n; b++ {
		for o := 0; o < c.outC; o++ {
			g := gradOut[(b*c.outC+o)*plane : (b*c.outC+o+1)*plane]
			for _, v := range g {
				gb[o] += v
			}
			for i := 0; i < c.inC; i++ {
				src := x[(b*c.inC+i)*plane : (b*c.inC+i+1)*plane]
				kOff := (o*c.inC + i) * kernel * kernel
				var gi []float64
				if gradIn != nil {
					gi = gradIn[(b*c.inC+i)*plane : (b*c.inC+i+1)*plane]
				}
				for y := 0; y < h; y++ {
					for xx := 0; xx < w; xx++ {
						gv := g[y*w+xx]
						if gv == 0 {
							continue
						}
						for ky := 0; ky < kernel; ky++ {
							sy := y + ky - 1
							if sy < 0 || sy >= h {
								continue
							}
							for kx := 0; kx < kernel; kx++ {
								sx := xx + kx - 1
								if sx < 0 || sx >= w {
									continue
								}
								gw[kOff+ky*kernel+kx] += gv * src[sy*w+sx]
								if gi != nil {
									gi[sy*w+sx] += gv * wd[kOff+ky*kernel+kx]
								}
							}
						}
					}
				}
			}
		}
	}
}
