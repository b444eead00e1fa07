package preprocessing

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-demoire/tensor"
)

// Denormalize maps a value in [-1, 1] back to an 8-bit value, clamping
// out-of-range inputs.
func Denormalize(v float64) uint8 {
	x := math.Round((v + 1) / 2 * 255)
	if x < 0 || math.IsNaN(x) {
		return 0
	}
	if x > 255 {
		return 255
	}
	return uint8(x)
}

// ToDisplay converts an NCHW batch normalized to [-1, 1] into one CHW byte
// slice per image. PSNR is computed on this representation.
func ToDisplay(t *tensor.Tensor) ([][]uint8, error) {
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	size := c * h * w
	out := make([][]uint8, n)
	for i := 0; i < n; i++ {
		img := make([]uint8, size)
		for j, v := range t.Data[i*size : (i+1)*size] {
			img[j] = Denormalize(v)
		}
		out[i] = img
	}
	return out, nil
}

// ToImages converts an NCHW batch normalized to [-1, 1] into images. One
// channel renders as gray, three as RGB.
func ToImages(t *tensor.Tensor) ([]image.Image, error) {
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	if c != 1 && c != 3 {
		return nil, errors.Wrapf(tensor.ErrShape, "cannot render %d channels", c)
	}
	display, err := ToDisplay(t)
	if err != nil {
		return nil, err
	}

	plane := h * w
	images := make([]image.Image, n)
	for i, px := range display {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := y*w + x
				r := px[idx]
				g, b := r, r
				if c == 3 {
					g, b = px[plane+idx], px[2*plane+idx]
				}
				img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
			}
		}
		images[i] = img
	}
	return images, nil
}
