package tensor

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrShape is returned when a shape is invalid or does not match its data.
var ErrShape = errors.New("invalid tensor shape")

// Tensor is a dense, row-major float64 tensor. Image batches use the
// NCHW layout: [batch, channels, height, width].
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float64
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.Wrap(ErrShape, "empty shape")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Wrapf(ErrShape, "dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	if len(data) != n {
		return nil, errors.Wrapf(ErrShape, "data length %d does not match tensor size %d", len(data), n)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: n,
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return New(shape, make([]float64, calculateNumElements(shape)))
}

// Full allocates a tensor with every element set to v.
func Full(v float64, shape ...int) (*Tensor, error) {
	t, err := Zeros(shape...)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = v
	}
	return t, nil
}

// ZerosLike allocates a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Data:     make([]float64, t.NumElems),
		NumElems: t.NumElems,
	}
}

func (t *Tensor) Clone() *Tensor {
	c := ZerosLike(t)
	copy(c.Data, t.Data)
	return c
}

// Dims4 returns the NCHW dimensions of a 4-D tensor.
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, errors.Wrapf(ErrShape, "expected 4-D tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// BatchSize is the size of the leading dimension.
func (t *Tensor) BatchSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if a == nil || b == nil || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i, dim := range a.Shape {
		if dim != b.Shape[i] {
			return false
		}
	}
	return true
}

// Sum adds up every element.
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.Data)
}

// Sub returns a - b. Shapes must match exactly.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, errors.Wrapf(ErrShape, "cannot subtract %v and %v", a.Shape, b.Shape)
	}
	out := ZerosLike(a)
	floats.SubTo(out.Data, a.Data, b.Data)
	return out, nil
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float64) {
	floats.Scale(s, t.Data)
}

// Zero clears the tensor in place.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Slice returns a view of item i along the batch dimension.
func (t *Tensor) Slice(i int) (*Tensor, error) {
	if len(t.Shape) < 2 || i < 0 || i >= t.Shape[0] {
		return nil, errors.Wrapf(ErrShape, "index %d out of range for shape %v", i, t.Shape)
	}
	stride := t.Strides[0]
	return New(t.Shape[1:], t.Data[i*stride:(i+1)*stride])
}
