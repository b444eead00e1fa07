package training

import (
	"io"

	"github.com/pkg/errors"

	"github.com/tsawler/go-demoire/tensor"
)

// Batch is one fully materialized training example group. Targets may hold
// several tensors; the loops use the first.
type Batch struct {
	Input   *tensor.Tensor
	Targets []*tensor.Tensor
}

// Target returns the primary target and checks it against the input:
// both must be 4-D with equal batch size and spatial dimensions.
func (b *Batch) Target() (*tensor.Tensor, error) {
	if b == nil || b.Input == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "batch has no input")
	}
	if len(b.Targets) == 0 || b.Targets[0] == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "batch has no target")
	}
	target := b.Targets[0]
	n, _, h, w, err := b.Input.Dims4()
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	tn, _, th, tw, err := target.Dims4()
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	if n != tn || h != th || w != tw {
		return nil, errors.Wrapf(ErrShapeMismatch, "input %v, target %v", b.Input.Shape, target.Shape)
	}
	return target, nil
}

// BatchSource yields batches one at a time. Next returns io.EOF once the
// pass is exhausted; Reset starts a new pass.
type BatchSource interface {
	Reset() error
	Next() (*Batch, error)
}

// SliceSource serves a fixed list of batches.
type SliceSource struct {
	batches []*Batch
	pos     int
}

func NewSliceSource(batches ...*Batch) *SliceSource {
	return &SliceSource{batches: batches}
}

func (s *SliceSource) Reset() error {
	s.pos = 0
	return nil
}

func (s *SliceSource) Next() (*Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func (s *SliceSource) Len() int { return len(s.batches) }
