package training

import (
	"errors"
	"io"
	"testing"

	"github.com/tsawler/go-demoire/tensor"
)

func TestBatchTarget(t *testing.T) {
	in, _ := tensor.Zeros(2, 3, 4, 4)
	good, _ := tensor.Zeros(2, 3, 4, 4)
	gray, _ := tensor.Zeros(2, 1, 4, 4)
	wrongBatch, _ := tensor.Zeros(1, 3, 4, 4)
	wrongSize, _ := tensor.Zeros(2, 3, 4, 5)
	flat, _ := tensor.Zeros(2, 48)

	tests := []struct {
		name    string
		batch   *Batch
		wantErr bool
	}{
		{"matching", &Batch{Input: in, Targets: []*tensor.Tensor{good}}, false},
		{"channels may differ", &Batch{Input: in, Targets: []*tensor.Tensor{gray}}, false},
		{"extra targets ignored", &Batch{Input: in, Targets: []*tensor.Tensor{good, flat}}, false},
		{"no targets", &Batch{Input: in}, true},
		{"nil batch", nil, true},
		{"batch size", &Batch{Input: in, Targets: []*tensor.Tensor{wrongBatch}}, true},
		{"spatial size", &Batch{Input: in, Targets: []*tensor.Tensor{wrongSize}}, true},
		{"not 4-D", &Batch{Input: in, Targets: []*tensor.Tensor{flat}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := tt.batch.Target()
			if tt.wantErr {
				if !errors.Is(err, ErrShapeMismatch) {
					t.Errorf("expected ErrShapeMismatch, got %v", err)
				}
				return
			}
			if err != nil || target != tt.batch.Targets[0] {
				t.Errorf("unexpected result %v, %v", target, err)
			}
		})
	}
}

func TestSliceSource(t *testing.T) {
	a, b := &Batch{}, &Batch{}
	s := NewSliceSource(a, b)
	if s.Len() != 2 {
		t.Fatalf("expected Len 2, got %d", s.Len())
	}
	for pass := 0; pass < 2; pass++ {
		s.Reset()
		got := 0
		for {
			_, err := s.Next()
			if err == io.EOF {
				break
			}
			got++
		}
		if got != 2 {
			t.Errorf("pass %d: expected 2 batches, got %d", pass, got)
		}
	}
}
