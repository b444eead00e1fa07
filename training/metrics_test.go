package training

import (
	"errors"
	"math"
	"testing"
)

func TestAverageMeter(t *testing.T) {
	var m AverageMeter
	if _, err := m.Mean(); !errors.Is(err, ErrEmptyAccumulator) {
		t.Fatalf("expected ErrEmptyAccumulator, got %v", err)
	}
	if m.String() != "n/a" {
		t.Errorf("unexpected empty string %q", m.String())
	}

	for _, v := range []float64{1, 2, 3, 4} {
		m.Add(v)
	}
	mean, err := m.Mean()
	if err != nil || mean != 2.5 {
		t.Errorf("expected mean 2.5, got %v (%v)", mean, err)
	}
	if m.Count() != 4 {
		t.Errorf("expected count 4, got %d", m.Count())
	}
	std, _ := m.Std()
	if math.Abs(std-math.Sqrt(5.0/3.0)) > 1e-12 {
		t.Errorf("unexpected std %v", std)
	}

	// querying does not reset
	if again, _ := m.Mean(); again != mean {
		t.Errorf("mean changed after query: %v", again)
	}

	m.Reset()
	if _, err := m.Mean(); !errors.Is(err, ErrEmptyAccumulator) {
		t.Errorf("expected empty meter after Reset, got %v", err)
	}
}

func TestPSNR(t *testing.T) {
	a := []uint8{10, 20, 30, 40}

	got, err := PSNR(a, []uint8{10, 20, 30, 40})
	if err != nil || got != MaxPSNR {
		t.Errorf("identical images: expected %v, got %v (%v)", MaxPSNR, got, err)
	}

	// every pixel off by one: MSE 1
	got, _ = PSNR(a, []uint8{11, 21, 31, 41})
	want := 10 * math.Log10(255*255)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}

	if _, err := PSNR(a, []uint8{1}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := PSNR(nil, nil); err == nil {
		t.Error("expected error for empty images")
	}
}

func TestBatchPSNR(t *testing.T) {
	outputs := [][]uint8{{0, 0}, {0, 0}}
	targets := [][]uint8{{0, 0}, {2, 2}}
	got, err := BatchPSNR(outputs, targets)
	if err != nil {
		t.Fatalf("BatchPSNR failed: %v", err)
	}
	// MSE over the whole batch is (0+0+4+4)/4 = 2
	want := 10 * math.Log10(255*255/2.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}

	if _, err := BatchPSNR(outputs, targets[:1]); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for batch size mismatch, got %v", err)
	}
}
