package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-demoire/models"
	"github.com/tsawler/go-demoire/tensor"
)

func newParam(name string, values ...float64) *models.Parameter {
	v, _ := tensor.New([]int{len(values)}, append([]float64(nil), values...))
	return &models.Parameter{Name: name, Value: v, Grad: tensor.ZerosLike(v)}
}

func TestAdamFirstStep(t *testing.T) {
	p := newParam("w", 1, -1, 0.5)
	copy(p.Grad.Data, []float64{0.2, -3, 0})

	adam, err := NewAdam([]*models.Parameter{p}, AdamConfig{LR: 0.01, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// bias-corrected first step moves each weight by lr*sign(grad)
	want := []float64{0.99, -0.99, 0.5}
	for i, w := range want {
		if math.Abs(p.Value.Data[i]-w) > 1e-6 {
			t.Errorf("weight %d: expected %v, got %v", i, w, p.Value.Data[i])
		}
	}
	if adam.StepCount() != 1 {
		t.Errorf("expected step count 1, got %d", adam.StepCount())
	}
}

func TestAdamWeightDecay(t *testing.T) {
	p := newParam("w", 2)
	adam, _ := NewAdam([]*models.Parameter{p}, AdamConfig{LR: 0.1, Beta1: 0.5, Beta2: 0.999, WeightDecay: 0.01})
	adam.Step()
	// zero gradient but positive weight: decay pulls it down
	if p.Value.Data[0] >= 2 {
		t.Errorf("weight decay had no effect: %v", p.Value.Data[0])
	}
}

func TestAdamZeroGradAndLR(t *testing.T) {
	p := newParam("w", 1, 2)
	copy(p.Grad.Data, []float64{5, 6})
	adam, _ := NewAdam([]*models.Parameter{p}, DefaultAdamConfig())

	adam.ZeroGrad()
	if p.Grad.Sum() != 0 {
		t.Errorf("gradients not cleared: %v", p.Grad.Data)
	}
	if adam.GetLR() != 1e-4 {
		t.Errorf("expected default LR 1e-4, got %v", adam.GetLR())
	}
	adam.SetLR(3e-5)
	if adam.GetLR() != 3e-5 {
		t.Errorf("SetLR not applied, got %v", adam.GetLR())
	}
}

func TestNewAdamValidation(t *testing.T) {
	p := newParam("w", 1)
	bad := []AdamConfig{
		{LR: 0, Beta1: 0.5, Beta2: 0.9},
		{LR: math.NaN(), Beta1: 0.5, Beta2: 0.9},
		{LR: 0.1, Beta1: 1, Beta2: 0.9},
		{LR: 0.1, Beta1: 0.5, Beta2: -0.1},
	}
	for _, cfg := range bad {
		if _, err := NewAdam([]*models.Parameter{p}, cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	a := newParam("w", 1, 2, 3)
	adamA, _ := NewAdam([]*models.Parameter{a}, DefaultAdamConfig())
	for i := 0; i < 3; i++ {
		copy(a.Grad.Data, []float64{0.1 * float64(i+1), -0.2, 0.3})
		adamA.Step()
	}

	b := newParam("w", 0, 0, 0)
	copy(b.Value.Data, a.Value.Data)
	adamB, _ := NewAdam([]*models.Parameter{b}, DefaultAdamConfig())
	if err := adamB.LoadState(adamA.State()); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if adamB.StepCount() != 3 {
		t.Errorf("expected step count 3, got %d", adamB.StepCount())
	}

	copy(a.Grad.Data, []float64{0.5, 0.5, -0.5})
	copy(b.Grad.Data, a.Grad.Data)
	adamA.Step()
	adamB.Step()
	for i := range a.Value.Data {
		if a.Value.Data[i] != b.Value.Data[i] {
			t.Errorf("weight %d diverged after restore: %v vs %v", i, a.Value.Data[i], b.Value.Data[i])
		}
	}
}

func TestAdamLoadStateRejectsMismatch(t *testing.T) {
	a := newParam("w", 1, 2, 3)
	adamA, _ := NewAdam([]*models.Parameter{a}, DefaultAdamConfig())
	state := adamA.State()

	other := newParam("w", 1, 2)
	adamB, _ := NewAdam([]*models.Parameter{other}, DefaultAdamConfig())
	if err := adamB.LoadState(state); err == nil {
		t.Error("expected error for size mismatch")
	}

	renamed := newParam("v", 1, 2, 3)
	adamC, _ := NewAdam([]*models.Parameter{renamed}, DefaultAdamConfig())
	if err := adamC.LoadState(state); err == nil {
		t.Error("expected error for unknown parameter")
	}

	state.Type = "SGD"
	if err := adamA.LoadState(state); err == nil {
		t.Error("expected error for wrong optimizer type")
	}
	if err := adamA.LoadState(nil); err == nil {
		t.Error("expected error for nil state")
	}
}
