package training

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-demoire/checkpoints"
	"github.com/tsawler/go-demoire/models"
)

// Optimizer interface for parameter optimization algorithms
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate for every parameter group
	State() *checkpoints.OptimizerState
	LoadState(state *checkpoints.OptimizerState) error
}

// AdamConfig holds Adam hyper-parameters.
type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamConfig matches the demoire training recipe: a low beta1 and
// light L2 weight decay.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LR:          1e-4,
		Beta1:       0.5,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: 1e-5,
	}
}

// Adam implements the Adam optimizer with L2 weight decay folded into the
// gradient.
type Adam struct {
	parameters []*models.Parameter
	cfg        AdamConfig
	step       int64
	m          map[*models.Parameter][]float64 // First moment estimates
	v          map[*models.Parameter][]float64 // Second moment estimates
	scratch    []float64
	mutex      sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*models.Parameter, cfg AdamConfig) (*Adam, error) {
	if !(cfg.LR > 0) {
		return nil, errors.Errorf("learning rate must be positive, got %v", cfg.LR)
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, errors.Errorf("betas must be in [0, 1), got %v and %v", cfg.Beta1, cfg.Beta2)
	}
	if cfg.Eps <= 0 {
		cfg.Eps = 1e-8
	}
	adam := &Adam{
		parameters: parameters,
		cfg:        cfg,
		m:          make(map[*models.Parameter][]float64),
		v:          make(map[*models.Parameter][]float64),
	}
	for _, p := range parameters {
		adam.m[p] = make([]float64, p.Value.NumElems)
		adam.v[p] = make([]float64, p.Value.NumElems)
	}
	return adam, nil
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++
	bias1 := 1.0 - math.Pow(adam.cfg.Beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.cfg.Beta2, float64(adam.step))

	for _, p := range adam.parameters {
		if p.Grad == nil {
			continue
		}
		if p.Grad.NumElems != p.Value.NumElems {
			return errors.Errorf("gradient of %s has %d elements, parameter has %d", p.Name, p.Grad.NumElems, p.Value.NumElems)
		}
		if cap(adam.scratch) < p.Value.NumElems {
			adam.scratch = make([]float64, p.Value.NumElems)
		}
		g := adam.scratch[:p.Value.NumElems]

		// g = grad + wd*param
		floats.AddScaledTo(g, p.Grad.Data, adam.cfg.WeightDecay, p.Value.Data)

		m, v := adam.m[p], adam.v[p]
		floats.Scale(adam.cfg.Beta1, m)
		floats.AddScaled(m, 1-adam.cfg.Beta1, g)

		floats.Scale(adam.cfg.Beta2, v)
		floats.Mul(g, g)
		floats.AddScaled(v, 1-adam.cfg.Beta2, g)

		stepSize := adam.cfg.LR / bias1
		sqrtBias2 := math.Sqrt(bias2)
		for i := range p.Value.Data {
			p.Value.Data[i] -= stepSize * m[i] / (math.Sqrt(v[i])/sqrtBias2 + adam.cfg.Eps)
		}
	}
	return nil
}

// ZeroGrad clears gradients for all parameters
func (adam *Adam) ZeroGrad() {
	models.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.cfg.LR
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.cfg.LR = lr
}

// StepCount is the number of updates applied so far.
func (adam *Adam) StepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

const adamType = "Adam"

// State snapshots moments, step count and hyper-parameters.
func (adam *Adam) State() *checkpoints.OptimizerState {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	s := &checkpoints.OptimizerState{
		Type: adamType,
		Step: adam.step,
		Parameters: map[string]float64{
			"lr":           adam.cfg.LR,
			"beta1":        adam.cfg.Beta1,
			"beta2":        adam.cfg.Beta2,
			"eps":          adam.cfg.Eps,
			"weight_decay": adam.cfg.WeightDecay,
		},
	}
	for _, p := range adam.parameters {
		shape := append([]int(nil), p.Value.Shape...)
		s.StateData = append(s.StateData,
			checkpoints.OptimizerTensor{Name: p.Name, StateType: "m", Shape: shape, Data: append([]float64(nil), adam.m[p]...)},
			checkpoints.OptimizerTensor{Name: p.Name, StateType: "v", Shape: shape, Data: append([]float64(nil), adam.v[p]...)},
		)
	}
	return s
}

// LoadState restores moments and step count. Hyper-parameters other than
// the learning rate keep their configured values; the learning rate is
// restored separately from the checkpoint record.
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if state.Type != adamType {
		return errors.Errorf("optimizer state is for %q, not %s", state.Type, adamType)
	}

	byName := make(map[string]*models.Parameter, len(adam.parameters))
	for _, p := range adam.parameters {
		byName[p.Name] = p
	}

	m := make(map[*models.Parameter][]float64, len(adam.parameters))
	v := make(map[*models.Parameter][]float64, len(adam.parameters))
	for _, t := range state.StateData {
		p, ok := byName[t.Name]
		if !ok {
			return errors.Errorf("optimizer state for unknown parameter %s", t.Name)
		}
		if len(t.Data) != p.Value.NumElems {
			return errors.Errorf("optimizer %s state for %s has %d values, want %d", t.StateType, t.Name, len(t.Data), p.Value.NumElems)
		}
		data := append([]float64(nil), t.Data...)
		switch t.StateType {
		case "m":
			m[p] = data
		case "v":
			v[p] = data
		default:
			return errors.Errorf("unknown Adam state %q", t.StateType)
		}
	}
	for _, p := range adam.parameters {
		if m[p] == nil || v[p] == nil {
			return errors.Errorf("optimizer state is missing moments for %s", p.Name)
		}
	}

	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.m, adam.v = m, v
	adam.step = state.Step
	return nil
}
