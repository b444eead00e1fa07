package training

import (
	"math"
)

// LossIncreaseDecay is a reactive learning-rate schedule: whenever an
// epoch's mean training loss is higher than the previous epoch's, the rate is
// multiplied by Factor. It carries one scalar between epochs and belongs to a
// single training run.
type LossIncreaseDecay struct {
	Factor float64 // Multiplicative decay applied on a loss increase, in (0, 1)

	prevLoss float64
}

// NewLossIncreaseDecay creates the schedule. An out-of-range factor falls
// back to 0.3.
func NewLossIncreaseDecay(factor float64) *LossIncreaseDecay {
	if factor <= 0 || factor >= 1 {
		factor = 0.3
	}
	return &LossIncreaseDecay{
		Factor:   factor,
		prevLoss: math.Inf(1),
	}
}

// Step records epochLoss and returns the learning rate for the next epoch
// along with whether it was decayed.
func (s *LossIncreaseDecay) Step(epochLoss, currentLR float64) (float64, bool) {
	decayed := epochLoss > s.prevLoss
	s.prevLoss = epochLoss
	if decayed {
		return currentLR * s.Factor, true
	}
	return currentLR, false
}

// PreviousLoss is the last recorded epoch loss, +Inf before the first Step.
func (s *LossIncreaseDecay) PreviousLoss() float64 {
	return s.prevLoss
}
