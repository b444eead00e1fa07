package training

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrEmptyAccumulator is returned when a mean is requested before any sample.
var ErrEmptyAccumulator = errors.New("metric accumulator is empty")

// MaxPSNR is reported for identical images, where PSNR is unbounded.
const MaxPSNR = 100.0

// AverageMeter keeps a running mean of a scalar metric. It is reset at each
// epoch boundary and may be queried at any point without being reset.
// Not safe for concurrent writers.
type AverageMeter struct {
	sum   float64
	sumSq float64
	count int
}

func (m *AverageMeter) Reset() {
	m.sum, m.sumSq, m.count = 0, 0, 0
}

func (m *AverageMeter) Add(v float64) {
	m.sum += v
	m.sumSq += v * v
	m.count++
}

func (m *AverageMeter) Count() int { return m.count }

func (m *AverageMeter) Mean() (float64, error) {
	if m.count == 0 {
		return 0, ErrEmptyAccumulator
	}
	return m.sum / float64(m.count), nil
}

// Std is the sample standard deviation; it is 0 for a single sample.
func (m *AverageMeter) Std() (float64, error) {
	if m.count == 0 {
		return 0, ErrEmptyAccumulator
	}
	if m.count == 1 {
		return 0, nil
	}
	n := float64(m.count)
	mean := m.sum / n
	v := (m.sumSq - n*mean*mean) / (n - 1)
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v), nil
}

func (m *AverageMeter) String() string {
	mean, err := m.Mean()
	if err != nil {
		return "n/a"
	}
	return fmt.Sprintf("%.6f (n=%d)", mean, m.count)
}

// PSNR computes the peak signal-to-noise ratio in dB between two 8-bit
// images of equal length. Identical images yield MaxPSNR.
func PSNR(a, b []uint8) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.Wrapf(ErrShapeMismatch, "image sizes %d and %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, errors.Wrap(ErrShapeMismatch, "empty image")
	}
	sum := 0.0
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	mse := sum / float64(len(a))
	if mse == 0 {
		return MaxPSNR, nil
	}
	return math.Min(10*math.Log10(255*255/mse), MaxPSNR), nil
}

// BatchPSNR computes the PSNR of a batch of 8-bit images taken together as
// one signal.
func BatchPSNR(outputs, targets [][]uint8) (float64, error) {
	if len(outputs) != len(targets) || len(outputs) == 0 {
		return 0, errors.Wrapf(ErrShapeMismatch, "%d outputs, %d targets", len(outputs), len(targets))
	}
	var a, b []uint8
	for i := range outputs {
		if len(outputs[i]) != len(targets[i]) {
			return 0, errors.Wrapf(ErrShapeMismatch, "image %d: sizes %d and %d", i, len(outputs[i]), len(targets[i]))
		}
		a = append(a, outputs[i]...)
		b = append(b, targets[i]...)
	}
	return PSNR(a, b)
}
