package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-demoire/tensor"
)

// ErrShapeMismatch is returned when prediction and target disagree in shape.
var ErrShapeMismatch = errors.New("shape mismatch")

// CharbonnierEpsilon smooths the L1 penalty at zero.
const CharbonnierEpsilon = 1e-6

// Loss interface defines methods that all loss functions must implement.
// Forward returns a scalar summed over pixels and averaged over the batch;
// Backward returns dLoss/dPredicted with the shape of predicted.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// NewLoss builds a loss by name: charbonnier, edge, weighted or mse.
// alpha is the Charbonnier weight of the weighted blend.
func NewLoss(name string, alpha float64) (Loss, error) {
	switch strings.ToLower(name) {
	case "charbonnier", "l1_charbonnier":
		return NewCharbonnierLoss(), nil
	case "edge", "sobel":
		return NewEdgeLoss(), nil
	case "weighted", "", "charbonnier+edge":
		return NewWeightedLoss(alpha)
	case "mse":
		return NewMSELoss(), nil
	default:
		return nil, errors.Errorf("unknown loss %q", name)
	}
}

func checkShapes(predicted, target *tensor.Tensor) error {
	if !tensor.SameShape(predicted, target) {
		var ps, ts []int
		if predicted != nil {
			ps = predicted.Shape
		}
		if target != nil {
			ts = target.Shape
		}
		return errors.Wrapf(ErrShapeMismatch, "predicted %v, target %v", ps, ts)
	}
	return nil
}

// CharbonnierLoss is sum(sqrt((X-Y)^2 + eps)) / batch.
type CharbonnierLoss struct {
	eps float64
}

func NewCharbonnierLoss() *CharbonnierLoss {
	return &CharbonnierLoss{eps: CharbonnierEpsilon}
}

func (l *CharbonnierLoss) Name() string { return "charbonnier" }

func (l *CharbonnierLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkShapes(predicted, target); err != nil {
		return 0, err
	}
	sum := 0.0
	for i, p := range predicted.Data {
		d := p - target.Data[i]
		sum += math.Sqrt(d*d + l.eps)
	}
	return sum / float64(predicted.BatchSize()), nil
}

func (l *CharbonnierLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkShapes(predicted, target); err != nil {
		return nil, err
	}
	grad := tensor.ZerosLike(predicted)
	inv := 1.0 / float64(predicted.BatchSize())
	for i, p := range predicted.Data {
		d := p - target.Data[i]
		grad.Data[i] = d / math.Sqrt(d*d+l.eps) * inv
	}
	return grad, nil
}

// Sobel kernels, applied as cross-correlation.
var (
	sobelX = [3][3]float64{{1, 0, -1}, {2, 0, -2}, {1, 0, -1}}
	sobelY = [3][3]float64{{1, 2, 1}, {0, 0, 0}, {-1, -2, -1}}
)

// EdgeLoss compares Sobel gradient magnitudes of prediction and target,
// per channel with no padding: sum(|edge(X)-edge(Y)|) / batch. Images
// smaller than 3x3 have no valid positions and score 0.
type EdgeLoss struct{}

func NewEdgeLoss() *EdgeLoss { return &EdgeLoss{} }

func (l *EdgeLoss) Name() string { return "edge" }

// sobelAt returns the horizontal and vertical responses at output (y, x) of
// a plane of width w. Both are sums of column or row differences, so a
// flat window yields exactly 0.
func sobelAt(plane []float64, w, y, x int) (gx, gy float64) {
	r0 := plane[y*w+x : y*w+x+3]
	r1 := plane[(y+1)*w+x : (y+1)*w+x+3]
	r2 := plane[(y+2)*w+x : (y+2)*w+x+3]
	gx = (r0[0] - r0[2]) + 2*(r1[0]-r1[2]) + (r2[0] - r2[2])
	gy = (r0[0] - r2[0]) + 2*(r0[1]-r2[1]) + (r0[2] - r2[2])
	return gx, gy
}

// walk visits every valid output position of every plane, handing over the
// plane offset and the Sobel responses of both tensors.
func (l *EdgeLoss) walk(predicted, target *tensor.Tensor, fn func(off, y, x int, pgx, pgy, tgx, tgy float64)) error {
	if err := checkShapes(predicted, target); err != nil {
		return err
	}
	n, c, h, w, err := predicted.Dims4()
	if err != nil {
		return errors.Wrap(ErrShapeMismatch, err.Error())
	}
	plane := h * w
	for p := 0; p < n*c; p++ {
		off := p * plane
		pp := predicted.Data[off : off+plane]
		tp := target.Data[off : off+plane]
		for y := 0; y+2 < h; y++ {
			for x := 0; x+2 < w; x++ {
				pgx, pgy := sobelAt(pp, w, y, x)
				tgx, tgy := sobelAt(tp, w, y, x)
				fn(off, y, x, pgx, pgy, tgx, tgy)
			}
		}
	}
	return nil
}

func (l *EdgeLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	sum := 0.0
	err := l.walk(predicted, target, func(_, _, _ int, pgx, pgy, tgx, tgy float64) {
		sum += math.Abs(math.Hypot(pgx, pgy) - math.Hypot(tgx, tgy))
	})
	if err != nil {
		return 0, err
	}
	return sum / float64(predicted.BatchSize()), nil
}

// Backward treats the gradient as zero where either the magnitude of the
// prediction or the magnitude difference is exactly zero.
func (l *EdgeLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkShapes(predicted, target); err != nil {
		return nil, err
	}
	grad := tensor.ZerosLike(predicted)
	inv := 1.0 / float64(predicted.BatchSize())
	w := 0
	if len(predicted.Shape) == 4 {
		w = predicted.Shape[3]
	}
	err := l.walk(predicted, target, func(off, y, x int, pgx, pgy, tgx, tgy float64) {
		pm := math.Hypot(pgx, pgy)
		d := pm - math.Hypot(tgx, tgy)
		if pm == 0 || d == 0 {
			return
		}
		scale := math.Copysign(inv, d) / pm
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				grad.Data[off+(y+i)*w+x+j] += scale * (pgx*sobelX[i][j] + pgy*sobelY[i][j])
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return grad, nil
}

// WeightedLoss blends Charbonnier and edge losses:
// alpha*charbonnier + (1-alpha)*edge.
type WeightedLoss struct {
	alpha       float64
	charbonnier *CharbonnierLoss
	edge        *EdgeLoss
}

// NewWeightedLoss requires alpha in [0, 1].
func NewWeightedLoss(alpha float64) (*WeightedLoss, error) {
	if alpha < 0 || alpha > 1 || math.IsNaN(alpha) {
		return nil, errors.Errorf("loss alpha must be in [0, 1], got %v", alpha)
	}
	return &WeightedLoss{
		alpha:       alpha,
		charbonnier: NewCharbonnierLoss(),
		edge:        NewEdgeLoss(),
	}, nil
}

func (l *WeightedLoss) Name() string { return "weighted" }

// Components exposes the individual terms of the blend.
func (l *WeightedLoss) Components() (*CharbonnierLoss, *EdgeLoss) {
	return l.charbonnier, l.edge
}

func (l *WeightedLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	c, err := l.charbonnier.Forward(predicted, target)
	if err != nil {
		return 0, err
	}
	e, err := l.edge.Forward(predicted, target)
	if err != nil {
		return 0, err
	}
	return l.alpha*c + (1-l.alpha)*e, nil
}

func (l *WeightedLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	gc, err := l.charbonnier.Backward(predicted, target)
	if err != nil {
		return nil, err
	}
	ge, err := l.edge.Backward(predicted, target)
	if err != nil {
		return nil, err
	}
	for i := range gc.Data {
		gc.Data[i] = l.alpha*gc.Data[i] + (1-l.alpha)*ge.Data[i]
	}
	return gc, nil
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct{}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss() *MSELoss { return &MSELoss{} }

func (l *MSELoss) Name() string { return "mse" }

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (l *MSELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkShapes(predicted, target); err != nil {
		return 0, err
	}
	sum := 0.0
	for i, p := range predicted.Data {
		d := p - target.Data[i]
		sum += d * d
	}
	return sum / float64(predicted.NumElems), nil
}

// Backward computes the gradient of MSE loss: 2 * (y_pred - y_true) / N
func (l *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkShapes(predicted, target); err != nil {
		return nil, err
	}
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	diff.Scale(2 / float64(predicted.NumElems))
	return diff, nil
}
