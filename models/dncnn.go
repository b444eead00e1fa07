package models

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-demoire/memory"
	"github.com/tsawler/go-demoire/tensor"
)

// DnCNNConfig describes the network shape.
type DnCNNConfig struct {
	Channels int   // image channels, 3 for RGB
	Features int   // hidden feature maps per layer
	Depth    int   // number of conv layers, at least 2
	Seed     int64 // weight initialisation seed
}

// DefaultDnCNNConfig returns a small RGB configuration.
func DefaultDnCNNConfig() DnCNNConfig {
	return DnCNNConfig{
		Channels: 3,
		Features: 64,
		Depth:    17,
		Seed:     1,
	}
}

// DnCNN is a residual denoiser: the network predicts the corruption and
// the output is the input minus that prediction.
type DnCNN struct {
	cfg      DnCNNConfig
	layers   []*conv2d
	params   []*Parameter
	mem      *memory.Manager
	training bool

	// recorded by a training Forward and consumed by Backward
	acts  [][]float64
	shape [4]int
}

// NewDnCNN builds a DnCNN that draws activation buffers from mem. A nil
// manager gets a private one.
func NewDnCNN(cfg DnCNNConfig, mem *memory.Manager) (*DnCNN, error) {
	if cfg.Channels <= 0 || cfg.Features <= 0 {
		return nil, errors.Errorf("channels and features must be positive, got %d and %d", cfg.Channels, cfg.Features)
	}
	if cfg.Depth < 2 {
		return nil, errors.Errorf("depth must be at least 2, got %d", cfg.Depth)
	}
	if mem == nil {
		mem = memory.NewManager(0)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &DnCNN{cfg: cfg, mem: mem, training: true}
	for i := 0; i < cfg.Depth; i++ {
		in, out := cfg.Features, cfg.Features
		if i == 0 {
			in = cfg.Channels
		}
		if i == cfg.Depth-1 {
			out = cfg.Channels
		}
		layer := newConv2d(fmt.Sprintf("conv%d", i), in, out, rng)
		m.layers = append(m.layers, layer)
		m.params = append(m.params, layer.weight, layer.bias)
	}
	return m, nil
}

func (m *DnCNN) Config() DnCNNConfig { return m.cfg }

func (m *DnCNN) Parameters() []*Parameter { return m.params }

func (m *DnCNN) Train() { m.training = true }

// Eval switches to inference mode and drops any recorded activations.
func (m *DnCNN) Eval() {
	m.training = false
	m.release()
}

func (m *DnCNN) IsTraining() bool { return m.training }

func (m *DnCNN) StateDict() StateDict { return StateDictOf(m) }

func (m *DnCNN) LoadStateDict(sd StateDict) error { return LoadStateDict(m, sd) }

// Forward runs the network on an NCHW batch.
func (m *DnCNN) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w, err := input.Dims4()
	if err != nil {
		return nil, err
	}
	if c != m.cfg.Channels {
		return nil, errors.Wrapf(tensor.ErrShape, "model expects %d channels, input has %d", m.cfg.Channels, c)
	}
	m.release()

	plane := n * h * w
	out := tensor.ZerosLike(input)
	cur := input.Data
	var spare []float64
	for i, layer := range m.layers {
		last := i == len(m.layers)-1
		var dst []float64
		if last {
			dst = out.Data
		} else {
			dst = m.mem.Get(plane * layer.outC)
		}
		layer.forward(cur, dst, n, h, w)
		if !last {
			relu(dst)
		}

		if m.training {
			m.acts = append(m.acts, cur)
		} else if i > 0 {
			spare = cur
		}
		cur = dst
		if spare != nil {
			m.mem.Put(spare)
			spare = nil
		}
	}

	// out currently holds the residual; the restored image is x - residual.
	for i, v := range input.Data {
		out.Data[i] = v - out.Data[i]
	}
	if m.training {
		m.shape = [4]int{n, c, h, w}
	}
	return out, nil
}

// Backward accumulates parameter gradients for the last training Forward.
func (m *DnCNN) Backward(gradOutput *tensor.Tensor) error {
	if !m.training || len(m.acts) != len(m.layers) {
		return ErrNoGraph
	}
	n, c, h, w, err := gradOutput.Dims4()
	if err != nil {
		return err
	}
	if [4]int{n, c, h, w} != m.shape {
		return errors.Wrapf(tensor.ErrShape, "gradient shape %v does not match forward shape %v", gradOutput.Shape, m.shape)
	}
	defer m.release()

	plane := n * h * w
	// d(x - r)/dr = -1
	grad := m.mem.Get(len(gradOutput.Data))
	for i, v := range gradOutput.Data {
		grad[i] = -v
	}
	for i := len(m.layers) - 1; i >= 0; i-- {
		layer := m.layers[i]
		var gradIn []float64
		if i > 0 {
			gradIn = m.mem.Get(plane * layer.inC)
		}
		layer.backward(m.acts[i], grad, gradIn, n, h, w)
		m.mem.Put(grad)
		if gradIn == nil {
			break
		}
		reluBackward(gradIn, m.acts[i])
		grad = gradIn
	}
	return nil
}

// release returns recorded activations to the pool. acts[0] is the caller's
// input and is never pooled.
func (m *DnCNN) release() {
	for i, buf := range m.acts {
		if i > 0 {
			m.mem.Put(buf)
		}
		m.acts[i] = nil
	}
	m.acts = m.acts[:0]
}

func relu(x []float64) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// reluBackward masks grad where the post-activation output was not positive.
func reluBackward(grad, activated []float64) {
	for i, a := range activated {
		if a <= 0 {
			grad[i] = 0
		}
	}
}
