package checkpoints

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrCheckpointNotFound is returned when the checkpoint path does not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCheckpointCorrupt is returned when a checkpoint cannot be decoded or
	// one of its fields is missing or malformed.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Extension is the file extension used for the format, including the dot.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatJSON {
		return ".json"
	}
	return ".ckpt"
}

// ParseFormat maps a config value ("proto", "json") to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "proto", "protobuf", "ckpt":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// FormatForPath guesses the format from a file extension.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint is a resumable training snapshot. Epoch counts completed epochs.
type Checkpoint struct {
	Epoch          int             `json:"epoch"`
	LearningRate   float64         `json:"learning_rate"`
	ModelState     []WeightTensor  `json:"model_state"`
	OptimizerState *OptimizerState `json:"optimizer_state"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// OptimizerState captures optimizer-specific state (moments, step count, hyper-parameters).
type OptimizerState struct {
	Type       string             `json:"type"`
	Step       int64              `json:"step"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor is one per-parameter state tensor, for example Adam's "m" or "v".
type OptimizerTensor struct {
	Name      string    `json:"name"`
	StateType string    `json:"state_type"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
}

func elements(shape []int) (int, bool) {
	if len(shape) == 0 {
		return 0, false
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Validate checks the invariants every stored checkpoint must satisfy.
func (c *Checkpoint) Validate() error {
	if c.Epoch < 0 {
		return errors.Wrapf(ErrCheckpointCorrupt, "negative epoch %d", c.Epoch)
	}
	if !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0) {
		return errors.Wrapf(ErrCheckpointCorrupt, "learning rate %v must be positive and finite", c.LearningRate)
	}
	if len(c.ModelState) == 0 {
		return errors.Wrap(ErrCheckpointCorrupt, "missing model state")
	}
	for _, w := range c.ModelState {
		if n, ok := elements(w.Shape); !ok || n != len(w.Data) || w.Name == "" {
			return errors.Wrapf(ErrCheckpointCorrupt, "malformed weight %q: shape %v with %d values", w.Name, w.Shape, len(w.Data))
		}
	}
	if c.OptimizerState == nil {
		return errors.Wrap(ErrCheckpointCorrupt, "missing optimizer state")
	}
	for _, s := range c.OptimizerState.StateData {
		if n, ok := elements(s.Shape); !ok || n != len(s.Data) {
			return errors.Wrapf(ErrCheckpointCorrupt, "malformed optimizer tensor %s/%s: shape %v with %d values", s.Name, s.StateType, s.Shape, len(s.Data))
		}
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// SaveCheckpoint writes checkpoint to path. The file appears under its
// final name only once completely written; a crash mid-write leaves any
// previous file at path untouched.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if err := checkpoint.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid checkpoint")
	}

	var data []byte
	switch cs.format {
	case FormatProto:
		data = marshalProto(checkpoint)
	case FormatJSON:
		var err error
		data, err = json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	return writeAtomic(path, data)
}

// LoadCheckpoint reads a checkpoint written in the saver's format.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(ErrCheckpointNotFound, path)
		}
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatProto:
		checkpoint, err = unmarshalProto(data)
	case FormatJSON:
		checkpoint, err = unmarshalJSON(data)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return checkpoint, nil
}

// Load reads a checkpoint, picking the format from the file extension.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
}

// jsonCheckpoint mirrors Checkpoint with pointers so absent fields can be told
// apart from zero values.
type jsonCheckpoint struct {
	Epoch          *int            `json:"epoch"`
	LearningRate   *float64        `json:"learning_rate"`
	ModelState     []WeightTensor  `json:"model_state"`
	OptimizerState *OptimizerState `json:"optimizer_state"`
}

func unmarshalJSON(data []byte) (*Checkpoint, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw jsonCheckpoint
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrapf(ErrCheckpointCorrupt, "failed to decode checkpoint: %v", err)
	}
	if raw.Epoch == nil {
		return nil, errors.Wrap(ErrCheckpointCorrupt, "missing epoch")
	}
	if raw.LearningRate == nil {
		return nil, errors.Wrap(ErrCheckpointCorrupt, "missing learning rate")
	}
	return &Checkpoint{
		Epoch:          *raw.Epoch,
		LearningRate:   *raw.LearningRate,
		ModelState:     raw.ModelState,
		OptimizerState: raw.OptimizerState,
	}, nil
}

// writeAtomic writes data to a temporary file in the target directory, syncs
// it, and renames it over path.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync checkpoint")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close checkpoint")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "failed to publish checkpoint")
	}
	return nil
}
