package training

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-demoire/checkpoints"
	"github.com/tsawler/go-demoire/models"
	"github.com/tsawler/go-demoire/tensor"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	Prefix         string                       // Path prefix; its directory part is created on demand
	ModelName      string                       // Embedded in every file name
	SaveFrequency  int                          // Save every N epochs; the first epoch is always saved
	MaxCheckpoints int                          // Periodic checkpoints to keep (0 = unlimited)
	Format         checkpoints.CheckpointFormat // Proto or JSON
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Prefix:        "./results/",
		ModelName:     "DnCNN",
		SaveFrequency: 5,
		Format:        checkpoints.FormatProto,
	}
}

// timestampLayout renders as MMDD_HH_MM_SS.
const timestampLayout = "0102_15_04_05"

// CheckpointManager snapshots and restores the model and optimizer of one
// training run.
type CheckpointManager struct {
	config     CheckpointConfig
	model      models.Module
	optimizer  Optimizer
	saver      *checkpoints.CheckpointSaver
	logger     *slog.Logger
	savedFiles []string // periodic checkpoints, oldest first
	now        func() time.Time
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(model models.Module, optimizer Optimizer, config CheckpointConfig, logger *slog.Logger) *CheckpointManager {
	if config.SaveFrequency <= 0 {
		config.SaveFrequency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointManager{
		config:    config,
		model:     model,
		optimizer: optimizer,
		saver:     checkpoints.NewCheckpointSaver(config.Format),
		logger:    logger,
		now:       time.Now,
	}
}

// ShouldSave reports whether the zero-based epoch index is a save point.
func (cm *CheckpointManager) ShouldSave(epoch int) bool {
	return (epoch+1)%cm.config.SaveFrequency == 0 || epoch == 0
}

// SaveCheckpoint writes a periodic checkpoint for completedEpochs finished
// epochs and returns its path.
func (cm *CheckpointManager) SaveCheckpoint(completedEpochs int, lr float64) (string, error) {
	path := cm.generateFilename(fmt.Sprintf("epoch%d", completedEpochs))
	if err := cm.save(path, completedEpochs, lr); err != nil {
		return "", err
	}
	cm.savedFiles = append(cm.savedFiles, path)
	if err := cm.cleanupOldCheckpoints(); err != nil {
		cm.logger.Warn("failed to clean up old checkpoints", errAttr(err))
	}
	return path, nil
}

// SaveFinal writes the end-of-run checkpoint. It is never cleaned up.
func (cm *CheckpointManager) SaveFinal(completedEpochs int, lr float64) (string, error) {
	path := cm.generateFilename("final")
	if err := cm.save(path, completedEpochs, lr); err != nil {
		return "", err
	}
	return path, nil
}

func (cm *CheckpointManager) save(path string, epoch int, lr float64) error {
	checkpoint := &checkpoints.Checkpoint{
		Epoch:          epoch,
		LearningRate:   lr,
		ModelState:     weightsFromModel(cm.model),
		OptimizerState: cm.optimizer.State(),
	}
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return errors.Wrap(err, "failed to save checkpoint")
	}
	cm.logger.Info("saved checkpoint", "path", path, "epoch", epoch, "lr", lr)
	return nil
}

// Restore loads a checkpoint into the model and optimizer and returns the
// number of completed epochs and the learning rate it was saved with. The
// learning rate is also applied to the optimizer.
func (cm *CheckpointManager) Restore(path string) (int, float64, error) {
	checkpoint, err := checkpoints.Load(path)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to load checkpoint")
	}

	sd, err := stateDictFromWeights(checkpoint.ModelState)
	if err != nil {
		return 0, 0, err
	}
	if err := models.LoadStateDict(cm.model, sd); err != nil {
		return 0, 0, errors.Wrap(err, "failed to restore model state")
	}
	if err := cm.optimizer.LoadState(checkpoint.OptimizerState); err != nil {
		return 0, 0, errors.Wrap(err, "failed to restore optimizer state")
	}
	cm.optimizer.SetLR(checkpoint.LearningRate)

	cm.logger.Info("restored checkpoint", "path", path, "epoch", checkpoint.Epoch, "lr", checkpoint.LearningRate)
	return checkpoint.Epoch, checkpoint.LearningRate, nil
}

// Helper methods

func (cm *CheckpointManager) generateFilename(tag string) string {
	return fmt.Sprintf("%s%s_%s_%s%s",
		cm.config.Prefix, cm.config.ModelName, tag, cm.now().Format(timestampLayout), cm.config.Format.Extension())
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove old checkpoint %s", cm.savedFiles[i])
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}

func weightsFromModel(m models.Module) []checkpoints.WeightTensor {
	params := m.Parameters()
	weights := make([]checkpoints.WeightTensor, 0, len(params))
	for _, p := range params {
		weights = append(weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float64(nil), p.Value.Data...),
		})
	}
	return weights
}

func stateDictFromWeights(weights []checkpoints.WeightTensor) (models.StateDict, error) {
	sd := make(models.StateDict, len(weights))
	for _, w := range weights {
		t, err := tensor.New(w.Shape, w.Data)
		if err != nil {
			return nil, errors.Wrapf(checkpoints.ErrCheckpointCorrupt, "weight %s: %v", w.Name, err)
		}
		sd[w.Name] = t
	}
	return sd, nil
}
