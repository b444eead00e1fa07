package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-demoire/models"
	"github.com/tsawler/go-demoire/tensor"
	"github.com/tsawler/go-demoire/vision/preprocessing"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs            int     // total epochs, counting those already completed by a resumed run
	MaxIter           int     // batches per epoch, 0 = the whole source
	AccumulationSteps int     // optimizer step every N batches
	PlotEvery         int     // report every N batches
	LRDecay           float64 // factor applied when the epoch loss goes up
	ResumePath        string  // checkpoint to resume from, empty for a fresh run
	LossLogPath       string  // empty disables the loss log
	Progress          io.Writer
}

// Trainer runs the epoch loop: train, evaluate, log, checkpoint, decay.
type Trainer struct {
	model       models.Module
	optimizer   Optimizer
	criterion   Loss
	config      TrainingConfig
	checkpoints *CheckpointManager
	evaluator   *Evaluator
	vis         Visualizer
	plots       SummaryPlotter
	logger      *slog.Logger
	collector   *VisualizationCollector
}

// NewTrainer creates a new Trainer. Checkpointing and evaluation are
// enabled with WithCheckpoints and WithEvaluator.
func NewTrainer(model models.Module, optimizer Optimizer, criterion Loss, config TrainingConfig) *Trainer {
	if config.AccumulationSteps <= 0 {
		config.AccumulationSteps = 1
	}
	return &Trainer{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		config:    config,
		vis:       NopVisualizer{},
		logger:    slog.Default(),
		collector: NewVisualizationCollector(""),
	}
}

func (t *Trainer) WithCheckpoints(cm *CheckpointManager) *Trainer {
	t.checkpoints = cm
	return t
}

func (t *Trainer) WithEvaluator(e *Evaluator) *Trainer {
	t.evaluator = e
	return t
}

func (t *Trainer) WithVisualizer(v Visualizer) *Trainer {
	if v != nil {
		t.vis = v
	}
	return t
}

// SummaryPlotter receives the whole-run curves once training finishes.
type SummaryPlotter interface {
	SendCollectedPlots(collector *VisualizationCollector) error
}

// WithSummaryPlots sends whole-run curves to p when training finishes.
func (t *Trainer) WithSummaryPlots(p SummaryPlotter) *Trainer {
	t.plots = p
	return t
}

func (t *Trainer) WithLogger(l *slog.Logger) *Trainer {
	if l != nil {
		t.logger = l
	}
	return t
}

// History returns the summaries of the epochs run so far.
func (t *Trainer) History() []EpochSummary {
	return t.collector.Epochs()
}

// Run trains on train and evaluates on val (which may be nil) after every
// epoch. Cancelling ctx stops the run between batches without writing a
// final checkpoint.
func (t *Trainer) Run(ctx context.Context, train, val BatchSource) error {
	lr := t.optimizer.GetLR()
	lastEpoch := 0
	if t.config.ResumePath != "" {
		if t.checkpoints == nil {
			return errors.New("resume requested without a checkpoint manager")
		}
		epoch, restoredLR, err := t.checkpoints.Restore(t.config.ResumePath)
		if err != nil {
			return err
		}
		lastEpoch, lr = epoch, restoredLR
		t.logger.Info("resuming training", "completed_epochs", lastEpoch, "lr", lr)
	}

	decay := NewLossIncreaseDecay(t.config.LRDecay)
	completed := lastEpoch
	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		if epoch < lastEpoch {
			continue
		}
		start := time.Now()

		trainLoss, trainPSNR, lossList, err := t.trainEpoch(ctx, train, epoch, lr)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch+1)
		}

		summary := EpochSummary{Epoch: epoch + 1, TrainLoss: trainLoss, TrainPSNR: trainPSNR, LR: lr}
		if t.evaluator != nil && val != nil {
			valLoss, valPSNR, err := t.evaluator.Evaluate(ctx, t.model, val)
			if err != nil {
				return errors.Wrapf(err, "epoch %d validation", epoch+1)
			}
			summary.ValLoss, summary.ValPSNR = valLoss, valPSNR
			t.vis.Plot("val_loss", valLoss)
			t.vis.Log(fmt.Sprintf("epoch:%d, average val_loss:%v, average val_psnr:%v", epoch+1, valLoss, valPSNR))
		}

		if t.config.LossLogPath != "" {
			if err := NewLossLog(t.config.LossLogPath).AppendEpoch(epoch+1, lossList); err != nil {
				return err
			}
		}

		if t.checkpoints != nil && t.checkpoints.ShouldSave(epoch) {
			if _, err := t.checkpoints.SaveCheckpoint(epoch+1, lr); err != nil {
				return err
			}
		}

		if next, decayed := decay.Step(trainLoss, lr); decayed {
			t.logger.Info("training loss increased, decaying learning rate", "epoch", epoch+1, "from", lr, "to", next)
			lr = next
			t.optimizer.SetLR(lr)
		}

		summary.Duration = time.Since(start)
		t.collector.RecordEpoch(summary)
		completed = epoch + 1
		t.logger.Info("epoch finished",
			"epoch", summary.Epoch,
			"train_loss", summary.TrainLoss,
			"train_psnr", summary.TrainPSNR,
			"val_loss", summary.ValLoss,
			"val_psnr", summary.ValPSNR,
			"lr", summary.LR,
			"duration", summary.Duration.Round(time.Millisecond),
		)
	}

	if t.checkpoints != nil {
		if _, err := t.checkpoints.SaveFinal(completed, lr); err != nil {
			return err
		}
	}
	if t.plots != nil {
		if err := t.plots.SendCollectedPlots(t.collector); err != nil {
			t.logger.Warn("failed to send summary plots", errAttr(errors.Wrap(ErrVisualizationUnavailable, err.Error())))
		}
	}
	return nil
}

// trainEpoch runs one training epoch and returns the mean loss, mean PSNR
// and the running mean losses recorded at each reporting interval.
func (t *Trainer) trainEpoch(ctx context.Context, source BatchSource, epoch int, lr float64) (float64, float64, []float64, error) {
	t.model.Train()
	if err := source.Reset(); err != nil {
		return 0, 0, nil, errors.Wrap(err, "failed to reset training data")
	}

	var bar *ProgressBar
	if t.config.Progress != nil {
		total := 0
		if l, ok := source.(interface{ Len() int }); ok {
			total = l.Len()
		}
		if t.config.MaxIter > 0 && (total == 0 || total > t.config.MaxIter) {
			total = t.config.MaxIter
		}
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d", epoch+1), total)
	}

	var lossMeter, psnrMeter AverageMeter
	var lossList []float64
	pending := 0
	t.optimizer.ZeroGrad()

	for ii := 0; t.config.MaxIter <= 0 || ii < t.config.MaxIter; ii++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, nil, err
		}
		batch, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, nil, errors.Wrap(err, "failed to load training batch")
		}

		output, target, loss, err := t.trainStep(batch)
		if err != nil {
			return 0, 0, nil, err
		}
		pending++
		if pending == t.config.AccumulationSteps {
			if err := t.optimizer.Step(); err != nil {
				return 0, 0, nil, errors.Wrap(err, "optimizer step failed")
			}
			t.optimizer.ZeroGrad()
			pending = 0
		}
		lossMeter.Add(loss)

		psnr, err := displayPSNR(output, target)
		if err != nil {
			return 0, 0, nil, err
		}
		psnrMeter.Add(psnr)

		if t.config.PlotEvery > 0 && (ii+1)%t.config.PlotEvery == 0 {
			runningLoss, _ := lossMeter.Mean()
			runningPSNR, _ := psnrMeter.Mean()
			showImages(t.vis, "", batch.Input, output, target)
			t.vis.Text("size", fmt.Sprintf("current outputs_size:%v", output.Shape))
			t.vis.Plot("train_loss", runningLoss)
			t.vis.Log(fmt.Sprintf("epoch:%d, lr:%v, train_loss:%v, train_psnr:%v", epoch+1, lr, runningLoss, runningPSNR))
			lossList = append(lossList, runningLoss)
		}
		if bar != nil {
			runningLoss, _ := lossMeter.Mean()
			bar.Update(ii+1, map[string]float64{"loss": runningLoss})
		}
	}

	// flush gradients left over from an incomplete accumulation window
	if pending > 0 {
		if err := t.optimizer.Step(); err != nil {
			return 0, 0, nil, errors.Wrap(err, "optimizer step failed")
		}
		t.optimizer.ZeroGrad()
	}
	if bar != nil {
		bar.Finish()
	}

	meanLoss, err := lossMeter.Mean()
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, "training data produced no batches")
	}
	meanPSNR, _ := psnrMeter.Mean()
	return meanLoss, meanPSNR, lossList, nil
}

// trainStep runs forward, loss and backward for one batch. Gradients are
// accumulated into the model parameters.
func (t *Trainer) trainStep(batch *Batch) (*tensor.Tensor, *tensor.Tensor, float64, error) {
	target, err := batch.Target()
	if err != nil {
		return nil, nil, 0, err
	}
	output, err := t.model.Forward(batch.Input)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "forward pass failed")
	}
	loss, err := t.criterion.Forward(output, target)
	if err != nil {
		return nil, nil, 0, err
	}
	grad, err := t.criterion.Backward(output, target)
	if err != nil {
		return nil, nil, 0, err
	}
	if err := t.model.Backward(grad); err != nil {
		return nil, nil, 0, errors.Wrap(err, "backward pass failed")
	}
	return output, target, loss, nil
}

func displayPSNR(output, target *tensor.Tensor) (float64, error) {
	outBytes, err := preprocessing.ToDisplay(output)
	if err != nil {
		return 0, err
	}
	targetBytes, err := preprocessing.ToDisplay(target)
	if err != nil {
		return 0, err
	}
	return BatchPSNR(outBytes, targetBytes)
}

// showImages sends input, output and target batches to their windows.
// Tensors that cannot be rendered are skipped.
func showImages(vis Visualizer, prefix string, input, output, target *tensor.Tensor) {
	for _, w := range []struct {
		win string
		t   *tensor.Tensor
	}{
		{prefix + "moire_image", input},
		{prefix + "output_image", output},
		{prefix + "clear_image", target},
	} {
		images, err := preprocessing.ToImages(w.t)
		if err != nil {
			continue
		}
		vis.Images(w.win, images)
	}
}
