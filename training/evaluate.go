package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/tsawler/go-demoire/models"
)

// CacheReleaser drops cached-but-unused device memory.
type CacheReleaser interface {
	EmptyCache() int
}

// EvaluationConfig controls validation reporting.
type EvaluationConfig struct {
	PlotEvery  int  // log per-batch loss/PSNR every N batches (0 = never)
	ShowImages bool // also send input/output/target images at that interval
}

// Evaluator runs a model over a held-out set without updating it.
type Evaluator struct {
	criterion Loss
	config    EvaluationConfig
	device    CacheReleaser
	vis       Visualizer
	logger    *slog.Logger
}

// NewEvaluator creates an evaluator. device and vis may be nil.
func NewEvaluator(criterion Loss, config EvaluationConfig, device CacheReleaser, vis Visualizer, logger *slog.Logger) *Evaluator {
	if vis == nil {
		vis = NopVisualizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		criterion: criterion,
		config:    config,
		device:    device,
		vis:       vis,
		logger:    logger,
	}
}

// Evaluate makes one full pass over source and returns the mean loss and
// mean PSNR. The model is switched to eval mode for the pass and always
// switched back to training mode before returning.
func (e *Evaluator) Evaluate(ctx context.Context, model models.Module, source BatchSource) (float64, float64, error) {
	model.Eval()
	defer model.Train()

	if e.device != nil {
		released := e.device.EmptyCache()
		e.logger.Debug("released cached buffers before validation", "buffers", released)
	}

	if err := source.Reset(); err != nil {
		return 0, 0, errors.Wrap(err, "failed to reset validation data")
	}

	e.vis.Log("======== validation start ========")
	var lossMeter, psnrMeter AverageMeter
	for ii := 0; ; ii++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		batch, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, errors.Wrap(err, "failed to load validation batch")
		}

		target, err := batch.Target()
		if err != nil {
			return 0, 0, err
		}
		output, err := model.Forward(batch.Input)
		if err != nil {
			return 0, 0, errors.Wrap(err, "validation forward pass failed")
		}
		loss, err := e.criterion.Forward(output, target)
		if err != nil {
			return 0, 0, err
		}
		lossMeter.Add(loss)

		psnr, err := displayPSNR(output, target)
		if err != nil {
			return 0, 0, err
		}
		psnrMeter.Add(psnr)

		if e.config.PlotEvery > 0 && (ii+1)%e.config.PlotEvery == 0 {
			if e.config.ShowImages {
				showImages(e.vis, "val_", batch.Input, output, target)
			}
			e.vis.Log(fmt.Sprintf(">>>>>>>> val_loss:%v, val_psnr:%v", loss, psnr))
		}
	}

	meanLoss, err := lossMeter.Mean()
	if err != nil {
		return 0, 0, errors.Wrap(err, "validation set produced no batches")
	}
	meanPSNR, _ := psnrMeter.Mean()
	e.vis.Log("======== validation end ========")
	return meanLoss, meanPSNR, nil
}
