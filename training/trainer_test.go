package training

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-demoire/checkpoints"
	"github.com/tsawler/go-demoire/models"
	"github.com/tsawler/go-demoire/tensor"
)

// identityModel returns its input unchanged and has no parameters.
type identityModel struct {
	training bool
	forwards int
}

func (m *identityModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	m.forwards++
	return input.Clone(), nil
}
func (m *identityModel) Backward(*tensor.Tensor) error   { return nil }
func (m *identityModel) Parameters() []*models.Parameter { return nil }
func (m *identityModel) Train()                          { m.training = true }
func (m *identityModel) Eval()                           { m.training = false }
func (m *identityModel) IsTraining() bool                { return m.training }

// fakeOptimizer counts steps and records learning rate changes.
type fakeOptimizer struct {
	lr     float64
	steps  int
	zeroes int
	setLRs []float64
}

func (o *fakeOptimizer) Step() error {
	o.steps++
	return nil
}
func (o *fakeOptimizer) ZeroGrad()      { o.zeroes++ }
func (o *fakeOptimizer) GetLR() float64 { return o.lr }
func (o *fakeOptimizer) SetLR(lr float64) {
	o.lr = lr
	o.setLRs = append(o.setLRs, lr)
}
func (o *fakeOptimizer) State() *checkpoints.OptimizerState {
	return &checkpoints.OptimizerState{Type: "fake"}
}
func (o *fakeOptimizer) LoadState(*checkpoints.OptimizerState) error { return nil }

// epochSource serves two batches per pass whose targets sit diffs[pass]
// away from an all-zero input.
type epochSource struct {
	diffs []float64
	pass  int
	pos   int
}

func (s *epochSource) Reset() error {
	s.pass++
	s.pos = 0
	return nil
}

func (s *epochSource) Next() (*Batch, error) {
	if s.pos == 2 {
		return nil, io.EOF
	}
	s.pos++
	in, _ := tensor.Zeros(1, 3, 4, 4)
	target, _ := tensor.Full(s.diffs[s.pass-1], 1, 3, 4, 4)
	return &Batch{Input: in, Targets: []*tensor.Tensor{target}}, nil
}

// countingSource wraps a BatchSource and counts served batches.
type countingSource struct {
	BatchSource
	served int
}

func (s *countingSource) Next() (*Batch, error) {
	b, err := s.BatchSource.Next()
	if err == nil {
		s.served++
	}
	return b, err
}

func randomSource(seed int64, n int) *SliceSource {
	rng := rand.New(rand.NewSource(seed))
	var batches []*Batch
	for i := 0; i < n; i++ {
		batches = append(batches, randomBatch(rng, 2, 6, 6))
	}
	return NewSliceSource(batches...)
}

func TestTrainerFullRun(t *testing.T) {
	dir := t.TempDir()
	prefix := dir + "/exp_"
	model := newTestModel(t, 1)
	opt := newTestAdam(t, model)
	criterion, _ := NewWeightedLoss(0.5)
	rec := newRecordingVisualizer()
	var progress bytes.Buffer

	cm := NewCheckpointManager(model, opt, CheckpointConfig{Prefix: prefix, ModelName: "DnCNN", SaveFrequency: 5}, nil)
	ev := NewEvaluator(criterion, EvaluationConfig{PlotEvery: 1}, nil, rec, nil)
	trainer := NewTrainer(model, opt, criterion, TrainingConfig{
		Epochs:      2,
		PlotEvery:   1,
		LRDecay:     0.3,
		LossLogPath: LossLogPath(prefix),
		Progress:    &progress,
	}).WithCheckpoints(cm).WithEvaluator(ev).WithVisualizer(rec)

	before := models.StateDictOf(model)
	if err := trainer.Run(context.Background(), randomSource(1, 3), randomSource(2, 2)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	history := trainer.History()
	if len(history) != 2 || history[0].Epoch != 1 || history[1].Epoch != 2 {
		t.Fatalf("unexpected history %+v", history)
	}
	for _, h := range history {
		if h.TrainLoss <= 0 || h.ValLoss <= 0 || h.TrainPSNR <= 0 || h.ValPSNR <= 0 {
			t.Errorf("epoch %d has empty metrics %+v", h.Epoch, h)
		}
	}
	if opt.StepCount() != 6 {
		t.Errorf("expected 6 optimizer steps, got %d", opt.StepCount())
	}
	if before["conv0.weight"].Data[0] == model.Parameters()[0].Value.Data[0] {
		t.Error("weights did not change")
	}

	if n := len(rec.plots["train_loss"]); n != 6 {
		t.Errorf("expected 6 train_loss points, got %d", n)
	}
	if n := len(rec.plots["val_loss"]); n != 2 {
		t.Errorf("expected 2 val_loss points, got %d", n)
	}
	if rec.images["moire_image"] != 12 || rec.images["output_image"] != 12 {
		t.Errorf("unexpected image counts %v", rec.images)
	}
	if !strings.HasPrefix(rec.texts["size"], "current outputs_size:") {
		t.Errorf("unexpected size text %q", rec.texts["size"])
	}
	var sawEpochLine bool
	for _, l := range rec.lines {
		if strings.HasPrefix(l, "epoch:2, average val_loss:") {
			sawEpochLine = true
		}
	}
	if !sawEpochLine {
		t.Errorf("missing validation summary line in %q", rec.lines)
	}

	logData, err := os.ReadFile(LossLogPath(prefix))
	if err != nil {
		t.Fatalf("loss log not written: %v", err)
	}
	if lines := strings.Split(strings.TrimPrefix(string(logData), "\n"), "\n"); len(lines) != 8 || lines[0] != "epoch_1" || lines[4] != "epoch_2" {
		t.Errorf("unexpected loss log %q", logData)
	}

	// epoch 1 is always saved, epoch 2 is not a save point, final always
	epochFiles, _ := filepath.Glob(prefix + "DnCNN_epoch*")
	finalFiles, _ := filepath.Glob(prefix + "DnCNN_final_*")
	if len(epochFiles) != 1 || !strings.Contains(epochFiles[0], "_epoch1_") {
		t.Errorf("unexpected periodic checkpoints %v", epochFiles)
	}
	if len(finalFiles) != 1 {
		t.Fatalf("expected one final checkpoint, got %v", finalFiles)
	}
	final, err := checkpoints.Load(finalFiles[0])
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if final.Epoch != 2 {
		t.Errorf("final checkpoint epoch = %d, want 2", final.Epoch)
	}
	if !strings.Contains(progress.String(), "Epoch 2") {
		t.Errorf("no progress output")
	}
}

func TestTrainerResume(t *testing.T) {
	dir := t.TempDir()
	prefix := dir + "/"

	model := newTestModel(t, 1)
	opt := newTestAdam(t, model)
	runStep(t, model, opt, 5)
	saved, err := NewCheckpointManager(model, opt, CheckpointConfig{Prefix: prefix, ModelName: "old"}, nil).SaveCheckpoint(10, 2e-5)
	if err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	resumed := newTestModel(t, 7)
	ropt := newTestAdam(t, resumed)
	cm := NewCheckpointManager(resumed, ropt, CheckpointConfig{Prefix: prefix, ModelName: "new", SaveFrequency: 100}, nil)
	trainer := NewTrainer(resumed, ropt, NewCharbonnierLoss(), TrainingConfig{
		Epochs:     12,
		ResumePath: saved,
	}).WithCheckpoints(cm)

	if err := trainer.Run(context.Background(), randomSource(1, 2), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	history := trainer.History()
	if len(history) != 2 || history[0].Epoch != 11 || history[1].Epoch != 12 {
		t.Fatalf("expected epochs 11 and 12, got %+v", history)
	}
	if history[0].LR != 2e-5 {
		t.Errorf("expected restored LR 2e-5, got %v", history[0].LR)
	}

	finals, _ := filepath.Glob(prefix + "new_final_*")
	if len(finals) != 1 {
		t.Fatalf("expected a final checkpoint, got %v", finals)
	}
	final, err := checkpoints.Load(finals[0])
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if final.Epoch != 12 {
		t.Errorf("final checkpoint epoch = %d, want 12", final.Epoch)
	}
}

func TestTrainerResumePastEnd(t *testing.T) {
	dir := t.TempDir()
	model := newTestModel(t, 1)
	opt := newTestAdam(t, model)
	saved, _ := NewCheckpointManager(model, opt, CheckpointConfig{Prefix: dir + "/", ModelName: "old"}, nil).SaveCheckpoint(10, 1e-4)

	cm := NewCheckpointManager(model, opt, CheckpointConfig{Prefix: dir + "/", ModelName: "new"}, nil)
	src := &countingSource{BatchSource: randomSource(1, 2)}
	trainer := NewTrainer(model, opt, NewCharbonnierLoss(), TrainingConfig{Epochs: 5, ResumePath: saved}).WithCheckpoints(cm)
	if err := trainer.Run(context.Background(), src, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if src.served != 0 || len(trainer.History()) != 0 {
		t.Errorf("no epochs should run, served %d batches", src.served)
	}
	finals, _ := filepath.Glob(dir + "/new_final_*")
	if len(finals) != 1 {
		t.Fatalf("expected a final checkpoint, got %v", finals)
	}
	final, _ := checkpoints.Load(finals[0])
	if final.Epoch != 10 {
		t.Errorf("final checkpoint epoch = %d, want 10", final.Epoch)
	}
}

func TestTrainerResumeMissingCheckpoint(t *testing.T) {
	model := newTestModel(t, 1)
	opt := newTestAdam(t, model)
	cm := NewCheckpointManager(model, opt, CheckpointConfig{}, nil)
	trainer := NewTrainer(model, opt, NewCharbonnierLoss(), TrainingConfig{Epochs: 1, ResumePath: filepath.Join(t.TempDir(), "nope.ckpt")}).WithCheckpoints(cm)
	if err := trainer.Run(context.Background(), randomSource(1, 1), nil); !errors.Is(err, checkpoints.ErrCheckpointNotFound) {
		t.Errorf("expected ErrCheckpointNotFound, got %v", err)
	}
}

func TestTrainerMaxIter(t *testing.T) {
	opt := &fakeOptimizer{lr: 1e-4}
	src := &countingSource{BatchSource: randomSource(1, 5)}
	trainer := NewTrainer(&identityModel{}, opt, NewCharbonnierLoss(), TrainingConfig{Epochs: 2, MaxIter: 3})
	if err := trainer.Run(context.Background(), src, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if src.served != 6 {
		t.Errorf("expected 3 batches per epoch, served %d", src.served)
	}
}

func TestTrainerGradientAccumulation(t *testing.T) {
	opt := &fakeOptimizer{lr: 1e-4}
	trainer := NewTrainer(&identityModel{}, opt, NewCharbonnierLoss(), TrainingConfig{Epochs: 1, AccumulationSteps: 2})
	if err := trainer.Run(context.Background(), randomSource(1, 5), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// two full windows plus the leftover batch
	if opt.steps != 3 {
		t.Errorf("expected 3 steps, got %d", opt.steps)
	}
}

func TestTrainerDecaysOnLossIncrease(t *testing.T) {
	opt := &fakeOptimizer{lr: 0.1}
	src := &epochSource{diffs: []float64{0.1, 0.2, 0.15}}
	trainer := NewTrainer(&identityModel{}, opt, NewCharbonnierLoss(), TrainingConfig{Epochs: 3, LRDecay: 0.3})
	if err := trainer.Run(context.Background(), src, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	history := trainer.History()
	wantLR := []float64{0.1, 0.1, 0.03}
	for i, h := range history {
		if math.Abs(h.LR-wantLR[i]) > 1e-12 {
			t.Errorf("epoch %d: LR %v, want %v", h.Epoch, h.LR, wantLR[i])
		}
	}
	if len(opt.setLRs) != 1 {
		t.Errorf("expected a single decay, got %v", opt.setLRs)
	}
}

func TestTrainerEmptyTrainingSet(t *testing.T) {
	trainer := NewTrainer(&identityModel{}, &fakeOptimizer{lr: 1}, NewCharbonnierLoss(), TrainingConfig{Epochs: 1})
	if err := trainer.Run(context.Background(), NewSliceSource(), nil); !errors.Is(err, ErrEmptyAccumulator) {
		t.Errorf("expected ErrEmptyAccumulator, got %v", err)
	}
}

func TestTrainerCancelled(t *testing.T) {
	dir := t.TempDir()
	model := newTestModel(t, 1)
	opt := newTestAdam(t, model)
	cm := NewCheckpointManager(model, opt, CheckpointConfig{Prefix: dir + "/", ModelName: "m"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trainer := NewTrainer(model, opt, NewCharbonnierLoss(), TrainingConfig{Epochs: 3}).WithCheckpoints(cm)
	if err := trainer.Run(ctx, randomSource(1, 2), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if files, _ := filepath.Glob(dir + "/*"); len(files) != 0 {
		t.Errorf("cancelled run wrote %v", files)
	}
}

func TestTrainerSurvivesVisualizationOutage(t *testing.T) {
	rec := newRecordingVisualizer()
	rec.fail = true
	vis := NewBestEffort(rec, nil)
	trainer := NewTrainer(&identityModel{}, &fakeOptimizer{lr: 1e-4}, NewCharbonnierLoss(), TrainingConfig{Epochs: 1, PlotEvery: 1}).
		WithVisualizer(vis)
	if err := trainer.Run(context.Background(), randomSource(1, 2), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if vis.Failures("train_loss") != 2 {
		t.Errorf("expected 2 recorded plot failures, got %d", vis.Failures("train_loss"))
	}
}

func TestTrainerConstantPairStep(t *testing.T) {
	in, _ := tensor.Full(0.2, 1, 1, 4, 4)
	target, _ := tensor.Full(0.2, 1, 1, 4, 4)
	opt := &fakeOptimizer{lr: 1e-4}
	trainer := NewTrainer(&identityModel{}, opt, NewCharbonnierLoss(), TrainingConfig{Epochs: 1})

	if err := trainer.Run(context.Background(), NewSliceSource(&Batch{Input: in, Targets: []*tensor.Tensor{target}}), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	history := trainer.History()
	if len(history) != 1 {
		t.Fatalf("expected one epoch, got %d", len(history))
	}
	// 16 elements of sqrt(1e-6) over a batch of one
	if math.Abs(history[0].TrainLoss-16*math.Sqrt(1e-6)) > 1e-12 {
		t.Errorf("expected loss %v, got %v", 16*math.Sqrt(1e-6), history[0].TrainLoss)
	}
	if history[0].TrainPSNR != MaxPSNR {
		t.Errorf("expected PSNR sentinel %v, got %v", MaxPSNR, history[0].TrainPSNR)
	}
	if opt.steps != 1 {
		t.Errorf("expected one optimizer step, got %d", opt.steps)
	}
}

type failingPlotter struct{ calls int }

func (p *failingPlotter) SendCollectedPlots(*VisualizationCollector) error {
	p.calls++
	return errors.New("dashboard down")
}

func TestTrainerSummaryPlotFailureLogsOneLine(t *testing.T) {
	var logs bytes.Buffer
	plotter := &failingPlotter{}
	trainer := NewTrainer(&identityModel{}, &fakeOptimizer{lr: 1e-4}, NewCharbonnierLoss(), TrainingConfig{Epochs: 1}).
		WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))).
		WithSummaryPlots(plotter)

	if err := trainer.Run(context.Background(), randomSource(3, 1), nil); err != nil {
		t.Fatalf("summary plot failure should not fail the run: %v", err)
	}
	if plotter.calls != 1 {
		t.Errorf("expected one summary upload, got %d", plotter.calls)
	}
	out := logs.String()
	if n := strings.Count(out, "\n"); n != 1 || strings.Contains(out, "runtime.goexit") {
		t.Errorf("expected one warning line without a stack trace, got:\n%s", out)
	}
}
