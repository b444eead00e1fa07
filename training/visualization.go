package training

import (
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrVisualizationUnavailable wraps every failure of a visualization sink.
// Such failures are logged and never abort training.
var ErrVisualizationUnavailable = errors.New("visualization unavailable")

// errAttr logs the message of err without the stack trace that pkg/errors
// values carry.
func errAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Visualizer is a sink for training images, scalar series and text.
type Visualizer interface {
	// Images shows a batch of images in window win.
	Images(win string, images []image.Image) error
	// Plot appends y to the series name; x is the number of calls for name.
	Plot(name string, y float64) error
	// Text replaces the text shown in window win.
	Text(win string, text string) error
	// Log appends a line to the run's log window.
	Log(line string) error
}

// NopVisualizer discards everything. Used when visualization is disabled.
type NopVisualizer struct{}

func (NopVisualizer) Images(string, []image.Image) error { return nil }
func (NopVisualizer) Plot(string, float64) error         { return nil }
func (NopVisualizer) Text(string, string) error          { return nil }
func (NopVisualizer) Log(string) error                   { return nil }

// BestEffort wraps a Visualizer so that its failures are logged instead of
// returned. The first failure per window is logged at warn level, later
// ones at debug level.
type BestEffort struct {
	next   Visualizer
	logger *slog.Logger

	mu     sync.Mutex
	failed map[string]int
}

func NewBestEffort(next Visualizer, logger *slog.Logger) *BestEffort {
	if next == nil {
		next = NopVisualizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffort{next: next, logger: logger, failed: make(map[string]int)}
}

func (b *BestEffort) report(win string, err error) error {
	if err == nil {
		return nil
	}
	err = errors.Wrapf(ErrVisualizationUnavailable, "%s: %v", win, err)

	b.mu.Lock()
	b.failed[win]++
	n := b.failed[win]
	b.mu.Unlock()

	if n == 1 {
		b.logger.Warn("visualization failed, continuing without it", "window", win, errAttr(err))
	} else {
		b.logger.Debug("visualization failed", "window", win, "failures", n, errAttr(err))
	}
	return nil
}

// Failures reports how many calls to window win have failed.
func (b *BestEffort) Failures(win string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed[win]
}

func (b *BestEffort) Images(win string, images []image.Image) error {
	return b.report(win, b.next.Images(win, images))
}

func (b *BestEffort) Plot(name string, y float64) error {
	return b.report(name, b.next.Plot(name, y))
}

func (b *BestEffort) Text(win string, text string) error {
	return b.report(win, b.next.Text(win, text))
}

func (b *BestEffort) Log(line string) error {
	return b.report("log", b.next.Log(line))
}

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	ScalarSeries         PlotType = "scalar_series"
	TrainingCurves       PlotType = "training_curves"
	PSNRCurves           PlotType = "psnr_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name,omitempty"`
	Session   string    `json:"session,omitempty"`
	Env       string    `json:"env,omitempty"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "scatter"
	Data []DataPoint `json:"data"`
}

// DataPoint is one (x, y) sample.
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
}

// EpochSummary is the per-epoch record kept by the trainer.
type EpochSummary struct {
	Epoch     int           `json:"epoch"`
	TrainLoss float64       `json:"train_loss"`
	TrainPSNR float64       `json:"train_psnr"`
	ValLoss   float64       `json:"val_loss"`
	ValPSNR   float64       `json:"val_psnr"`
	LR        float64       `json:"lr"`
	Duration  time.Duration `json:"duration"`
}

// VisualizationCollector accumulates epoch summaries and turns them into
// whole-run plots.
type VisualizationCollector struct {
	modelName string
	epochs    []EpochSummary
}

func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

func (vc *VisualizationCollector) RecordEpoch(s EpochSummary) {
	vc.epochs = append(vc.epochs, s)
}

func (vc *VisualizationCollector) Epochs() []EpochSummary {
	return append([]EpochSummary(nil), vc.epochs...)
}

func (vc *VisualizationCollector) series(name string, pick func(EpochSummary) float64) SeriesData {
	s := SeriesData{Name: name, Type: "line"}
	for _, e := range vc.epochs {
		s.Data = append(s.Data, DataPoint{X: float64(e.Epoch), Y: pick(e)})
	}
	return s
}

// GeneratePlot builds the whole-run plot of the given type.
func (vc *VisualizationCollector) GeneratePlot(plotType PlotType) (PlotData, error) {
	pd := PlotData{
		PlotType:  plotType,
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Config:    PlotConfig{XAxisLabel: "Epoch", YAxisScale: "linear", ShowLegend: true},
	}
	switch plotType {
	case TrainingCurves:
		pd.Title = "Loss"
		pd.Config.YAxisLabel = "Loss"
		pd.Series = []SeriesData{
			vc.series("train_loss", func(e EpochSummary) float64 { return e.TrainLoss }),
			vc.series("val_loss", func(e EpochSummary) float64 { return e.ValLoss }),
		}
	case PSNRCurves:
		pd.Title = "PSNR"
		pd.Config.YAxisLabel = "PSNR (dB)"
		pd.Series = []SeriesData{
			vc.series("train_psnr", func(e EpochSummary) float64 { return e.TrainPSNR }),
			vc.series("val_psnr", func(e EpochSummary) float64 { return e.ValPSNR }),
		}
	case LearningRateSchedule:
		pd.Title = "Learning Rate"
		pd.Config.YAxisLabel = "Learning Rate"
		pd.Config.YAxisScale = "log"
		pd.Series = []SeriesData{
			vc.series("lr", func(e EpochSummary) float64 { return e.LR }),
		}
	default:
		return PlotData{}, errors.Errorf("unsupported plot type: %s", plotType)
	}
	return pd, nil
}
