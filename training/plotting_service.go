package training

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// PlottingService streams training images, scalars and text to a sidecar
// dashboard over HTTP. It implements Visualizer.
type PlottingService struct {
	baseURL    string
	env        string
	session    string
	httpClient *http.Client
	config     PlottingServiceConfig

	mu       sync.Mutex
	counters map[string]int
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url"`
	Env           string        `json:"env"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotURL   string `json:"plot_url,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Env:           "main",
		Timeout:       10 * time.Second,
		RetryAttempts: 1,
		RetryDelay:    500 * time.Millisecond,
	}
}

// NewPlottingService creates a client bound to one environment. Every
// client gets its own session id so that concurrent runs do not mix.
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &PlottingService{
		baseURL: config.BaseURL,
		env:     config.Env,
		session: uuid.New().String(),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config:   config,
		counters: make(map[string]int),
	}
}

// WithEnv returns a client for another environment sharing this session.
func (ps *PlottingService) WithEnv(env string) *PlottingService {
	cfg := ps.config
	cfg.Env = env
	return &PlottingService{
		baseURL:    ps.baseURL,
		env:        env,
		session:    ps.session,
		httpClient: ps.httpClient,
		config:     cfg,
		counters:   make(map[string]int),
	}
}

func (ps *PlottingService) Session() string { return ps.session }

func (ps *PlottingService) Env() string { return ps.env }

type imagesPayload struct {
	Session string   `json:"session"`
	Env     string   `json:"env"`
	Window  string   `json:"win"`
	Images  []string `json:"images"` // base64 PNG
}

type textPayload struct {
	Session string `json:"session"`
	Env     string `json:"env"`
	Window  string `json:"win,omitempty"`
	Text    string `json:"text"`
}

func (ps *PlottingService) Images(win string, images []image.Image) error {
	payload := imagesPayload{Session: ps.session, Env: ps.env, Window: win}
	var buf bytes.Buffer
	for i, img := range images {
		buf.Reset()
		if err := png.Encode(&buf, img); err != nil {
			return errors.Wrapf(err, "failed to encode image %d", i)
		}
		payload.Images = append(payload.Images, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	_, err := ps.post("/api/images", payload)
	return err
}

// Plot sends one point of a scalar series. The x value counts the calls
// made for name on this client, starting at 1.
func (ps *PlottingService) Plot(name string, y float64) error {
	ps.mu.Lock()
	ps.counters[name]++
	x := ps.counters[name]
	ps.mu.Unlock()

	_, err := ps.SendPlotData(PlotData{
		PlotType:  ScalarSeries,
		Title:     name,
		Timestamp: time.Now(),
		Series: []SeriesData{{
			Name: name,
			Type: "line",
			Data: []DataPoint{{X: float64(x), Y: y}},
		}},
		Config: PlotConfig{XAxisLabel: "step", YAxisLabel: name, YAxisScale: "linear"},
	})
	return err
}

func (ps *PlottingService) Text(win string, text string) error {
	_, err := ps.post("/api/text", textPayload{Session: ps.session, Env: ps.env, Window: win, Text: text})
	return err
}

func (ps *PlottingService) Log(line string) error {
	_, err := ps.post("/api/log", textPayload{Session: ps.session, Env: ps.env, Text: line})
	return err
}

// SendPlotData sends plot data to the sidecar plotting service
func (ps *PlottingService) SendPlotData(plotData PlotData) (*PlottingResponse, error) {
	plotData.Session = ps.session
	plotData.Env = ps.env
	return ps.post("/api/plot", plotData)
}

// SendCollectedPlots sends every whole-run plot the collector can produce.
func (ps *PlottingService) SendCollectedPlots(collector *VisualizationCollector) error {
	for _, plotType := range []PlotType{TrainingCurves, PSNRCurves, LearningRateSchedule} {
		pd, err := collector.GeneratePlot(plotType)
		if err != nil {
			return err
		}
		if _, err := ps.SendPlotData(pd); err != nil {
			return err
		}
	}
	return nil
}

func (ps *PlottingService) post(path string, payload interface{}) (*PlottingResponse, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal payload")
	}

	var lastErr error
	for attempt := 0; attempt < ps.config.RetryAttempts; attempt++ {
		resp, err := ps.send(path, jsonData)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt < ps.config.RetryAttempts-1 {
			time.Sleep(ps.config.RetryDelay)
		}
	}
	return nil, lastErr
}

func (ps *PlottingService) send(path string, body []byte) (*PlottingResponse, error) {
	url := fmt.Sprintf("%s%s", ps.baseURL, path)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-demoire-training")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send HTTP request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	var plotResponse PlottingResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &plotResponse); err != nil && resp.StatusCode == http.StatusOK {
			return nil, errors.Wrap(err, "failed to parse response JSON")
		}
	}
	if resp.StatusCode != http.StatusOK {
		return &plotResponse, errors.Errorf("%s failed with status %d: %s", path, resp.StatusCode, plotResponse.Message)
	}
	return &plotResponse, nil
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth() error {
	url := fmt.Sprintf("%s/health", ps.baseURL)
	resp, err := ps.httpClient.Get(url)
	if err != nil {
		return errors.Wrap(err, "failed to send health check request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}
