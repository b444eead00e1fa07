package training

import (
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type capturedRequest struct {
	Path string
	Body map[string]interface{}
}

// mockDashboard records every POST and answers with status.
func mockDashboard(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(status)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]interface{}
		json.Unmarshal(body, &decoded)
		mu.Lock()
		reqs = append(reqs, capturedRequest{Path: r.URL.Path, Body: decoded})
		mu.Unlock()

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(PlottingResponse{Success: status == http.StatusOK, Message: "ok"})
	}))
	t.Cleanup(server.Close)
	return server, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func testPlottingConfig(url string) PlottingServiceConfig {
	cfg := DefaultPlottingServiceConfig()
	cfg.BaseURL = url
	cfg.Timeout = 2 * time.Second
	cfg.RetryDelay = time.Millisecond
	return cfg
}

// TestDefaultPlottingServiceConfig tests the default configuration
func TestDefaultPlottingServiceConfig(t *testing.T) {
	config := DefaultPlottingServiceConfig()
	if config.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected BaseURL http://localhost:8080, got %s", config.BaseURL)
	}
	if config.Env != "main" {
		t.Errorf("Expected env main, got %s", config.Env)
	}
	if config.RetryAttempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", config.RetryAttempts)
	}
}

func TestPlottingServiceSendsScalars(t *testing.T) {
	server, requests := mockDashboard(t, http.StatusOK)
	ps := NewPlottingService(testPlottingConfig(server.URL))

	if err := ps.Plot("train_loss", 0.5); err != nil {
		t.Fatalf("Plot failed: %v", err)
	}
	if err := ps.Plot("train_loss", 0.4); err != nil {
		t.Fatalf("Plot failed: %v", err)
	}

	reqs := requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	last := reqs[1]
	if last.Path != "/api/plot" {
		t.Errorf("unexpected path %s", last.Path)
	}
	if last.Body["session"] != ps.Session() || last.Body["env"] != "main" {
		t.Errorf("missing session or env: %v", last.Body)
	}
	point := last.Body["series"].([]interface{})[0].(map[string]interface{})["data"].([]interface{})[0].(map[string]interface{})
	if point["x"] != 2.0 || point["y"] != 0.4 {
		t.Errorf("unexpected point %v", point)
	}
}

func TestPlottingServiceImagesTextAndLog(t *testing.T) {
	server, requests := mockDashboard(t, http.StatusOK)
	ps := NewPlottingService(testPlottingConfig(server.URL))

	imgs := []image.Image{image.NewRGBA(image.Rect(0, 0, 2, 2)), image.NewRGBA(image.Rect(0, 0, 2, 2))}
	if err := ps.Images("moire_image", imgs); err != nil {
		t.Fatalf("Images failed: %v", err)
	}
	if err := ps.Text("size", "current outputs_size:[1 3 2 2]"); err != nil {
		t.Fatalf("Text failed: %v", err)
	}
	if err := ps.Log("epoch:1"); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	reqs := requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(reqs))
	}
	if reqs[0].Path != "/api/images" || len(reqs[0].Body["images"].([]interface{})) != 2 {
		t.Errorf("unexpected images request %+v", reqs[0])
	}
	if reqs[1].Path != "/api/text" || reqs[1].Body["win"] != "size" {
		t.Errorf("unexpected text request %+v", reqs[1])
	}
	if reqs[2].Path != "/api/log" || reqs[2].Body["text"] != "epoch:1" {
		t.Errorf("unexpected log request %+v", reqs[2])
	}
}

func TestPlottingServiceWithEnv(t *testing.T) {
	server, requests := mockDashboard(t, http.StatusOK)
	train := NewPlottingService(testPlottingConfig(server.URL))
	val := train.WithEnv("val")

	if val.Session() != train.Session() {
		t.Error("environments should share a session")
	}
	train.Plot("loss", 1)
	val.Plot("loss", 2)

	reqs := requests()
	if reqs[1].Body["env"] != "val" {
		t.Errorf("expected env val, got %v", reqs[1].Body["env"])
	}
	// counters are per environment
	point := reqs[1].Body["series"].([]interface{})[0].(map[string]interface{})["data"].([]interface{})[0].(map[string]interface{})
	if point["x"] != 1.0 {
		t.Errorf("expected x 1 in the new environment, got %v", point["x"])
	}
}

func TestPlottingServiceRetriesAndFails(t *testing.T) {
	server, requests := mockDashboard(t, http.StatusInternalServerError)
	cfg := testPlottingConfig(server.URL)
	cfg.RetryAttempts = 3
	ps := NewPlottingService(cfg)

	if err := ps.Plot("train_loss", 1); err == nil {
		t.Fatal("expected error from failing server")
	}
	if n := len(requests()); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if err := ps.CheckHealth(); err == nil {
		t.Error("expected failing health check")
	}
}

func TestPlottingServiceUnreachable(t *testing.T) {
	ps := NewPlottingService(testPlottingConfig("http://127.0.0.1:1"))
	if err := ps.Log("hello"); err == nil {
		t.Error("expected error for unreachable server")
	}
}

func TestSendCollectedPlots(t *testing.T) {
	server, requests := mockDashboard(t, http.StatusOK)
	ps := NewPlottingService(testPlottingConfig(server.URL))

	vc := NewVisualizationCollector("DnCNN")
	vc.RecordEpoch(EpochSummary{Epoch: 1, TrainLoss: 1, LR: 1e-4})
	if err := ps.SendCollectedPlots(vc); err != nil {
		t.Fatalf("SendCollectedPlots failed: %v", err)
	}
	reqs := requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 plots, got %d", len(reqs))
	}
	if reqs[0].Body["plot_type"] != string(TrainingCurves) {
		t.Errorf("unexpected first plot %v", reqs[0].Body["plot_type"])
	}
	if err := ps.CheckHealth(); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}
