package training

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLossLogAppendsEpochs(t *testing.T) {
	path := LossLogPath(filepath.Join(t.TempDir(), "results", "exp_"))
	if filepath.Base(path) != "exp_loss_list.txt" {
		t.Fatalf("unexpected log path %s", path)
	}
	log := NewLossLog(path)

	if err := log.AppendEpoch(1, []float64{0.5, 0.25}); err != nil {
		t.Fatalf("AppendEpoch failed: %v", err)
	}
	if err := log.AppendEpoch(2, []float64{0.125}); err != nil {
		t.Fatalf("AppendEpoch failed: %v", err)
	}
	if err := log.AppendEpoch(3, nil); err != nil {
		t.Fatalf("AppendEpoch failed: %v", err)
	}

	data, err := os.ReadFile(log.Path())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	want := "\nepoch_1\n0.5\n0.25\nepoch_2\n0.125\nepoch_3\n"
	if string(data) != want {
		t.Errorf("unexpected log contents:\n%q\nwant\n%q", data, want)
	}
}
