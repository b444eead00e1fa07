package training

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LossLog is the append-only text record of running training losses. Each
// epoch is written once, as a header line "epoch_<N>" followed by one value
// per line.
type LossLog struct {
	path string
}

// NewLossLog returns a log writing to path. Nothing is created until the
// first append.
func NewLossLog(path string) *LossLog {
	return &LossLog{path: path}
}

// LossLogPath is the log location for a save prefix.
func LossLogPath(prefix string) string {
	return prefix + "loss_list.txt"
}

func (l *LossLog) Path() string { return l.path }

// AppendEpoch writes the values recorded during epoch.
func (l *LossLog) AppendEpoch(epoch int, values []float64) error {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create loss log directory %s", dir)
		}
	}

	var sb strings.Builder
	sb.WriteString("\nepoch_")
	sb.WriteString(strconv.Itoa(epoch))
	sb.WriteString("\n")
	for i, v := range values {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open loss log")
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to append to loss log")
	}
	return errors.Wrap(f.Close(), "failed to close loss log")
}
