package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-demoire/models"
)

// ProgressBar provides tqdm-style training progress visualization. A total
// of zero means the length is unknown and only the count is shown.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.total > 0 {
		pb.current = pb.total
	}
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) line() string {
	elapsed := time.Since(pb.startTime)
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
	}

	var line string
	if pb.total > 0 {
		percentage := float64(pb.current) / float64(pb.total)
		if percentage > 1.0 {
			percentage = 1.0
		}
		filled := int(percentage * float64(pb.width))
		bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)
		line = fmt.Sprintf("%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)

		eta := time.Duration(0)
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line = fmt.Sprintf("%s: %d [%s", pb.description, pb.current, formatDuration(elapsed))
	}
	if rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.4f", k, pb.metrics[k])
	}
	return line + "]"
}

// render draws the progress bar, overwriting the previous line.
func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.line())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintArchitecture writes a parameter listing of m.
func PrintArchitecture(w io.Writer, name string, m models.Module) {
	fmt.Fprintf(w, "%s(\n", name)
	var total int
	for _, p := range m.Parameters() {
		fmt.Fprintf(w, "  (%s): %v\n", p.Name, p.Value.Shape)
		total += p.Value.NumElems
	}
	fmt.Fprintf(w, ")\n")
	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(int64(total)))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64(total*8)/1024/1024)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
