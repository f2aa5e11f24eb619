// Package drift detects when a merchant's current description embedding has
// moved away from the embeddings it was seen with before.
package drift

import (
	"github.com/Veraticus/tally/internal/memory"
)

// FlagDriftDetected is raised when the current embedding diverges from history.
const FlagDriftDetected = "embedding_drift_detected"

// Defaults used when a Detector field is left zero.
const (
	DefaultThreshold  = 0.65
	DefaultMinHistory = 3
	DefaultWindow     = 10
)

// Detector compares an embedding against the centroid of recent history.
type Detector struct {
	Threshold  float64
	MinHistory int
	Window     int
}

// Result is the outcome of a drift check.
type Result struct {
	// Similarity to the history centroid, nil when the check did not run.
	Similarity  *float64
	HistorySize int
	Checked     bool
	Drift       bool
}

// NewDetector creates a detector, substituting defaults for zero values.
func NewDetector(threshold float64, minHistory, window int) Detector {
	d := Detector{Threshold: threshold, MinHistory: minHistory, Window: window}
	if d.Threshold <= 0 {
		d.Threshold = DefaultThreshold
	}
	if d.MinHistory <= 0 {
		d.MinHistory = DefaultMinHistory
	}
	if d.Window <= 0 {
		d.Window = DefaultWindow
	}
	return d
}

// Check compares current with the newest Window history embeddings. Fewer
// than MinHistory usable embeddings, or no current embedding, skips the check.
func (d Detector) Check(current []float32, history [][]float32) Result {
	if len(current) == 0 {
		return Result{}
	}

	usable := make([][]float32, 0, len(history))
	for _, h := range history {
		if len(h) == len(current) {
			usable = append(usable, h)
		}
	}
	if d.Window > 0 && len(usable) > d.Window {
		usable = usable[len(usable)-d.Window:]
	}

	res := Result{HistorySize: len(usable)}
	if len(usable) < d.MinHistory {
		return res
	}

	sim := memory.Cosine(current, memory.Centroid(usable))
	res.Similarity = &sim
	res.Checked = true
	res.Drift = sim < d.Threshold
	return res
}
