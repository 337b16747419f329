// Package monitor provides offline diagnostics for relocalisation runs:
// per-frame energy convergence plots and an HTML run report. Nothing in
// this package runs on the per-frame hot path.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// EnergySample is one observation of the preemptive loop: the surviving
// candidate count and best pool energy after a halving round.
type EnergySample struct {
	Round      int
	Candidates int
	BestEnergy float64
}

// EnergyTrace accumulates the per-round samples for a single frame. Wire
// its Observe method into the relocaliser's round observer.
type EnergyTrace struct {
	FrameID string
	Samples []EnergySample
}

// NewEnergyTrace creates a trace for the given frame.
func NewEnergyTrace(frameID string) *EnergyTrace {
	return &EnergyTrace{FrameID: frameID}
}

// Observe records one halving round.
func (t *EnergyTrace) Observe(round, candidates int, bestEnergy float64) {
	t.Samples = append(t.Samples, EnergySample{
		Round:      round,
		Candidates: candidates,
		BestEnergy: bestEnergy,
	})
}

// Reset clears the trace for reuse on the next frame.
func (t *EnergyTrace) Reset(frameID string) {
	t.FrameID = frameID
	t.Samples = t.Samples[:0]
}

// PlotEnergyTrace renders the best-energy curve of one frame to a PNG in
// outputDir, named after the frame.
func PlotEnergyTrace(t *EnergyTrace, outputDir string) (string, error) {
	if len(t.Samples) == 0 {
		return "", fmt.Errorf("frame %s: no samples to plot", t.FrameID)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create plot dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Preemptive RANSAC convergence: %s", t.FrameID)
	p.X.Label.Text = "halving round"
	p.Y.Label.Text = "best candidate energy"

	pts := make(plotter.XYs, len(t.Samples))
	for i, s := range t.Samples {
		pts[i].X = float64(s.Round)
		pts[i].Y = s.BestEnergy
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return "", fmt.Errorf("failed to build line plot: %w", err)
	}
	p.Add(line, points)

	out := filepath.Join(outputDir, fmt.Sprintf("energy_%s.png", t.FrameID))
	if err := p.Save(6*vg.Inch, 4*vg.Inch, out); err != nil {
		return "", fmt.Errorf("failed to save plot: %w", err)
	}
	return out, nil
}
