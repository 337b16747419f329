package monitor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnergyTraceObserveAndReset(t *testing.T) {
	trace := NewEnergyTrace("frame_001")
	trace.Observe(1, 512, 42.5)
	trace.Observe(2, 256, 40.1)

	if len(trace.Samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(trace.Samples))
	}
	if trace.Samples[0].Round != 1 || trace.Samples[0].Candidates != 512 || trace.Samples[0].BestEnergy != 42.5 {
		t.Errorf("first sample mismatch: %+v", trace.Samples[0])
	}

	trace.Reset("frame_002")
	if trace.FrameID != "frame_002" {
		t.Errorf("FrameID = %q after reset", trace.FrameID)
	}
	if len(trace.Samples) != 0 {
		t.Errorf("samples survived reset: %d", len(trace.Samples))
	}
}

func TestPlotEnergyTrace(t *testing.T) {
	trace := NewEnergyTrace("frame_007")
	for round := 1; round <= 5; round++ {
		trace.Observe(round, 64>>round, float64(50-round*3))
	}

	dir := filepath.Join(t.TempDir(), "traces")
	out, err := PlotEnergyTrace(trace, dir)
	if err != nil {
		t.Fatalf("PlotEnergyTrace failed: %v", err)
	}
	if filepath.Base(out) != "energy_frame_007.png" {
		t.Errorf("output name %q", out)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("plot file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("plot file is empty")
	}
}

func TestPlotEnergyTraceEmpty(t *testing.T) {
	trace := NewEnergyTrace("frame_000")
	if _, err := PlotEnergyTrace(trace, t.TempDir()); err == nil {
		t.Error("expected error for a trace with no samples")
	}
}
