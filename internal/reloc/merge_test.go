package reloc

import (
	"math"
	"testing"
)

// leafTree builds a single-leaf tree carrying the given modes.
func leafTree(modes ...Mode) Tree {
	return Tree{
		Nodes:     []Node{{Left: -1, Right: -1}},
		LeafModes: [][]Mode{modes},
	}
}

// isoMode is a unit-covariance mode (InvCov = I, LogDet = 0).
func isoMode(mean [3]float64, samples uint32, colour [3]uint8) Mode {
	return Mode{
		Mean:    mean,
		InvCov:  [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		Samples: samples,
		Colour:  colour,
	}
}

// mergeRelocaliser wires a 1x1 relocaliser around single-leaf trees so
// mergePixel can be driven directly.
func mergeRelocaliser(t *testing.T, cfg Config, trees ...Tree) *Relocaliser {
	t.Helper()
	forest, err := NewForest(trees, 1, cfg.MaxModesPerLeaf)
	if err != nil {
		t.Fatalf("NewForest failed: %v", err)
	}
	r, err := New(forest, 1, 1, cfg, SerialDispatcher{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func validKeypointImage() *KeypointImage {
	kps := NewKeypointImage(1, 1)
	kps.Points[0].Valid = true
	return kps
}

func TestMergePixelInvalidKeypoint(t *testing.T) {
	cfg := DefaultConfig()
	r := mergeRelocaliser(t, cfg, leafTree(isoMode([3]float64{0, 0, 0}, 10, [3]uint8{})))

	kps := NewKeypointImage(1, 1) // invalid keypoint
	out := NewPredictionsImage(1, 1, cfg.MaxModes)
	out.Preds[0].Modes = append(out.Preds[0].Modes, Mode{}) // stale content
	r.mergePixel(0, kps, []int32{0}, out)

	if len(out.Preds[0].Modes) != 0 {
		t.Errorf("invalid keypoint must yield an empty prediction, got %d modes", len(out.Preds[0].Modes))
	}
}

func TestMergePixelFoldsNearbyModes(t *testing.T) {
	cfg := DefaultConfig() // MergeRadius 0.005
	near := isoMode([3]float64{0.003, 0, 0}, 50, [3]uint8{0, 90, 0})
	heavy := isoMode([3]float64{0, 0, 0}, 100, [3]uint8{0, 60, 0})
	far := isoMode([3]float64{1, 0, 0}, 10, [3]uint8{255, 0, 0})
	r := mergeRelocaliser(t, cfg, leafTree(heavy), leafTree(near), leafTree(far))

	out := NewPredictionsImage(1, 1, cfg.MaxModes)
	r.mergePixel(0, validKeypointImage(), []int32{0, 0, 0}, out)

	modes := out.Preds[0].Modes
	if len(modes) != 2 {
		t.Fatalf("got %d modes, want 2 (near pair folded, far kept)", len(modes))
	}

	merged := modes[0]
	if merged.Samples != 150 {
		t.Fatalf("modes must sort by sample count descending, first has n=%d", merged.Samples)
	}
	// Sample-count weighted mean: (100*0 + 50*0.003) / 150.
	wantX := 50 * 0.003 / 150
	if !floatEquals(merged.Mean[0], wantX, 1e-12) {
		t.Errorf("merged mean x = %g, want %g", merged.Mean[0], wantX)
	}
	// Both inputs were unit covariance, so the merged inverse is still I
	// and logDet stays 0.
	if !floatEquals(merged.InvCov[0], 1, 1e-9) || !floatEquals(merged.LogDet, 0, 1e-9) {
		t.Errorf("merged covariance drifted: invCov[0]=%g logDet=%g", merged.InvCov[0], merged.LogDet)
	}
	// Sample-weighted colour: (100*60 + 50*90) / 150 = 70.
	if merged.Colour[1] != 70 {
		t.Errorf("merged colour g = %d, want 70", merged.Colour[1])
	}

	if modes[1].Samples != 10 || modes[1].Mean[0] != 1 {
		t.Errorf("far mode not preserved: %+v", modes[1])
	}
}

func TestMergePixelRespectsMaxModes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxModes = 2
	trees := []Tree{
		leafTree(isoMode([3]float64{0, 0, 0}, 40, [3]uint8{})),
		leafTree(isoMode([3]float64{1, 0, 0}, 30, [3]uint8{})),
		leafTree(isoMode([3]float64{2, 0, 0}, 20, [3]uint8{})),
		leafTree(isoMode([3]float64{3, 0, 0}, 10, [3]uint8{})),
	}
	r := mergeRelocaliser(t, cfg, trees...)

	out := NewPredictionsImage(1, 1, cfg.MaxModes)
	r.mergePixel(0, validKeypointImage(), []int32{0, 0, 0, 0}, out)

	modes := out.Preds[0].Modes
	if len(modes) != 2 {
		t.Fatalf("got %d modes, want MaxModes=2", len(modes))
	}
	if modes[0].Samples != 40 || modes[1].Samples != 30 {
		t.Errorf("capacity must keep the heaviest clusters, got n=%d,%d",
			modes[0].Samples, modes[1].Samples)
	}
}

func TestMergePixelHonoursPerLeafCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxModesPerLeaf = 1
	tree := leafTree(
		isoMode([3]float64{0, 0, 0}, 40, [3]uint8{}),
		isoMode([3]float64{1, 0, 0}, 30, [3]uint8{}),
	)
	r := mergeRelocaliser(t, cfg, tree)

	out := NewPredictionsImage(1, 1, cfg.MaxModes)
	r.mergePixel(0, validKeypointImage(), []int32{0}, out)

	if len(out.Preds[0].Modes) != 1 {
		t.Errorf("got %d modes, want 1 (leaf truncated to MaxModesPerLeaf)", len(out.Preds[0].Modes))
	}
}

func TestMergePixelSkipsSingularModes(t *testing.T) {
	cfg := DefaultConfig()
	bad := isoMode([3]float64{0, 0, 0}, 99, [3]uint8{})
	bad.InvCov = [9]float64{} // singular
	good := isoMode([3]float64{1, 0, 0}, 10, [3]uint8{})
	r := mergeRelocaliser(t, cfg, leafTree(bad, good))

	out := NewPredictionsImage(1, 1, cfg.MaxModes)
	r.mergePixel(0, validKeypointImage(), []int32{0}, out)

	modes := out.Preds[0].Modes
	if len(modes) != 1 || modes[0].Samples != 10 {
		t.Errorf("singular cluster must be skipped, got %+v", modes)
	}
}

func TestDet3AndInv3(t *testing.T) {
	m := [9]float64{2, 0, 1, 0, 3, 0, 1, 0, 2}
	if got := det3(m); !floatEquals(got, 9, 1e-12) {
		t.Errorf("det3 = %g, want 9", got)
	}

	inv, ok := inv3(m)
	if !ok {
		t.Fatal("inv3 reported singular for an invertible matrix")
	}
	// m * inv must be identity.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += m[i*3+k] * inv[k*3+j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if !floatEquals(s, want, 1e-12) {
				t.Errorf("(m*inv)[%d,%d] = %g, want %g", i, j, s, want)
			}
		}
	}

	if _, ok := inv3([9]float64{1, 2, 3, 2, 4, 6, 0, 0, 1}); ok {
		t.Error("inv3 must report singular for a rank-deficient matrix")
	}
	if _, ok := inv3([9]float64{math.Inf(1), 0, 0, 0, 1, 0, 0, 0, 1}); ok {
		t.Error("inv3 must reject non-finite input")
	}
}
