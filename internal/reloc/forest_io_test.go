package reloc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testForest builds a small two-tree forest with float32-exact values so
// a write/read cycle reproduces it bit for bit.
func testForest(t *testing.T) *Forest {
	t.Helper()
	modeA := Mode{
		Mean:    [3]float64{1.5, -0.25, 2},
		InvCov:  [9]float64{4, 0, 0, 0, 4, 0, 0, 0, 4},
		LogDet:  -4.15625,
		Samples: 120,
		Colour:  [3]uint8{200, 40, 10},
	}
	modeB := Mode{
		Mean:    [3]float64{-1, 0.5, 3.25},
		InvCov:  [9]float64{2, 0.5, 0, 0.5, 2, 0, 0, 0, 1},
		LogDet:  0.75,
		Samples: 31,
		Colour:  [3]uint8{0, 128, 255},
	}
	trees := []Tree{
		{
			Nodes: []Node{
				{Left: 1, Right: 2, Feature: 0, Threshold: 0.5},
				{Left: -1, Right: -1},
				{Left: -1, Right: -1},
			},
			LeafModes: [][]Mode{{modeA}, {modeA, modeB}},
		},
		{
			Nodes:     []Node{{Left: -1, Right: -1}},
			LeafModes: [][]Mode{{modeB}},
		},
	}
	forest, err := NewForest(trees, 2, 10)
	if err != nil {
		t.Fatalf("NewForest failed: %v", err)
	}
	return forest
}

func TestForestRoundTrip(t *testing.T) {
	forest := testForest(t)

	var buf bytes.Buffer
	if err := WriteForest(&buf, forest); err != nil {
		t.Fatalf("WriteForest failed: %v", err)
	}
	got, err := ReadForest(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadForest failed: %v", err)
	}
	if diff := cmp.Diff(forest, got, cmp.AllowUnexported(Tree{})); diff != "" {
		t.Errorf("forest round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadForestBadMagic(t *testing.T) {
	var err error
	if _, err = ReadForest(bytes.NewReader([]byte("NOPE\x01\x00\x00\x00"))); err == nil {
		t.Fatal("expected error for bad magic")
	}
	var fle *ForestLoadError
	if !errors.As(err, &fle) || fle.Kind != ForestErrFormat {
		t.Errorf("want ForestErrFormat, got %v", err)
	}
}

func TestReadForestBadVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(forestMagic)
	for _, v := range []uint32{99, 1, 1, 1} {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	_, err := ReadForest(bytes.NewReader(buf.Bytes()))
	var fle *ForestLoadError
	if !errors.As(err, &fle) || fle.Kind != ForestErrVersion {
		t.Errorf("want ForestErrVersion, got %v", err)
	}
}

func TestReadForestTruncated(t *testing.T) {
	forest := testForest(t)
	var buf bytes.Buffer
	if err := WriteForest(&buf, forest); err != nil {
		t.Fatalf("WriteForest failed: %v", err)
	}
	data := buf.Bytes()

	// Every strict prefix must fail cleanly; spot-check a spread.
	for _, n := range []int{0, 3, 4, 12, 20, len(data) / 2, len(data) - 1} {
		if _, err := ReadForest(bytes.NewReader(data[:n])); err == nil {
			t.Errorf("prefix of %d bytes: expected error, got nil", n)
		}
	}
}

func TestReadForestRejectsZeroSampleMode(t *testing.T) {
	forest := testForest(t)
	forest.Trees[1].LeafModes[0][0].Samples = 0
	var buf bytes.Buffer
	if err := WriteForest(&buf, forest); err == nil {
		t.Error("WriteForest should refuse a zero-sample mode")
	}
}

func TestLoadForestMissingFile(t *testing.T) {
	_, err := LoadForest(t.TempDir() + "/absent.gfor")
	var fle *ForestLoadError
	if !errors.As(err, &fle) || fle.Kind != ForestErrIO {
		t.Errorf("want ForestErrIO, got %v", err)
	}
}

func TestSaveLoadForestFile(t *testing.T) {
	forest := testForest(t)
	path := t.TempDir() + "/f.gfor"
	if err := SaveForest(path, forest); err != nil {
		t.Fatalf("SaveForest failed: %v", err)
	}
	got, err := LoadForest(path)
	if err != nil {
		t.Fatalf("LoadForest failed: %v", err)
	}
	if diff := cmp.Diff(forest, got, cmp.AllowUnexported(Tree{})); diff != "" {
		t.Errorf("file round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNewForestValidation(t *testing.T) {
	tests := []struct {
		name  string
		trees []Tree
	}{
		{
			name:  "empty tree",
			trees: []Tree{{}},
		},
		{
			name: "child out of range",
			trees: []Tree{{
				Nodes:     []Node{{Left: 1, Right: 5, Feature: 0}, {Left: -1, Right: -1}},
				LeafModes: [][]Mode{{}},
			}},
		},
		{
			name: "feature out of range",
			trees: []Tree{{
				Nodes: []Node{
					{Left: 1, Right: 2, Feature: 7},
					{Left: -1, Right: -1},
					{Left: -1, Right: -1},
				},
				LeafModes: [][]Mode{{}, {}},
			}},
		},
		{
			name: "leaf count mismatch",
			trees: []Tree{{
				Nodes:     []Node{{Left: -1, Right: -1}},
				LeafModes: [][]Mode{{}, {}},
			}},
		},
		{
			name: "self cycle at root",
			trees: []Tree{{
				Nodes:     []Node{{Left: 0, Right: 1, Feature: 0}, {Left: -1, Right: -1}},
				LeafModes: [][]Mode{{}},
			}},
		},
		{
			name: "back edge",
			trees: []Tree{{
				Nodes: []Node{
					{Left: 1, Right: 2, Feature: 0},
					{Left: -1, Right: -1},
					{Left: 3, Right: 1, Feature: 0},
					{Left: -1, Right: -1},
				},
				LeafModes: [][]Mode{{}, {}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewForest(tt.trees, 2, 10); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestReadForestRejectsCyclicTree(t *testing.T) {
	// A file whose root points back at itself must be rejected at load
	// time; accepting it would make the first descent loop forever.
	var buf bytes.Buffer
	buf.WriteString(forestMagic)
	for _, v := range []uint32{forestVersion, 1, 1, 1} {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(2)) // node count
	nodes := []struct {
		Left      int32
		Right     int32
		Feature   uint32
		Threshold float32
	}{
		{Left: 0, Right: 1, Feature: 0, Threshold: 0.5},
		{Left: -1, Right: -1},
	}
	for _, n := range nodes {
		binary.Write(&buf, binary.LittleEndian, n)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // leaf count
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // mode count

	_, err := ReadForest(bytes.NewReader(buf.Bytes()))
	var fle *ForestLoadError
	if !errors.As(err, &fle) || fle.Kind != ForestErrFormat {
		t.Errorf("want ForestErrFormat for a cyclic tree, got %v", err)
	}
}

func TestForestDescendRouting(t *testing.T) {
	forest := testForest(t)
	// Tree 0 splits on feature 0 at 0.5: below goes to node 1 (leaf 0),
	// at-or-above to node 2 (leaf 1).
	if leaf := forest.descend(0, []float64{0.2, 0}); leaf != 0 {
		t.Errorf("descend(0.2) = leaf %d, want 0", leaf)
	}
	if leaf := forest.descend(0, []float64{0.5, 0}); leaf != 1 {
		t.Errorf("descend(0.5) = leaf %d, want 1 (>= routes right)", leaf)
	}
	if leaf := forest.descend(1, []float64{0.9, 0}); leaf != 0 {
		t.Errorf("single-leaf tree must always return leaf 0, got %d", leaf)
	}
}

func TestEvaluateInto(t *testing.T) {
	forest := testForest(t)
	desc := NewDescriptorImage(2, 1, 2)
	desc.At(0)[0] = 0.1
	desc.At(1)[0] = 0.9

	out := make([]int32, 2*forest.TreeCount())
	forest.EvaluateInto(desc, out, SerialDispatcher{})

	want := []int32{0, 0, 1, 0} // pixel-major: (px0 tree0, px0 tree1, px1 tree0, px1 tree1)
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}
