package reloc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Frozen forest file layout (little-endian, IEEE-754 float32):
//
//	"GFOR" | u32 version | u32 tree_count | u32 max_modes_per_leaf | u32 feature_count
//	per tree:  u32 node_count, node_count * {i32 left, i32 right, u32 feature, f32 threshold}
//	           (leaf iff left == -1; internal children point strictly forward)
//	per tree:  u32 leaf_count, per leaf u32 mode_count followed by mode records
//	mode:      f32 mu[3], f32 invcov[9] row-major, f32 logDet, u32 n, u8 colour[3], u8 pad
//
// The layout is bit-exact for compatibility with forests trained
// elsewhere. Means and radii are in metres; forests trained in voxel
// units must be scaled by the caller before use.
const forestMagic = "GFOR"

const forestVersion = 1

// Hard caps applied while reading untrusted files.
const (
	maxForestTrees    = 1 << 10
	maxTreeNodes      = 1 << 26
	maxLeafModes      = 1 << 16
	maxForestFeatures = 1 << 20
)

// LoadForest reads a frozen forest from a file.
func LoadForest(path string) (*Forest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ForestLoadError{Kind: ForestErrIO, Path: path, Err: err}
	}
	defer f.Close()

	forest, err := ReadForest(bufio.NewReader(f))
	if err != nil {
		if fle, ok := err.(*ForestLoadError); ok {
			fle.Path = path
			return nil, fle
		}
		return nil, &ForestLoadError{Kind: ForestErrIO, Path: path, Err: err}
	}
	return forest, nil
}

// ReadForest reads a frozen forest from r.
func ReadForest(r io.Reader) (*Forest, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, &ForestLoadError{Kind: ForestErrIO, Err: err}
	}
	if string(magic[:]) != forestMagic {
		return nil, &ForestLoadError{Kind: ForestErrFormat,
			Err: fmt.Errorf("bad magic %q, want %q", magic[:], forestMagic)}
	}

	var version, treeCount, maxModesPerLeaf, featureCount uint32
	for _, p := range []*uint32{&version, &treeCount, &maxModesPerLeaf, &featureCount} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, &ForestLoadError{Kind: ForestErrIO, Err: err}
		}
	}
	if version != forestVersion {
		return nil, &ForestLoadError{Kind: ForestErrVersion,
			Err: fmt.Errorf("unsupported version %d, want %d", version, forestVersion)}
	}
	if treeCount == 0 || treeCount > maxForestTrees {
		return nil, &ForestLoadError{Kind: ForestErrFormat,
			Err: fmt.Errorf("tree count %d out of range", treeCount)}
	}
	if featureCount == 0 || featureCount > maxForestFeatures {
		return nil, &ForestLoadError{Kind: ForestErrFormat,
			Err: fmt.Errorf("feature count %d out of range", featureCount)}
	}

	trees := make([]Tree, treeCount)
	for ti := range trees {
		var nodeCount uint32
		if err := binary.Read(r, binary.LittleEndian, &nodeCount); err != nil {
			return nil, &ForestLoadError{Kind: ForestErrIO, Err: err}
		}
		if nodeCount == 0 || nodeCount > maxTreeNodes {
			return nil, &ForestLoadError{Kind: ForestErrFormat,
				Err: fmt.Errorf("tree %d: node count %d out of range", ti, nodeCount)}
		}
		nodes := make([]Node, nodeCount)
		for ni := range nodes {
			var rec struct {
				Left      int32
				Right     int32
				Feature   uint32
				Threshold float32
			}
			if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
				return nil, &ForestLoadError{Kind: ForestErrIO, Err: err}
			}
			nodes[ni] = Node{
				Left:      rec.Left,
				Right:     rec.Right,
				Feature:   rec.Feature,
				Threshold: float64(rec.Threshold),
			}
		}
		trees[ti].Nodes = nodes
	}

	for ti := range trees {
		var leafCount uint32
		if err := binary.Read(r, binary.LittleEndian, &leafCount); err != nil {
			return nil, &ForestLoadError{Kind: ForestErrIO, Err: err}
		}
		leafModes := make([][]Mode, leafCount)
		for li := range leafModes {
			var modeCount uint32
			if err := binary.Read(r, binary.LittleEndian, &modeCount); err != nil {
				return nil, &ForestLoadError{Kind: ForestErrIO, Err: err}
			}
			if modeCount > maxLeafModes {
				return nil, &ForestLoadError{Kind: ForestErrFormat,
					Err: fmt.Errorf("tree %d leaf %d: mode count %d out of range", ti, li, modeCount)}
			}
			modes := make([]Mode, modeCount)
			for mi := range modes {
				m, err := readMode(r)
				if err != nil {
					return nil, err
				}
				modes[mi] = m
			}
			leafModes[li] = modes
		}
		trees[ti].LeafModes = leafModes
	}

	forest, err := NewForest(trees, int(featureCount), int(maxModesPerLeaf))
	if err != nil {
		return nil, &ForestLoadError{Kind: ForestErrFormat, Err: err}
	}
	return forest, nil
}

func readMode(r io.Reader) (Mode, error) {
	var rec struct {
		Mean    [3]float32
		InvCov  [9]float32
		LogDet  float32
		Samples uint32
		Colour  [3]uint8
		Pad     uint8
	}
	if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
		return Mode{}, &ForestLoadError{Kind: ForestErrIO, Err: err}
	}
	if rec.Samples < 1 {
		return Mode{}, &ForestLoadError{Kind: ForestErrFormat,
			Err: fmt.Errorf("mode with zero samples")}
	}
	var m Mode
	for i := 0; i < 3; i++ {
		m.Mean[i] = float64(rec.Mean[i])
	}
	for i := 0; i < 9; i++ {
		m.InvCov[i] = float64(rec.InvCov[i])
	}
	m.LogDet = float64(rec.LogDet)
	m.Samples = rec.Samples
	m.Colour = rec.Colour
	return m, nil
}

// SaveForest writes a forest to a file in the frozen binary format.
func SaveForest(path string, f *Forest) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create forest file: %w", err)
	}
	bw := bufio.NewWriter(out)
	if err := WriteForest(bw, f); err != nil {
		out.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("failed to flush forest file: %w", err)
	}
	return out.Close()
}

// WriteForest writes a forest to w in the frozen binary format.
func WriteForest(w io.Writer, f *Forest) error {
	if _, err := w.Write([]byte(forestMagic)); err != nil {
		return err
	}
	header := []uint32{forestVersion, uint32(len(f.Trees)), uint32(f.MaxModesPerLeaf), uint32(f.FeatureCount)}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	for ti := range f.Trees {
		t := &f.Trees[ti]
		if err := binary.Write(w, binary.LittleEndian, uint32(len(t.Nodes))); err != nil {
			return err
		}
		for _, n := range t.Nodes {
			rec := struct {
				Left      int32
				Right     int32
				Feature   uint32
				Threshold float32
			}{n.Left, n.Right, n.Feature, float32(n.Threshold)}
			if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
				return err
			}
		}
	}

	for ti := range f.Trees {
		t := &f.Trees[ti]
		if err := binary.Write(w, binary.LittleEndian, uint32(len(t.LeafModes))); err != nil {
			return err
		}
		for _, modes := range t.LeafModes {
			if err := binary.Write(w, binary.LittleEndian, uint32(len(modes))); err != nil {
				return err
			}
			for _, m := range modes {
				if err := writeMode(w, m); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writeMode(w io.Writer, m Mode) error {
	rec := struct {
		Mean    [3]float32
		InvCov  [9]float32
		LogDet  float32
		Samples uint32
		Colour  [3]uint8
		Pad     uint8
	}{
		LogDet:  float32(m.LogDet),
		Samples: m.Samples,
		Colour:  m.Colour,
	}
	for i := 0; i < 3; i++ {
		rec.Mean[i] = float32(m.Mean[i])
	}
	for i := 0; i < 9; i++ {
		rec.InvCov[i] = float32(m.InvCov[i])
	}
	if rec.Samples < 1 {
		return fmt.Errorf("refusing to write mode with zero samples")
	}
	return binary.Write(w, binary.LittleEndian, rec)
}
