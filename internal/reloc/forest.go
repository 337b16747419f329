package reloc

import "fmt"

// Node is one split node in a decision tree. Leaves are encoded by
// Left == -1; for internal nodes both children are node indices within
// the same tree's flat node array and come strictly after the parent,
// so a descent always advances and must terminate.
type Node struct {
	Left      int32
	Right     int32
	Feature   uint32
	Threshold float64
}

// IsLeaf reports whether the node terminates a descent.
func (n Node) IsLeaf() bool { return n.Left == -1 }

// Tree is a single decision tree stored as a flat node arena with child
// indices, plus the per-leaf modal clusters the training attached. Leaf
// identifiers number the leaf nodes in node-array order.
type Tree struct {
	Nodes     []Node
	LeafModes [][]Mode // indexed by leaf id

	// leafOf maps node index -> leaf id (-1 for internal nodes).
	leafOf []int32
}

// LeafCount returns the number of leaves in the tree.
func (t *Tree) LeafCount() int { return len(t.LeafModes) }

// Forest is a frozen SCoRe regression forest: an ensemble of trees
// mapping feature vectors to leaves carrying Gaussian mixtures over scene
// space. A forest is immutable after construction and safe for shared
// concurrent use.
type Forest struct {
	Trees           []Tree
	FeatureCount    int
	MaxModesPerLeaf int
}

// NewForest assembles a forest from flat trees, numbering leaves and
// validating structure. Per-leaf mode lists must already be attached.
func NewForest(trees []Tree, featureCount, maxModesPerLeaf int) (*Forest, error) {
	for ti := range trees {
		t := &trees[ti]
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("tree %d has no nodes", ti)
		}
		t.leafOf = make([]int32, len(t.Nodes))
		leaf := int32(0)
		for ni, n := range t.Nodes {
			if n.IsLeaf() {
				t.leafOf[ni] = leaf
				leaf++
				continue
			}
			t.leafOf[ni] = -1
			if n.Left < 0 || int(n.Left) >= len(t.Nodes) ||
				n.Right < 0 || int(n.Right) >= len(t.Nodes) {
				return nil, fmt.Errorf("tree %d node %d: child index out of range", ti, ni)
			}
			// Children must point forward; a back or self edge would make
			// the tree cyclic and a descent non-terminating.
			if int(n.Left) <= ni || int(n.Right) <= ni {
				return nil, fmt.Errorf("tree %d node %d: child index does not advance (left %d, right %d)",
					ti, ni, n.Left, n.Right)
			}
			if int(n.Feature) >= featureCount {
				return nil, fmt.Errorf("tree %d node %d: feature %d out of range (%d features)",
					ti, ni, n.Feature, featureCount)
			}
		}
		if int(leaf) != len(t.LeafModes) {
			return nil, fmt.Errorf("tree %d: %d leaf nodes but %d leaf mode lists",
				ti, leaf, len(t.LeafModes))
		}
	}
	return &Forest{
		Trees:           trees,
		FeatureCount:    featureCount,
		MaxModesPerLeaf: maxModesPerLeaf,
	}, nil
}

// TreeCount returns the ensemble size T.
func (f *Forest) TreeCount() int { return len(f.Trees) }

// descend walks one tree from the root and returns the leaf id. A
// malformed tree cannot reach this code: NewForest and the file loader
// validate child indices up front.
func (f *Forest) descend(tree int, descriptor []float64) int32 {
	t := &f.Trees[tree]
	ni := int32(0)
	for {
		n := t.Nodes[ni]
		if n.IsLeaf() {
			return t.leafOf[ni]
		}
		if descriptor[n.Feature] < n.Threshold {
			ni = n.Left
		} else {
			ni = n.Right
		}
	}
}

// EvaluateInto descends every tree for every pixel of the descriptor
// image, writing T leaf ids per pixel into out (len W*H*T, pixel-major).
// Pixels are independent; the dispatch parallelises over them.
func (f *Forest) EvaluateInto(desc *DescriptorImage, out []int32, disp Dispatcher) {
	trees := len(f.Trees)
	disp.ParallelFor(desc.Width*desc.Height, func(i int) {
		d := desc.At(i)
		base := i * trees
		for t := 0; t < trees; t++ {
			out[base+t] = f.descend(t, d)
		}
	})
}
