package reloc

import (
	"math"
	"sort"
	"sync"
)

// covJitter is added to the diagonal of a merged covariance that turns
// out numerically singular, so the recomputed inverse stays finite.
const covJitter = 1e-9

// scratchMode carries a candidate cluster through the greedy merge in
// covariance form; inverse covariances are only recomputed once per
// surviving output mode.
type scratchMode struct {
	mean   [3]float64
	cov    [9]float64
	n      uint32
	colour [3]float64 // sample-weighted colour accumulator
}

type mergeScratch struct {
	in  []scratchMode
	out []scratchMode
}

var mergeScratchPool = sync.Pool{
	New: func() any { return &mergeScratch{} },
}

// mergePixel merges the T leaf-attached mode lists for one keypoint into
// at most MaxModes output modes by greedy radius-based clustering
// (candidates visited by sample count descending; a candidate within
// MergeRadius of an existing output mean is folded in by sample-count
// weighting, otherwise it opens a new mode while capacity remains).
func (r *Relocaliser) mergePixel(i int, kps *KeypointImage, leafIdx []int32, out *PredictionsImage) {
	pred := &out.Preds[i]
	pred.Modes = pred.Modes[:0]
	if !kps.Points[i].Valid {
		return
	}

	scratch := mergeScratchPool.Get().(*mergeScratch)
	defer mergeScratchPool.Put(scratch)
	scratch.in = scratch.in[:0]
	scratch.out = scratch.out[:0]

	trees := r.forest.TreeCount()
	capIn := trees * r.cfg.MaxModesPerLeaf
	for t := 0; t < trees; t++ {
		leaf := leafIdx[i*trees+t]
		modes := r.forest.Trees[t].LeafModes[leaf]
		if len(modes) > r.cfg.MaxModesPerLeaf {
			modes = modes[:r.cfg.MaxModesPerLeaf]
		}
		for mi := range modes {
			if len(scratch.in) >= capIn {
				break
			}
			m := &modes[mi]
			cov, ok := inv3(m.InvCov)
			if !ok {
				// A non-invertible stored inverse covariance is training
				// garbage; skip the cluster rather than poison the merge.
				continue
			}
			sm := scratchMode{mean: m.Mean, cov: cov, n: m.Samples}
			for c := 0; c < 3; c++ {
				sm.colour[c] = float64(m.Samples) * float64(m.Colour[c])
			}
			scratch.in = append(scratch.in, sm)
		}
	}
	if len(scratch.in) == 0 {
		return
	}

	sort.SliceStable(scratch.in, func(a, b int) bool {
		return scratch.in[a].n > scratch.in[b].n
	})

	r2 := r.cfg.MergeRadius * r.cfg.MergeRadius
	for ci := range scratch.in {
		cand := &scratch.in[ci]
		best := -1
		bestD := math.MaxFloat64
		for oi := range scratch.out {
			d := sqDist(scratch.out[oi].mean, cand.mean)
			if d < bestD {
				bestD = d
				best = oi
			}
		}
		if best >= 0 && bestD <= r2 {
			mergeInto(&scratch.out[best], cand)
			continue
		}
		if len(scratch.out) < r.cfg.MaxModes {
			scratch.out = append(scratch.out, *cand)
		}
	}

	sort.SliceStable(scratch.out, func(a, b int) bool {
		return scratch.out[a].n > scratch.out[b].n
	})

	for oi := range scratch.out {
		sm := &scratch.out[oi]
		inv, ok := inv3(sm.cov)
		if !ok {
			for d := 0; d < 3; d++ {
				sm.cov[d*3+d] += covJitter
			}
			if inv, ok = inv3(sm.cov); !ok {
				continue
			}
		}
		mode := Mode{
			Mean:    sm.mean,
			InvCov:  inv,
			LogDet:  math.Log(det3(sm.cov)),
			Samples: sm.n,
		}
		for c := 0; c < 3; c++ {
			mode.Colour[c] = uint8(sm.colour[c]/float64(sm.n) + 0.5)
		}
		pred.Modes = append(pred.Modes, mode)
	}
}

// mergeInto folds src into dst by sample-count weighting.
func mergeInto(dst, src *scratchMode) {
	wd := float64(dst.n)
	ws := float64(src.n)
	wt := wd + ws
	for i := 0; i < 3; i++ {
		dst.mean[i] = (wd*dst.mean[i] + ws*src.mean[i]) / wt
		dst.colour[i] += src.colour[i]
	}
	for i := 0; i < 9; i++ {
		dst.cov[i] = (wd*dst.cov[i] + ws*src.cov[i]) / wt
	}
	dst.n += src.n
}

// det3 returns the determinant of a row-major 3x3 matrix.
func det3(m [9]float64) float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// inv3 inverts a row-major 3x3 matrix by cofactor expansion.
func inv3(m [9]float64) ([9]float64, bool) {
	det := det3(m)
	if math.Abs(det) < 1e-300 || !isFinite(det) {
		return [9]float64{}, false
	}
	inv := [9]float64{
		m[4]*m[8] - m[5]*m[7], m[2]*m[7] - m[1]*m[8], m[1]*m[5] - m[2]*m[4],
		m[5]*m[6] - m[3]*m[8], m[0]*m[8] - m[2]*m[6], m[2]*m[3] - m[0]*m[5],
		m[3]*m[7] - m[4]*m[6], m[1]*m[6] - m[0]*m[7], m[0]*m[4] - m[1]*m[3],
	}
	for i := range inv {
		inv[i] /= det
	}
	return inv, true
}
