package reloc

import "sync"

// refineScratch holds the per-candidate correspondence buffers used
// during refinement. Pooled so parallel refinement allocates nothing
// after warm-up.
type refineScratch struct {
	src [][3]float64
	dst [][3]float64
	w   []float64
}

var refineScratchPool = sync.Pool{
	New: func() any { return &refineScratch{} },
}

// refineCandidates refines every live candidate against the current
// inlier set, in parallel over candidates.
func (r *Relocaliser) refineCandidates(count int, kps *KeypointImage, preds *PredictionsImage) {
	inl := r.inliers[:r.inlierCount.count()]
	if len(inl) == 0 {
		return
	}
	r.disp.ParallelFor(count, func(c int) {
		r.refineCandidate(&r.candidates[c], inl, kps, preds)
	})
}

// refineCandidate improves one candidate's pose in three steps: assign
// each inlier to its most likely mode under the current pose, re-fit with
// weighted Kabsch, then polish with Levenberg-Marquardt on SE(3).
// Numerical failure is local: the candidate keeps its prior pose and an
// inflated energy so the next halving demotes it.
func (r *Relocaliser) refineCandidate(cand *PoseCandidate, inl []int32, kps *KeypointImage, preds *PredictionsImage) {
	scratch := refineScratchPool.Get().(*refineScratch)
	defer refineScratchPool.Put(scratch)
	scratch.src = scratch.src[:0]
	scratch.dst = scratch.dst[:0]
	scratch.w = scratch.w[:0]

	for _, pi := range inl {
		x := kps.Points[pi].Position
		y := cand.Pose.Apply(x)
		modes := preds.Preds[pi].Modes

		var total uint64
		for mi := range modes {
			total += uint64(modes[mi].Samples)
		}
		if total == 0 {
			continue
		}

		best := -1
		bestDensity := 0.0
		for mi := range modes {
			m := &modes[mi]
			density := float64(m.Samples) / float64(total) * gaussianPDF(y, m)
			if best < 0 || density > bestDensity {
				best = mi
				bestDensity = density
			}
		}
		m := &modes[best]
		scratch.src = append(scratch.src, x)
		scratch.dst = append(scratch.dst, m.Mean)
		scratch.w = append(scratch.w, float64(m.Samples)/float64(total))
	}

	pose, err := kabsch(scratch.src, scratch.dst, scratch.w)
	if err != nil {
		cand.Energy = inflatedEnergy
		return
	}
	pose, err = lmRefine(pose, scratch.src, scratch.dst, scratch.w, r.cfg.LMMaxIters, r.cfg.LMTolRel)
	if err != nil {
		cand.Energy = inflatedEnergy
		return
	}
	cand.Pose = pose
}
