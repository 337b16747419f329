package reloc

import "math"

// generateCandidates fills the candidate arena with up to MaxCandidates
// pose hypotheses. Each slot samples (keypoint, mode) triples with its
// own RNG until the feasibility filters and the Kabsch solve succeed or
// the retry budget runs out; exhausted slots are dropped. Survivors are
// appended densely through the shared atomic counter, so the live pool is
// always candidates[:count].
func (r *Relocaliser) generateCandidates(kps *KeypointImage, preds *PredictionsImage) int {
	r.candCount.reset()
	n := r.cfg.MaxCandidates
	r.disp.ParallelFor(n, func(slot int) {
		rng := newRNG(r.cfg.RNGSeed, rngStreamCandidates, uint64(slot))
		for attempt := 0; attempt < r.cfg.CandidateRetries; attempt++ {
			cand, ok := r.sampleCandidate(&rng, kps, preds)
			if !ok {
				continue
			}
			idx := r.candCount.reserve(n)
			if idx < 0 {
				return
			}
			cand.origIdx = int32(idx)
			cand.InUse = true
			r.candidates[idx] = cand
			return
		}
	})
	return r.candCount.count()
}

// sampleCandidate draws one triple of correspondences and fits a pose.
// Any rejected draw or filter fails the whole attempt.
func (r *Relocaliser) sampleCandidate(rng *splitMix64, kps *KeypointImage, preds *PredictionsImage) (PoseCandidate, bool) {
	var cand PoseCandidate
	raster := r.width * r.height

	for j := 0; j < 3; j++ {
		pi := rng.intn(raster)
		kp := &kps.Points[pi]
		if !kp.Valid {
			return cand, false
		}
		modes := preds.Preds[pi].Modes
		if len(modes) == 0 {
			return cand, false
		}
		// Mode policy: uniform over the mixture, or always the
		// highest-weight mode (index 0; predictions are sorted by sample
		// count descending).
		mi := 0
		if r.cfg.UseAllModes {
			mi = rng.intn(len(modes))
		}
		cand.KeypointIdx[j] = int32(pi)
		cand.ModeIdx[j] = int32(mi)
		cand.CameraPoints[j] = kp.Position
		cand.ScenePoints[j] = modes[mi].Mean
	}

	if r.cfg.CheckMinDistance && !tripleSeparated(cand.ScenePoints, r.cfg.MinTripleDistance) {
		return cand, false
	}
	if r.cfg.CheckRigidTransform && !tripleRigid(cand.CameraPoints, cand.ScenePoints, r.cfg.RigidTolerance) {
		return cand, false
	}

	pose, err := kabsch(cand.CameraPoints[:], cand.ScenePoints[:], nil)
	if err != nil {
		return cand, false
	}
	cand.Pose = pose
	return cand, true
}

// tripleSeparated checks the minimum pairwise separation of a scene-space
// triple.
func tripleSeparated(p [3][3]float64, dMin float64) bool {
	d2 := dMin * dMin
	return sqDist(p[0], p[1]) >= d2 &&
		sqDist(p[0], p[2]) >= d2 &&
		sqDist(p[1], p[2]) >= d2
}

// tripleRigid checks that pairwise distances are preserved between the
// eye-space and scene-space triples within tolerance, a necessary
// condition for an isometric correspondence.
func tripleRigid(cam, scene [3][3]float64, tol float64) bool {
	for a := 0; a < 3; a++ {
		for b := a + 1; b < 3; b++ {
			dScene := math.Sqrt(sqDist(scene[a], scene[b]))
			dCam := math.Sqrt(sqDist(cam[a], cam[b]))
			if math.Abs(dScene-dCam) > tol {
				return false
			}
		}
	}
	return true
}
