package reloc

import "math"

// likelihoodFloor guards the log against mixtures that assign effectively
// zero density to a projected point.
const likelihoodFloor = 1e-300

// scoreCandidates recomputes the energy of every live candidate as the
// mean negative log-likelihood of the current inlier set under the
// candidate's pose. The reduction runs in three explicitly separated
// sub-phases (reset, accumulate, finalise), each its own dispatch, so
// accumulation never races the reset or the final division.
func (r *Relocaliser) scoreCandidates(count int, kps *KeypointImage, preds *PredictionsImage) {
	inl := r.inliers[:r.inlierCount.count()]
	if len(inl) == 0 {
		return
	}

	r.disp.ParallelFor(count, func(c int) {
		r.energies[c].store(0)
	})
	r.disp.ParallelFor(count, func(c int) {
		pose := r.candidates[c].Pose
		acc := &r.energies[c]
		for _, pi := range inl {
			acc.add(r.inlierCost(pose, int(pi), kps, preds))
		}
	})
	r.disp.ParallelFor(count, func(c int) {
		r.candidates[c].Energy = r.energies[c].load() / float64(len(inl))
	})
}

// inlierCost is the Mahalanobis-style cost of one inlier under a pose:
// -log of the mixture density of the projected point, with components
// weighted by their training sample share.
func (r *Relocaliser) inlierCost(pose Pose, pi int, kps *KeypointImage, preds *PredictionsImage) float64 {
	y := pose.Apply(kps.Points[pi].Position)
	modes := preds.Preds[pi].Modes

	var total uint64
	for mi := range modes {
		total += uint64(modes[mi].Samples)
	}
	if total == 0 {
		return 0
	}

	var likelihood float64
	for mi := range modes {
		m := &modes[mi]
		weight := float64(m.Samples) / float64(total)
		likelihood += weight * gaussianPDF(y, m)
	}
	return -math.Log(math.Max(likelihood, likelihoodFloor))
}

// gaussianPDF evaluates the trivariate normal density at y from the
// mode's stored inverse covariance and log-determinant.
func gaussianPDF(y [3]float64, m *Mode) float64 {
	d := [3]float64{y[0] - m.Mean[0], y[1] - m.Mean[1], y[2] - m.Mean[2]}
	q := mahalanobisSq(d, m.InvCov)
	logPDF := -0.5 * (q + m.LogDet + 3*math.Log(2*math.Pi))
	return math.Exp(logPDF)
}

func mahalanobisSq(d [3]float64, invCov [9]float64) float64 {
	t := rotate(invCov, d)
	return d[0]*t[0] + d[1]*t[1] + d[2]*t[2]
}
