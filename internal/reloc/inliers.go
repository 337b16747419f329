package reloc

import "sync/atomic"

// sampleInliers draws up to InlierBatch new inlier keypoint indices and
// appends them to the shared inlier prefix. A draw is accepted iff the
// keypoint is valid, its prediction non-empty and, in masked mode, its
// mask bit is still clear. Accepted draws always set the mask bit, so the
// unmasked first batch also protects its indices from later rounds.
// Ordering within the accepted set is unspecified under a parallel
// dispatch.
func (r *Relocaliser) sampleInliers(kps *KeypointImage, preds *PredictionsImage, masked bool, round int) int {
	raster := r.width * r.height
	base := uint64(round) * uint64(r.cfg.InlierBatch)

	r.disp.ParallelFor(r.cfg.InlierBatch, func(a int) {
		rng := newRNG(r.cfg.RNGSeed, rngStreamInliers, base+uint64(a))
		pi := rng.intn(raster)
		if !kps.Points[pi].Valid || len(preds.Preds[pi].Modes) == 0 {
			return
		}
		if wasSet := r.setMaskBit(pi); wasSet && masked {
			return
		}
		idx := r.inlierCount.reserve(len(r.inliers))
		if idx < 0 {
			return
		}
		r.inliers[idx] = int32(pi)
	})
	return r.inlierCount.count()
}

// setMaskBit atomically sets the mask bit for raster index pi and reports
// whether it was already set.
func (r *Relocaliser) setMaskBit(pi int) bool {
	word := &r.mask[pi>>5]
	bit := uint32(1) << uint(pi&31)
	old := atomic.OrUint32(word, bit)
	return old&bit != 0
}

// maskBit reports the current mask state for raster index pi.
func (r *Relocaliser) maskBit(pi int) bool {
	return atomic.LoadUint32(&r.mask[pi>>5])&(uint32(1)<<uint(pi&31)) != 0
}
