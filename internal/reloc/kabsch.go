package reloc

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// errDegenerate is returned when a correspondence set is (near) collinear
// or otherwise rank-deficient, so no unique rotation exists. It is always
// handled locally: the candidate slot retries or the refinement demotes.
var errDegenerate = errors.New("degenerate correspondence set")

// kabschAccum accumulates the weighted sufficient statistics for a Kabsch
// fit: total weight, weighted sums of both point sets and the weighted
// cross-moment matrix. It lets callers stream correspondences in a single
// pass without storing them.
type kabschAccum struct {
	w     float64
	srcW  [3]float64
	dstW  [3]float64
	cross [9]float64 // sum of w * src * dst^T, row-major
}

func (a *kabschAccum) add(src, dst [3]float64, w float64) {
	a.w += w
	for i := 0; i < 3; i++ {
		a.srcW[i] += w * src[i]
		a.dstW[i] += w * dst[i]
		for j := 0; j < 3; j++ {
			a.cross[i*3+j] += w * src[i] * dst[j]
		}
	}
}

// solve computes the optimal rotation and translation mapping the source
// set onto the destination set under weighted Frobenius norm. It fails
// with errDegenerate when the centred cross-covariance is rank < 2.
func (a *kabschAccum) solve() (Pose, error) {
	if a.w <= 0 {
		return Pose{}, errDegenerate
	}

	var srcMean, dstMean [3]float64
	for i := 0; i < 3; i++ {
		srcMean[i] = a.srcW[i] / a.w
		dstMean[i] = a.dstW[i] / a.w
	}

	// Centred cross-covariance H = sum w (src - srcMean)(dst - dstMean)^T.
	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h.Set(i, j, a.cross[i*3+j]-a.w*srcMean[i]*dstMean[j])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return Pose{}, errDegenerate
	}
	vals := svd.Values(nil)
	// Three exact point correspondences give rank 2; anything below that
	// (collinear or coincident points) has no unique rotation.
	scale := vals[0]
	if scale == 0 || !isFinite(scale) {
		return Pose{}, errDegenerate
	}
	if vals[1]/scale < 1e-9 {
		return Pose{}, errDegenerate
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * diag(1, 1, det(V U^T)) * U^T keeps R in SO(3).
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := mat.Det(&vut)

	var corr mat.Dense
	corr.CloneFrom(&v)
	if d < 0 {
		for i := 0; i < 3; i++ {
			corr.Set(i, 2, -corr.At(i, 2))
		}
	}
	var rm mat.Dense
	rm.Mul(&corr, u.T())

	var pose Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pose.R[i*3+j] = rm.At(i, j)
			if !isFinite(pose.R[i*3+j]) {
				return Pose{}, errDegenerate
			}
		}
	}
	rotated := rotate(pose.R, srcMean)
	for i := 0; i < 3; i++ {
		pose.T[i] = dstMean[i] - rotated[i]
	}
	return pose, nil
}

// kabsch fits a rigid transform mapping src onto dst with the given
// weights (nil means unit weights).
func kabsch(src, dst [][3]float64, weights []float64) (Pose, error) {
	var acc kabschAccum
	for i := range src {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		acc.add(src[i], dst[i], w)
	}
	return acc.solve()
}

func rotate(r [9]float64, x [3]float64) [3]float64 {
	return [3]float64{
		r[0]*x[0] + r[1]*x[1] + r[2]*x[2],
		r[3]*x[0] + r[4]*x[1] + r[5]*x[2],
		r[6]*x[0] + r[7]*x[1] + r[8]*x[2],
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sqDist(a, b [3]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return dx*dx + dy*dy + dz*dz
}
