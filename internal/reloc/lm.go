package reloc

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Levenberg-Marquardt damping schedule. Damping grows by lmDampingStep on
// a rejected step and shrinks by the same factor on acceptance; beyond
// lmDampingMax the normal matrix is effectively singular and the
// refinement gives up.
const (
	lmInitialDamping = 1e-3
	lmDampingStep    = 10.0
	lmDampingMax     = 1e12
)

// expSE3 is the exponential map from a twist (omega, v) in se(3) to a
// rigid transform, with Taylor fallbacks near theta = 0.
func expSE3(omega, v [3]float64) Pose {
	theta2 := omega[0]*omega[0] + omega[1]*omega[1] + omega[2]*omega[2]
	theta := math.Sqrt(theta2)

	var a, b, c float64 // sin/theta, (1-cos)/theta^2, (theta-sin)/theta^3
	if theta < 1e-8 {
		a = 1 - theta2/6
		b = 0.5 - theta2/24
		c = 1.0/6 - theta2/120
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / theta2
		c = (theta - math.Sin(theta)) / (theta2 * theta)
	}

	w := skew(omega)
	w2 := matMul3(w, w)

	var pose Pose
	ident := [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	for i := 0; i < 9; i++ {
		pose.R[i] = ident[i] + a*w[i] + b*w2[i]
	}
	var vmat [9]float64
	for i := 0; i < 9; i++ {
		vmat[i] = ident[i] + b*w[i] + c*w2[i]
	}
	pose.T = rotate(vmat, v)
	return pose
}

// composePose returns a after b (i.e. a*b as homogeneous matrices).
func composePose(a, b Pose) Pose {
	var out Pose
	out.R = matMul3(a.R, b.R)
	out.T = a.Apply(b.T)
	return out
}

func skew(w [3]float64) [9]float64 {
	return [9]float64{
		0, -w[2], w[1],
		w[2], 0, -w[0],
		-w[1], w[0], 0,
	}
}

func matMul3(a, b [9]float64) [9]float64 {
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = a[i*3]*b[j] + a[i*3+1]*b[3+j] + a[i*3+2]*b[6+j]
		}
	}
	return out
}

func weightedCost(pose Pose, src, dst [][3]float64, w []float64) float64 {
	var cost float64
	for i := range src {
		cost += w[i] * sqDist(pose.Apply(src[i]), dst[i])
	}
	return cost
}

// lmRefine minimises sum_i w_i ||R x_i + t - mu_i||^2 over SE(3) starting
// from pose, using a left-multiplied twist update R,t <- exp(xi) * (R,t).
// It returns errDegenerate when the residual goes non-finite; a normal
// matrix that never becomes solvable just leaves the pose at its last
// accepted value.
func lmRefine(pose Pose, src, dst [][3]float64, w []float64, maxIters int, tolRel float64) (Pose, error) {
	if len(src) == 0 {
		return pose, errDegenerate
	}

	cost := weightedCost(pose, src, dst, w)
	if !isFinite(cost) {
		return pose, errDegenerate
	}

	damping := lmInitialDamping
	var aMat [36]float64
	var g [6]float64

	for iter := 0; iter < maxIters; iter++ {
		// Normal equations. For residual r = R x + t - mu and twist order
		// (omega, v) the Jacobian row block is [-skew(y) | I], y = R x + t.
		for i := range aMat {
			aMat[i] = 0
		}
		for i := range g {
			g[i] = 0
		}
		for i := range src {
			y := pose.Apply(src[i])
			r := [3]float64{y[0] - dst[i][0], y[1] - dst[i][1], y[2] - dst[i][2]}
			// J columns: omega_x, omega_y, omega_z, v_x, v_y, v_z.
			j := [3][6]float64{
				{0, y[2], -y[1], 1, 0, 0},
				{-y[2], 0, y[0], 0, 1, 0},
				{y[1], -y[0], 0, 0, 0, 1},
			}
			wi := w[i]
			for row := 0; row < 3; row++ {
				for p := 0; p < 6; p++ {
					g[p] += wi * j[row][p] * r[row]
					for q := p; q < 6; q++ {
						aMat[p*6+q] += wi * j[row][p] * j[row][q]
					}
				}
			}
		}
		for p := 0; p < 6; p++ {
			for q := 0; q < p; q++ {
				aMat[p*6+q] = aMat[q*6+p]
			}
		}

		accepted := false
		for damping <= lmDampingMax {
			var damped [36]float64
			copy(damped[:], aMat[:])
			for p := 0; p < 6; p++ {
				damped[p*6+p] += damping * math.Max(aMat[p*6+p], 1e-12)
			}

			sym := mat.NewSymDense(6, damped[:])
			var chol mat.Cholesky
			if !chol.Factorize(sym) {
				damping *= lmDampingStep
				continue
			}
			rhs := mat.NewVecDense(6, []float64{-g[0], -g[1], -g[2], -g[3], -g[4], -g[5]})
			var delta mat.VecDense
			if err := chol.SolveVecTo(&delta, rhs); err != nil {
				damping *= lmDampingStep
				continue
			}

			step := expSE3(
				[3]float64{delta.AtVec(0), delta.AtVec(1), delta.AtVec(2)},
				[3]float64{delta.AtVec(3), delta.AtVec(4), delta.AtVec(5)},
			)
			trial := composePose(step, pose)
			trialCost := weightedCost(trial, src, dst, w)
			if !isFinite(trialCost) {
				return pose, errDegenerate
			}
			if trialCost <= cost {
				relDrop := 0.0
				if cost > 0 {
					relDrop = (cost - trialCost) / cost
				}
				pose = trial
				cost = trialCost
				damping /= lmDampingStep
				accepted = true
				if relDrop < tolRel {
					return pose, nil
				}
				break
			}
			damping *= lmDampingStep
		}
		if !accepted {
			// Damping exhausted; the pose is as good as this basin gets.
			return pose, nil
		}
	}
	return pose, nil
}
