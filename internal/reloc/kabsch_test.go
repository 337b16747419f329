package reloc

import (
	"math"
	"testing"
)

func floatEquals(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// poseDistance returns the Frobenius distance of R1*R2^T from identity
// and the Euclidean distance between the translations.
func poseDistance(a, b Pose) (rotErr, transErr float64) {
	var rrt [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				rrt[i*3+j] += a.R[i*3+k] * b.R[j*3+k]
			}
		}
	}
	ident := [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	for i := 0; i < 9; i++ {
		d := rrt[i] - ident[i]
		rotErr += d * d
	}
	rotErr = math.Sqrt(rotErr)
	transErr = math.Sqrt(sqDist(a.T, b.T))
	return rotErr, transErr
}

func rotZ(angle float64) [9]float64 {
	c, s := math.Cos(angle), math.Sin(angle)
	return [9]float64{c, -s, 0, s, c, 0, 0, 0, 1}
}

var testTriple = [][3]float64{{0, 0, 1}, {1, 0, 1}, {0, 1, 1}}

func TestKabschPureTranslation(t *testing.T) {
	want := Pose{R: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, T: [3]float64{2, 3, 4}}
	dst := make([][3]float64, len(testTriple))
	for i, p := range testTriple {
		dst[i] = want.Apply(p)
	}

	got, err := kabsch(testTriple, dst, nil)
	if err != nil {
		t.Fatalf("kabsch failed: %v", err)
	}
	rotErr, transErr := poseDistance(got, want)
	if rotErr > 1e-5 {
		t.Errorf("rotation error %g, want < 1e-5", rotErr)
	}
	if transErr > 1e-5 {
		t.Errorf("translation error %g, want < 1e-5 (got t=%v)", transErr, got.T)
	}
}

func TestKabschRotationRecovery(t *testing.T) {
	want := Pose{R: rotZ(math.Pi / 6)}
	dst := make([][3]float64, len(testTriple))
	for i, p := range testTriple {
		dst[i] = want.Apply(p)
	}

	got, err := kabsch(testTriple, dst, nil)
	if err != nil {
		t.Fatalf("kabsch failed: %v", err)
	}
	rotErr, transErr := poseDistance(got, want)
	if rotErr > 1e-4 {
		t.Errorf("rotation error %g, want < 1e-4", rotErr)
	}
	if transErr > 1e-4 {
		t.Errorf("translation error %g, want < 1e-4", transErr)
	}
}

func TestKabschGeneralRigidTransform(t *testing.T) {
	want := Pose{R: rotZ(-1.1), T: [3]float64{-0.5, 2.0, 0.25}}
	src := [][3]float64{{0.1, 0.2, 1.5}, {1.3, -0.4, 2.0}, {-0.7, 0.9, 1.1}, {0.4, 0.4, 3.0}}
	dst := make([][3]float64, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p)
	}

	got, err := kabsch(src, dst, nil)
	if err != nil {
		t.Fatalf("kabsch failed: %v", err)
	}
	rotErr, transErr := poseDistance(got, want)
	if rotErr > 1e-8 || transErr > 1e-8 {
		t.Errorf("exact recovery expected, got rotErr=%g transErr=%g", rotErr, transErr)
	}
}

func TestKabschWeightsFavourHeavyPoints(t *testing.T) {
	// Three exact correspondences plus one gross outlier. With the
	// outlier's weight at effectively zero the fit must still be exact.
	want := Pose{R: rotZ(0.4), T: [3]float64{1, -1, 0.5}}
	src := append([][3]float64{}, testTriple...)
	src = append(src, [3]float64{5, 5, 5})
	dst := make([][3]float64, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p)
	}
	dst[3] = [3]float64{-20, 13, 7} // corrupted

	got, err := kabsch(src, dst, []float64{1, 1, 1, 1e-12})
	if err != nil {
		t.Fatalf("kabsch failed: %v", err)
	}
	rotErr, transErr := poseDistance(got, want)
	if rotErr > 1e-5 || transErr > 1e-5 {
		t.Errorf("weighted fit should ignore outlier, got rotErr=%g transErr=%g", rotErr, transErr)
	}
}

func TestKabschDegenerateInputs(t *testing.T) {
	tests := []struct {
		name string
		src  [][3]float64
	}{
		{
			name: "collinear points",
			src:  [][3]float64{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}},
		},
		{
			name: "coincident points",
			src:  [][3]float64{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}},
		},
		{
			name: "empty set",
			src:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([][3]float64, len(tt.src))
			copy(dst, tt.src)
			if _, err := kabsch(tt.src, dst, nil); err == nil {
				t.Error("expected degenerate error, got nil")
			}
		})
	}
}
