package reloc

//
// 0) Frames & poses
//

// Pose is a rigid transform (camera -> scene). R is 3x3 row-major
// (r00..r02, r10..r12, r20..r22), T is the translation in metres.
type Pose struct {
	R [9]float64
	T [3]float64
}

// Identity returns the identity pose.
func Identity() Pose {
	return Pose{R: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// Apply transforms an eye-space point into scene space.
func (p Pose) Apply(x [3]float64) [3]float64 {
	return [3]float64{
		p.R[0]*x[0] + p.R[1]*x[1] + p.R[2]*x[2] + p.T[0],
		p.R[3]*x[0] + p.R[4]*x[1] + p.R[5]*x[2] + p.T[1],
		p.R[6]*x[0] + p.R[7]*x[1] + p.R[8]*x[2] + p.T[2],
	}
}

// Matrix returns the pose as a 4x4 row-major homogeneous matrix.
func (p Pose) Matrix() [16]float64 {
	return [16]float64{
		p.R[0], p.R[1], p.R[2], p.T[0],
		p.R[3], p.R[4], p.R[5], p.T[1],
		p.R[6], p.R[7], p.R[8], p.T[2],
		0, 0, 0, 1,
	}
}

//
// 1) Keypoints & descriptors
//

// Keypoint is a single valid-or-invalid image location with its 3D
// position in eye space and an RGB colour sample. The colour is a forest
// input feature only; the relocaliser core never scores on it.
type Keypoint struct {
	Position [3]float64
	Colour   [3]uint8
	Valid    bool
}

// KeypointImage holds one keypoint per pixel, raster index = y*Width + x.
type KeypointImage struct {
	Width  int
	Height int
	Points []Keypoint // len Width*Height
}

// NewKeypointImage allocates a keypoint image of the given dimensions.
func NewKeypointImage(width, height int) *KeypointImage {
	return &KeypointImage{
		Width:  width,
		Height: height,
		Points: make([]Keypoint, width*height),
	}
}

// DescriptorImage holds one opaque feature vector per pixel. The layout
// is dense: pixel i occupies Data[i*FeatureCount : (i+1)*FeatureCount].
type DescriptorImage struct {
	Width        int
	Height       int
	FeatureCount int
	Data         []float64 // len Width*Height*FeatureCount
}

// NewDescriptorImage allocates a descriptor image of the given dimensions.
func NewDescriptorImage(width, height, featureCount int) *DescriptorImage {
	return &DescriptorImage{
		Width:        width,
		Height:       height,
		FeatureCount: featureCount,
		Data:         make([]float64, width*height*featureCount),
	}
}

// At returns the descriptor for raster index i.
func (d *DescriptorImage) At(i int) []float64 {
	return d.Data[i*d.FeatureCount : (i+1)*d.FeatureCount]
}

//
// 2) Modal clusters & predictions
//

// Mode is one component of a per-keypoint Gaussian mixture over scene
// space: a mean, a symmetric positive-definite inverse covariance
// (row-major), the log-determinant of the covariance, and the number of
// training samples that produced the cluster.
type Mode struct {
	Mean    [3]float64
	InvCov  [9]float64
	LogDet  float64
	Samples uint32
	Colour  [3]uint8
}

// Prediction is the merged mixture for one keypoint: at most K modes
// sorted by sample count descending. An empty mode list marks the
// keypoint unusable for sampling and scoring.
type Prediction struct {
	Modes []Mode
}

// PredictionsImage holds one merged prediction per pixel. The per-pixel
// mode slices are arena-allocated once and reused across frames.
type PredictionsImage struct {
	Width  int
	Height int
	Preds  []Prediction
}

// NewPredictionsImage allocates a predictions image whose per-pixel mode
// lists have capacity maxModes.
func NewPredictionsImage(width, height, maxModes int) *PredictionsImage {
	img := &PredictionsImage{
		Width:  width,
		Height: height,
		Preds:  make([]Prediction, width*height),
	}
	for i := range img.Preds {
		img.Preds[i].Modes = make([]Mode, 0, maxModes)
	}
	return img
}

//
// 3) Pose candidates
//

// PoseCandidate is one hypothesis in the preemptive RANSAC pool: a pose,
// the three correspondences it was built from, and its current energy
// (lower is better).
type PoseCandidate struct {
	Pose   Pose
	Energy float64

	// The three (keypoint, mode) correspondences chosen by the generator.
	KeypointIdx  [3]int32
	ModeIdx      [3]int32
	CameraPoints [3][3]float64
	ScenePoints  [3][3]float64

	// origIdx breaks energy ties so the halving sort is reproducible.
	origIdx int32
	InUse   bool
}
