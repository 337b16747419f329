// Command gen-scene generates a synthetic frozen forest plus matching
// .gfrm frames with known ground-truth poses, for smoke testing the
// relocaliser end to end.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/reloc/internal/reloc"
)

var (
	outDir  = flag.String("o", "scene", "output directory")
	frames  = flag.Int("frames", 10, "number of frames")
	width   = flag.Int("w", 64, "frame width")
	height  = flag.Int("h", 48, "frame height")
	anchors = flag.Int("anchors", 256, "number of scene anchor points")
	trees   = flag.Int("trees", 5, "number of forest trees")
	sigma   = flag.Float64("sigma", 0.01, "mode standard deviation (metres)")
	seed    = flag.Int64("seed", 1, "generator seed")
)

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}

	// Scene anchors spread through a room-sized volume. Every anchor gets
	// its own forest leaf whose single mode is centred on it.
	points := make([][3]float64, *anchors)
	for i := range points {
		points[i] = [3]float64{
			rng.Float64()*6 - 3,
			rng.Float64()*6 - 3,
			rng.Float64() * 4,
		}
	}

	forest, err := buildForest(points, *trees, *sigma)
	if err != nil {
		log.Fatalf("Failed to build forest: %v", err)
	}
	forestPath := filepath.Join(*outDir, "scene.gfor")
	if err := reloc.SaveForest(forestPath, forest); err != nil {
		log.Fatalf("Failed to write forest: %v", err)
	}
	log.Printf("Wrote %s (%d trees, %d anchors)", forestPath, *trees, *anchors)

	truthPath := filepath.Join(*outDir, "truth.csv")
	truthFile, err := os.Create(truthPath)
	if err != nil {
		log.Fatalf("Failed to create truth file: %v", err)
	}
	truth := csv.NewWriter(truthFile)

	for f := 0; f < *frames; f++ {
		pose := randomPose(rng)
		frame := buildFrame(points, pose, *width, *height, rng)
		name := fmt.Sprintf("frame_%03d", f)
		if err := reloc.SaveFrame(filepath.Join(*outDir, name+".gfrm"), frame); err != nil {
			log.Fatalf("Failed to write frame %s: %v", name, err)
		}
		writeTruthRow(truth, name, pose)
	}
	truth.Flush()
	if err := truthFile.Close(); err != nil {
		log.Fatalf("Failed to close truth file: %v", err)
	}
	log.Printf("Wrote %d frames and %s", *frames, truthPath)
}

// buildForest makes each tree a balanced binary search tree over feature
// 0, routing descriptor value (anchor+0.5)/len(points) to a leaf with a
// single isotropic mode at the anchor.
func buildForest(points [][3]float64, treeCount int, sigma float64) (*reloc.Forest, error) {
	inv := 1 / (sigma * sigma)
	logDet := 6 * math.Log(sigma) // log(sigma^2)^3

	built := make([]reloc.Tree, treeCount)
	for t := range built {
		var nodes []reloc.Node
		var anchorOf []int // parallel to nodes; -1 for internal

		var build func(lo, hi int) int32
		build = func(lo, hi int) int32 {
			idx := int32(len(nodes))
			nodes = append(nodes, reloc.Node{})
			anchorOf = append(anchorOf, -1)
			if hi-lo == 1 {
				nodes[idx] = reloc.Node{Left: -1, Right: -1}
				anchorOf[idx] = lo
				return idx
			}
			mid := (lo + hi) / 2
			threshold := float64(mid) / float64(len(points))
			left := build(lo, mid)
			right := build(mid, hi)
			nodes[idx] = reloc.Node{Left: left, Right: right, Feature: 0, Threshold: threshold}
			return idx
		}
		build(0, len(points))

		var leafModes [][]reloc.Mode
		for ni := range nodes {
			if !nodes[ni].IsLeaf() {
				continue
			}
			p := points[anchorOf[ni]]
			leafModes = append(leafModes, []reloc.Mode{{
				Mean:    p,
				InvCov:  [9]float64{inv, 0, 0, 0, inv, 0, 0, 0, inv},
				LogDet:  logDet,
				Samples: 100,
			}})
		}
		built[t] = reloc.Tree{Nodes: nodes, LeafModes: leafModes}
	}
	return reloc.NewForest(built, 1, 1)
}

// randomPose draws a modest rotation about a random axis plus a
// room-scale translation.
func randomPose(rng *rand.Rand) reloc.Pose {
	angle := (rng.Float64() - 0.5) * math.Pi / 2
	axis := [3]float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	norm := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	for i := range axis {
		axis[i] = axis[i] / norm * angle
	}
	// Rodrigues via the exponential map.
	pose := reloc.Identity()
	pose = composeRotation(pose, axis)
	pose.T = [3]float64{rng.Float64()*2 - 1, rng.Float64()*2 - 1, rng.Float64()}
	return pose
}

func composeRotation(pose reloc.Pose, omega [3]float64) reloc.Pose {
	theta := math.Sqrt(omega[0]*omega[0] + omega[1]*omega[1] + omega[2]*omega[2])
	if theta < 1e-12 {
		return pose
	}
	c, s := math.Cos(theta), math.Sin(theta)
	u := [3]float64{omega[0] / theta, omega[1] / theta, omega[2] / theta}
	var r [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := (1 - c) * u[i] * u[j]
			if i == j {
				v += c
			}
			r[i*3+j] = v
		}
	}
	r[1] -= s * u[2]
	r[2] += s * u[1]
	r[3] += s * u[2]
	r[5] -= s * u[0]
	r[6] -= s * u[1]
	r[7] += s * u[0]
	pose.R = r
	return pose
}

// buildFrame projects the scene anchors into eye space under the inverse
// of the ground-truth pose, so relocalising the frame should recover it.
func buildFrame(points [][3]float64, pose reloc.Pose, w, h int, rng *rand.Rand) *reloc.Frame {
	frame := &reloc.Frame{
		Keypoints:   reloc.NewKeypointImage(w, h),
		Descriptors: reloc.NewDescriptorImage(w, h, 1),
	}
	// Inverse pose: scene -> camera.
	var rt [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt[i*3+j] = pose.R[j*3+i]
		}
	}
	for i := range frame.Keypoints.Points {
		a := rng.Intn(len(points))
		p := points[a]
		d := [3]float64{p[0] - pose.T[0], p[1] - pose.T[1], p[2] - pose.T[2]}
		kp := &frame.Keypoints.Points[i]
		kp.Valid = true
		kp.Position = [3]float64{
			rt[0]*d[0] + rt[1]*d[1] + rt[2]*d[2],
			rt[3]*d[0] + rt[4]*d[1] + rt[5]*d[2],
			rt[6]*d[0] + rt[7]*d[1] + rt[8]*d[2],
		}
		frame.Descriptors.At(i)[0] = (float64(a) + 0.5) / float64(len(points))
	}
	return frame
}

func writeTruthRow(w *csv.Writer, frameID string, pose reloc.Pose) {
	row := make([]string, 0, 14)
	row = append(row, frameID, "OK")
	for _, v := range pose.R {
		row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
	}
	for _, v := range pose.T {
		row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := w.Write(row); err != nil {
		log.Printf("Failed to write truth row: %v", err)
	}
}
