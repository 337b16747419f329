package reloc

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// inflatedEnergy demotes a candidate whose refinement failed; it keeps
// its prior pose but sorts behind every healthy candidate at the next
// halving.
const inflatedEnergy = 1e20

// RoundObserver is called after each halving round with the surviving
// candidate count and the best (lowest) energy in the pool. It runs on
// the relocalising goroutine between dispatches.
type RoundObserver func(round, candidates int, bestEnergy float64)

// Relocaliser estimates a camera-to-scene pose for single RGB-D frames
// using a frozen SCoRe forest and preemptive RANSAC. All per-frame
// buffers are arena-allocated at construction and reused, so one instance
// must not be used for two frames concurrently. The forest is read-only
// and may be shared between instances.
type Relocaliser struct {
	forest *Forest
	cfg    Config
	disp   Dispatcher

	width  int
	height int

	// Per-frame arenas.
	leafIndices []int32 // W*H*T leaf ids, pixel-major
	predictions *PredictionsImage
	candidates  []PoseCandidate
	energies    []atomicFloat64
	candCount   appendCounter
	inliers     []int32
	inlierCount appendCounter
	mask        []uint32 // W*H bitset guarding masked inlier draws

	observer RoundObserver
}

// New constructs a relocaliser for frames of the given dimensions.
func New(forest *Forest, width, height int, cfg Config, disp Dispatcher) (*Relocaliser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	if disp == nil {
		disp = NewPoolDispatcher(0)
	}
	return &Relocaliser{
		forest:      forest,
		cfg:         cfg,
		disp:        disp,
		width:       width,
		height:      height,
		leafIndices: make([]int32, width*height*forest.TreeCount()),
		predictions: NewPredictionsImage(width, height, cfg.MaxModes),
		candidates:  make([]PoseCandidate, cfg.MaxCandidates),
		energies:    make([]atomicFloat64, cfg.MaxCandidates),
		inliers:     make([]int32, cfg.MaxInliers()),
		mask:        make([]uint32, (width*height+31)/32),
	}, nil
}

// Config returns the active configuration.
func (r *Relocaliser) Config() Config { return r.cfg }

// SetRoundObserver installs a per-round diagnostics hook (nil disables).
func (r *Relocaliser) SetRoundObserver(obs RoundObserver) { r.observer = obs }

// Predict runs the forest over the frame and merges the per-tree leaf
// mixtures into one prediction per keypoint. The returned image is owned
// by the relocaliser and valid until the next Predict call.
func (r *Relocaliser) Predict(kps *KeypointImage, desc *DescriptorImage) (*PredictionsImage, error) {
	if kps.Width != r.width || kps.Height != r.height {
		return nil, &ShapeMismatchError{Context: "predict keypoints",
			GotW: kps.Width, GotH: kps.Height, WantW: r.width, WantH: r.height}
	}
	if desc.Width != kps.Width || desc.Height != kps.Height {
		return nil, &ShapeMismatchError{Context: "predict descriptors",
			GotW: desc.Width, GotH: desc.Height, WantW: kps.Width, WantH: kps.Height}
	}
	if desc.FeatureCount != r.forest.FeatureCount {
		return nil, &ShapeMismatchError{Context: "descriptor features",
			GotW: desc.FeatureCount, GotH: 1, WantW: r.forest.FeatureCount, WantH: 1}
	}

	r.forest.EvaluateInto(desc, r.leafIndices, r.disp)
	r.disp.ParallelFor(r.width*r.height, func(i int) {
		r.mergePixel(i, kps, r.leafIndices, r.predictions)
	})
	return r.predictions, nil
}

// Relocalise estimates the camera pose for one frame. The frame proceeds
// strictly GENERATE -> (SCORE -> HALVE -> REFINE)* -> EMIT; ctx is polled
// only between phases, never inside a dispatch. Failure is reported as a
// *RelocError with one of the three FailReason values; everything else
// that can go wrong inside a frame is local and demotes or drops the
// affected candidate instead.
func (r *Relocaliser) Relocalise(ctx context.Context, kps *KeypointImage, preds *PredictionsImage) (Pose, error) {
	if kps.Width != r.width || kps.Height != r.height {
		return Pose{}, &ShapeMismatchError{Context: "relocalise keypoints",
			GotW: kps.Width, GotH: kps.Height, WantW: r.width, WantH: r.height}
	}
	if preds.Width != r.width || preds.Height != r.height {
		return Pose{}, &ShapeMismatchError{Context: "relocalise predictions",
			GotW: preds.Width, GotH: preds.Height, WantW: r.width, WantH: r.height}
	}

	if err := interruptErr(ctx); err != nil {
		return Pose{}, err
	}

	r.resetFrame()

	count := r.generateCandidates(kps, preds)
	if count == 0 {
		return Pose{}, &RelocError{Reason: FailEmptyCandidatePool}
	}
	if err := interruptErr(ctx); err != nil {
		return Pose{}, err
	}

	// First batch is unmasked; it still marks the mask so later rounds
	// cannot resample its indices.
	r.sampleInliers(kps, preds, false, 0)

	round := 0
	for count > 1 {
		if round >= r.cfg.MaxRounds {
			return Pose{}, &RelocError{Reason: FailTimeout}
		}
		if err := interruptErr(ctx); err != nil {
			return Pose{}, err
		}

		round++
		r.sampleInliers(kps, preds, true, round)
		r.scoreCandidates(count, kps, preds)
		r.refineCandidates(count, kps, preds)
		r.sortCandidates(count)
		count = (count + 1) / 2

		if r.observer != nil {
			r.observer(round, count, r.candidates[0].Energy)
		}
	}

	return r.candidates[0].Pose, nil
}

func (r *Relocaliser) resetFrame() {
	r.candCount.reset()
	r.inlierCount.reset()
	for i := range r.mask {
		r.mask[i] = 0
	}
}

// sortCandidates orders the live prefix by energy ascending; ties fall
// back to the original candidate index so the ordering is reproducible.
func (r *Relocaliser) sortCandidates(count int) {
	live := r.candidates[:count]
	sort.Slice(live, func(a, b int) bool {
		if live[a].Energy != live[b].Energy {
			return live[a].Energy < live[b].Energy
		}
		return live[a].origIdx < live[b].origIdx
	})
}

// interruptErr maps a cancelled or expired context onto the relocaliser
// failure taxonomy: a blown deadline is a frame-budget Timeout, anything
// else is a caller Cancellation.
func interruptErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &RelocError{Reason: FailTimeout}
		}
		return &RelocError{Reason: FailCancelled}
	}
	return nil
}
