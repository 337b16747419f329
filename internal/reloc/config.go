package reloc

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the tuning parameters for one relocaliser instance. Use
// DefaultConfig for production defaults; a TOML file loaded with
// LoadFileConfig overrides only the fields it names.
type Config struct {
	// Candidate pool
	MaxCandidates    int // M_max: initial candidate pool size
	CandidateRetries int // per-slot sampling retry budget

	// Inlier sampling
	InlierBatch int // B: new inlier draws per round

	// Prediction merging
	MaxModes        int     // K: max modes per merged prediction
	MaxModesPerLeaf int     // K_in: cap on modes consumed per leaf
	MergeRadius     float64 // r_merge in metres

	// Candidate feasibility filters
	MinTripleDistance   float64 // d_min in metres
	RigidTolerance      float64 // tau_t in metres
	UseAllModes         bool
	CheckMinDistance    bool
	CheckRigidTransform bool

	// Preemptive loop / refinement
	MaxRounds  int // frame budget in halving rounds; 0 means "unset, derive"
	LMMaxIters int
	LMTolRel   float64

	RNGSeed uint64
}

// DefaultConfig returns the production-default parameters.
func DefaultConfig() Config {
	cfg := Config{
		MaxCandidates:       1024,
		CandidateRetries:    1000,
		InlierBatch:         500,
		MaxModes:            10,
		MaxModesPerLeaf:     50,
		MergeRadius:         0.005,
		MinTripleDistance:   0.3,
		RigidTolerance:      0.05,
		UseAllModes:         true,
		CheckMinDistance:    true,
		CheckRigidTransform: true,
		LMMaxIters:          10,
		LMTolRel:            1e-4,
		RNGSeed:             42,
	}
	cfg.MaxRounds = DeriveMaxRounds(cfg.MaxCandidates)
	return cfg
}

// DeriveMaxRounds returns the default round budget for a pool of size m:
// ceil(log2(m)) + 1, enough to halve the full pool down to one candidate.
func DeriveMaxRounds(m int) int {
	if m <= 1 {
		return 1
	}
	return int(math.Ceil(math.Log2(float64(m)))) + 1
}

// MaxInliers returns the inlier arena capacity implied by the config:
// one unmasked batch plus one masked batch per round.
func (c Config) MaxInliers() int {
	return (c.MaxRounds + 1) * c.InlierBatch
}

// Validate checks parameter ranges. MaxRounds of zero is permitted (it
// fails every frame with Timeout) because tests and budget probes use it.
func (c Config) Validate() error {
	if c.MaxCandidates < 1 {
		return fmt.Errorf("max_candidates must be >= 1, got %d", c.MaxCandidates)
	}
	if c.CandidateRetries < 1 {
		return fmt.Errorf("candidate_retries must be >= 1, got %d", c.CandidateRetries)
	}
	if c.InlierBatch < 1 {
		return fmt.Errorf("inlier_batch must be >= 1, got %d", c.InlierBatch)
	}
	if c.MaxModes < 1 {
		return fmt.Errorf("max_modes must be >= 1, got %d", c.MaxModes)
	}
	if c.MaxModesPerLeaf < 1 {
		return fmt.Errorf("max_modes_per_leaf must be >= 1, got %d", c.MaxModesPerLeaf)
	}
	if c.MergeRadius < 0 {
		return fmt.Errorf("merge_radius must be >= 0, got %g", c.MergeRadius)
	}
	if c.MinTripleDistance < 0 {
		return fmt.Errorf("min_triple_distance must be >= 0, got %g", c.MinTripleDistance)
	}
	if c.RigidTolerance < 0 {
		return fmt.Errorf("rigid_tolerance must be >= 0, got %g", c.RigidTolerance)
	}
	if c.MaxRounds < 0 {
		return fmt.Errorf("max_rounds must be >= 0, got %d", c.MaxRounds)
	}
	if c.LMMaxIters < 1 {
		return fmt.Errorf("lm_max_iters must be >= 1, got %d", c.LMMaxIters)
	}
	if c.LMTolRel <= 0 {
		return fmt.Errorf("lm_tol_rel must be > 0, got %g", c.LMTolRel)
	}
	return nil
}

// FileConfig is the on-disk TOML schema. All fields are pointers so a
// partial file overrides only what it names and everything else keeps its
// default (same overlay scheme as runtime parameter updates).
type FileConfig struct {
	MaxCandidates    *int `toml:"max_candidates"`
	CandidateRetries *int `toml:"candidate_retries"`
	InlierBatch      *int `toml:"inlier_batch"`

	MaxModes        *int     `toml:"max_modes"`
	MaxModesPerLeaf *int     `toml:"max_modes_per_leaf"`
	MergeRadius     *float64 `toml:"merge_radius"`

	MinTripleDistance   *float64 `toml:"min_triple_distance"`
	RigidTolerance      *float64 `toml:"rigid_tolerance"`
	UseAllModes         *bool    `toml:"use_all_modes"`
	CheckMinDistance    *bool    `toml:"check_min_distance"`
	CheckRigidTransform *bool    `toml:"check_rigid_transform"`

	MaxRounds  *int     `toml:"max_rounds"`
	LMMaxIters *int     `toml:"lm_max_iters"`
	LMTolRel   *float64 `toml:"lm_tol_rel"`

	RNGSeed *uint64 `toml:"rng_seed"`
}

// LoadFileConfig reads a TOML overlay from path.
func LoadFileConfig(path string) (*FileConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".toml" {
		return nil, fmt.Errorf("config file must have .toml extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc FileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}
	return &fc, nil
}

// Apply overlays the file values onto cfg and returns the result. If the
// file sets max_candidates but not max_rounds, the round budget is
// re-derived from the new pool size.
func (fc *FileConfig) Apply(cfg Config) (Config, error) {
	if fc.MaxCandidates != nil {
		cfg.MaxCandidates = *fc.MaxCandidates
		if fc.MaxRounds == nil {
			cfg.MaxRounds = DeriveMaxRounds(cfg.MaxCandidates)
		}
	}
	if fc.CandidateRetries != nil {
		cfg.CandidateRetries = *fc.CandidateRetries
	}
	if fc.InlierBatch != nil {
		cfg.InlierBatch = *fc.InlierBatch
	}
	if fc.MaxModes != nil {
		cfg.MaxModes = *fc.MaxModes
	}
	if fc.MaxModesPerLeaf != nil {
		cfg.MaxModesPerLeaf = *fc.MaxModesPerLeaf
	}
	if fc.MergeRadius != nil {
		cfg.MergeRadius = *fc.MergeRadius
	}
	if fc.MinTripleDistance != nil {
		cfg.MinTripleDistance = *fc.MinTripleDistance
	}
	if fc.RigidTolerance != nil {
		cfg.RigidTolerance = *fc.RigidTolerance
	}
	if fc.UseAllModes != nil {
		cfg.UseAllModes = *fc.UseAllModes
	}
	if fc.CheckMinDistance != nil {
		cfg.CheckMinDistance = *fc.CheckMinDistance
	}
	if fc.CheckRigidTransform != nil {
		cfg.CheckRigidTransform = *fc.CheckRigidTransform
	}
	if fc.MaxRounds != nil {
		cfg.MaxRounds = *fc.MaxRounds
	}
	if fc.LMMaxIters != nil {
		cfg.LMMaxIters = *fc.LMMaxIters
	}
	if fc.LMTolRel != nil {
		cfg.LMTolRel = *fc.LMTolRel
	}
	if fc.RNGSeed != nil {
		cfg.RNGSeed = *fc.RNGSeed
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
