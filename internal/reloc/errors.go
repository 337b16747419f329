package reloc

import "fmt"

// ForestErrKind classifies forest load failures.
type ForestErrKind string

const (
	ForestErrIO      ForestErrKind = "io"
	ForestErrFormat  ForestErrKind = "format"
	ForestErrVersion ForestErrKind = "version"
)

// ForestLoadError reports a failure while reading a frozen forest file.
type ForestLoadError struct {
	Kind ForestErrKind
	Path string
	Err  error
}

func (e *ForestLoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("forest load (%s) %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("forest load (%s): %v", e.Kind, e.Err)
}

func (e *ForestLoadError) Unwrap() error { return e.Err }

// ShapeMismatchError reports image dimensions that do not agree with the
// relocaliser or with each other.
type ShapeMismatchError struct {
	Context      string
	GotW, GotH   int
	WantW, WantH int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch in %s: got %dx%d, want %dx%d",
		e.Context, e.GotW, e.GotH, e.WantW, e.WantH)
}

// FailReason is why a frame could not be relocalised.
type FailReason string

const (
	FailEmptyCandidatePool FailReason = "empty_candidate_pool"
	FailTimeout            FailReason = "timeout"
	FailCancelled          FailReason = "cancelled"
)

// RelocError is the per-frame relocalisation failure returned by
// Relocalise. Refinement and sampling failures inside a frame are local
// and never surface as errors; only the three reasons above do.
type RelocError struct {
	Reason FailReason
}

func (e *RelocError) Error() string {
	return fmt.Sprintf("relocalisation failed: %s", e.Reason)
}

// IsRelocFail reports whether err is a RelocError with the given reason.
func IsRelocFail(err error, reason FailReason) bool {
	re, ok := err.(*RelocError)
	return ok && re.Reason == reason
}
