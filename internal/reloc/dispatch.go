package reloc

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
)

// Dispatcher abstracts the data-parallel backend. Every phase of the
// relocaliser is expressed as a ParallelFor over one of {pixels,
// keypoints, candidates, inliers}; the algorithm is identical across
// backends, only the scheduling differs. There is no cooperative
// suspension inside a dispatch.
type Dispatcher interface {
	// ParallelFor invokes fn(i) for every i in [0, n). The order of
	// invocations is unspecified unless Deterministic reports true.
	ParallelFor(n int, fn func(i int))

	// Deterministic reports whether ParallelFor runs the body serially in
	// index order. Fixed-seed reproducibility is only guaranteed on a
	// deterministic dispatcher.
	Deterministic() bool
}

// SerialDispatcher runs every dispatch on the calling goroutine in index
// order. Combined with a fixed RNG seed it makes relocalisation
// byte-for-byte reproducible.
type SerialDispatcher struct{}

func (SerialDispatcher) ParallelFor(n int, fn func(i int)) {
	for i := 0; i < n; i++ {
		fn(i)
	}
}

func (SerialDispatcher) Deterministic() bool { return true }

// PoolDispatcher fans each dispatch out over a fixed number of workers in
// contiguous index chunks. This is the default, non-reproducible backend.
type PoolDispatcher struct {
	workers int
}

// NewPoolDispatcher creates a pool backend with the given worker count;
// workers <= 0 selects runtime.NumCPU().
func NewPoolDispatcher(workers int) *PoolDispatcher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &PoolDispatcher{workers: workers}
}

func (d *PoolDispatcher) ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	workers := d.workers
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		if lo >= n {
			break
		}
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				fn(i)
			}
		}(lo, hi)
	}
	wg.Wait()
}

func (d *PoolDispatcher) Deterministic() bool { return false }

// appendCounter is the concurrency-safe append primitive for the dense
// candidate and inlier prefixes. Workers reserve a slot index; -1 means
// the arena is full.
type appendCounter struct {
	n atomic.Int32
}

func (c *appendCounter) reset() { c.n.Store(0) }

func (c *appendCounter) reserve(capacity int) int {
	idx := c.n.Add(1) - 1
	if int(idx) >= capacity {
		c.n.Add(-1)
		return -1
	}
	return int(idx)
}

func (c *appendCounter) count() int { return int(c.n.Load()) }

// atomicFloat64 is the concurrency-safe accumulator used for the
// per-candidate energy reduction, implemented as a CAS loop on the IEEE
// bit pattern.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) store(v float64) { a.bits.Store(math.Float64bits(v)) }

func (a *atomicFloat64) load() float64 { return math.Float64frombits(a.bits.Load()) }

func (a *atomicFloat64) add(delta float64) {
	for {
		old := a.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if a.bits.CompareAndSwap(old, next) {
			return
		}
	}
}
