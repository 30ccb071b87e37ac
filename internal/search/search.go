// Package search implements the client-side hash search engine: a parallel
// sweep of an assigned nonce range that reports its best solution whenever a
// new best is found and again, unconditionally, at the cutoff.
//
// The goroutine-per-worker/atomic-counter shape is carried over from the
// teacher's upstream failover manager (internal/rpc/upstream.go), which
// fans work out across a fixed worker count and coordinates shutdown with a
// context and WaitGroup.
package search

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/orepool/orepool/internal/hashx"
	"github.com/orepool/orepool/internal/util"
)

// MinDifficulty mirrors the server's scoring floor (spec.md glossary
// "MIN_DIFF: 8"). A worker thread only honors an early cutoff once its own
// local best has reached this bar; below it, the thread keeps scanning to
// the end of its assigned range regardless of elapsed time.
const MinDifficulty = 8

// Assignment is a StartMining frame's payload: the challenge to search and
// the disjoint nonce range this worker may scan.
type Assignment struct {
	Challenge  [32]byte
	NonceStart uint64
	NonceEnd   uint64
}

// Solution is a best-so-far result found by one or more worker goroutines.
type Solution struct {
	Nonce      uint64
	Digest     [16]byte
	Difficulty uint32
}

// Engine sweeps an Assignment's nonce range across runtime.NumCPU() worker
// goroutines, each with its own reusable hashx scratch buffer, and reports
// the global best solution through Updates whenever a worker improves on it.
// Run returns the final best once every worker has stopped, whether or not
// it was already published on Updates, so the caller can make the
// cutoff-driven final submission.
type Engine struct {
	workers int

	best   atomic.Value // Solution
	haveBest atomic.Bool

	Updates chan Solution
}

// NewEngine builds an Engine. workers <= 0 defaults to runtime.NumCPU().
func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Engine{
		workers: workers,
		Updates: make(chan Solution, workers),
	}
}

// Run scans the assignment until ctx is cancelled (the cutoff deadline
// belongs to the caller, via context.WithDeadline), fanning the range out
// evenly across workers. It returns the best solution found, or ok=false if
// no worker produced a candidate before ctx ended.
func (e *Engine) Run(ctx context.Context, a Assignment) (Solution, bool) {
	span := a.NonceEnd - a.NonceStart
	chunk := span / uint64(e.workers)
	if chunk == 0 {
		chunk = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < e.workers; w++ {
		start := a.NonceStart + uint64(w)*chunk
		end := start + chunk
		if w == e.workers-1 || end > a.NonceEnd {
			end = a.NonceEnd
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(workerID int, start, end uint64) {
			defer wg.Done()
			e.sweep(ctx, workerID, a.Challenge, start, end)
		}(w, start, end)
	}
	wg.Wait()

	if !e.haveBest.Load() {
		return Solution{}, false
	}
	return e.best.Load().(Solution), true
}

// sweep scans [start, end) on one worker goroutine, checking the cutoff
// every 100 nonces (spec.md §4.7 step 3) rather than on every iteration. The
// thread only honors that cutoff early when it already holds a candidate at
// or above MinDifficulty; otherwise it keeps scanning to the end of its
// assigned range even past ctx's deadline, matching
// original_source/client/src/mine.rs's "check every 100 nonces, break only
// if thread_best >= MIN_DIFF" loop.
func (e *Engine) sweep(ctx context.Context, workerID int, challenge [32]byte, start, end uint64) {
	scratch := hashx.NewScratch()
	var nb [8]byte
	var threadBest uint32

	for nonce := start; nonce < end; nonce++ {
		if (nonce-start)%100 == 0 && ctxDone(ctx) && threadBest >= MinDifficulty {
			return
		}

		putNonce(&nb, nonce)
		for _, r := range hashx.HashesWithMemory(scratch, challenge, nb) {
			if r.Difficulty > threadBest {
				threadBest = r.Difficulty
			}
			e.considerCandidate(Solution{Nonce: nonce, Digest: r.Digest, Difficulty: r.Difficulty})
		}
	}
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (e *Engine) considerCandidate(cand Solution) {
	for {
		if !e.haveBest.Load() {
			if e.haveBest.CompareAndSwap(false, true) {
				e.best.Store(cand)
				e.publish(cand)
				return
			}
			continue
		}
		current := e.best.Load().(Solution)
		if cand.Difficulty <= current.Difficulty {
			return
		}
		e.best.Store(cand)
		e.publish(cand)
		return
	}
}

func (e *Engine) publish(cand Solution) {
	select {
	case e.Updates <- cand:
	default:
		util.Debugf("search: update channel full, dropping intermediate solution at nonce %d", cand.Nonce)
	}
}

func putNonce(nb *[8]byte, nonce uint64) {
	for i := 0; i < 8; i++ {
		nb[i] = byte(nonce >> (8 * i))
	}
}
